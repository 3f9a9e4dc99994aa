// Package providers implements the upstream LLM adapters. Every adapter
// normalizes its provider's wire format to the OpenAI chat completions shape:
// non-streaming calls return a ChatResponse, streaming calls emit
// SSE-formatted chat.completion.chunk frames ending with "data: [DONE]".
package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"routebrain/internal/types"
)

// StreamChunk is one SSE frame of a streaming completion, or a mid-stream
// error. After an Err chunk the channel closes.
type StreamChunk struct {
	Data string
	Err  error
}

// Provider is the adapter surface the routing engine dispatches to.
type Provider interface {
	Name() string
	ChatCompletion(ctx context.Context, req *types.ChatRequest, model string) (*types.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req *types.ChatRequest, model string) (<-chan StreamChunk, error)
	HealthCheck(ctx context.Context) error
}

const defaultTimeout = 120 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// SSELine wraps a JSON payload as one SSE data frame.
func SSELine(data string) string {
	return fmt.Sprintf("data: %s\n\n", data)
}

// SSEDone is the stream terminator frame.
func SSEDone() string {
	return "data: [DONE]\n\n"
}

// flattenMessages converts request messages to the simple role/content shape
// every upstream accepts. Multimodal parts collapse to their text.
func flattenMessages(req *types.ChatRequest) []map[string]string {
	out := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		out = append(out, map[string]string{"role": m.Role, "content": m.TextContent()})
	}
	return out
}

// splitSystem separates the system prompt from conversation turns for
// upstreams that take the system prompt out of band.
func splitSystem(req *types.ChatRequest) (string, []map[string]string) {
	var system string
	var rest []map[string]string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.TextContent()
			continue
		}
		rest = append(rest, map[string]string{"role": m.Role, "content": m.TextContent()})
	}
	return system, rest
}
