package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	gatewayerrors "routebrain/internal/errors"
	"routebrain/internal/observability"
	"routebrain/internal/types"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// anthropicClient speaks the Anthropic Messages API and normalizes it to the
// OpenAI chat completions shape, including translating the event stream into
// chat.completion.chunk frames.
type anthropicClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *observability.Logger
}

// NewAnthropic builds the anthropic adapter.
func NewAnthropic(apiKey, baseURL string, logger *observability.Logger) Provider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &anthropicClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(0),
		logger:     loggerOrNop(logger),
	}
}

func (c *anthropicClient) Name() string { return "anthropic" }

func (c *anthropicClient) buildPayload(req *types.ChatRequest, model string, stream bool) map[string]any {
	system, messages := splitSystem(req)
	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	payload := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	return payload
}

func (c *anthropicClient) newRequest(ctx context.Context, payload map[string]any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

type anthropicMessage struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "", "end_turn", "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

func (c *anthropicClient) ChatCompletion(ctx context.Context, req *types.ChatRequest, model string) (*types.ChatResponse, error) {
	httpReq, err := c.newRequest(ctx, c.buildPayload(req, model, false))
	if err != nil {
		return nil, gatewayerrors.NewProviderError("anthropic", err, 0)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, gatewayerrors.NewProviderError("anthropic", err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gatewayerrors.NewProviderError("anthropic",
			fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode)
	}

	var msg anthropicMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, gatewayerrors.NewProviderError("anthropic", fmt.Errorf("decode response: %w", err), 0)
	}

	var content string
	if len(msg.Content) > 0 {
		content = msg.Content[0].Text
	}
	finish := mapStopReason(msg.StopReason)
	return &types.ChatResponse{
		ID:      msg.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      &types.MessageDelta{Role: "assistant", Content: content},
			FinishReason: &finish,
		}},
		Usage: &types.Usage{
			PromptTokens:     msg.Usage.InputTokens,
			CompletionTokens: msg.Usage.OutputTokens,
			TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}, nil
}

// chunkFrame renders one OpenAI-style chat.completion.chunk SSE frame.
func chunkFrame(chunkID, model string, created int64, delta map[string]any, finishReason any) string {
	chunk := map[string]any{
		"id":      chunkID,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "delta": delta, "finish_reason": finishReason},
		},
	}
	data, _ := json.Marshal(chunk)
	return SSELine(string(data))
}

func (c *anthropicClient) ChatCompletionStream(ctx context.Context, req *types.ChatRequest, model string) (<-chan StreamChunk, error) {
	httpReq, err := c.newRequest(ctx, c.buildPayload(req, model, true))
	if err != nil {
		return nil, gatewayerrors.NewProviderError("anthropic", err, 0)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, gatewayerrors.NewProviderError("anthropic", err, 0)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, gatewayerrors.NewProviderError("anthropic",
			fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode)
	}

	chunkID := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	created := time.Now().Unix()

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		emit := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(StreamChunk{Data: chunkFrame(chunkID, model, created, map[string]any{"role": "assistant"}, nil)}) {
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var event struct {
				Type  string `json:"type"`
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}

			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text == "" {
					continue
				}
				if !emit(StreamChunk{Data: chunkFrame(chunkID, model, created, map[string]any{"content": event.Delta.Text}, nil)}) {
					return
				}
			case "message_stop":
				emit(StreamChunk{Data: chunkFrame(chunkID, model, created, map[string]any{}, "stop")})
				emit(StreamChunk{Data: SSEDone()})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(StreamChunk{Err: gatewayerrors.NewProviderError("anthropic", fmt.Errorf("read stream: %w", err), 0)})
			return
		}
		emit(StreamChunk{Data: chunkFrame(chunkID, model, created, map[string]any{}, "stop")})
		emit(StreamChunk{Data: SSEDone()})
	}()
	return out, nil
}

func (c *anthropicClient) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}
