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

// ollamaClient talks to a local Ollama server over its native /api/chat
// endpoint (NDJSON streaming) and normalizes everything to the OpenAI shape.
type ollamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *observability.Logger
}

// NewOllama builds the ollama adapter. baseURL defaults to the local daemon.
func NewOllama(baseURL string, logger *observability.Logger) Provider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &ollamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(0),
		logger:     loggerOrNop(logger),
	}
}

func (c *ollamaClient) Name() string { return "ollama" }

func (c *ollamaClient) buildPayload(req *types.ChatRequest, model string, stream bool) map[string]any {
	payload := map[string]any{
		"model":    model,
		"messages": flattenMessages(req),
		"stream":   stream,
	}
	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	if len(options) > 0 {
		payload["options"] = options
	}
	return payload
}

func (c *ollamaClient) post(ctx context.Context, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(httpReq)
}

type ollamaChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

func (c *ollamaClient) ChatCompletion(ctx context.Context, req *types.ChatRequest, model string) (*types.ChatResponse, error) {
	resp, err := c.post(ctx, c.buildPayload(req, model, false))
	if err != nil {
		return nil, gatewayerrors.NewProviderError("ollama", err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gatewayerrors.NewProviderError("ollama",
			fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode)
	}

	var chunk ollamaChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return nil, gatewayerrors.NewProviderError("ollama", fmt.Errorf("decode response: %w", err), 0)
	}

	finish := "stop"
	out := &types.ChatResponse{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      &types.MessageDelta{Role: "assistant", Content: chunk.Message.Content},
			FinishReason: &finish,
		}},
	}
	if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
		out.Usage = &types.Usage{
			PromptTokens:     chunk.PromptEvalCount,
			CompletionTokens: chunk.EvalCount,
			TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
		}
	}
	return out, nil
}

func (c *ollamaClient) ChatCompletionStream(ctx context.Context, req *types.ChatRequest, model string) (<-chan StreamChunk, error) {
	resp, err := c.post(ctx, c.buildPayload(req, model, true))
	if err != nil {
		return nil, gatewayerrors.NewProviderError("ollama", err, 0)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, gatewayerrors.NewProviderError("ollama",
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

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var chunk ollamaChunk
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				continue
			}

			delta := map[string]any{}
			if chunk.Message.Content != "" {
				delta["content"] = chunk.Message.Content
			}
			var finish any
			if chunk.Done {
				finish = "stop"
			}
			if !emit(StreamChunk{Data: chunkFrame(chunkID, model, created, delta, finish)}) {
				return
			}
			if chunk.Done {
				emit(StreamChunk{Data: SSEDone()})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(StreamChunk{Err: gatewayerrors.NewProviderError("ollama", fmt.Errorf("read stream: %w", err), 0)})
			return
		}
		emit(StreamChunk{Data: SSEDone()})
	}()
	return out, nil
}

func (c *ollamaClient) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}
