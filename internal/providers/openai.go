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

	gatewayerrors "routebrain/internal/errors"
	"routebrain/internal/observability"
	"routebrain/internal/types"
)

// openAICompatible speaks the OpenAI chat completions wire format. It backs
// three registered providers: openai itself, self-hosted vLLM (same API, no
// auth by default), and Azure AI Foundry (same API, api-key header).
type openAICompatible struct {
	name       string
	baseURL    string
	apiKey     string
	authHeader string // "Authorization" or "api-key"
	query      string // extra query string, e.g. azure api-version
	httpClient *http.Client
	logger     *observability.Logger
}

// NewOpenAI builds the openai adapter. baseURL defaults to the public API.
func NewOpenAI(apiKey, baseURL string, logger *observability.Logger) Provider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &openAICompatible{
		name:       "openai",
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		authHeader: "Authorization",
		httpClient: newHTTPClient(0),
		logger:     loggerOrNop(logger),
	}
}

// NewVLLM builds an adapter for a self-hosted vLLM OpenAI-compatible server.
func NewVLLM(baseURL, apiKey string, logger *observability.Logger) Provider {
	return &openAICompatible{
		name:       "vllm",
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		authHeader: "Authorization",
		httpClient: newHTTPClient(0),
		logger:     loggerOrNop(logger),
	}
}

// NewAzure builds an adapter for an Azure AI Foundry deployment. endpoint is
// the full deployment base, e.g.
// https://myres.openai.azure.com/openai/deployments/gpt-4o.
func NewAzure(endpoint, apiKey, apiVersion string, logger *observability.Logger) Provider {
	if apiVersion == "" {
		apiVersion = "2024-10-21"
	}
	return &openAICompatible{
		name:       "azure",
		baseURL:    strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		authHeader: "api-key",
		query:      "api-version=" + apiVersion,
		httpClient: newHTTPClient(0),
		logger:     loggerOrNop(logger),
	}
}

func loggerOrNop(l *observability.Logger) *observability.Logger {
	if l == nil {
		return observability.Nop()
	}
	return l
}

func (c *openAICompatible) Name() string { return c.name }

func (c *openAICompatible) buildPayload(req *types.ChatRequest, model string, stream bool) map[string]any {
	payload := map[string]any{
		"model":    model,
		"messages": flattenMessages(req),
		"stream":   stream,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		payload["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		payload["presence_penalty"] = *req.PresencePenalty
	}
	if len(req.Stop) > 0 {
		payload["stop"] = []string(req.Stop)
	}
	return payload
}

func (c *openAICompatible) endpoint() string {
	url := c.baseURL + "/chat/completions"
	if c.query != "" {
		url += "?" + c.query
	}
	return url
}

func (c *openAICompatible) newRequest(ctx context.Context, payload map[string]any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		if c.authHeader == "api-key" {
			httpReq.Header.Set("api-key", c.apiKey)
		} else {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
	}
	return httpReq, nil
}

func (c *openAICompatible) ChatCompletion(ctx context.Context, req *types.ChatRequest, model string) (*types.ChatResponse, error) {
	httpReq, err := c.newRequest(ctx, c.buildPayload(req, model, false))
	if err != nil {
		return nil, gatewayerrors.NewProviderError(c.name, err, 0)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, gatewayerrors.NewProviderError(c.name, err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gatewayerrors.NewProviderError(c.name,
			fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode)
	}

	var out types.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, gatewayerrors.NewProviderError(c.name, fmt.Errorf("decode response: %w", err), 0)
	}
	out.Object = "chat.completion"
	out.Model = model
	return &out, nil
}

func (c *openAICompatible) ChatCompletionStream(ctx context.Context, req *types.ChatRequest, model string) (<-chan StreamChunk, error) {
	httpReq, err := c.newRequest(ctx, c.buildPayload(req, model, true))
	if err != nil {
		return nil, gatewayerrors.NewProviderError(c.name, err, 0)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, gatewayerrors.NewProviderError(c.name, err, 0)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, gatewayerrors.NewProviderError(c.name,
			fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode)
	}

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
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			if payload == "[DONE]" {
				emit(StreamChunk{Data: SSEDone()})
				return
			}
			if !emit(StreamChunk{Data: SSELine(payload)}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(StreamChunk{Err: gatewayerrors.NewProviderError(c.name, fmt.Errorf("read stream: %w", err), 0)})
			return
		}
		// Upstream closed without [DONE]; terminate the stream ourselves.
		emit(StreamChunk{Data: SSEDone()})
	}()
	return out, nil
}

func (c *openAICompatible) HealthCheck(ctx context.Context) error {
	url := c.baseURL + "/models"
	if c.query != "" {
		url += "?" + c.query
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		if c.authHeader == "api-key" {
			httpReq.Header.Set("api-key", c.apiKey)
		} else {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
	}
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
