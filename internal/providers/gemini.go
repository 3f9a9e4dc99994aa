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

// geminiClient speaks the Gemini generateContent REST API and normalizes to
// the OpenAI shape. Streaming uses alt=sse, which frames the same JSON as
// SSE data lines.
type geminiClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *observability.Logger
}

// NewGemini builds the gemini adapter.
func NewGemini(apiKey, baseURL string, logger *observability.Logger) Provider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &geminiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(0),
		logger:     loggerOrNop(logger),
	}
}

func (c *geminiClient) Name() string { return "gemini" }

type geminiContent struct {
	Role  string `json:"role,omitempty"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

func geminiPart(text string) geminiContent {
	var gc geminiContent
	gc.Parts = []struct {
		Text string `json:"text"`
	}{{Text: text}}
	return gc
}

func (c *geminiClient) buildPayload(req *types.ChatRequest) map[string]any {
	var contents []geminiContent
	var system string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.TextContent()
		case "user":
			gc := geminiPart(m.TextContent())
			gc.Role = "user"
			contents = append(contents, gc)
		case "assistant":
			gc := geminiPart(m.TextContent())
			gc.Role = "model"
			contents = append(contents, gc)
		}
	}

	payload := map[string]any{"contents": contents}
	if system != "" {
		payload["systemInstruction"] = geminiPart(system)
	}
	config := map[string]any{}
	if req.Temperature != nil {
		config["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		config["maxOutputTokens"] = *req.MaxTokens
	}
	if len(config) > 0 {
		payload["generationConfig"] = config
	}
	return payload
}

func (c *geminiClient) post(ctx context.Context, url string, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)
	return c.httpClient.Do(httpReq)
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (r geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (c *geminiClient) ChatCompletion(ctx context.Context, req *types.ChatRequest, model string) (*types.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	resp, err := c.post(ctx, url, c.buildPayload(req))
	if err != nil {
		return nil, gatewayerrors.NewProviderError("gemini", err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gatewayerrors.NewProviderError("gemini",
			fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode)
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, gatewayerrors.NewProviderError("gemini", fmt.Errorf("decode response: %w", err), 0)
	}

	finish := "stop"
	response := &types.ChatResponse{
		ID:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.Choice{{
			Index:        0,
			Message:      &types.MessageDelta{Role: "assistant", Content: out.text()},
			FinishReason: &finish,
		}},
	}
	if out.UsageMetadata.TotalTokenCount > 0 {
		response.Usage = &types.Usage{
			PromptTokens:     out.UsageMetadata.PromptTokenCount,
			CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      out.UsageMetadata.TotalTokenCount,
		}
	}
	return response, nil
}

func (c *geminiClient) ChatCompletionStream(ctx context.Context, req *types.ChatRequest, model string) (<-chan StreamChunk, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	resp, err := c.post(ctx, url, c.buildPayload(req))
	if err != nil {
		return nil, gatewayerrors.NewProviderError("gemini", err, 0)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, gatewayerrors.NewProviderError("gemini",
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
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			var chunk geminiResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if text := chunk.text(); text != "" {
				if !emit(StreamChunk{Data: chunkFrame(chunkID, model, created, map[string]any{"content": text}, nil)}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			emit(StreamChunk{Err: gatewayerrors.NewProviderError("gemini", fmt.Errorf("read stream: %w", err), 0)})
			return
		}
		emit(StreamChunk{Data: chunkFrame(chunkID, model, created, map[string]any{}, "stop")})
		emit(StreamChunk{Data: SSEDone()})
	}()
	return out, nil
}

func (c *geminiClient) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)
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
