package types

// MessageDelta is the message or delta body of a completion choice.
type MessageDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
}

// Choice is one completion alternative in an OpenAI-compatible response.
type Choice struct {
	Index        int           `json:"index"`
	Message      *MessageDelta `json:"message,omitempty"`
	Delta        *MessageDelta `json:"delta,omitempty"`
	FinishReason *string       `json:"finish_reason"`
}

// Usage reports token counts for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the normalized non-streaming completion response returned
// by every provider adapter.
type ChatResponse struct {
	ID                string         `json:"id"`
	Object            string         `json:"object"` // chat.completion
	Created           int64          `json:"created"`
	Model             string         `json:"model"`
	Choices           []Choice       `json:"choices"`
	Usage             *Usage         `json:"usage,omitempty"`
	SystemFingerprint string         `json:"system_fingerprint,omitempty"`

	// Routing metadata injected into non-streaming responses by the gateway.
	XRoutingDecision map[string]any `json:"x_routing_decision,omitempty"`
}
