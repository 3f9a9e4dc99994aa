package types

import (
	"encoding/json"
	"strings"
)

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     string            `json:"type"` // "text" or "image_url"
	Text     string            `json:"text,omitempty"`
	ImageURL map[string]string `json:"image_url,omitempty"`
}

// MessageContent holds either a plain string or a list of content parts.
// OpenAI clients send both shapes, so unmarshalling accepts both.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// NewMessageContent wraps plain text as a message body.
func NewMessageContent(text string) MessageContent {
	return MessageContent{Text: text}
}

// UnmarshalJSON accepts a JSON string or an array of content parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = MessageContent{}
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		return json.Unmarshal(data, &c.Text)
	}
	return json.Unmarshal(data, &c.Parts)
}

// MarshalJSON mirrors UnmarshalJSON: parts win over the plain string.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if len(c.Parts) > 0 {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// StringOrList accepts a JSON string or array of strings, as OpenAI's "stop"
// parameter does.
type StringOrList []string

func (s *StringOrList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StringOrList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = StringOrList(many)
	return nil
}

// ChatMessage is one turn of an OpenAI-compatible conversation.
type ChatMessage struct {
	Role       string         `json:"role"` // system, user, assistant, tool
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []map[string]any `json:"tool_calls,omitempty"`
}

// TextContent flattens the message body to plain text, joining text parts.
func (m ChatMessage) TextContent() string {
	if len(m.Content.Parts) == 0 {
		return m.Content.Text
	}
	var parts []string
	for _, p := range m.Content.Parts {
		if p.Type == "text" && p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, " ")
}

// ChatRequest is the OpenAI-compatible chat completions request body plus the
// ambient routing context injected by the auth and request-id middleware.
type ChatRequest struct {
	Model            string         `json:"model"`
	Messages         []ChatMessage  `json:"messages"`
	Stream           bool           `json:"stream,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxTokens        *int           `json:"max_tokens,omitempty"`
	TopP             *float64       `json:"top_p,omitempty"`
	FrequencyPenalty *float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64       `json:"presence_penalty,omitempty"`
	Stop             StringOrList   `json:"stop,omitempty"`
	Tools            []map[string]any `json:"tools,omitempty"`
	ToolChoice       any            `json:"tool_choice,omitempty"`
	User             string         `json:"user,omitempty"`
	ResponseFormat   map[string]any `json:"response_format,omitempty"`

	// Ambient context. Never read from the request body; middleware fills
	// these from headers and the API key record before routing starts.
	RequestID  string `json:"-"`
	TenantID   string `json:"-"`
	UserID     string `json:"-"`
	Department string `json:"-"`
}

// FullText concatenates the text of every message, space separated.
func (r *ChatRequest) FullText() string {
	var b strings.Builder
	for i, m := range r.Messages {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(m.TextContent())
	}
	return b.String()
}

// UserText concatenates only user-authored message text.
func (r *ChatRequest) UserText() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == "user" {
			parts = append(parts, m.TextContent())
		}
	}
	return strings.Join(parts, " ")
}
