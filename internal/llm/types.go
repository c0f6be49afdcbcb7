// Package llm is the provider gateway: a uniform SendMessage surface over a
// fixed set of LLM backends, with retry/backoff on transient failures and a
// credentials gate that short-circuits to NotConfigured.
package llm

import "context"

// StopReason classifies how a completion ended.
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopToolUse       StopReason = "tool_use"
	StopError         StopReason = "error"
	StopNotConfigured StopReason = "not_configured"
)

// ContentBlock is one unit of model output or conversation input: either
// plain text or a tool-use request.
type ContentBlock struct {
	Type      string         `json:"type"` // "text" | "tool_use" | "tool_result"
	Text      string         `json:"text,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Message is a conversation message. Role is "user" or "assistant"; the
// system prompt travels separately on the request.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a single-block text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: "text", Text: text}}}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, block := range m.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// ToolUses returns the message's tool-use blocks in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, block := range m.Content {
		if block.Type == "tool_use" {
			uses = append(uses, block)
		}
	}
	return uses
}

// Property defines a single schema parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// ParameterSchema is the JSON-Schema subset tools describe inputs with.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// ToolSchema describes one tool for the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ParameterSchema `json:"input_schema"`
}

// Request carries one completion call.
type Request struct {
	Messages     []Message
	Tools        []ToolSchema
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the normalized completion result.
type Response struct {
	StopReason StopReason     `json:"stop_reason"`
	Content    []ContentBlock `json:"content"`
	Usage      TokenUsage     `json:"usage"`
}

// Text concatenates the response's text blocks.
func (r *Response) Text() string {
	var out string
	for _, block := range r.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// ToolUses returns the response's tool-use blocks in order.
func (r *Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, block := range r.Content {
		if block.Type == "tool_use" {
			uses = append(uses, block)
		}
	}
	return uses
}

// Client is a single LLM backend. Implementations normalize their native wire
// format to Request/Response and surface transport failures as errors; the
// gateway turns those into StopError responses.
type Client interface {
	SendMessage(ctx context.Context, req Request) (*Response, error)
	Model() string
}
