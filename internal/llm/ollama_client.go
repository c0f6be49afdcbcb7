package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"brood/internal/config"
	"brood/internal/logging"
)

const ollamaDefaultBaseURL = "http://localhost:11434"

// ollamaClient talks to a local Ollama server's chat endpoint. Local models
// are slow, so the default outer timeout is 5 minutes.
type ollamaClient struct {
	model      string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOllamaClient builds a client for a local Ollama server.
func NewOllamaClient(cfg config.ProviderConfig) Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	return &ollamaClient{
		model:      cfg.Model,
		baseURL:    baseURL,
		httpClient: newHTTPClient(cfg.TimeoutSeconds, 5*time.Minute),
		logger:     logging.NewComponentLogger("ollama-client"),
	}
}

func (c *ollamaClient) Model() string {
	return c.model
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func (c *ollamaClient) SendMessage(ctx context.Context, req Request) (*Response, error) {
	payload := ollamaRequest{Model: c.model, Stream: false}
	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, toOllamaMessages(msg)...)
	}
	for _, tool := range req.Tools {
		var wire openaiTool
		wire.Type = "function"
		wire.Function.Name = tool.Name
		wire.Function.Description = tool.Description
		wire.Function.Parameters = tool.InputSchema
		payload.Tools = append(payload.Tools, wire)
	}

	var response ollamaResponse
	if err := httpJSON(ctx, c.httpClient, c.baseURL+"/api/chat", nil, payload, &response); err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", response.Error)
	}

	out := &Response{
		StopReason: StopEndTurn,
		Usage: TokenUsage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
		},
	}
	if response.Message.Content != "" {
		out.Content = append(out.Content, ContentBlock{Type: "text", Text: response.Message.Content})
	}
	for i, call := range response.Message.ToolCalls {
		out.Content = append(out.Content, ContentBlock{
			Type:      "tool_use",
			ToolUseID: fmt.Sprintf("ollama-call-%d", i),
			Name:      call.Function.Name,
			Input:     call.Function.Arguments,
		})
	}
	if len(out.ToolUses()) > 0 {
		out.StopReason = StopToolUse
	}
	return out, nil
}

func toOllamaMessages(msg Message) []ollamaMessage {
	switch msg.Role {
	case "assistant":
		wire := ollamaMessage{Role: "assistant", Content: msg.Text()}
		for _, use := range msg.ToolUses() {
			var call ollamaToolCall
			call.Function.Name = use.Name
			call.Function.Arguments = use.Input
			wire.ToolCalls = append(wire.ToolCalls, call)
		}
		return []ollamaMessage{wire}
	default:
		var out []ollamaMessage
		var text strings.Builder
		for _, block := range msg.Content {
			if block.Type == "tool_result" {
				content := block.Text
				if name := block.Name; name != "" {
					content = name + ": " + content
				}
				out = append(out, ollamaMessage{Role: "tool", Content: content})
				continue
			}
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() > 0 {
			out = append(out, ollamaMessage{Role: "user", Content: text.String()})
		}
		return out
	}
}
