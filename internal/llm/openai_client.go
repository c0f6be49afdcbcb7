package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"brood/internal/config"
	"brood/internal/jsonx"
	"brood/internal/logging"
)

const (
	openaiDefaultBaseURL = "https://api.openai.com/v1"
	openaiDefaultModel   = "gpt-4o"
)

// openaiClient speaks the chat-completions wire format. It also serves
// OpenAI-compatible local servers through a custom base URL.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient builds a client for the OpenAI-style chat completions API.
func NewOpenAIClient(cfg config.ProviderConfig) Client {
	model := cfg.Model
	if model == "" {
		model = openaiDefaultModel
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return &openaiClient{
		model:      model,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: newHTTPClient(cfg.TimeoutSeconds, 120*time.Second),
		logger:     logging.NewComponentLogger("openai-client"),
	}
}

func (c *openaiClient) Model() string {
	return c.model
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  ParameterSchema `json:"parameters"`
	} `json:"function"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openaiClient) SendMessage(ctx context.Context, req Request) (*Response, error) {
	payload := openaiRequest{
		Model:       c.model,
		Messages:    c.buildMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, tool := range req.Tools {
		var wire openaiTool
		wire.Type = "function"
		wire.Function.Name = tool.Name
		wire.Function.Description = tool.Description
		wire.Function.Parameters = tool.InputSchema
		payload.Tools = append(payload.Tools, wire)
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var response openaiResponse
	if err := httpJSON(ctx, c.httpClient, c.baseURL+"/chat/completions", headers, payload, &response); err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return &Response{StopReason: StopEndTurn}, nil
	}

	choice := response.Choices[0]
	out := &Response{
		StopReason: StopEndTurn,
		Usage: TokenUsage{
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
		},
	}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, ContentBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, call := range choice.Message.ToolCalls {
		input := map[string]any{}
		if call.Function.Arguments != "" {
			// Arguments arrive as a JSON string; tolerate malformed payloads
			// by passing the raw text through for the tool layer to reject.
			if err := jsonx.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				input = map[string]any{"_raw": call.Function.Arguments}
			}
		}
		out.Content = append(out.Content, ContentBlock{
			Type:      "tool_use",
			ToolUseID: call.ID,
			Name:      call.Function.Name,
			Input:     input,
		})
	}
	if choice.FinishReason == "tool_calls" || len(out.ToolUses()) > 0 {
		out.StopReason = StopToolUse
	}
	return out, nil
}

// buildMessages flattens the block-structured conversation into the
// chat-completions shape: tool results become role=tool messages.
func (c *openaiClient) buildMessages(req Request) []openaiMessage {
	messages := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			wire := openaiMessage{Role: "assistant", Content: msg.Text()}
			for _, use := range msg.ToolUses() {
				var call openaiToolCall
				call.ID = use.ToolUseID
				call.Type = "function"
				call.Function.Name = use.Name
				if args, err := jsonx.Marshal(use.Input); err == nil {
					call.Function.Arguments = string(args)
				}
				wire.ToolCalls = append(wire.ToolCalls, call)
			}
			messages = append(messages, wire)
		default:
			var pending []ContentBlock
			for _, block := range msg.Content {
				if block.Type == "tool_result" {
					messages = append(messages, openaiMessage{
						Role:       "tool",
						Content:    block.Text,
						ToolCallID: block.ToolUseID,
					})
					continue
				}
				pending = append(pending, block)
			}
			if len(pending) > 0 {
				messages = append(messages, openaiMessage{Role: "user", Content: Message{Role: "user", Content: pending}.Text()})
			}
		}
	}
	return messages
}
