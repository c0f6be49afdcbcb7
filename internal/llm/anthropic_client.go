package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"brood/internal/config"
	"brood/internal/logging"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicDefaultModel   = "claude-sonnet-4-20250514"
	anthropicAPIVersion     = "2023-06-01"
)

type anthropicClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewAnthropicClient builds a client for the Anthropic-style messages API.
func NewAnthropicClient(cfg config.ProviderConfig) Client {
	model := cfg.Model
	if model == "" {
		model = anthropicDefaultModel
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &anthropicClient{
		model:      model,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: newHTTPClient(cfg.TimeoutSeconds, 120*time.Second),
		logger:     logging.NewComponentLogger("anthropic-client"),
	}
}

func (c *anthropicClient) Model() string {
	return c.model
}

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ParameterSchema `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *anthropicClient) SendMessage(ctx context.Context, req Request) (*Response, error) {
	payload := anthropicRequest{
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		System:      req.SystemPrompt,
		Temperature: req.Temperature,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = 8192
	}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, anthropicMessage{
			Role:    msg.Role,
			Content: toAnthropicBlocks(msg.Content),
		})
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, anthropicTool(tool))
	}

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}

	var response anthropicResponse
	if err := httpJSON(ctx, c.httpClient, c.baseURL+"/v1/messages", headers, payload, &response); err != nil {
		return nil, err
	}

	out := &Response{
		StopReason: StopEndTurn,
		Usage: TokenUsage{
			PromptTokens:     response.Usage.InputTokens,
			CompletionTokens: response.Usage.OutputTokens,
		},
	}
	for _, block := range response.Content {
		switch block.Type {
		case "text":
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: block.Text})
		case "tool_use":
			out.Content = append(out.Content, ContentBlock{
				Type:      "tool_use",
				ToolUseID: block.ID,
				Name:      block.Name,
				Input:     block.Input,
			})
		}
	}
	if response.StopReason == "tool_use" || len(out.ToolUses()) > 0 {
		out.StopReason = StopToolUse
	}
	return out, nil
}

func toAnthropicBlocks(blocks []ContentBlock) []anthropicContentBlock {
	out := make([]anthropicContentBlock, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case "text":
			out = append(out, anthropicContentBlock{Type: "text", Text: block.Text})
		case "tool_use":
			out = append(out, anthropicContentBlock{
				Type:  "tool_use",
				ID:    block.ToolUseID,
				Name:  block.Name,
				Input: block.Input,
			})
		case "tool_result":
			out = append(out, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: block.ToolUseID,
				Content:   block.Text,
				IsError:   block.IsError,
			})
		}
	}
	return out
}
