package llm

import (
	"context"
	"strings"

	"brood/internal/config"
	brooderrors "brood/internal/errors"
	"brood/internal/logging"
	"brood/internal/observability"
)

// Gateway wraps one provider client with the retry policy and the
// configuration gate. SendMessage never returns an error across the
// interface: failures surface as StopError / StopNotConfigured responses
// with the reason embedded in a text block.
type Gateway struct {
	client        Client
	provider      string
	retryConfig   brooderrors.RetryConfig
	notConfigured error
	logger        logging.Logger
}

// NewGateway resolves cfg to a concrete client. Missing or placeholder
// credentials produce a gateway that answers NotConfigured without touching
// the network.
func NewGateway(cfg config.ProviderConfig) *Gateway {
	gw := &Gateway{
		provider:    cfg.Provider,
		retryConfig: brooderrors.DefaultRetryConfig(),
		logger:      logging.NewComponentLogger("llm-gateway"),
	}

	if reason := credentialProblem(cfg); reason != "" {
		gw.notConfigured = brooderrors.NewNotConfiguredError(cfg.Provider, reason)
		return gw
	}

	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		gw.client = NewAnthropicClient(cfg)
	case "openai", "openai-compatible":
		gw.client = NewOpenAIClient(cfg)
	case "ollama":
		gw.client = NewOllamaClient(cfg)
	default:
		gw.notConfigured = brooderrors.NewNotConfiguredError(cfg.Provider, "unknown provider")
	}
	return gw
}

// NewGatewayWithClient wires a pre-built client; used by tests and the mock.
func NewGatewayWithClient(client Client, retryConfig brooderrors.RetryConfig) *Gateway {
	return &Gateway{
		client:      client,
		provider:    client.Model(),
		retryConfig: retryConfig,
		logger:      logging.NewComponentLogger("llm-gateway"),
	}
}

// credentialProblem reports why cfg cannot be used, empty when usable.
// A leading "${" marks an unresolved environment placeholder.
func credentialProblem(cfg config.ProviderConfig) string {
	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		return "no provider selected"
	}
	if provider == "ollama" {
		// Local server, no credentials; the model name is still required.
		if cfg.Model == "" || strings.HasPrefix(cfg.Model, "${") {
			return "no model configured"
		}
		return ""
	}
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return "missing api key"
	}
	if strings.HasPrefix(key, "${") {
		return "api key is an unresolved placeholder"
	}
	return ""
}

// Model returns the active model name, empty when not configured.
func (g *Gateway) Model() string {
	if g.client == nil {
		return ""
	}
	return g.client.Model()
}

// SendMessage runs one completion with retries. The response always carries
// a terminal stop reason; callers treat StopError and StopNotConfigured
// identically for task-failure purposes.
func (g *Gateway) SendMessage(ctx context.Context, messages []Message, tools []ToolSchema, systemPrompt string) *Response {
	if g.notConfigured != nil {
		observability.ProviderRequests.WithLabelValues(string(StopNotConfigured)).Inc()
		return &Response{
			StopReason: StopNotConfigured,
			Content:    []ContentBlock{{Type: "text", Text: g.notConfigured.Error()}},
		}
	}

	if estimate := EstimateRequestTokens(messages, systemPrompt); estimate > promptTokenWarnThreshold {
		g.logger.Warn("Large prompt: ~%d tokens for provider %s", estimate, g.provider)
	}

	req := Request{Messages: messages, Tools: tools, SystemPrompt: systemPrompt}
	resp, err := brooderrors.RetryWithResult(ctx, g.retryConfig, func(ctx context.Context) (*Response, error) {
		return g.client.SendMessage(ctx, req)
	}, g.logger)
	if err != nil {
		g.logger.Warn("Provider call failed after retries: %v", err)
		stop := StopError
		if brooderrors.IsNotConfigured(err) {
			stop = StopNotConfigured
		}
		observability.ProviderRequests.WithLabelValues(string(stop)).Inc()
		return &Response{
			StopReason: stop,
			Content:    []ContentBlock{{Type: "text", Text: err.Error()}},
		}
	}
	observability.ProviderRequests.WithLabelValues(string(resp.StopReason)).Inc()
	return resp
}
