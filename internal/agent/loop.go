// Package agent runs the bounded multi-turn conversation loop shared by
// every worker in the hierarchy: call the provider, execute requested tools,
// feed results back, stop on a terminal reply or the iteration cap.
package agent

import (
	"context"
	"fmt"
	"strings"

	"brood/internal/llm"
	"brood/internal/logging"
	"brood/internal/tools"
)

// Outcome labels how a loop run terminated.
type Outcome string

const (
	OutcomeEndTurn       Outcome = "end_turn"
	OutcomeError         Outcome = "error"
	OutcomeNotConfigured Outcome = "not_configured"
	OutcomeMaxIterations Outcome = "max_iterations"
	OutcomeCancelled     Outcome = "cancelled"
)

// DefaultMaxIterations bounds a run unless the caller chooses otherwise.
const DefaultMaxIterations = 10

// Gateway is the slice of the provider gateway the loop needs.
type Gateway interface {
	SendMessage(ctx context.Context, messages []llm.Message, toolSchemas []llm.ToolSchema, systemPrompt string) *llm.Response
}

// Result is the terminal state of one loop run.
type Result struct {
	Outcome    Outcome
	Failed     bool
	FinalText  string
	ErrorText  string
	Iterations int
	// FinalTurnHadToolCalls gates the caller-side error-marker scan: a turn
	// that exercised tools is never scanned for error phrases.
	FinalTurnHadToolCalls bool
	Messages              []llm.Message
}

// Loop drives one agent conversation against a tool registry.
type Loop struct {
	gateway       Gateway
	registry      *tools.Registry
	maxIterations int
	logger        logging.Logger
}

// Config for the loop. Zero values fall back to defaults.
type Config struct {
	MaxIterations int
	Logger        logging.Logger
}

// New creates a loop over the given gateway and registry.
func New(gateway Gateway, registry *tools.Registry, cfg Config) *Loop {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	return &Loop{
		gateway:       gateway,
		registry:      registry,
		maxIterations: maxIter,
		logger:        logging.OrNop(cfg.Logger),
	}
}

// Run executes the conversation starting from one user message.
func (l *Loop) Run(ctx context.Context, systemPrompt, userMessage string) *Result {
	return l.RunMessages(ctx, systemPrompt, []llm.Message{llm.TextMessage("user", userMessage)})
}

// RunMessages executes the conversation from an existing message history.
// The returned Result carries the full history so callers can continue it.
func (l *Loop) RunMessages(ctx context.Context, systemPrompt string, messages []llm.Message) *Result {
	var schemas []llm.ToolSchema
	if l.registry != nil {
		schemas = l.registry.Definitions()
	}

	result := &Result{Messages: messages}

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		if ctx.Err() != nil {
			result.Outcome = OutcomeCancelled
			result.Failed = true
			result.ErrorText = ctx.Err().Error()
			return result
		}

		result.Iterations = iteration
		resp := l.gateway.SendMessage(ctx, result.Messages, schemas, systemPrompt)
		result.Messages = append(result.Messages, llm.Message{Role: "assistant", Content: resp.Content})
		result.FinalText = resp.Text()

		switch resp.StopReason {
		case llm.StopError:
			result.Outcome = OutcomeError
			result.Failed = true
			result.ErrorText = resp.Text()
			return result
		case llm.StopNotConfigured:
			result.Outcome = OutcomeNotConfigured
			result.Failed = true
			result.ErrorText = resp.Text()
			return result
		}

		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			result.Outcome = OutcomeEndTurn
			result.FinalTurnHadToolCalls = false
			return result
		}
		result.FinalTurnHadToolCalls = true

		result.Messages = append(result.Messages, l.executeTools(ctx, toolUses))
	}

	l.logger.Warn("Agent loop hit iteration cap (%d)", l.maxIterations)
	result.Outcome = OutcomeMaxIterations
	result.Failed = true
	result.ErrorText = fmt.Sprintf("reached maximum iterations (%d) without completing", l.maxIterations)
	return result
}

// executeTools runs every requested tool in registered order and folds all
// results into a single user message.
func (l *Loop) executeTools(ctx context.Context, toolUses []llm.ContentBlock) llm.Message {
	ordered := l.orderCalls(toolUses)

	blocks := make([]llm.ContentBlock, 0, len(ordered))
	for _, use := range ordered {
		call := tools.ToolCall{ID: use.ToolUseID, Name: use.Name, Input: use.Input}
		res := l.registry.Dispatch(ctx, call)

		block := llm.ContentBlock{Type: "tool_result", ToolUseID: use.ToolUseID}
		if res.Err != nil {
			block.IsError = true
			block.Text = res.Err.Error()
			l.logger.Warn("Tool %s failed: %v", use.Name, res.Err)
		} else {
			block.Text = res.Content
		}
		blocks = append(blocks, block)
	}
	return llm.Message{Role: "user", Content: blocks}
}

// orderCalls sorts requested tool uses by registration order, keeping the
// provider's order among calls to the same tool.
func (l *Loop) orderCalls(toolUses []llm.ContentBlock) []llm.ContentBlock {
	if l.registry == nil {
		return toolUses
	}
	ordered := make([]llm.ContentBlock, 0, len(toolUses))
	for _, name := range l.registry.Names() {
		for _, use := range toolUses {
			if use.Name == name {
				ordered = append(ordered, use)
			}
		}
	}
	// Unregistered tool names go last so Dispatch can report them unknown.
	for _, use := range toolUses {
		if _, err := l.registry.Get(use.Name); err != nil {
			ordered = append(ordered, use)
		}
	}
	return ordered
}

// errorMarkers is the fixed phrase set the fallback failure scan matches.
// Keep it short: the scan is a last resort for providers that surface
// failures inside assistant prose instead of the stop reason.
var errorMarkers = []string{
	"Error:",
	"Failed to",
	"NotConfigured",
	"I was unable to",
	"fatal:",
}

const markerScanWindow = 512

// ScanForErrorMarkers inspects the concluding window of the final assistant
// text for a known error phrase. The scan is skipped entirely when the final
// turn made tool calls, so incidental matches in task output never fire.
func ScanForErrorMarkers(finalText string, finalTurnHadToolCalls bool) (string, bool) {
	if finalTurnHadToolCalls {
		return "", false
	}
	window := finalText
	if len(window) > markerScanWindow {
		window = window[len(window)-markerScanWindow:]
	}
	for _, marker := range errorMarkers {
		if strings.Contains(window, marker) {
			return marker, true
		}
	}
	return "", false
}
