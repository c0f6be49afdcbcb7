package dragon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"brood/internal/agent"
	"brood/internal/id"
	"brood/internal/llm"
	"brood/internal/logging"
	"brood/internal/project"
	"brood/internal/prompt"
	"brood/internal/tools"
)

const systemPrompt = `You are the orchestrator's front desk. You help the user describe software projects, turn those descriptions into specifications and shepherd them through the autonomous pipeline.

Guidelines:
- Write specifications as complete markdown documents with write_specification.
- A new specification starts as a Prototype; the pipeline only picks it up after approve_specification with the user's explicit "yes".
- Use list_projects to check status, and the verification tools when a project is awaiting verification.
- Keep replies short; the tools do the work.`

// Config wires one session.
type Config struct {
	Repo          *project.Repository
	Gateway       agent.Gateway
	Sink          Sink
	MaxIterations int
	PromptTimeout time.Duration
	Logger        logging.Logger
}

// Session is one connected client's agent. It also acts as the process-wide
// asker: kobold ask_user prompts surface here and travel to the client as
// prompt events.
type Session struct {
	ID string

	repo     *project.Repository
	loop     *agent.Loop
	registry *tools.Registry
	broker   *prompt.Broker
	sink     Sink
	logger   logging.Logger

	mu      sync.Mutex
	history []llm.Message
}

// NewSession builds the session and its tool set.
func NewSession(cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("dragon")
	}

	s := &Session{
		ID:       id.NewSessionID(),
		repo:     cfg.Repo,
		registry: tools.NewRegistry(),
		sink:     cfg.Sink,
		logger:   logger,
	}
	s.broker = prompt.NewBroker(cfg.PromptTimeout, func(p prompt.Pending) {
		s.emit(Event{Type: EventPrompt, PromptID: p.PromptID, Question: p.Question, Context: p.Context})
	})

	if err := s.registerTools(); err != nil {
		return nil, err
	}
	s.loop = agent.New(cfg.Gateway, s.registry, agent.Config{MaxIterations: cfg.MaxIterations, Logger: logger})
	return s, nil
}

// HandleUserMessage appends the message to the conversation, runs the agent
// loop and streams the outcome as events.
func (s *Session) HandleUserMessage(ctx context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, llm.TextMessage("user", text))
	result := s.loop.RunMessages(ctx, systemPrompt, s.history)
	s.history = result.Messages

	if result.Failed {
		s.emit(Event{Type: EventError, Message: result.ErrorText})
		return
	}
	if result.FinalText != "" {
		s.emit(Event{Type: EventAssistantText, Text: result.FinalText})
	}
}

// Ask satisfies the builtin Asker contract: worker ask_user calls surface as
// prompt events on this session and block on the broker.
func (s *Session) Ask(ctx context.Context, question, extra string) (string, error) {
	return s.broker.Ask(ctx, question, extra)
}

// ResolvePrompt delivers a prompt_response frame from the transport.
func (s *Session) ResolvePrompt(promptID, answer string) bool {
	return s.broker.Resolve(promptID, answer)
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

func (s *Session) emit(event Event) {
	if s.sink == nil {
		return
	}
	event.SessionID = s.ID
	s.sink(event)
}

// instrumented wraps a tool so its calls and results stream to the client.
type instrumented struct {
	inner tools.Tool
	s     *Session
}

func (i *instrumented) Definition() llm.ToolSchema { return i.inner.Definition() }

func (i *instrumented) Execute(ctx context.Context, call tools.ToolCall) *tools.ToolResult {
	name := i.inner.Definition().Name
	i.s.emit(Event{Type: EventToolCall, Tool: name, InputSummary: summarizeInput(call.Input)})

	res := i.inner.Execute(ctx, call)

	summary := ""
	if res != nil {
		if res.Err != nil {
			summary = "error: " + res.Err.Error()
		} else {
			summary = firstChars(res.Content, 200)
		}
	}
	i.s.emit(Event{Type: EventToolResult, Tool: name, ResultSummary: summary})
	return res
}

func summarizeInput(input map[string]any) string {
	out := ""
	for _, key := range []string{"project_name", "path", "action", "name", "confirmation"} {
		if v, ok := input[key].(string); ok && v != "" {
			if out != "" {
				out += " "
			}
			out += fmt.Sprintf("%s=%s", key, v)
		}
	}
	if out == "" {
		out = fmt.Sprintf("%d fields", len(input))
	}
	return out
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
