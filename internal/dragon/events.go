// Package dragon implements the interactive session agent: one per
// connected client, driving project registration, specification editing and
// verification controls through a fixed tool set. Assistant text and tool
// activity stream to the transport as typed events.
package dragon

// EventType discriminates session events.
type EventType string

const (
	EventAssistantText EventType = "assistant_text"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventPrompt        EventType = "prompt"
	EventSpecCreated   EventType = "specification_created"
	EventError         EventType = "error"
)

// Event is one frame of the session stream. Fields are populated per type.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`

	Text string `json:"text,omitempty"`

	Tool          string `json:"tool,omitempty"`
	InputSummary  string `json:"inputSummary,omitempty"`
	ResultSummary string `json:"resultSummary,omitempty"`

	PromptID string `json:"promptId,omitempty"`
	Question string `json:"question,omitempty"`
	Context  string `json:"context,omitempty"`

	ProjectName string `json:"projectName,omitempty"`
	Path        string `json:"path,omitempty"`

	Message string `json:"message,omitempty"`
}

// Sink receives session events; the transport fans them out to the client.
type Sink func(Event)
