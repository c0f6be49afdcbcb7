package llm

import (
	"context"
	"sync"
)

// MockClient replays a scripted sequence of responses; used across the test
// suites to drive agent loops deterministically.
type MockClient struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	calls     int
	Requests  []Request
}

// NewMockClient scripts the given responses in order. The last response is
// repeated once the script runs out.
func NewMockClient(responses ...*Response) *MockClient {
	return &MockClient{responses: responses}
}

// FailWith queues an error before the scripted responses are consumed.
func (m *MockClient) FailWith(errs ...error) *MockClient {
	m.errs = append(m.errs, errs...)
	return m
}

func (m *MockClient) Model() string {
	return "mock"
}

// Calls reports how many times SendMessage ran.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) SendMessage(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.Requests = append(m.Requests, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	if len(m.responses) == 0 {
		return &Response{StopReason: StopEndTurn, Content: []ContentBlock{{Type: "text", Text: "done"}}}, nil
	}
	resp := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return resp, nil
}

// TextResponse builds an end-turn response with one text block.
func TextResponse(text string) *Response {
	return &Response{StopReason: StopEndTurn, Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ToolUseResponse builds a tool-use response with one call.
func ToolUseResponse(id, name string, input map[string]any) *Response {
	return &Response{
		StopReason: StopToolUse,
		Content: []ContentBlock{
			{Type: "tool_use", ToolUseID: id, Name: name, Input: input},
		},
	}
}
