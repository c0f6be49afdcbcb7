// Package prompt implements the ask-user round trip: a future keyed by a
// freshly-minted prompt id, resolved by the transport or by timeout.
package prompt

import (
	"context"
	"sync"
	"time"

	"brood/internal/id"
	"brood/internal/logging"
)

// NoResponseMarker is the fixed answer returned when a prompt times out or
// the session is cancelled before the user replies.
const NoResponseMarker = "[no response]"

// Pending is one outstanding question.
type Pending struct {
	PromptID string
	Question string
	Context  string
	answer   chan string
}

// Broker tracks outstanding prompts for one session.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*Pending
	timeout time.Duration
	notify  func(Pending)
	logger  logging.Logger
}

// NewBroker creates a broker. notify is called with each new prompt so the
// transport can forward it; timeout bounds how long Ask blocks.
func NewBroker(timeout time.Duration, notify func(Pending)) *Broker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Broker{
		pending: make(map[string]*Pending),
		timeout: timeout,
		notify:  notify,
		logger:  logging.NewComponentLogger("prompt-broker"),
	}
}

// Ask posts a question and blocks until resolution, timeout or cancellation.
// Timeout and cancellation resolve to the no-response marker, not an error.
func (b *Broker) Ask(ctx context.Context, question, extra string) (string, error) {
	p := &Pending{
		PromptID: id.NewPromptID(),
		Question: question,
		Context:  extra,
		answer:   make(chan string, 1),
	}

	b.mu.Lock()
	b.pending[p.PromptID] = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, p.PromptID)
		b.mu.Unlock()
	}()

	if b.notify != nil {
		b.notify(*p)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case answer := <-p.answer:
		return answer, nil
	case <-timer.C:
		b.logger.Warn("Prompt %s timed out after %v", p.PromptID, b.timeout)
		return NoResponseMarker, nil
	case <-ctx.Done():
		return NoResponseMarker, nil
	}
}

// Resolve delivers the user's answer. Unknown or already-resolved prompt ids
// are ignored and reported false.
func (b *Broker) Resolve(promptID, answer string) bool {
	b.mu.Lock()
	p, ok := b.pending[promptID]
	if ok {
		delete(b.pending, promptID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	p.answer <- answer
	return true
}

// PendingCount reports how many prompts are awaiting answers.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
