package main

import (
	"context"
	"sync"

	"brood/internal/dragon"
	"brood/internal/logging"
	"brood/internal/prompt"
)

// sessionHub routes worker ask_user prompts to a connected session. With no
// client connected the prompt resolves to the no-response marker so kobolds
// never block on an empty room.
type sessionHub struct {
	mu       sync.Mutex
	sessions []*dragon.Session
	logger   logging.Logger
}

func newSessionHub(logger logging.Logger) *sessionHub {
	return &sessionHub{logger: logging.OrNop(logger)}
}

func (h *sessionHub) add(s *dragon.Session) {
	h.mu.Lock()
	h.sessions = append(h.sessions, s)
	h.mu.Unlock()
}

func (h *sessionHub) remove(s *dragon.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.sessions {
		if existing == s {
			h.sessions = append(h.sessions[:i], h.sessions[i+1:]...)
			return
		}
	}
}

// Ask forwards the question to the most recently connected session.
func (h *sessionHub) Ask(ctx context.Context, question, extra string) (string, error) {
	h.mu.Lock()
	var target *dragon.Session
	if n := len(h.sessions); n > 0 {
		target = h.sessions[n-1]
	}
	h.mu.Unlock()

	if target == nil {
		h.logger.Warn("ask_user with no connected session: %s", question)
		return prompt.NoResponseMarker, nil
	}
	return target.Ask(ctx, question, extra)
}
