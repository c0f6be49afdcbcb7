package prompt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskResolvedByAnswer(t *testing.T) {
	notified := make(chan Pending, 1)
	b := NewBroker(time.Minute, func(p Pending) { notified <- p })

	done := make(chan string, 1)
	go func() {
		answer, err := b.Ask(context.Background(), "proceed?", "")
		require.NoError(t, err)
		done <- answer
	}()

	p := <-notified
	assert.Equal(t, "proceed?", p.Question)
	assert.True(t, b.Resolve(p.PromptID, "yes"))
	assert.Equal(t, "yes", <-done)
	assert.Equal(t, 0, b.PendingCount())
}

func TestAskTimesOutWithMarker(t *testing.T) {
	b := NewBroker(20*time.Millisecond, nil)

	answer, err := b.Ask(context.Background(), "anyone?", "")
	require.NoError(t, err)
	assert.Equal(t, NoResponseMarker, answer)
}

func TestAskCancelledWithMarker(t *testing.T) {
	b := NewBroker(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	answer, err := b.Ask(ctx, "anyone?", "")
	require.NoError(t, err)
	assert.Equal(t, NoResponseMarker, answer)
}

func TestResolveUnknownPromptIgnored(t *testing.T) {
	b := NewBroker(time.Minute, nil)
	assert.False(t, b.Resolve("pr-missing", "hello"))
}
