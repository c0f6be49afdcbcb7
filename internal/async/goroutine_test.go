package async

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) logf(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *recordingLogger) Debug(format string, args ...any) { l.logf(format, args...) }
func (l *recordingLogger) Info(format string, args ...any)  { l.logf(format, args...) }
func (l *recordingLogger) Warn(format string, args ...any)  { l.logf(format, args...) }
func (l *recordingLogger) Error(format string, args ...any) { l.logf(format, args...) }

func (l *recordingLogger) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &recordingLogger{}

	Go(logger, "exploding-worker", func() {
		panic("boom")
	})

	require.Eventually(t, func() bool {
		return strings.Contains(logger.joined(), "exploding-worker")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, logger.joined(), "boom")
}

func TestGoRunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "worker", func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
}

func TestRecoverWithNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover(nil, "")
		panic("boom")
	})
}
