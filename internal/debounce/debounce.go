// Package debounce coalesces bursts of mutations into periodic flushes: a
// single-slot signal channel plus a writer goroutine that sleeps a fixed
// interval before flushing.
package debounce

import (
	"sync"
	"time"

	"brood/internal/async"
	"brood/internal/logging"
)

// DefaultInterval is the coalescing window.
const DefaultInterval = 2 * time.Second

// Writer runs flush at most once per interval while triggers keep arriving.
// A flush failure is logged; the pending signal is re-armed so the next
// interval retries.
type Writer struct {
	interval time.Duration
	flush    func() error
	logger   logging.Logger

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWriter starts the writer goroutine.
func NewWriter(interval time.Duration, flush func() error, logger logging.Logger) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	w := &Writer{
		interval: interval,
		flush:    flush,
		logger:   logging.OrNop(logger),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	async.Go(w.logger, "debounce-writer", func() {
		defer w.wg.Done()
		w.run()
	})
	return w
}

// Trigger marks state dirty. Multiple triggers within one window coalesce
// into a single flush.
func (w *Writer) Trigger() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
		}

		select {
		case <-w.done:
			// Close flushes; skip the interval sleep.
			w.doFlush()
			return
		case <-time.After(w.interval):
		}
		if !w.doFlush() {
			w.Trigger()
		}
	}
}

func (w *Writer) doFlush() bool {
	if err := w.flush(); err != nil {
		w.logger.Error("Debounced flush failed: %v", err)
		return false
	}
	return true
}

// Close stops the writer after one final flush of any pending state.
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()
		// Drain a pending trigger that arrived after the goroutine exited.
		select {
		case <-w.signal:
			w.doFlush()
		default:
		}
	})
}
