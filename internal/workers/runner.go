// Package workers hosts the periodic services that drive the project
// pipeline: pre-analysis, analysis, execution, monitoring and verification.
// Each service runs on its own ticker with at most one active cycle.
package workers

import (
	"context"
	"sync"
	"time"

	"brood/internal/async"
	"brood/internal/logging"
	"brood/internal/observability"
)

// CycleFunc is one unit of periodic work.
type CycleFunc func(ctx context.Context)

// Runner fires a cycle on an interval. A tick that arrives while the
// previous cycle is still running is skipped with a warning, never queued.
type Runner struct {
	name     string
	interval time.Duration
	// offset delays the first cycle so co-scheduled runners do not all
	// hit the provider at once.
	offset time.Duration
	cycle  CycleFunc
	logger logging.Logger

	mu      sync.Mutex
	running bool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewRunner builds a runner; Start arms it.
func NewRunner(name string, interval, offset time.Duration, cycle CycleFunc, logger logging.Logger) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		offset:   offset,
		cycle:    cycle,
		logger:   logging.OrNop(logger),
		stop:     make(chan struct{}),
	}
}

// Start launches the tick loop. The first cycle fires after the stagger
// offset, then every interval.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	async.Go(r.logger, "worker-"+r.name, func() {
		defer r.wg.Done()
		r.loop(ctx)
	})
}

func (r *Runner) loop(ctx context.Context) {
	if r.offset > 0 {
		select {
		case <-time.After(r.offset):
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		}
	}

	r.spawnCycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.spawnCycle(ctx)
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		}
	}
}

// spawnCycle runs the cycle in its own goroutine so a slow cycle never
// blocks the ticker; overlap is prevented by the running flag.
func (r *Runner) spawnCycle(ctx context.Context) {
	if !r.acquire() {
		r.logger.Warn("%s: previous cycle still running, skipping tick", r.name)
		observability.SkippedTicks.WithLabelValues(r.name).Inc()
		return
	}
	r.wg.Add(1)
	async.Go(r.logger, r.name+"-cycle", func() {
		defer r.wg.Done()
		defer r.release()
		r.observeCycle(ctx)
	})
}

// RunOnce runs a single cycle synchronously. It reports false when another
// cycle is already active.
func (r *Runner) RunOnce(ctx context.Context) bool {
	if !r.acquire() {
		observability.SkippedTicks.WithLabelValues(r.name).Inc()
		return false
	}
	defer r.release()
	r.observeCycle(ctx)
	return true
}

func (r *Runner) observeCycle(ctx context.Context) {
	start := time.Now()
	r.cycle(ctx)
	observability.CycleDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
	observability.WorkerCycles.WithLabelValues(r.name).Inc()
}

func (r *Runner) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *Runner) release() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// Stop halts the tick loop and waits for any active cycle to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
