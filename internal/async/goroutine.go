// Package async runs background goroutines with panic recovery. One
// misbehaving worker must never take down the orchestrator.
package async

import (
	"runtime/debug"

	"brood/internal/logging"
	"brood/internal/observability"
)

// Go runs fn in a goroutine guarded by panic recovery. The name tags the
// panic report; pass the worker or cycle identity.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs and counts a panic without crashing the process. Use as a
// deferred call in goroutines not started through Go.
func Recover(logger logging.Logger, name string) {
	if r := recover(); r != nil {
		observability.GoroutinePanics.Inc()
		if name == "" {
			name = "goroutine"
		}
		logging.OrNop(logger).Error("Panic in %s: %v\n%s", name, r, debug.Stack())
	}
}
