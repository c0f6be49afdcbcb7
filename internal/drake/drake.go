// Package drake implements the per-task-file supervisor: it summons kobolds
// for unassigned tasks, mirrors their status into the task tracker, recovers
// stuck workers and keeps the markdown task file current through a debounced
// writer.
package drake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"brood/internal/agent"
	"brood/internal/async"
	"brood/internal/debounce"
	"brood/internal/kobold"
	"brood/internal/logging"
	"brood/internal/plan"
	"brood/internal/planctx"
	"brood/internal/taskfile"
	"brood/internal/tools"
	"brood/internal/tools/builtin"
)

// DefaultStuckTimeout is how long a kobold may stay in Working before the
// supervisor unbinds it.
const DefaultStuckTimeout = 30 * time.Minute

// Config wires one Drake to its project and task file.
type Config struct {
	Name      string
	ProjectID string
	TaskFile  string
	// AgentType is the worker specialization for this task file, usually
	// derived from the file's area name.
	AgentType string

	Gateway agent.Gateway
	Factory *kobold.Factory
	Plans   *plan.Store
	Context *planctx.Manager

	SpecText       string
	StructureHints string
	SpecVersionID  string
	Scope          tools.Scope
	Asker          builtin.Asker

	KoboldMaxIterations int
	Logger              logging.Logger
}

// Drake supervises the kobolds working one task file.
type Drake struct {
	cfg     Config
	tracker *taskfile.Tracker
	logger  logging.Logger

	mu      sync.Mutex
	workers map[string]string // taskId -> koboldId

	// Current specification snapshot. The manager refreshes it each cycle
	// so kobolds summoned after a spec edit plan against the new version.
	specText      string
	specVersionID string

	writer *debounce.Writer

	// stats
	stuckKobolds int
}

// New parses the task file and builds the supervisor. A parse failure
// aborts startup for this file so user edits are never clobbered.
func New(cfg Config) (*Drake, error) {
	tracker, err := taskfile.LoadTracker(cfg.TaskFile)
	if err != nil {
		return nil, fmt.Errorf("drake %s: %w", cfg.Name, err)
	}

	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("drake-" + cfg.Name)
	}

	d := &Drake{
		cfg:           cfg,
		tracker:       tracker,
		logger:        logger,
		workers:       make(map[string]string),
		specText:      cfg.SpecText,
		specVersionID: cfg.SpecVersionID,
	}
	d.writer = debounce.NewWriter(debounce.DefaultInterval, d.flushTasks, logger)
	return d, nil
}

// flushTasks serializes the tracker to the task file. A write failure keeps
// the tracker dirty so the next window retries.
func (d *Drake) flushTasks() error {
	return d.tracker.Flush()
}

// UpdateTasksFile forces a synchronous write of the task file.
func (d *Drake) UpdateTasksFile() error {
	return d.tracker.Flush()
}

// SummonKobold creates a kobold for the task and binds it. One kobold per
// task: summoning over an existing binding is rejected.
func (d *Drake) SummonKobold(task taskfile.Task, agentType string) (string, error) {
	d.mu.Lock()
	if existing, bound := d.workers[task.ID]; bound {
		d.mu.Unlock()
		return "", fmt.Errorf("task %s already bound to kobold %s", task.ID, existing)
	}
	d.mu.Unlock()

	d.mu.Lock()
	specText, specVersionID := d.specText, d.specVersionID
	d.mu.Unlock()

	k := d.cfg.Factory.Summon(kobold.Deps{
		Gateway:            d.cfg.Gateway,
		Plans:              d.cfg.Plans,
		Context:            d.cfg.Context,
		ProjectID:          d.cfg.ProjectID,
		AgentType:          agentType,
		SpecText:           specText,
		StructureHints:     d.cfg.StructureHints,
		SpecVersionID:      specVersionID,
		ResolveSpecVersion: d.SpecVersion,
		Scope:              d.cfg.Scope,
		Asker:              d.cfg.Asker,
		Logger:             d.logger,
	})

	if err := k.AssignTask(task.ID, task.Description); err != nil {
		d.cfg.Factory.Unsummon(k.ID)
		return "", err
	}

	// Re-check under the lock: a concurrent summon may have bound the task
	// while ours was being created. The loser is unsummoned.
	d.mu.Lock()
	if existing, bound := d.workers[task.ID]; bound {
		d.mu.Unlock()
		d.cfg.Factory.Unsummon(k.ID)
		return "", fmt.Errorf("task %s already bound to kobold %s", task.ID, existing)
	}
	d.workers[task.ID] = k.ID
	d.mu.Unlock()

	if err := d.tracker.Assign(task.ID, k.ID); err != nil {
		d.logger.Warn("Summon: update task row %s: %v", task.ID, err)
	}
	d.writer.Trigger()

	d.logger.Info("Summoned kobold %s for task %s (%s)", k.ID, task.ID, agentType)
	return k.ID, nil
}

// StartKoboldWork runs the kobold to completion, then mirrors its terminal
// status into the task row and releases the binding.
func (d *Drake) StartKoboldWork(ctx context.Context, koboldID string) error {
	k, err := d.cfg.Factory.Get(koboldID)
	if err != nil {
		return err
	}

	snap := k.Snapshot()
	if err := d.tracker.SetStatus(snap.TaskID, taskfile.TaskWorking); err == nil {
		d.writer.Trigger()
	}

	if err := k.StartWork(ctx, d.cfg.KoboldMaxIterations); err != nil {
		return err
	}

	d.SyncTaskFromKobold(koboldID)
	d.unbind(k.Snapshot().TaskID)
	d.cfg.Factory.Unsummon(koboldID)
	return nil
}

// SyncTaskFromKobold mirrors a kobold's current status into its task row.
// Idempotent.
func (d *Drake) SyncTaskFromKobold(koboldID string) {
	k, err := d.cfg.Factory.Get(koboldID)
	if err != nil {
		return
	}
	snap := k.Snapshot()
	if snap.TaskID == "" {
		return
	}

	var changed bool
	switch {
	case snap.Status == kobold.StatusWorking:
		changed = d.tracker.SetStatus(snap.TaskID, taskfile.TaskWorking) == nil
	case snap.IsComplete() && snap.HasError():
		changed = d.tracker.Fail(snap.TaskID, firstLine(snap.ErrorMessage)) == nil
	case snap.IsComplete():
		changed = d.tracker.SetStatus(snap.TaskID, taskfile.TaskDone) == nil
	}
	if changed {
		d.writer.Trigger()
	}
}

// MonitorTasks mirrors every mapped kobold's status into the tracker.
func (d *Drake) MonitorTasks() {
	for _, koboldID := range d.boundKobolds() {
		d.SyncTaskFromKobold(koboldID)
	}
}

// HandleStuckKobolds fails the task rows of kobolds stuck in Working beyond
// the timeout and unbinds them. The kobold itself is never forced into a
// new state.
func (d *Drake) HandleStuckKobolds(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = DefaultStuckTimeout
	}
	cutoff := time.Now().UTC().Add(-timeout)

	var stuck int
	for taskID, koboldID := range d.bindings() {
		k, err := d.cfg.Factory.Get(koboldID)
		if err != nil {
			d.unbind(taskID)
			continue
		}
		snap := k.Snapshot()
		if snap.Status != kobold.StatusWorking || !snap.StartedAt.Before(cutoff) {
			continue
		}

		d.logger.Warn("Kobold %s stuck on task %s since %s, unbinding", koboldID, taskID, snap.StartedAt.Format(time.RFC3339))
		if err := d.tracker.Fail(taskID, fmt.Sprintf("timeout after %d minutes", int(timeout.Minutes()))); err != nil {
			d.logger.Warn("Stuck recovery: update task row %s: %v", taskID, err)
		}
		d.writer.Trigger()
		d.unbind(taskID)
		d.cfg.Factory.Unsummon(koboldID)
		stuck++
	}

	d.mu.Lock()
	d.stuckKobolds += stuck
	d.mu.Unlock()
	return stuck
}

// UnsummonCompletedKobolds drops Done kobolds from the factory and mapping.
func (d *Drake) UnsummonCompletedKobolds() int {
	var removed int
	for taskID, koboldID := range d.bindings() {
		k, err := d.cfg.Factory.Get(koboldID)
		if err != nil {
			d.unbind(taskID)
			continue
		}
		if k.Snapshot().IsComplete() {
			d.SyncTaskFromKobold(koboldID)
			d.unbind(taskID)
			d.cfg.Factory.Unsummon(koboldID)
			removed++
		}
	}
	return removed
}

// RunCycle summons kobolds for unassigned tasks, up to maxWorkers live at
// once, and runs them to completion. Cancellation is checked between
// summons; running kobolds observe it between loop iterations.
func (d *Drake) RunCycle(ctx context.Context, maxWorkers int) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	var wg sync.WaitGroup
	for _, task := range d.tracker.Unassigned() {
		if ctx.Err() != nil {
			break
		}
		d.mu.Lock()
		bound := len(d.workers)
		d.mu.Unlock()
		if bound >= maxWorkers {
			break
		}

		koboldID, err := d.SummonKobold(task, d.agentType())
		if err != nil {
			d.logger.Warn("RunCycle: summon for task %s: %v", task.ID, err)
			continue
		}

		wg.Add(1)
		async.Go(d.logger, "kobold-"+koboldID, func() {
			defer wg.Done()
			if err := d.StartKoboldWork(ctx, koboldID); err != nil {
				d.logger.Error("RunCycle: kobold %s: %v", koboldID, err)
			}
		})
	}
	wg.Wait()
}

func (d *Drake) agentType() string {
	if d.cfg.AgentType != "" {
		return d.cfg.AgentType
	}
	return "general"
}

// Stats is a monitoring snapshot of one Drake.
type Stats struct {
	Name         string
	TaskFile     string
	BoundWorkers int
	StuckKobolds int
	AllDone      bool
}

// Stats reports the Drake's current shape.
func (d *Drake) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Name:         d.cfg.Name,
		TaskFile:     d.cfg.TaskFile,
		BoundWorkers: len(d.workers),
		StuckKobolds: d.stuckKobolds,
		AllDone:      d.tracker.AllDone(),
	}
}

// UpdateSpec replaces the specification snapshot. Called by the manager
// when the project's active spec version changes between cycles.
func (d *Drake) UpdateSpec(specText, specVersionID string) {
	d.mu.Lock()
	if specVersionID != "" && specVersionID != d.specVersionID {
		d.logger.Info("Drake %s: spec version %s -> %s", d.cfg.Name, d.specVersionID, specVersionID)
	}
	d.specText = specText
	d.specVersionID = specVersionID
	d.mu.Unlock()
}

// SpecVersion returns the spec version the Drake currently works against.
func (d *Drake) SpecVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.specVersionID
}

// Tracker exposes the in-memory task view.
func (d *Drake) Tracker() *taskfile.Tracker {
	return d.tracker
}

// Close flushes the pending task-file write and stops the writer.
func (d *Drake) Close() {
	d.writer.Close()
	if err := d.tracker.Flush(); err != nil {
		d.logger.Error("Final task-file flush failed: %v", err)
	}
}

func (d *Drake) bindings() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.workers))
	for t, k := range d.workers {
		out[t] = k
	}
	return out
}

func (d *Drake) boundKobolds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.workers))
	for _, koboldID := range d.workers {
		out = append(out, koboldID)
	}
	return out
}

func (d *Drake) unbind(taskID string) {
	d.mu.Lock()
	delete(d.workers, taskID)
	d.mu.Unlock()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
