package taskfile

import (
	"fmt"
	"sync"
)

// Tracker is the in-memory mirror of one task file, authoritative while a
// Drake session is running. All mutations go through the tracker; the file
// on disk is refreshed by the Drake's debounced writer.
type Tracker struct {
	mu    sync.RWMutex
	path  string
	file  *File
	dirty bool
}

// NewTracker wraps a parsed file.
func NewTracker(path string, file *File) *Tracker {
	return &Tracker{path: path, file: file}
}

// LoadTracker parses the file at path and wraps it.
func LoadTracker(path string) (*Tracker, error) {
	f, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return NewTracker(path, f), nil
}

// Path returns the backing file path.
func (tr *Tracker) Path() string {
	return tr.path
}

// Tasks returns copies of every task row.
func (tr *Tracker) Tasks() []Task {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]Task, 0, len(tr.file.Tasks))
	for _, t := range tr.file.Tasks {
		out = append(out, *t)
	}
	return out
}

// Get returns a copy of one task.
func (tr *Tracker) Get(taskID string) (Task, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if t := tr.file.Find(taskID); t != nil {
		return *t, true
	}
	return Task{}, false
}

// SetStatus updates a task's status.
func (tr *Tracker) SetStatus(taskID string, status TaskStatus) error {
	return tr.mutate(taskID, func(t *Task) {
		t.Status = status
	})
}

// Assign binds a task to a kobold and marks it NotInitialized.
func (tr *Tracker) Assign(taskID, koboldID string) error {
	return tr.mutate(taskID, func(t *Task) {
		t.Assignee = koboldID
		t.Status = TaskNotInitialized
	})
}

// Unassign releases a task back to the pool without touching its status.
func (tr *Tracker) Unassign(taskID string) error {
	return tr.mutate(taskID, func(t *Task) {
		t.Assignee = UnassignedAssignee
	})
}

// Fail marks a task Failed and appends a reason to its description.
func (tr *Tracker) Fail(taskID, reason string) error {
	return tr.mutate(taskID, func(t *Task) {
		t.Status = TaskFailed
		if reason != "" {
			t.Description = t.Description + " (" + reason + ")"
		}
	})
}

func (tr *Tracker) mutate(taskID string, fn func(*Task)) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t := tr.file.Find(taskID)
	if t == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}
	fn(t)
	tr.dirty = true
	return nil
}

// Unfinished returns copies of tasks not yet in a terminal state.
func (tr *Tracker) Unfinished() []Task {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	var out []Task
	for _, t := range tr.file.Tasks {
		if !t.IsTerminal() {
			out = append(out, *t)
		}
	}
	return out
}

// Unassigned returns copies of tasks with no kobold bound.
func (tr *Tracker) Unassigned() []Task {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	var out []Task
	for _, t := range tr.file.Tasks {
		if t.Assignee == UnassignedAssignee && t.Status == TaskUnassigned {
			out = append(out, *t)
		}
	}
	return out
}

// AllDone reports whether every task reached a terminal state.
func (tr *Tracker) AllDone() bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	for _, t := range tr.file.Tasks {
		if !t.IsTerminal() {
			return false
		}
	}
	return true
}

// Flush writes the file to disk when dirty. A write failure keeps the dirty
// flag set so the next flush retries; in-memory state is never rolled back.
func (tr *Tracker) Flush() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.dirty {
		return nil
	}
	if err := tr.file.WriteFile(tr.path); err != nil {
		return err
	}
	tr.dirty = false
	return nil
}

// Dirty reports whether unflushed mutations exist.
func (tr *Tracker) Dirty() bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.dirty
}
