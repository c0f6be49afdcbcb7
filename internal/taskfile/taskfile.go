// Package taskfile reads and writes the pipe-delimited markdown task tables
// that drive the worker pipeline. The markdown file is the human-facing
// source of truth; the Tracker mirrors it in memory during a session.
package taskfile

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// TaskStatus is a task row's lifecycle state.
type TaskStatus string

const (
	TaskUnassigned     TaskStatus = "Unassigned"
	TaskNotInitialized TaskStatus = "NotInitialized"
	TaskWorking        TaskStatus = "Working"
	TaskDone           TaskStatus = "Done"
	TaskFailed         TaskStatus = "Failed"
)

// canonicalStatus maps case-insensitive input to canonical capitalization.
var canonicalStatus = map[string]TaskStatus{
	"unassigned":     TaskUnassigned,
	"notinitialized": TaskNotInitialized,
	"working":        TaskWorking,
	"done":           TaskDone,
	"failed":         TaskFailed,
}

// ParseStatus normalizes a status cell. Unknown values map to Unassigned.
func ParseStatus(raw string) TaskStatus {
	if s, ok := canonicalStatus[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return TaskUnassigned
}

// UnassignedAssignee is the canonical empty assignee cell.
const UnassignedAssignee = "unassigned"

// Task is one row of a task file.
type Task struct {
	ID          string
	Description string
	Status      TaskStatus
	Assignee    string

	// Priority is parsed from an inline [priority:...] tag when present.
	Priority string
}

// IsTerminal reports whether the task needs no further work.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskDone || t.Status == TaskFailed
}

// File is a parsed task file: the preamble above the table plus the rows.
type File struct {
	Preamble string
	Tasks    []*Task
}

const header = "| id | description | status | assignee |"

var (
	headerPattern   = regexp.MustCompile(`^\|\s*id\s*\|\s*description\s*\|\s*status\s*\|\s*assignee\s*\|$`)
	priorityTag     = regexp.MustCompile(`\[priority:(Critical|High|Medium|Low)\]`)
	inlineIDTag     = regexp.MustCompile(`\[id:([a-z0-9-]+)\]`)
	separatorFiller = regexp.MustCompile(`^[\s|:-]+$`)
)

// Parse decodes task-file markdown. A file with no recognizable header is
// rejected so a later write cannot clobber arbitrary content.
func Parse(content string) (*File, error) {
	lines := strings.Split(content, "\n")

	headerIdx := -1
	for i, line := range lines {
		if headerPattern.MatchString(strings.TrimSpace(line)) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, fmt.Errorf("no task table header found")
	}

	f := &File{Preamble: strings.Join(lines[:headerIdx], "\n")}

	seen := make(map[string]bool)
	for _, line := range lines[headerIdx+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "|") {
			// Table region ends at the first non-table line.
			break
		}
		if separatorFiller.MatchString(trimmed) {
			continue
		}

		task, err := parseRow(trimmed)
		if err != nil {
			return nil, err
		}
		if seen[task.ID] {
			return nil, fmt.Errorf("duplicate task id %q", task.ID)
		}
		seen[task.ID] = true
		f.Tasks = append(f.Tasks, task)
	}
	return f, nil
}

func parseRow(line string) (*Task, error) {
	cells := strings.Split(strings.Trim(line, "|"), "|")
	if len(cells) != 4 {
		return nil, fmt.Errorf("malformed task row %q: expected 4 columns, got %d", line, len(cells))
	}
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}

	task := &Task{
		ID:          cells[0],
		Description: cells[1],
		Status:      ParseStatus(cells[2]),
		Assignee:    cells[3],
	}
	if task.ID == "" {
		return nil, fmt.Errorf("task row %q has empty id", line)
	}
	if task.Assignee == "" {
		task.Assignee = UnassignedAssignee
	}
	if m := priorityTag.FindStringSubmatch(task.Description); m != nil {
		task.Priority = m[1]
	}
	return task, nil
}

// ParseFile reads and parses a task file from disk.
func ParseFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Render emits canonical task-file markdown: preamble untouched, table
// rewritten with canonical status capitalization.
func (f *File) Render() string {
	var b strings.Builder
	if f.Preamble != "" {
		b.WriteString(f.Preamble)
		if !strings.HasSuffix(f.Preamble, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString(header)
	b.WriteString("\n|---|---|---|---|\n")
	for _, t := range f.Tasks {
		assignee := t.Assignee
		if assignee == "" {
			assignee = UnassignedAssignee
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", t.ID, sanitizeCell(t.Description), t.Status, assignee)
	}
	return b.String()
}

// WriteFile renders and writes the file.
func (f *File) WriteFile(path string) error {
	return os.WriteFile(path, []byte(f.Render()), 0644)
}

// sanitizeCell keeps a description on one table row.
func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "/")
}

// InlineID extracts an [id:...] tag embedded in a description, if any.
func InlineID(description string) string {
	if m := inlineIDTag.FindStringSubmatch(description); m != nil {
		return m[1]
	}
	return ""
}

// Find returns the task with the given id, or nil.
func (f *File) Find(taskID string) *Task {
	for _, t := range f.Tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}
