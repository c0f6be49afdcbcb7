package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"brood/internal/debounce"
	"brood/internal/jsonx"
	"brood/internal/logging"
)

const indexFile = "plan-index.json"

// indexEntry is one row of plan-index.json.
type indexEntry struct {
	PlanID        string    `json:"planId"`
	File          string    `json:"file"`
	SpecVersionID string    `json:"specVersionId,omitempty"`
	Status        Status    `json:"status"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store manages the plans of one project under its kobold-plans directory.
// Each plan is guarded by its own lock; the index is guarded by the store
// lock. Saves are debounced.
type Store struct {
	dir    string
	logger logging.Logger

	mu    sync.Mutex
	index map[string]indexEntry // taskID -> entry
	plans map[string]*planEntry // taskID -> loaded plan

	writer *debounce.Writer
}

type planEntry struct {
	mu   sync.Mutex
	plan *Plan
}

// NewStore opens the plan store rooted at dir, reading plan-index.json if
// present.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create plans dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: logging.NewComponentLogger("plan-store"),
		index:  make(map[string]indexEntry),
		plans:  make(map[string]*planEntry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	s.writer = debounce.NewWriter(debounce.DefaultInterval, s.flushAll, s.logger)
	return s, nil
}

func (s *Store) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", indexFile, err)
	}
	if err := jsonx.Unmarshal(raw, &s.index); err != nil {
		// Derived file: a broken index is rebuilt as plans are recreated.
		s.logger.Warn("Discarding unreadable %s: %v", indexFile, err)
		s.index = make(map[string]indexEntry)
	}
	return nil
}

var stemCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// fileStem derives the on-disk name: {area}-{index}-{slug}-{taskId}-plan.
func fileStem(p *Plan) string {
	slug := stemCleaner.ReplaceAllString(strings.ToLower(p.Title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	area := stemCleaner.ReplaceAllString(strings.ToLower(p.Area), "-")
	if area == "" {
		area = "general"
	}
	return fmt.Sprintf("%s-%d-%s-%s-plan", area, p.TaskIndex, slug, p.TaskID)
}

// LoadOrCreate returns the plan for taskID. A persisted plan whose spec
// version no longer matches activeSpecVersion is invalidated and recreated
// through create.
func (s *Store) LoadOrCreate(taskID, activeSpecVersion string, create func() *Plan) (*Plan, error) {
	s.mu.Lock()
	entry, loaded := s.plans[taskID]
	if !loaded {
		entry = &planEntry{}
		s.plans[taskID] = entry
	}
	idx, indexed := s.index[taskID]
	s.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.plan == nil && indexed {
		p, err := s.readPlanFile(idx.File)
		if err != nil {
			s.logger.Warn("Plan for task %s unreadable, regenerating: %v", taskID, err)
		} else {
			entry.plan = p
		}
	}

	if entry.plan != nil {
		if activeSpecVersion != "" && entry.plan.SpecVersionID != "" && entry.plan.SpecVersionID != activeSpecVersion {
			old := entry.plan.SpecVersionID
			fresh := create()
			fresh.SpecVersionID = activeSpecVersion
			fresh.AppendLog("spec version changed %s→%s, regenerating", old, activeSpecVersion)
			s.logger.Info("Task %s: spec version changed %s→%s, regenerating plan", taskID, old, activeSpecVersion)
			entry.plan = fresh
		}
		s.record(entry.plan)
		return clonePlan(entry.plan), nil
	}

	fresh := create()
	if fresh.SpecVersionID == "" {
		fresh.SpecVersionID = activeSpecVersion
	}
	entry.plan = fresh
	s.record(fresh)
	return clonePlan(fresh), nil
}

func (s *Store) readPlanFile(name string) (*Plan, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := jsonx.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Get returns a copy of the loaded plan for taskID.
func (s *Store) Get(taskID string) (*Plan, bool) {
	s.mu.Lock()
	entry, ok := s.plans[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.plan == nil {
		return nil, false
	}
	return clonePlan(entry.plan), true
}

// Mutate applies fn to the plan for taskID under its lock and schedules a
// debounced save.
func (s *Store) Mutate(taskID string, fn func(*Plan) error) error {
	s.mu.Lock()
	entry, ok := s.plans[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no plan loaded for task %s", taskID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.plan == nil {
		return fmt.Errorf("no plan loaded for task %s", taskID)
	}
	if err := fn(entry.plan); err != nil {
		return err
	}
	entry.plan.UpdatedAt = time.Now().UTC()
	s.record(entry.plan)
	return nil
}

// UpdateStep is the step-boundary mutation used by the update_plan_step
// tool.
func (s *Store) UpdateStep(taskID string, stepIndex int, status StepStatus, output string) error {
	return s.Mutate(taskID, func(p *Plan) error {
		return p.SetStepStatus(stepIndex, status, output)
	})
}

// record refreshes the index row and arms the debounced writer. Callers
// hold the plan entry lock.
func (s *Store) record(p *Plan) {
	s.mu.Lock()
	s.index[p.TaskID] = indexEntry{
		PlanID:        p.PlanID,
		File:          fileStem(p) + ".json",
		SpecVersionID: p.SpecVersionID,
		Status:        p.Status,
		UpdatedAt:     p.UpdatedAt,
	}
	s.mu.Unlock()
	s.writer.Trigger()
}

// flushAll persists every loaded plan, its markdown mirror, and the index.
func (s *Store) flushAll() error {
	s.mu.Lock()
	entries := make(map[string]*planEntry, len(s.plans))
	for taskID, entry := range s.plans {
		entries[taskID] = entry
	}
	s.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		entry.mu.Lock()
		p := entry.plan
		if p == nil {
			entry.mu.Unlock()
			continue
		}
		if err := s.writePlan(p); err != nil && firstErr == nil {
			firstErr = err
		}
		entry.mu.Unlock()
	}

	if err := s.writeIndex(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Store) writePlan(p *Plan) error {
	stem := fileStem(p)
	data, err := jsonx.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", p.PlanID, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, stem+".json"), data, 0644); err != nil {
		return fmt.Errorf("write plan %s: %w", p.PlanID, err)
	}
	return os.WriteFile(filepath.Join(s.dir, stem+".md"), []byte(renderMarkdown(p)), 0644)
}

func (s *Store) writeIndex() error {
	s.mu.Lock()
	data, err := jsonx.MarshalIndent(s.index, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode %s: %w", indexFile, err)
	}
	return os.WriteFile(filepath.Join(s.dir, indexFile), data, 0644)
}

// Flush forces a synchronous save of all loaded plans.
func (s *Store) Flush() error {
	return s.flushAll()
}

// Close flushes pending writes and stops the debounced writer.
func (s *Store) Close() {
	s.writer.Close()
	if err := s.flushAll(); err != nil {
		s.logger.Error("Final plan flush failed: %v", err)
	}
}

func clonePlan(p *Plan) *Plan {
	out := *p
	out.Steps = append([]Step(nil), p.Steps...)
	out.Log = append([]string(nil), p.Log...)
	for i := range out.Steps {
		out.Steps[i].FilesToModify = append([]string(nil), p.Steps[i].FilesToModify...)
	}
	return &out
}
