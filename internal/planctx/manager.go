package planctx

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"brood/internal/jsonx"
	"brood/internal/logging"
)

const (
	contextFile = "planning-context.json"
	// CacheCap bounds how many project contexts stay in memory.
	CacheCap = 50
)

// Manager is the process-wide shared planning context. Contexts are cached
// in an LRU; eviction flushes to disk, and a read for an evicted project
// reloads from disk on demand.
type Manager struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, *projectContext]
	dirFor func(projectID string) (string, error)
	logger logging.Logger
}

// NewManager creates the manager. dirFor maps a project id to the directory
// that holds its planning-context.json.
func NewManager(capacity int, dirFor func(projectID string) (string, error)) (*Manager, error) {
	if capacity <= 0 {
		capacity = CacheCap
	}
	m := &Manager{
		dirFor: dirFor,
		logger: logging.NewComponentLogger("planctx"),
	}
	cache, err := lru.NewWithEvict[string, *projectContext](capacity, m.onEvict)
	if err != nil {
		return nil, err
	}
	m.cache = cache
	return m, nil
}

// onEvict flushes the dropped context to disk before it leaves memory.
func (m *Manager) onEvict(projectID string, ctx *projectContext) {
	if err := m.persist(ctx); err != nil {
		m.logger.Error("Failed to persist evicted context for %s: %v", projectID, err)
	}
}

// contextFor returns the cached context, reloading or creating it on miss.
func (m *Manager) contextFor(projectID string) (*projectContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx, ok := m.cache.Get(projectID); ok {
		return ctx, nil
	}

	ctx, err := m.loadFromDisk(projectID)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = newProjectContext(projectID)
	}
	m.cache.Add(projectID, ctx)
	return ctx, nil
}

func (m *Manager) loadFromDisk(projectID string) (*projectContext, error) {
	dir, err := m.dirFor(projectID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, contextFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read context for %s: %w", projectID, err)
	}
	var ctx projectContext
	if err := jsonx.Unmarshal(raw, &ctx); err != nil {
		// Derived state: start fresh rather than block the project.
		m.logger.Warn("Discarding unreadable planning context for %s: %v", projectID, err)
		return nil, nil
	}
	if ctx.ActiveAgents == nil {
		ctx.ActiveAgents = make(map[string]*ActiveAgent)
	}
	return &ctx, nil
}

func (m *Manager) persist(ctx *projectContext) error {
	dir, err := m.dirFor(ctx.ProjectID)
	if err != nil {
		return err
	}

	ctx.mu.Lock()
	data, err := jsonx.MarshalIndent(ctx, "", "  ")
	if err == nil {
		ctx.dirty = false
	}
	ctx.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode context for %s: %w", ctx.ProjectID, err)
	}
	return os.WriteFile(filepath.Join(dir, contextFile), data, 0644)
}

// RegisterAgent records an active agent for the project.
func (m *Manager) RegisterAgent(projectID, agentID, taskID, agentType string) error {
	ctx, err := m.contextFor(projectID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.ActiveAgents[agentID] = &ActiveAgent{
		AgentID:        agentID,
		TaskID:         taskID,
		AgentType:      agentType,
		RegisteredAt:   now,
		LastActivityAt: now,
	}
	ctx.LastAccessedAt = now
	ctx.dirty = true
	return nil
}

// SetAgentFiles replaces the agent's files-to-modify hint, the basis of the
// file-in-use advisory.
func (m *Manager) SetAgentFiles(projectID, agentID string, files []string) error {
	ctx, err := m.contextFor(projectID)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	agent, ok := ctx.ActiveAgents[agentID]
	if !ok {
		return fmt.Errorf("agent not registered: %s", agentID)
	}
	agent.FilesInUse = append([]string(nil), files...)
	agent.LastActivityAt = time.Now().UTC()
	ctx.dirty = true
	return nil
}

// UnregisterAgent removes the agent and appends its insight to the ring.
func (m *Manager) UnregisterAgent(projectID, agentID string, insight PlanningInsight) error {
	ctx, err := m.contextFor(projectID)
	if err != nil {
		return err
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if agent, ok := ctx.ActiveAgents[agentID]; ok {
		if insight.TaskID == "" {
			insight.TaskID = agent.TaskID
		}
		if insight.AgentType == "" {
			insight.AgentType = agent.AgentType
		}
		delete(ctx.ActiveAgents, agentID)
	}
	if insight.Timestamp.IsZero() {
		insight.Timestamp = time.Now().UTC()
	}
	ctx.appendInsight(insight)
	ctx.dirty = true
	return nil
}

// IsFileInUse reports whether any active agent in the project lists path in
// its files-to-modify hint. Purely advisory.
func (m *Manager) IsFileInUse(projectID, path string) bool {
	ctx, err := m.contextFor(projectID)
	if err != nil {
		return false
	}
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	for _, agent := range ctx.ActiveAgents {
		for _, f := range agent.FilesInUse {
			if f == path {
				return true
			}
		}
	}
	return false
}

// ActiveAgentCount reports how many agents are registered in the project.
func (m *Manager) ActiveAgentCount(projectID string) int {
	ctx, err := m.contextFor(projectID)
	if err != nil {
		return 0
	}
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	return len(ctx.ActiveAgents)
}

// GetSimilarTaskInsights returns the most recent max insights for the agent
// type, newest first.
func (m *Manager) GetSimilarTaskInsights(projectID, agentType string, max int) []PlanningInsight {
	ctx, err := m.contextFor(projectID)
	if err != nil {
		return nil
	}
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	return filterInsights(ctx.Insights, agentType, max)
}

// GetCrossProjectInsights collects matching insights from every cached
// project except excludeProjectID, newest first per project.
func (m *Manager) GetCrossProjectInsights(excludeProjectID, agentType string, max int) []PlanningInsight {
	m.mu.Lock()
	keys := m.cache.Keys()
	contexts := make([]*projectContext, 0, len(keys))
	for _, key := range keys {
		if key == excludeProjectID {
			continue
		}
		if ctx, ok := m.cache.Peek(key); ok {
			contexts = append(contexts, ctx)
		}
	}
	m.mu.Unlock()

	var out []PlanningInsight
	for _, ctx := range contexts {
		if len(out) >= max {
			break
		}
		ctx.mu.RLock()
		out = append(out, filterInsights(ctx.Insights, agentType, max-len(out))...)
		ctx.mu.RUnlock()
	}
	return out
}

func filterInsights(insights []PlanningInsight, agentType string, max int) []PlanningInsight {
	var out []PlanningInsight
	for i := len(insights) - 1; i >= 0 && len(out) < max; i-- {
		if agentType == "" || insights[i].AgentType == agentType {
			out = append(out, insights[i])
		}
	}
	return out
}

// GetProjectStatistics aggregates the project's insight ring.
func (m *Manager) GetProjectStatistics(projectID string) Statistics {
	ctx, err := m.contextFor(projectID)
	if err != nil {
		return Statistics{}
	}
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	return ctx.statistics()
}

// PersistAllContexts flushes every cached context to disk. Called on
// shutdown.
func (m *Manager) PersistAllContexts() error {
	m.mu.Lock()
	keys := m.cache.Keys()
	contexts := make([]*projectContext, 0, len(keys))
	for _, key := range keys {
		if ctx, ok := m.cache.Peek(key); ok {
			contexts = append(contexts, ctx)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, ctx := range contexts {
		if err := m.persist(ctx); err != nil {
			m.logger.Error("Failed to persist context for %s: %v", ctx.ProjectID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
