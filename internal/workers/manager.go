package workers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"brood/internal/agent"
	"brood/internal/drake"
	"brood/internal/kobold"
	"brood/internal/logging"
	"brood/internal/plan"
	"brood/internal/planctx"
	"brood/internal/project"
	"brood/internal/tools"
	"brood/internal/tools/builtin"
)

// GatewayResolver picks the provider gateway for one project and agent
// type, letting project-level overrides take effect.
type GatewayResolver func(p *project.Project, agentType string) agent.Gateway

// structureHintLimit caps how much of the analysis document is fed into
// kobold opening messages.
const structureHintLimit = 4 * 1024

// projectWorkers is the per-project execution state: one plan store, one
// kobold factory and one Drake per task file.
type projectWorkers struct {
	plans   *plan.Store
	factory *kobold.Factory
	drakes  map[string]*drake.Drake // task file path -> drake
}

// DrakeManager owns the Drakes of every project currently executing. Drakes
// are created lazily from the project's registered task files and released
// when the project leaves InProgress.
type DrakeManager struct {
	repo     *project.Repository
	gateways GatewayResolver
	ctxMgr   *planctx.Manager
	asker    builtin.Asker

	koboldMaxIterations int
	logger              logging.Logger

	mu       sync.Mutex
	projects map[string]*projectWorkers
}

// NewDrakeManager creates the manager.
func NewDrakeManager(repo *project.Repository, gateways GatewayResolver, ctxMgr *planctx.Manager, asker builtin.Asker, koboldMaxIterations int, logger logging.Logger) *DrakeManager {
	return &DrakeManager{
		repo:                repo,
		gateways:            gateways,
		ctxMgr:              ctxMgr,
		asker:               asker,
		koboldMaxIterations: koboldMaxIterations,
		logger:              logging.OrNop(logger),
		projects:            make(map[string]*projectWorkers),
	}
}

// DrakesFor returns one Drake per registered task file, creating missing
// ones. A task file that fails to parse is skipped with a warning so the
// remaining files keep executing.
func (m *DrakeManager) DrakesFor(p *project.Project) ([]*drake.Drake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pw, ok := m.projects[p.ID]
	if !ok {
		plans, err := plan.NewStore(p.PlansDir)
		if err != nil {
			return nil, fmt.Errorf("plan store for %s: %w", p.Name, err)
		}
		pw = &projectWorkers{
			plans:   plans,
			factory: kobold.NewFactory(),
			drakes:  make(map[string]*drake.Drake),
		}
		m.projects[p.ID] = pw
	}

	specText, err := os.ReadFile(p.SpecPath)
	if err != nil {
		return nil, fmt.Errorf("read spec for %s: %w", p.Name, err)
	}
	hints := structureHints(p.AnalysisPath)
	specVersionID := ""
	if v := p.ActiveSpecVersion(); v != nil {
		specVersionID = v.VersionID
	}

	var out []*drake.Drake
	for _, taskFile := range p.TaskFiles {
		if d, ok := pw.drakes[taskFile]; ok {
			d.UpdateSpec(string(specText), specVersionID)
			out = append(out, d)
			continue
		}
		area := areaFromTaskFile(taskFile)
		d, err := drake.New(drake.Config{
			Name:                p.Name + "/" + area,
			ProjectID:           p.ID,
			TaskFile:            taskFile,
			AgentType:           area,
			Gateway:             m.gateways(p, area),
			Factory:             pw.factory,
			Plans:               pw.plans,
			Context:             m.ctxMgr,
			SpecText:            string(specText),
			StructureHints:      hints,
			SpecVersionID:       specVersionID,
			Scope:               tools.Scope{WorkspaceDir: p.WorkspacePath, AllowedExternal: p.AllowedExternalPaths},
			Asker:               m.asker,
			KoboldMaxIterations: m.koboldMaxIterations,
			Logger:              m.logger,
		})
		if err != nil {
			m.logger.Warn("Skipping task file %s: %v", taskFile, err)
			continue
		}
		pw.drakes[taskFile] = d
		out = append(out, d)
	}
	return out, nil
}

// Active returns every live Drake across projects.
func (m *DrakeManager) Active() []*drake.Drake {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*drake.Drake
	for _, pw := range m.projects {
		for _, d := range pw.drakes {
			out = append(out, d)
		}
	}
	return out
}

// AllDone reports whether every Drake of the project has only terminal
// tasks. A project with no Drakes yet is not done.
func (m *DrakeManager) AllDone(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pw, ok := m.projects[projectID]
	if !ok || len(pw.drakes) == 0 {
		return false
	}
	for _, d := range pw.drakes {
		if !d.Tracker().AllDone() {
			return false
		}
	}
	return true
}

// Release closes and drops the project's execution state.
func (m *DrakeManager) Release(projectID string) {
	m.mu.Lock()
	pw, ok := m.projects[projectID]
	delete(m.projects, projectID)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, d := range pw.drakes {
		d.Close()
	}
	pw.plans.Close()
}

// Close releases every project.
func (m *DrakeManager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.projects))
	for id := range m.projects {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Release(id)
	}
}

// RunProject executes one pipeline step for an InProgress project: run a
// cycle on every Drake, and hand the project to verification once every
// task is terminal.
func (m *DrakeManager) RunProject(ctx context.Context, p *project.Project, maxWorkers int) error {
	drakes, err := m.DrakesFor(p)
	if err != nil {
		return err
	}
	for _, d := range drakes {
		d.RunCycle(ctx, maxWorkers)
	}

	if m.AllDone(p.ID) {
		m.Release(p.ID)
		return m.repo.Transition(p.ID, project.StatusAwaitingVerification)
	}
	return nil
}

func areaFromTaskFile(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, "-tasks.md")
}

func structureHints(analysisPath string) string {
	raw, err := os.ReadFile(analysisPath)
	if err != nil {
		return ""
	}
	if len(raw) > structureHintLimit {
		raw = raw[:structureHintLimit]
	}
	return string(raw)
}
