package workers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"brood/internal/async"
	"brood/internal/config"
	"brood/internal/logging"
	"brood/internal/observability"
	"brood/internal/planctx"
	"brood/internal/project"
	"brood/internal/tools/builtin"
	"brood/internal/verify"
	"brood/internal/wyrm"
	"brood/internal/wyvern"
)

// staggerStep spaces the service start offsets when staggering is enabled.
const staggerStep = 20 * time.Second

// Config wires the supervisor to the rest of the system.
type Config struct {
	Repo     *project.Repository
	Gateways GatewayResolver
	Context  *planctx.Manager
	Asker    builtin.Asker

	Workers      config.WorkersConfig
	Verification config.VerificationConfig
	Agent        config.AgentConfig

	Logger logging.Logger
}

// Supervisor owns the five periodic services and the Drake manager.
type Supervisor struct {
	cfg      Config
	repo     *project.Repository
	drakes   *DrakeManager
	verifier *verify.Verifier
	logger   logging.Logger

	runners []*Runner
}

// NewSupervisor builds the services; Start arms them.
func NewSupervisor(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("workers")
	}

	s := &Supervisor{
		cfg:    cfg,
		repo:   cfg.Repo,
		logger: logger,
	}
	s.drakes = NewDrakeManager(cfg.Repo, cfg.Gateways, cfg.Context, cfg.Asker, cfg.Agent.KoboldMaxIterations, logger)
	s.verifier = verify.New(cfg.Repo, verify.Config{
		StepTimeout:             time.Duration(cfg.Verification.TimeoutSeconds) * time.Second,
		AutoCreateFixTasks:      cfg.Verification.AutoCreateFixTasks,
		RequireAllChecksPassing: cfg.Verification.RequireAllChecksPassing,
		SkipForImportedProjects: cfg.Verification.SkipForImportedProjects,
		Logger:                  logger,
	})

	w := cfg.Workers
	specs := []struct {
		name     string
		interval time.Duration
		cycle    CycleFunc
		enabled  bool
	}{
		{"wyrm", w.WyrmInterval, s.wyrmCycle, true},
		{"wyvern", w.WyvernInterval, s.wyvernCycle, true},
		{"execution", w.ExecutionInterval, s.executionCycle, true},
		{"monitoring", w.MonitoringInterval, s.monitoringCycle, true},
		{"verification", w.VerificationInterval, s.verificationCycle, cfg.Verification.Enabled},
	}
	for i, spec := range specs {
		if !spec.enabled || spec.interval <= 0 {
			continue
		}
		var offset time.Duration
		if w.StaggerEnabled {
			offset = time.Duration(i) * staggerStep
		}
		s.runners = append(s.runners, NewRunner(spec.name, spec.interval, offset, spec.cycle, logger))
	}
	return s
}

// Start arms every runner.
func (s *Supervisor) Start(ctx context.Context) {
	for _, r := range s.runners {
		r.Start(ctx)
	}
	s.logger.Info("Started %d periodic services", len(s.runners))
}

// Stop halts the runners, waits for active cycles and releases the Drakes.
func (s *Supervisor) Stop() {
	for _, r := range s.runners {
		r.Stop()
	}
	s.drakes.Close()
}

// Drakes exposes the execution state for monitoring surfaces.
func (s *Supervisor) Drakes() *DrakeManager {
	return s.drakes
}

// dispatch fans a handler over projects with a concurrency cap.
func (s *Supervisor) dispatch(ctx context.Context, service string, projects []*project.Project, limit int, fn func(ctx context.Context, p *project.Project) error) {
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	var wg sync.WaitGroup
	for _, p := range projects {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		p := p
		async.Go(s.logger, service+"-"+p.ID, func() {
			defer wg.Done()
			defer sem.Release(1)
			if err := fn(ctx, p); err != nil {
				s.logger.Error("%s: project %s: %v", service, p.Name, err)
			}
		})
	}
	wg.Wait()
}

// wyrmCycle pre-analyzes New projects.
func (s *Supervisor) wyrmCycle(ctx context.Context) {
	s.dispatch(ctx, "wyrm", s.repo.ListByStatus(project.StatusNew), s.cfg.Workers.WyrmConcurrency, func(ctx context.Context, p *project.Project) error {
		w := wyrm.New(s.cfg.Gateways(p, "wyrm"), s.repo, s.logger)
		if err := w.Process(ctx, p.ID); err != nil {
			return err
		}
		observability.ProjectTransitions.WithLabelValues(string(project.StatusWyrmAssigned)).Inc()
		return nil
	})
}

// wyvernCycle analyzes WyrmAssigned projects into areas and task files.
func (s *Supervisor) wyvernCycle(ctx context.Context) {
	s.dispatch(ctx, "wyvern", s.repo.ListByStatus(project.StatusWyrmAssigned), s.cfg.Workers.WyvernConcurrency, func(ctx context.Context, p *project.Project) error {
		w := wyvern.New(s.cfg.Gateways(p, "wyvern"), s.repo, s.logger)
		if err := w.Process(ctx, p.ID); err != nil {
			return err
		}
		observability.ProjectTransitions.WithLabelValues(string(project.StatusAnalyzed)).Inc()
		return nil
	})
}

// executionCycle moves Analyzed projects into InProgress and runs a Drake
// cycle on every executing project.
func (s *Supervisor) executionCycle(ctx context.Context) {
	for _, p := range s.repo.ListByStatus(project.StatusAnalyzed) {
		if err := s.repo.Transition(p.ID, project.StatusInProgress); err != nil {
			s.logger.Error("execution: start %s: %v", p.Name, err)
			continue
		}
		observability.ProjectTransitions.WithLabelValues(string(project.StatusInProgress)).Inc()
	}

	s.dispatch(ctx, "execution", s.repo.ListByStatus(project.StatusInProgress), s.cfg.Workers.ExecutionConcurrency, func(ctx context.Context, p *project.Project) error {
		return s.drakes.RunProject(ctx, p, s.cfg.Workers.KoboldsPerProject)
	})
}

// monitoringCycle mirrors kobold state into task files, recovers stuck
// workers and reaps finished ones.
func (s *Supervisor) monitoringCycle(ctx context.Context) {
	for _, d := range s.drakes.Active() {
		if ctx.Err() != nil {
			return
		}
		d.MonitorTasks()
		if stuck := d.HandleStuckKobolds(s.cfg.Workers.StuckKoboldTimeout); stuck > 0 {
			s.logger.Warn("monitoring: %s recovered %d stuck kobolds", d.Stats().Name, stuck)
		}
		d.UnsummonCompletedKobolds()
	}
}

// verificationCycle verifies projects awaiting verification.
func (s *Supervisor) verificationCycle(ctx context.Context) {
	s.dispatch(ctx, "verification", s.repo.ListByStatus(project.StatusAwaitingVerification), s.cfg.Workers.VerificationConcurrency, func(ctx context.Context, p *project.Project) error {
		if err := s.verifier.Process(ctx, p.ID); err != nil {
			return err
		}
		got, err := s.repo.Get(p.ID)
		if err == nil {
			observability.ProjectTransitions.WithLabelValues(string(got.Status)).Inc()
		}
		return nil
	})
}
