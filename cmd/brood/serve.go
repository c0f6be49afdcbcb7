package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"brood/internal/agent"
	"brood/internal/config"
	"brood/internal/dragon"
	"brood/internal/llm"
	"brood/internal/logging"
	"brood/internal/planctx"
	"brood/internal/project"
	"brood/internal/server"
	"brood/internal/workers"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: periodic workers plus the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := logging.NewComponentLogger("brood")

	repo, err := project.NewRepository(cfg.ProjectsPath)
	if err != nil {
		return err
	}

	ctxMgr, err := planctx.NewManager(planctx.CacheCap, func(projectID string) (string, error) {
		p, err := repo.Get(projectID)
		if err != nil {
			return "", err
		}
		return p.RootDir, nil
	})
	if err != nil {
		return err
	}

	resolver := func(p *project.Project, agentType string) agent.Gateway {
		global := cfg.Provider
		if override, ok := cfg.AgentTypes[agentType]; ok {
			global = override.WithDefaults(cfg.Provider)
		}
		return llm.NewGateway(p.ProviderFor(agentType, global))
	}

	hub := newSessionHub(logger)

	supervisor := workers.NewSupervisor(workers.Config{
		Repo:         repo,
		Gateways:     resolver,
		Context:      ctxMgr,
		Asker:        hub,
		Workers:      cfg.Workers,
		Verification: cfg.Verification,
		Agent:        cfg.Agent,
		Logger:       logger,
	})

	dragonProvider := cfg.Provider
	if override, ok := cfg.AgentTypes["dragon"]; ok {
		dragonProvider = override.WithDefaults(cfg.Provider)
	}
	srv := server.New(server.Config{
		Addr: cfg.Server.Addr,
		Repo: repo,
		Sessions: func(sink dragon.Sink) (*dragon.Session, error) {
			s, err := dragon.NewSession(dragon.Config{
				Repo:          repo,
				Gateway:       llm.NewGateway(dragonProvider),
				Sink:          sink,
				MaxIterations: cfg.Agent.MaxIterations,
				PromptTimeout: cfg.Agent.AskUserTimeout,
				Logger:        logger,
			})
			if err != nil {
				return nil, err
			}
			hub.add(s)
			return s, nil
		},
		OnSessionClosed: hub.remove,
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor.Start(ctx)
	err = srv.Run(ctx)

	logger.Info("Shutting down")
	supervisor.Stop()

	if perr := ctxMgr.PersistAllContexts(); perr != nil {
		logger.Error("Persist planning contexts: %v", perr)
	}
	return err
}
