// Package server exposes the orchestrator over HTTP: a small REST surface
// for project state, prometheus metrics, and a websocket transport carrying
// one Dragon session per connection.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"brood/internal/dragon"
	"brood/internal/logging"
	"brood/internal/observability"
	"brood/internal/project"
)

// SessionFactory builds a Dragon session bound to one connection's sink.
type SessionFactory func(sink dragon.Sink) (*dragon.Session, error)

// Config wires the server.
type Config struct {
	Addr     string
	Repo     *project.Repository
	Sessions SessionFactory
	// OnSessionClosed fires when a connection drops, letting the host
	// unregister the session from shared routing (ask-user fan-out).
	OnSessionClosed func(*dragon.Session)
	Logger          logging.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg      Config
	logger   logging.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// New builds the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("server")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), cors.Default())

	s := &Server{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		upgrader: websocket.Upgrader{
			// The session transport is same-origin agnostic; auth is out of
			// scope here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(observability.Handler()))
	engine.GET("/api/projects", s.handleListProjects)
	engine.GET("/api/projects/:name", s.handleGetProject)
	engine.GET("/ws", s.handleWebsocket)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("Listening on %s", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// projectView is the REST shape of one project.
type projectView struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Status       project.Status            `json:"status"`
	Imported     bool                      `json:"imported,omitempty"`
	TaskFiles    []string                  `json:"taskFiles,omitempty"`
	Verification project.VerificationState `json:"verification"`
	SpecVersions []project.SpecVersion     `json:"specVersions,omitempty"`
}

func viewOf(p *project.Project) projectView {
	return projectView{
		ID:           p.ID,
		Name:         p.Name,
		Status:       p.Status,
		Imported:     p.Imported,
		TaskFiles:    p.TaskFiles,
		Verification: p.Verification,
		SpecVersions: p.SpecVersions,
	}
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects := s.cfg.Repo.List()
	out := make([]projectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, viewOf(p))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetProject(c *gin.Context) {
	p, err := s.cfg.Repo.GetByName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, viewOf(p))
}

// clientFrame is one inbound websocket message.
type clientFrame struct {
	Type     string `json:"type"` // "user_message" | "prompt_response"
	Text     string `json:"text,omitempty"`
	PromptID string `json:"promptId,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Events arrive from worker goroutines as well as the session loop;
	// serialize writes on the connection.
	var writeMu sync.Mutex
	sink := func(e dragon.Event) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(e); err != nil {
			s.logger.Debug("Dropping event for closed connection: %v", err)
		}
	}

	session, err := s.cfg.Sessions(sink)
	if err != nil {
		s.logger.Error("Session setup failed: %v", err)
		return
	}
	s.logger.Info("Session %s connected", session.ID)
	if s.cfg.OnSessionClosed != nil {
		defer s.cfg.OnSessionClosed(session)
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			s.logger.Info("Session %s disconnected: %v", session.ID, err)
			return
		}

		switch frame.Type {
		case "user_message":
			session.HandleUserMessage(ctx, frame.Text)
		case "prompt_response":
			if !session.ResolvePrompt(frame.PromptID, frame.Answer) {
				sink(dragon.Event{Type: dragon.EventError, SessionID: session.ID, Message: "unknown prompt id " + frame.PromptID})
			}
		default:
			sink(dragon.Event{Type: dragon.EventError, SessionID: session.ID, Message: "unknown frame type " + frame.Type})
		}
	}
}
