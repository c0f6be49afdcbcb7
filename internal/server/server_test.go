package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brood/internal/dragon"
	"brood/internal/llm"
	"brood/internal/project"
)

type scriptedGateway struct {
	mu        sync.Mutex
	responses []*llm.Response
}

func (g *scriptedGateway) SendMessage(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, systemPrompt string) *llm.Response {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.responses) == 0 {
		return &llm.Response{StopReason: llm.StopEndTurn, Content: []llm.ContentBlock{{Type: "text", Text: "hello from the dragon"}}}
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	return resp
}

func newTestServer(t *testing.T) (*Server, *project.Repository) {
	t.Helper()
	repo, err := project.NewRepository(t.TempDir())
	require.NoError(t, err)

	srv := New(Config{
		Addr: ":0",
		Repo: repo,
		Sessions: func(sink dragon.Sink) (*dragon.Session, error) {
			return dragon.NewSession(dragon.Config{
				Repo:          repo,
				Gateway:       &scriptedGateway{},
				Sink:          sink,
				MaxIterations: 3,
				PromptTimeout: time.Second,
			})
		},
	})
	return srv, repo
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListProjects(t *testing.T) {
	srv, repo := newTestServer(t)
	_, err := repo.Create("rest app")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rest app")
	assert.Contains(t, rec.Body.String(), string(project.StatusPrototype))
}

func TestGetProjectByName(t *testing.T) {
	srv, repo := newTestServer(t)
	_, err := repo.Create("restapp")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects/restapp", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebsocketSessionRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "user_message", Text: "hi"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event dragon.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, dragon.EventAssistantText, event.Type)
	assert.Equal(t, "hello from the dragon", event.Text)
	assert.NotEmpty(t, event.SessionID)
}

func TestWebsocketRejectsUnknownFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "bogus"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event dragon.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, dragon.EventError, event.Type)
	assert.Contains(t, event.Message, "unknown frame type")
}

func TestWebsocketUnknownPromptID(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "prompt_response", PromptID: "pr-missing", Answer: "x"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event dragon.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, dragon.EventError, event.Type)
	assert.Contains(t, event.Message, "pr-missing")
}
