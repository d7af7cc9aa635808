package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/config"
	"github.com/taskhub/taskhub/pkg/api/handlers"
	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/live"
	"github.com/taskhub/taskhub/pkg/logger"
	"github.com/taskhub/taskhub/pkg/metrics"
	"github.com/taskhub/taskhub/pkg/storage/memory"
)

type testEnv struct {
	server  *httptest.Server
	hub     *live.Hub
	live    *handlers.LiveHandler
	metrics *metrics.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Session.BcryptCost = 4
	log := logger.NewNop()

	store := memory.NewMemoryStorage()
	sessions := auth.NewMemorySessionStore(time.Hour)
	m := metrics.NewManager(metrics.DefaultConfig())
	hub := live.NewHub(log, m)
	gateway := handlers.NewLiveHandler(store, hub, m, log, handlers.LiveConfig{
		PingInterval: time.Second,
		PongTimeout:  3 * time.Second,
	})

	h := &Handlers{
		Auth: handlers.NewAuthHandler(store, sessions, auth.NewHasher(cfg.Session.BcryptCost), handlers.CookieConfig{
			Name: cfg.Session.CookieName,
			TTL:  cfg.Session.TTL,
		}, log),
		Projects:  handlers.NewProjectHandler(store, log),
		Tasks:     handlers.NewTaskHandler(store, hub, m, log),
		Analytics: handlers.NewAnalyticsHandler(store, hub),
		Live:      gateway,
		Health:    handlers.NewHealthHandler(store, hub, gateway, "memory"),
		Sessions:  sessions,
		Metrics:   m,
	}

	srv := httptest.NewServer(NewRouter(cfg, log, h))
	t.Cleanup(func() {
		gateway.Close()
		srv.Close()
		sessions.Close()
	})

	return &testEnv{server: srv, hub: hub, live: gateway, metrics: m}
}

type account struct {
	ID    int64
	Token string
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *testEnv) register(t *testing.T, email string) account {
	t.Helper()

	resp, body := e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":    email,
		"name":     strings.Split(email, "@")[0],
		"password": "correct-horse",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var user struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &user))
	token := resp.Header.Get("X-Session-Token")
	require.NotEmpty(t, token)
	return account{ID: user.ID, Token: token}
}

func (e *testEnv) createProject(t *testing.T, owner account, name string) int64 {
	t.Helper()

	resp, body := e.do(t, http.MethodPost, "/api/v1/projects", owner.Token, map[string]string{"name": name})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var project struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &project))
	return project.ID
}

func (e *testEnv) dial(t *testing.T, path, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readEvent(t *testing.T, conn *websocket.Conn) live.Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev live.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestRouter_HealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/ready", "/status"} {
		t.Run(path, func(t *testing.T) {
			resp, body := env.do(t, http.MethodGet, path, "", nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		})
	}
}

func TestRouter_RequiresSession(t *testing.T) {
	env := newTestEnv(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/auth/me"},
		{http.MethodGet, "/api/v1/projects"},
		{http.MethodPost, "/api/v1/projects"},
		{http.MethodGet, "/api/v1/projects/1/tasks"},
		{http.MethodGet, "/api/v1/projects/1/analytics"},
		{http.MethodGet, "/ws/notifications"},
	}

	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			resp, body := env.do(t, p.method, p.path, "bogus-token", nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, string(body))

			var errResp struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(body, &errResp))
			assert.Equal(t, "UNAUTHORIZED", errResp.Error.Code)
		})
	}
}

func TestRouter_LoginLogout(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com")

	resp, _ := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "ALICE@example.com",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "alice@example.com",
		"password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	token := resp.Header.Get("X-Session-Token")
	require.NotEmpty(t, token)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_LiveTaskFlow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice@example.com")
	bob := env.register(t, "bob@example.com")
	carol := env.register(t, "carol@example.com")

	projectID := env.createProject(t, alice, "Launch")

	resp, _ := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/projects/%d", projectID), bob.Token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/members", projectID), alice.Token,
		map[string]interface{}{"user_id": bob.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	wsPath := fmt.Sprintf("/ws/tasks/%d", projectID)

	// Non-members are refused before the upgrade.
	_, resp, err := env.dial(t, wsPath, carol.Token)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = env.dial(t, "/ws/tasks/abc", alice.Token)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	aliceWS, _, err := env.dial(t, wsPath, alice.Token)
	require.NoError(t, err)
	welcome := readEvent(t, aliceWS)
	assert.Equal(t, live.TypeSystem, welcome.Type)
	assert.Equal(t, live.KindConnected, welcome.Kind)
	assert.Equal(t, projectID, welcome.ID)

	bobWS, _, err := env.dial(t, wsPath, bob.Token)
	require.NoError(t, err)
	readEvent(t, bobWS)

	bobNotes, _, err := env.dial(t, "/ws/notifications", bob.Token)
	require.NoError(t, err)
	assert.Equal(t, live.KindConnected, readEvent(t, bobNotes).Kind)

	assert.Equal(t, 2, env.hub.ProjectWatchers(live.ProjectKey(projectID)))
	assert.Equal(t, 3, env.live.Connections())

	// Creating an assigned task reaches every watcher and notifies the assignee.
	resp, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/projects/%d/tasks", projectID), alice.Token,
		map[string]interface{}{"title": "Write docs", "assignee_id": bob.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var task struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &task))

	for _, conn := range []*websocket.Conn{aliceWS, bobWS} {
		ev := readEvent(t, conn)
		assert.Equal(t, live.TypeTaskUpdate, ev.Type)
		assert.Equal(t, live.KindCreated, ev.Kind)
		assert.Equal(t, task.ID, ev.ID)
	}
	// Project connections are also registered under their user, so bob sees
	// the notification on both sockets.
	for _, conn := range []*websocket.Conn{bobNotes, bobWS} {
		note := readEvent(t, conn)
		assert.Equal(t, live.TypeNotification, note.Type)
		assert.Equal(t, live.KindTaskAssignment, note.Kind)
		assert.Contains(t, note.Message, "Write docs")
	}

	// Relay frames go to the other watchers only.
	require.NoError(t, aliceWS.WriteMessage(websocket.TextMessage, []byte(`{"cursor":3}`)))
	relay := readEvent(t, bobWS)
	assert.Equal(t, live.TypeRelay, relay.Type)
	assert.Equal(t, map[string]interface{}{"cursor": float64(3)}, relay.Data)

	resp, body = env.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/projects/%d/tasks/%d/status", projectID, task.ID), bob.Token,
		map[string]string{"status": "done"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// The relay was not echoed, so alice's next frame is the status update.
	ev := readEvent(t, aliceWS)
	assert.Equal(t, live.KindUpdated, ev.Kind)
	assert.Equal(t, live.KindUpdated, readEvent(t, bobWS).Kind)

	resp, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/projects/%d/analytics", projectID), alice.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var summary struct {
		Counts   map[string]int `json:"counts"`
		Total    int            `json:"total"`
		Watchers int            `json:"watchers"`
	}
	require.NoError(t, json.Unmarshal(body, &summary))
	assert.Equal(t, 1, summary.Counts["done"])
	assert.Equal(t, 0, summary.Counts["todo"])
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 2, summary.Watchers)

	// Edits and deletes are published to the project as well.
	resp, body = env.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/projects/%d/tasks/%d", projectID, task.ID), bob.Token,
		map[string]string{"title": "Write better docs"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	for _, conn := range []*websocket.Conn{aliceWS, bobWS} {
		assert.Equal(t, live.KindUpdated, readEvent(t, conn).Kind)
	}

	resp, body = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/projects/%d/tasks/%d", projectID, task.ID), alice.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))
	for _, conn := range []*websocket.Conn{aliceWS, bobWS} {
		ev := readEvent(t, conn)
		assert.Equal(t, live.KindDeleted, ev.Kind)
		assert.Equal(t, task.ID, ev.ID)
	}
	assert.Equal(t, live.KindTaskDeleted, readEvent(t, bobNotes).Kind)
	assert.Equal(t, live.KindTaskDeleted, readEvent(t, bobWS).Kind)

	// Closing a connection removes it from the registry.
	require.NoError(t, bobWS.Close())
	assert.Eventually(t, func() bool {
		return env.hub.ProjectWatchers(live.ProjectKey(projectID)) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRouter_MetricsRecorded(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "alice@example.com")
	env.createProject(t, alice, "Metrics")

	rec := httptest.NewRecorder()
	env.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := rec.Body.String()

	assert.Contains(t, out, `path="/api/v1/projects"`)
	assert.Contains(t, out, `path="/api/v1/auth/register"`)
}
