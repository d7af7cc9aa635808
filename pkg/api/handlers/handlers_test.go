package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/pkg/api/middleware"
	"github.com/taskhub/taskhub/pkg/live"
	"github.com/taskhub/taskhub/pkg/storage"
	"github.com/taskhub/taskhub/pkg/storage/memory"
)

const testUserHeader = "X-Test-User"

// recordingNotifier captures live events instead of sending them.
type recordingNotifier struct {
	mu            sync.Mutex
	broadcasts    []projectEvent
	notifications []userEvent
}

type projectEvent struct {
	project live.ProjectKey
	event   live.Event
}

type userEvent struct {
	user  live.UserKey
	event live.Event
}

func (n *recordingNotifier) BroadcastProject(project live.ProjectKey, ev live.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, projectEvent{project, ev})
	return 1
}

func (n *recordingNotifier) SendToUser(user live.UserKey, ev live.Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, userEvent{user, ev})
	return 1
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = nil
	n.notifications = nil
}

type countingRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (c *countingRecorder) RecordTaskMutation(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
}

type staticWatchers int

func (s staticWatchers) ProjectWatchers(live.ProjectKey) int { return int(s) }

// fixture wires the REST handlers to memory storage behind a chi router.
// The caller is taken from testUserHeader.
type fixture struct {
	store    *memory.MemoryStorage
	notifier *recordingNotifier
	recorder *countingRecorder
	router   chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    memory.NewMemoryStorage(),
		notifier: &recordingNotifier{},
		recorder: &countingRecorder{},
	}

	projects := NewProjectHandler(f.store, nil)
	tasks := NewTaskHandler(f.store, f.notifier, f.recorder, nil)
	analytics := NewAnalyticsHandler(f.store, staticWatchers(3))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := r.Header.Get(testUserHeader); raw != "" {
				id, _ := strconv.ParseInt(raw, 10, 64)
				r = r.WithContext(middleware.WithUserID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/projects", projects.List)
	r.Post("/projects", projects.Create)
	r.Get("/projects/{projectID}", projects.Get)
	r.Post("/projects/{projectID}/members", projects.AddMember)
	r.Get("/projects/{projectID}/tasks", tasks.List)
	r.Post("/projects/{projectID}/tasks", tasks.Create)
	r.Patch("/projects/{projectID}/tasks/{taskID}", tasks.Update)
	r.Delete("/projects/{projectID}/tasks/{taskID}", tasks.Delete)
	r.Patch("/projects/{projectID}/tasks/{taskID}/status", tasks.UpdateStatus)
	r.Patch("/projects/{projectID}/tasks/{taskID}/assignee", tasks.Assign)
	r.Get("/projects/{projectID}/analytics", analytics.Get)
	f.router = r

	return f
}

func (f *fixture) user(t *testing.T, email string) int64 {
	t.Helper()
	u := &storage.User{Email: email, Name: email, PasswordHash: "x"}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u.ID
}

func (f *fixture) project(t *testing.T, owner int64, members ...int64) int64 {
	t.Helper()
	p := &storage.Project{Name: "p", OwnerID: owner}
	require.NoError(t, f.store.CreateProject(context.Background(), p))
	for _, m := range members {
		require.NoError(t, f.store.AddMember(context.Background(), p.ID, m, storage.RoleMember))
	}
	return p.ID
}

func (f *fixture) task(t *testing.T, projectID, assignee int64) *storage.Task {
	t.Helper()
	return f.taskBy(t, projectID, 0, assignee)
}

func (f *fixture) taskBy(t *testing.T, projectID, creator, assignee int64) *storage.Task {
	t.Helper()
	task := &storage.Task{ProjectID: projectID, Title: "t", Status: storage.StatusTodo, CreatorID: creator, AssigneeID: assignee}
	require.NoError(t, f.store.CreateTask(context.Background(), task))
	return task
}

func (f *fixture) do(method, path string, user int64, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != 0 {
		req.Header.Set(testUserHeader, strconv.FormatInt(user, 10))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}
