package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskhub/taskhub/pkg/live"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubStats live.Stats

func (s stubStats) Stats() live.Stats { return live.Stats(s) }

func TestHealthHandler_Health(t *testing.T) {
	handler := NewHealthHandler(stubPinger{}, stubStats{}, nil, "memory")

	w := httptest.NewRecorder()
	handler.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Health() status = %v, want %v", w.Code, http.StatusOK)
	}
}

func TestHealthHandler_Ready(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantReady  bool
	}{
		{"storage reachable", nil, http.StatusOK, true},
		{"storage down", errors.New("disk gone"), http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHealthHandler(stubPinger{err: tt.pingErr}, stubStats{}, nil, "badger")

			w := httptest.NewRecorder()
			handler.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("Ready() status = %v, want %v", w.Code, tt.wantStatus)
			}

			var body map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["ready"] != tt.wantReady {
				t.Errorf("ready = %v, want %v", body["ready"], tt.wantReady)
			}
			if tt.pingErr != nil && body["error"] != tt.pingErr.Error() {
				t.Errorf("error = %v", body["error"])
			}
		})
	}
}

func TestHealthHandler_Status(t *testing.T) {
	stats := stubStats{Projects: 2, ProjectConnections: 5, Users: 1, UserConnections: 1}
	gateway := NewLiveHandler(nil, live.NewHub(nil, nil), nil, nil, LiveConfig{})
	handler := NewHealthHandler(stubPinger{}, stats, gateway, "sqlite")

	w := httptest.NewRecorder()
	handler.Status(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Status() status = %v, want %v", w.Code, http.StatusOK)
	}

	var resp statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Storage != "sqlite" {
		t.Errorf("storage = %s, want sqlite", resp.Storage)
	}
	if resp.Live != live.Stats(stats) {
		t.Errorf("live = %+v, want %+v", resp.Live, stats)
	}
	if resp.Connections != 0 {
		t.Errorf("connections = %d, want 0", resp.Connections)
	}
	if resp.Version.Version == "" {
		t.Error("expected a version string")
	}
}
