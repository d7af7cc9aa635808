package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/taskhub/taskhub/pkg/api/response"
	"github.com/taskhub/taskhub/pkg/live"
	"github.com/taskhub/taskhub/pkg/version"
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsProvider reports live-update registry occupancy.
type StatsProvider interface {
	Stats() live.Stats
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	storage     Pinger
	hub         StatsProvider
	gateway     *LiveHandler
	storageType string
	started     time.Time
}

// NewHealthHandler creates a new health handler. gateway may be nil.
func NewHealthHandler(storage Pinger, hub StatsProvider, gateway *LiveHandler, storageType string) *HealthHandler {
	return &HealthHandler{
		storage:     storage,
		hub:         hub,
		gateway:     gateway,
		storageType: storageType,
		started:     time.Now(),
	}
}

// Health handles the /health endpoint (liveness check).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint (readiness check).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.storage.Ping(ctx); err != nil {
		response.JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]bool{
		"ready": true,
	})
}

type statusResponse struct {
	Version       version.Info `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Storage       string       `json:"storage"`
	Live          live.Stats   `json:"live"`
	Connections   int          `json:"connections"`
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := statusResponse{
		Version:       version.Get(),
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Storage:       h.storageType,
		Live:          h.hub.Stats(),
	}
	if h.gateway != nil {
		status.Connections = h.gateway.Connections()
	}
	response.JSON(w, http.StatusOK, status)
}
