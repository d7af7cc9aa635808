package handlers

import (
	"net/http"

	"github.com/taskhub/taskhub/pkg/api/response"
	"github.com/taskhub/taskhub/pkg/live"
	"github.com/taskhub/taskhub/pkg/storage"
)

// WatcherCounter reports how many live connections watch a project.
type WatcherCounter interface {
	ProjectWatchers(project live.ProjectKey) int
}

// AnalyticsHandler serves the project dashboard summary.
type AnalyticsHandler struct {
	store    storage.Storage
	watchers WatcherCounter
}

// NewAnalyticsHandler creates a new analytics handler.
func NewAnalyticsHandler(store storage.Storage, watchers WatcherCounter) *AnalyticsHandler {
	return &AnalyticsHandler{store: store, watchers: watchers}
}

type analyticsResponse struct {
	ProjectID int64          `json:"project_id"`
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
	Watchers  int            `json:"watchers"`
}

// Get handles GET /api/v1/projects/{projectID}/analytics.
func (h *AnalyticsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	projectID, err := idParam(r, "projectID")
	if err != nil {
		fail(w, r, err)
		return
	}
	if _, _, err := memberProject(r.Context(), h.store, projectID, userID); err != nil {
		fail(w, r, err)
		return
	}

	counts, err := h.store.CountTasksByStatus(r.Context(), projectID)
	if err != nil {
		fail(w, r, err)
		return
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	response.JSON(w, http.StatusOK, analyticsResponse{
		ProjectID: projectID,
		Counts:    counts,
		Total:     total,
		Watchers:  h.watchers.ProjectWatchers(live.ProjectKey(projectID)),
	})
}
