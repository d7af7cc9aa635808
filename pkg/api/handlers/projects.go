package handlers

import (
	"net/http"
	"strings"

	"github.com/taskhub/taskhub/pkg/api/response"
	"github.com/taskhub/taskhub/pkg/logger"
	"github.com/taskhub/taskhub/pkg/storage"
)

// ProjectHandler handles project and membership endpoints.
type ProjectHandler struct {
	store storage.Storage
	log   logger.Logger
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(store storage.Storage, log logger.Logger) *ProjectHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &ProjectHandler{store: store, log: log}
}

type createProjectRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
}

type addMemberRequest struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	Role   string `json:"role" validate:"omitempty,oneof=owner member"`
}

type memberResponse struct {
	ProjectID int64  `json:"project_id"`
	UserID    int64  `json:"user_id"`
	Role      string `json:"role"`
}

// List handles GET /api/v1/projects.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	projects, err := h.store.ListProjectsForUser(r.Context(), userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if projects == nil {
		projects = []*storage.Project{}
	}
	response.JSON(w, http.StatusOK, projects)
}

// Create handles POST /api/v1/projects. The caller becomes the owner.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var req createProjectRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}

	project := &storage.Project{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		OwnerID:     userID,
	}
	if err := h.store.CreateProject(r.Context(), project); err != nil {
		fail(w, r, err)
		return
	}

	h.log.InfoContext(r.Context(), "project created", "project_id", project.ID, "user_id", userID)
	response.JSON(w, http.StatusCreated, project)
}

// Get handles GET /api/v1/projects/{projectID}.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	project, _, err := memberProject(r.Context(), h.store, projectID, userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, project)
}

// AddMember handles POST /api/v1/projects/{projectID}/members. Owner only.
func (h *ProjectHandler) AddMember(w http.ResponseWriter, r *http.Request) {
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

	var req addMemberRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = storage.RoleMember
	}

	_, role, err := memberProject(r.Context(), h.store, projectID, userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if role != storage.RoleOwner {
		fail(w, r, response.ErrForbidden)
		return
	}

	if _, err := h.store.GetUser(r.Context(), req.UserID); err != nil {
		fail(w, r, err)
		return
	}
	if err := h.store.AddMember(r.Context(), projectID, req.UserID, req.Role); err != nil {
		fail(w, r, err)
		return
	}

	// AddMember keeps an existing role, so report what is stored.
	stored, _, err := h.store.IsMember(r.Context(), projectID, req.UserID)
	if err != nil {
		fail(w, r, err)
		return
	}

	h.log.InfoContext(r.Context(), "member added", "project_id", projectID, "member_id", req.UserID, "role", stored)
	response.JSON(w, http.StatusOK, memberResponse{ProjectID: projectID, UserID: req.UserID, Role: stored})
}
