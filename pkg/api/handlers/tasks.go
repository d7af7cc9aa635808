package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/taskhub/taskhub/pkg/api/response"
	"github.com/taskhub/taskhub/pkg/live"
	"github.com/taskhub/taskhub/pkg/logger"
	"github.com/taskhub/taskhub/pkg/metrics"
	"github.com/taskhub/taskhub/pkg/storage"
)

// TaskHandler handles task endpoints and publishes committed changes to
// live connections.
type TaskHandler struct {
	store    storage.Storage
	notifier LiveNotifier
	recorder TaskRecorder
	log      logger.Logger
}

// NewTaskHandler creates a new task handler. recorder may be nil.
func NewTaskHandler(store storage.Storage, notifier LiveNotifier, recorder TaskRecorder, log logger.Logger) *TaskHandler {
	if log == nil {
		log = logger.NewNop()
	}
	if recorder == nil {
		recorder = nopTaskRecorder{}
	}
	return &TaskHandler{
		store:    store,
		notifier: notifier,
		recorder: recorder,
		log:      log,
	}
}

type createTaskRequest struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=5000"`
	AssigneeID  int64      `json:"assignee_id" validate:"omitempty,gt=0"`
	DueDate     *time.Time `json:"due_date"`
}

type editTaskRequest struct {
	Title       *string      `json:"title" validate:"omitempty,min=1,max=200"`
	Description *string      `json:"description" validate:"omitempty,max=5000"`
	DueDate     optionalTime `json:"due_date"`
}

// optionalTime tells an absent field apart from an explicit null.
type optionalTime struct {
	set   bool
	value *time.Time
}

func (o *optionalTime) UnmarshalJSON(data []byte) error {
	o.set = true
	if bytes.Equal(data, []byte("null")) {
		o.value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	o.value = &t
	return nil
}

func (req editTaskRequest) update() (storage.TaskUpdate, error) {
	var update storage.TaskUpdate
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return update, response.BadRequest("title must not be blank")
		}
		update.Title = &title
	}
	update.Description = req.Description
	if req.DueDate.set {
		if req.DueDate.value == nil {
			update.ClearDueDate = true
		} else {
			update.DueDate = req.DueDate.value
		}
	}
	if update.Empty() {
		return update, response.BadRequest("no task fields to update")
	}
	return update, nil
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=todo in_progress done"`
}

type assignRequest struct {
	AssigneeID *int64 `json:"assignee_id" validate:"required,gte=0"`
}

// List handles GET /api/v1/projects/{projectID}/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	_, projectID, ok := h.projectAccess(w, r)
	if !ok {
		return
	}

	tasks, err := h.store.ListTasks(r.Context(), projectID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*storage.Task{}
	}
	response.JSON(w, http.StatusOK, tasks)
}

// Create handles POST /api/v1/projects/{projectID}/tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.projectAccess(w, r)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.AssigneeID != 0 {
		if err := h.requireMember(r, projectID, req.AssigneeID); err != nil {
			fail(w, r, err)
			return
		}
	}

	task := &storage.Task{
		ProjectID:   projectID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      storage.StatusTodo,
		CreatorID:   userID,
		AssigneeID:  req.AssigneeID,
		DueDate:     req.DueDate,
	}
	if err := h.store.CreateTask(r.Context(), task); err != nil {
		fail(w, r, err)
		return
	}

	h.recorder.RecordTaskMutation(metrics.MutationCreated)
	h.notifier.BroadcastProject(live.ProjectKey(projectID), live.TaskCreated(task.ID, task))
	if task.AssigneeID != 0 && task.AssigneeID != userID {
		h.notifier.SendToUser(live.UserKey(task.AssigneeID), live.Notification(
			live.KindTaskAssignment, task.ID,
			fmt.Sprintf("You have been assigned to task %q", task.Title),
		))
	}

	response.JSON(w, http.StatusCreated, task)
}

// Update handles PATCH /api/v1/projects/{projectID}/tasks/{taskID}. Only the
// fields present in the body change; a null due_date clears it.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	_, projectID, ok := h.projectAccess(w, r)
	if !ok {
		return
	}
	current, err := h.taskInProject(r, projectID)
	if err != nil {
		fail(w, r, err)
		return
	}

	var req editTaskRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	update, err := req.update()
	if err != nil {
		fail(w, r, err)
		return
	}

	task, err := h.store.UpdateTask(r.Context(), current.ID, update)
	if err != nil {
		fail(w, r, err)
		return
	}

	h.recorder.RecordTaskMutation(metrics.MutationEdited)
	h.notifier.BroadcastProject(live.ProjectKey(projectID), live.TaskUpdated(task.ID, task))

	response.JSON(w, http.StatusOK, task)
}

// Delete handles DELETE /api/v1/projects/{projectID}/tasks/{taskID}. The
// task's creator, its assignee and the project owner may delete it.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.projectAccess(w, r)
	if !ok {
		return
	}
	task, err := h.taskInProject(r, projectID)
	if err != nil {
		fail(w, r, err)
		return
	}

	if task.CreatorID != userID && task.AssigneeID != userID {
		role, _, err := h.store.IsMember(r.Context(), projectID, userID)
		if err != nil {
			fail(w, r, err)
			return
		}
		if role != storage.RoleOwner {
			fail(w, r, response.ErrForbidden)
			return
		}
	}

	if err := h.store.DeleteTask(r.Context(), task.ID); err != nil {
		fail(w, r, err)
		return
	}

	h.recorder.RecordTaskMutation(metrics.MutationDeleted)
	h.notifier.BroadcastProject(live.ProjectKey(projectID), live.TaskDeleted(task.ID))
	if task.AssigneeID != 0 && task.AssigneeID != userID {
		h.notifier.SendToUser(live.UserKey(task.AssigneeID), live.Notification(
			live.KindTaskDeleted, task.ID,
			fmt.Sprintf("Task %q was deleted", task.Title),
		))
	}

	response.NoContent(w)
}

// UpdateStatus handles PATCH /api/v1/projects/{projectID}/tasks/{taskID}/status.
func (h *TaskHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.projectAccess(w, r)
	if !ok {
		return
	}
	current, err := h.taskInProject(r, projectID)
	if err != nil {
		fail(w, r, err)
		return
	}

	var req updateStatusRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}

	task, err := h.store.UpdateTaskStatus(r.Context(), current.ID, req.Status)
	if err != nil {
		fail(w, r, err)
		return
	}

	h.recorder.RecordTaskMutation(metrics.MutationStatus)
	h.notifier.BroadcastProject(live.ProjectKey(projectID), live.TaskUpdated(task.ID, task))
	if task.AssigneeID != 0 && task.AssigneeID != userID {
		h.notifier.SendToUser(live.UserKey(task.AssigneeID), live.Notification(
			live.KindTaskStatusChange, task.ID,
			fmt.Sprintf("Task %q is now %s", task.Title, task.Status),
		))
	}

	response.JSON(w, http.StatusOK, task)
}

// Assign handles PATCH /api/v1/projects/{projectID}/tasks/{taskID}/assignee.
// An assignee_id of 0 clears the assignment.
func (h *TaskHandler) Assign(w http.ResponseWriter, r *http.Request) {
	userID, projectID, ok := h.projectAccess(w, r)
	if !ok {
		return
	}
	current, err := h.taskInProject(r, projectID)
	if err != nil {
		fail(w, r, err)
		return
	}

	var req assignRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	assignee := *req.AssigneeID
	if assignee != 0 {
		if err := h.requireMember(r, projectID, assignee); err != nil {
			fail(w, r, err)
			return
		}
	}

	task, err := h.store.AssignTask(r.Context(), current.ID, assignee)
	if err != nil {
		fail(w, r, err)
		return
	}

	h.recorder.RecordTaskMutation(metrics.MutationAssigned)
	h.notifier.BroadcastProject(live.ProjectKey(projectID), live.TaskUpdated(task.ID, task))
	if assignee != 0 && assignee != userID {
		h.notifier.SendToUser(live.UserKey(assignee), live.Notification(
			live.KindTaskAssignment, task.ID,
			fmt.Sprintf("You have been assigned to task %q", task.Title),
		))
	}

	response.JSON(w, http.StatusOK, task)
}

// projectAccess resolves the caller and the project id and checks
// membership, writing the error response itself on failure.
func (h *TaskHandler) projectAccess(w http.ResponseWriter, r *http.Request) (userID, projectID int64, ok bool) {
	userID, err := currentUser(r)
	if err != nil {
		fail(w, r, err)
		return 0, 0, false
	}
	projectID, err = idParam(r, "projectID")
	if err != nil {
		fail(w, r, err)
		return 0, 0, false
	}
	if _, _, err := memberProject(r.Context(), h.store, projectID, userID); err != nil {
		fail(w, r, err)
		return 0, 0, false
	}
	return userID, projectID, true
}

// taskInProject loads the task named in the URL and reports NotFound for
// tasks that belong to another project.
func (h *TaskHandler) taskInProject(r *http.Request, projectID int64) (*storage.Task, error) {
	taskID, err := idParam(r, "taskID")
	if err != nil {
		return nil, err
	}
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		return nil, err
	}
	if task.ProjectID != projectID {
		return nil, storage.NotFound("task", taskID)
	}
	return task, nil
}

func (h *TaskHandler) requireMember(r *http.Request, projectID, userID int64) error {
	_, ok, err := h.store.IsMember(r.Context(), projectID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return response.BadRequest("user %d is not a member of project %d", userID, projectID)
	}
	return nil
}
