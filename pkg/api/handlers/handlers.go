// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/taskhub/taskhub/pkg/api/middleware"
	"github.com/taskhub/taskhub/pkg/api/response"
	"github.com/taskhub/taskhub/pkg/live"
	"github.com/taskhub/taskhub/pkg/storage"
)

// LiveNotifier pushes task events to live connections. *live.Hub
// satisfies it.
type LiveNotifier interface {
	BroadcastProject(project live.ProjectKey, ev live.Event) int
	SendToUser(user live.UserKey, ev live.Event) int
}

// TaskRecorder counts committed task mutations.
type TaskRecorder interface {
	RecordTaskMutation(kind string)
}

type nopTaskRecorder struct{}

func (nopTaskRecorder) RecordTaskMutation(string) {}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report json field names so error details match the request body.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, dst interface{}) error {
	if err := response.DecodeJSON(r, dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

func idParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, response.BadRequest("invalid %s %q", name, raw)
	}
	return id, nil
}

func currentUser(r *http.Request) (int64, error) {
	id, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		return 0, response.ErrUnauthorized
	}
	return id, nil
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	response.HandleError(w, err, middleware.GetRequestID(r.Context()))
}

// memberProject loads a project the caller belongs to. Non-members get
// NotFound so that project ids are not disclosed.
func memberProject(ctx context.Context, store storage.Storage, projectID, userID int64) (*storage.Project, string, error) {
	role, ok, err := store.IsMember(ctx, projectID, userID)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", storage.NotFound("project", projectID)
	}
	project, err := store.GetProject(ctx, projectID)
	if err != nil {
		return nil, "", err
	}
	return project, role, nil
}
