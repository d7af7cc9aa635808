// Package storage provides the persistence abstraction for users, projects
// and tasks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Storage defines the interface for persistent storage operations.
type Storage interface {
	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// Project operations. CreateProject also records the owner as a member.
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id int64) (*Project, error)
	ListProjectsForUser(ctx context.Context, userID int64) ([]*Project, error)
	AddMember(ctx context.Context, projectID, userID int64, role string) error
	IsMember(ctx context.Context, projectID, userID int64) (role string, ok bool, err error)

	// Task operations
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, projectID int64) ([]*Task, error)
	UpdateTask(ctx context.Context, id int64, update TaskUpdate) (*Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status string) (*Task, error)
	AssignTask(ctx context.Context, id int64, assigneeID int64) (*Task, error)
	DeleteTask(ctx context.Context, id int64) error
	CountTasksByStatus(ctx context.Context, projectID int64) (map[string]int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Task statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Statuses lists every valid task status.
var Statuses = []string{StatusTodo, StatusInProgress, StatusDone}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	for _, status := range Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Member roles.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// User is a registered account.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Project groups tasks and members.
type Project struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     int64     `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task is a unit of work within a project. AssigneeID is zero when unassigned.
type Task struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	CreatorID   int64      `json:"creator_id,omitempty"`
	AssigneeID  int64      `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskUpdate carries an edit of a task's descriptive fields. Nil fields are
// left unchanged; ClearDueDate removes the due date.
type TaskUpdate struct {
	Title        *string
	Description  *string
	DueDate      *time.Time
	ClearDueDate bool
}

// Empty reports whether the update changes nothing.
func (u TaskUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.DueDate == nil && !u.ClearDueDate
}

// Apply writes the update onto t.
func (u TaskUpdate) Apply(t *Task) {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	switch {
	case u.ClearDueDate:
		t.DueDate = nil
	case u.DueDate != nil:
		due := u.DueDate.UTC()
		t.DueDate = &due
	}
}

// NormalizeEmail lower-cases and trims an email so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewStatusCounts returns a count map with every status present.
func NewStatusCounts() map[string]int {
	counts := make(map[string]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	return counts
}

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// DuplicateKeyError indicates that an entity with the given key already exists.
type DuplicateKeyError struct {
	EntityType string
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.EntityType, e.ID)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsDuplicate reports whether err is or wraps a DuplicateKeyError.
func IsDuplicate(err error) bool {
	var target *DuplicateKeyError
	return errors.As(err, &target)
}

// NotFound builds a NotFoundError for a numeric id.
func NotFound(entity string, id int64) error {
	return &NotFoundError{EntityType: entity, ID: fmt.Sprint(id)}
}
