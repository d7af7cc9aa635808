// Package memory provides an in-memory implementation of the storage interface.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskhub/taskhub/pkg/storage"
)

// MemoryStorage implements the Storage interface using in-memory maps.
type MemoryStorage struct {
	mu sync.RWMutex

	nextID int64

	users    map[int64]*storage.User
	emails   map[string]int64
	projects map[int64]*storage.Project
	members  map[int64]map[int64]string // projectID -> userID -> role
	tasks    map[int64]*storage.Task
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:    make(map[int64]*storage.User),
		emails:   make(map[string]int64),
		projects: make(map[int64]*storage.Project),
		members:  make(map[int64]map[int64]string),
		tasks:    make(map[int64]*storage.Task),
	}
}

func (m *MemoryStorage) allocID() int64 {
	m.nextID++
	return m.nextID
}

func now() time.Time {
	return time.Now().UTC()
}

// CreateUser stores a new user and assigns its ID.
func (m *MemoryStorage) CreateUser(ctx context.Context, user *storage.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := storage.NormalizeEmail(user.Email)
	if _, exists := m.emails[email]; exists {
		return &storage.DuplicateKeyError{EntityType: "user", ID: email}
	}

	user.ID = m.allocID()
	user.Email = email
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now()
	}

	copied := *user
	m.users[user.ID] = &copied
	m.emails[email] = user.ID
	return nil
}

// GetUser retrieves a user by ID.
func (m *MemoryStorage) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, exists := m.users[id]
	if !exists {
		return nil, storage.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}

// GetUserByEmail retrieves a user by email address.
func (m *MemoryStorage) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = storage.NormalizeEmail(email)
	id, exists := m.emails[email]
	if !exists {
		return nil, &storage.NotFoundError{EntityType: "user", ID: email}
	}
	copied := *m.users[id]
	return &copied, nil
}

// CreateProject stores a new project and makes its owner a member.
func (m *MemoryStorage) CreateProject(ctx context.Context, project *storage.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[project.OwnerID]; !exists {
		return storage.NotFound("user", project.OwnerID)
	}

	project.ID = m.allocID()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now()
	}

	copied := *project
	m.projects[project.ID] = &copied
	m.members[project.ID] = map[int64]string{project.OwnerID: storage.RoleOwner}
	return nil
}

// GetProject retrieves a project by ID.
func (m *MemoryStorage) GetProject(ctx context.Context, id int64) (*storage.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.projects[id]
	if !exists {
		return nil, storage.NotFound("project", id)
	}
	copied := *p
	return &copied, nil
}

// ListProjectsForUser returns the projects userID belongs to, newest first.
func (m *MemoryStorage) ListProjectsForUser(ctx context.Context, userID int64) ([]*storage.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*storage.Project, 0)
	for projectID, members := range m.members {
		if _, ok := members[userID]; !ok {
			continue
		}
		copied := *m.projects[projectID]
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

// AddMember adds userID to the project. Re-adding an existing member keeps
// its current role.
func (m *MemoryStorage) AddMember(ctx context.Context, projectID, userID int64, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, exists := m.members[projectID]
	if !exists {
		return storage.NotFound("project", projectID)
	}
	if _, exists := m.users[userID]; !exists {
		return storage.NotFound("user", userID)
	}
	if _, already := members[userID]; !already {
		members[userID] = role
	}
	return nil
}

// IsMember reports the role userID holds in the project.
func (m *MemoryStorage) IsMember(ctx context.Context, projectID, userID int64) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	role, ok := m.members[projectID][userID]
	return role, ok, nil
}

// CreateTask stores a new task and assigns its ID.
func (m *MemoryStorage) CreateTask(ctx context.Context, task *storage.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.projects[task.ProjectID]; !exists {
		return storage.NotFound("project", task.ProjectID)
	}
	if task.Status == "" {
		task.Status = storage.StatusTodo
	}
	if !storage.ValidStatus(task.Status) {
		return fmt.Errorf("invalid task status %q", task.Status)
	}

	task.ID = m.allocID()
	ts := now()
	task.CreatedAt = ts
	task.UpdatedAt = ts

	m.tasks[task.ID] = copyTask(task)
	return nil
}

// GetTask retrieves a task by ID.
func (m *MemoryStorage) GetTask(ctx context.Context, id int64) (*storage.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.tasks[id]
	if !exists {
		return nil, storage.NotFound("task", id)
	}
	return copyTask(t), nil
}

// ListTasks returns the tasks of a project, newest first.
func (m *MemoryStorage) ListTasks(ctx context.Context, projectID int64) ([]*storage.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*storage.Task, 0)
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			result = append(result, copyTask(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

// UpdateTask edits a task's title, description or due date.
func (m *MemoryStorage) UpdateTask(ctx context.Context, id int64, update storage.TaskUpdate) (*storage.Task, error) {
	return m.mutateTask(id, update.Apply)
}

// UpdateTaskStatus changes a task's status and returns the updated task.
func (m *MemoryStorage) UpdateTaskStatus(ctx context.Context, id int64, status string) (*storage.Task, error) {
	if !storage.ValidStatus(status) {
		return nil, fmt.Errorf("invalid task status %q", status)
	}
	return m.mutateTask(id, func(t *storage.Task) { t.Status = status })
}

// AssignTask sets a task's assignee. Zero clears it.
func (m *MemoryStorage) AssignTask(ctx context.Context, id int64, assigneeID int64) (*storage.Task, error) {
	return m.mutateTask(id, func(t *storage.Task) { t.AssigneeID = assigneeID })
}

func (m *MemoryStorage) mutateTask(id int64, fn func(*storage.Task)) (*storage.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[id]
	if !exists {
		return nil, storage.NotFound("task", id)
	}
	fn(t)
	t.UpdatedAt = now()
	return copyTask(t), nil
}

// DeleteTask removes a task.
func (m *MemoryStorage) DeleteTask(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[id]; !exists {
		return storage.NotFound("task", id)
	}
	delete(m.tasks, id)
	return nil
}

// CountTasksByStatus returns per-status task counts for a project.
func (m *MemoryStorage) CountTasksByStatus(ctx context.Context, projectID int64) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := storage.NewStatusCounts()
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

// Ping always succeeds.
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}

func copyTask(t *storage.Task) *storage.Task {
	copied := *t
	if t.DueDate != nil {
		due := *t.DueDate
		copied.DueDate = &due
	}
	return &copied
}
