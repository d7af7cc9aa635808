package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// StorageTestSuite defines a test suite that can be run against any Storage implementation.
type StorageTestSuite struct {
	NewStorage func(t *testing.T) Storage
}

// RunAllTests runs all storage tests against the provided storage implementation.
func (s *StorageTestSuite) RunAllTests(t *testing.T) {
	t.Run("UserCRUD", s.TestUserCRUD)
	t.Run("DuplicateEmail", s.TestDuplicateEmail)
	t.Run("ProjectMembership", s.TestProjectMembership)
	t.Run("TaskLifecycle", s.TestTaskLifecycle)
	t.Run("TaskEditAndDelete", s.TestTaskEditAndDelete)
	t.Run("CountTasksByStatus", s.TestCountTasksByStatus)
	t.Run("ConcurrentTaskCreation", s.TestConcurrentTaskCreation)
	t.Run("NotFound", s.TestNotFound)
	t.Run("Ping", s.TestPing)
}

func mustCreateUser(t *testing.T, store Storage, email string) *User {
	t.Helper()
	u := &User{Email: email, Name: email, PasswordHash: "hash"}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", email, err)
	}
	return u
}

func mustCreateProject(t *testing.T, store Storage, owner int64, name string) *Project {
	t.Helper()
	p := &Project{Name: name, Description: name + " description", OwnerID: owner}
	if err := store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject(%s) failed: %v", name, err)
	}
	return p
}

// TestUserCRUD tests user creation and lookups.
func (s *StorageTestSuite) TestUserCRUD(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()

	u := &User{Email: "Alice@Example.com ", Name: "Alice", PasswordHash: "secret-hash"}
	if err := store.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if u.ID <= 0 {
		t.Fatalf("expected positive ID, got %d", u.ID)
	}
	if u.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	got, err := store.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Email != "alice@example.com" {
		t.Errorf("expected normalized email, got %q", got.Email)
	}
	if got.Name != "Alice" || got.PasswordHash != "secret-hash" {
		t.Errorf("unexpected user: %+v", got)
	}

	byEmail, err := store.GetUserByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if byEmail.ID != u.ID {
		t.Errorf("expected ID %d, got %d", u.ID, byEmail.ID)
	}

	other := mustCreateUser(t, store, "bob@example.com")
	if other.ID == u.ID {
		t.Error("expected distinct IDs")
	}
}

// TestDuplicateEmail tests that emails are unique.
func (s *StorageTestSuite) TestDuplicateEmail(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	mustCreateUser(t, store, "dup@example.com")
	err := store.CreateUser(context.Background(), &User{Email: "DUP@example.com", Name: "again"})
	if !IsDuplicate(err) {
		t.Fatalf("expected DuplicateKeyError, got %v", err)
	}
}

// TestProjectMembership tests project creation and member management.
func (s *StorageTestSuite) TestProjectMembership(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	owner := mustCreateUser(t, store, "owner@example.com")
	member := mustCreateUser(t, store, "member@example.com")
	outsider := mustCreateUser(t, store, "outsider@example.com")

	p := mustCreateProject(t, store, owner.ID, "Roadmap")
	if p.ID <= 0 {
		t.Fatalf("expected positive project ID, got %d", p.ID)
	}

	got, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if got.Name != "Roadmap" || got.OwnerID != owner.ID {
		t.Errorf("unexpected project: %+v", got)
	}

	role, ok, err := store.IsMember(ctx, p.ID, owner.ID)
	if err != nil || !ok || role != RoleOwner {
		t.Errorf("owner membership = (%q, %v, %v), want (owner, true, nil)", role, ok, err)
	}

	if _, ok, _ := store.IsMember(ctx, p.ID, member.ID); ok {
		t.Error("member should not be a member yet")
	}

	if err := store.AddMember(ctx, p.ID, member.ID, RoleMember); err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if err := store.AddMember(ctx, p.ID, member.ID, RoleMember); err != nil {
		t.Fatalf("AddMember should be idempotent: %v", err)
	}

	role, ok, err = store.IsMember(ctx, p.ID, member.ID)
	if err != nil || !ok || role != RoleMember {
		t.Errorf("member membership = (%q, %v, %v), want (member, true, nil)", role, ok, err)
	}

	mustCreateProject(t, store, outsider.ID, "Elsewhere")

	projects, err := store.ListProjectsForUser(ctx, member.ID)
	if err != nil {
		t.Fatalf("ListProjectsForUser failed: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != p.ID {
		t.Errorf("expected member to see exactly project %d, got %+v", p.ID, projects)
	}

	projects, err = store.ListProjectsForUser(ctx, outsider.ID)
	if err != nil {
		t.Fatalf("ListProjectsForUser failed: %v", err)
	}
	if len(projects) != 1 || projects[0].Name != "Elsewhere" {
		t.Errorf("unexpected outsider projects: %+v", projects)
	}
}

// TestTaskLifecycle tests task creation, listing, status changes and assignment.
func (s *StorageTestSuite) TestTaskLifecycle(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	owner := mustCreateUser(t, store, "lead@example.com")
	dev := mustCreateUser(t, store, "dev@example.com")
	p := mustCreateProject(t, store, owner.ID, "Sprint")

	due := time.Date(2030, 1, 2, 15, 0, 0, 0, time.UTC)
	task := &Task{ProjectID: p.ID, Title: "Write docs", Description: "all of them", CreatorID: owner.ID, DueDate: &due}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.ID <= 0 {
		t.Fatalf("expected positive task ID, got %d", task.ID)
	}
	if task.Status != StatusTodo {
		t.Errorf("expected default status %q, got %q", StatusTodo, task.Status)
	}
	if stored, err := store.GetTask(ctx, task.ID); err != nil || stored.CreatorID != owner.ID {
		t.Errorf("expected creator %d to be stored, got %+v (err %v)", owner.ID, stored, err)
	}

	second := &Task{ProjectID: p.ID, Title: "Ship", Status: StatusInProgress}
	if err := store.CreateTask(ctx, second); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	tasks, err := store.ListTasks(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != second.ID || tasks[1].ID != task.ID {
		t.Errorf("expected newest task first, got %d, %d", tasks[0].ID, tasks[1].ID)
	}
	if tasks[1].DueDate == nil || !tasks[1].DueDate.Equal(due) {
		t.Errorf("expected due date %v, got %v", due, tasks[1].DueDate)
	}

	updated, err := store.UpdateTaskStatus(ctx, task.ID, StatusDone)
	if err != nil {
		t.Fatalf("UpdateTaskStatus failed: %v", err)
	}
	if updated.Status != StatusDone {
		t.Errorf("expected status done, got %q", updated.Status)
	}
	if updated.UpdatedAt.Before(updated.CreatedAt) {
		t.Error("UpdatedAt must not precede CreatedAt")
	}

	assigned, err := store.AssignTask(ctx, task.ID, dev.ID)
	if err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	if assigned.AssigneeID != dev.ID {
		t.Errorf("expected assignee %d, got %d", dev.ID, assigned.AssigneeID)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != StatusDone || got.AssigneeID != dev.ID || got.Title != "Write docs" {
		t.Errorf("unexpected task after updates: %+v", got)
	}

	unassigned, err := store.AssignTask(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("AssignTask(0) failed: %v", err)
	}
	if unassigned.AssigneeID != 0 {
		t.Errorf("expected task to be unassigned, got %d", unassigned.AssigneeID)
	}
}

// TestTaskEditAndDelete tests partial edits and deletion.
func (s *StorageTestSuite) TestTaskEditAndDelete(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	owner := mustCreateUser(t, store, "editor@example.com")
	p := mustCreateProject(t, store, owner.ID, "Edits")

	due := time.Date(2031, 6, 1, 9, 0, 0, 0, time.UTC)
	task := &Task{ProjectID: p.ID, Title: "Draft", Description: "first pass", Status: StatusInProgress, DueDate: &due}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	title := "Final"
	edited, err := store.UpdateTask(ctx, task.ID, TaskUpdate{Title: &title})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if edited.Title != "Final" || edited.Description != "first pass" || edited.Status != StatusInProgress {
		t.Errorf("title edit changed other fields: %+v", edited)
	}
	if edited.DueDate == nil || !edited.DueDate.Equal(due) {
		t.Errorf("expected due date to be kept, got %v", edited.DueDate)
	}

	desc := ""
	moved := time.Date(2031, 7, 1, 9, 0, 0, 0, time.UTC)
	edited, err = store.UpdateTask(ctx, task.ID, TaskUpdate{Description: &desc, DueDate: &moved})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if edited.Description != "" || edited.DueDate == nil || !edited.DueDate.Equal(moved) {
		t.Errorf("unexpected task after edit: %+v", edited)
	}

	edited, err = store.UpdateTask(ctx, task.ID, TaskUpdate{ClearDueDate: true})
	if err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	if edited.DueDate != nil {
		t.Errorf("expected due date cleared, got %v", edited.DueDate)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Title != "Final" || got.DueDate != nil {
		t.Errorf("edit not persisted: %+v", got)
	}

	if err := store.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if _, err := store.GetTask(ctx, task.ID); !IsNotFound(err) {
		t.Errorf("GetTask after delete: expected NotFoundError, got %v", err)
	}
	if err := store.DeleteTask(ctx, task.ID); !IsNotFound(err) {
		t.Errorf("second DeleteTask: expected NotFoundError, got %v", err)
	}

	tasks, err := store.ListTasks(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected deleted task to leave the listing, got %d", len(tasks))
	}
	counts, err := store.CountTasksByStatus(ctx, p.ID)
	if err != nil {
		t.Fatalf("CountTasksByStatus failed: %v", err)
	}
	if counts[StatusInProgress] != 0 {
		t.Errorf("expected deleted task to leave the counts, got %v", counts)
	}
}

// TestCountTasksByStatus tests per-status counting, including zeros.
func (s *StorageTestSuite) TestCountTasksByStatus(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	owner := mustCreateUser(t, store, "counter@example.com")
	p := mustCreateProject(t, store, owner.ID, "Counts")
	other := mustCreateProject(t, store, owner.ID, "Other")

	for i, status := range []string{StatusTodo, StatusTodo, StatusDone} {
		task := &Task{ProjectID: p.ID, Title: fmt.Sprintf("task %d", i), Status: status}
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}
	if err := store.CreateTask(ctx, &Task{ProjectID: other.ID, Title: "elsewhere", Status: StatusInProgress}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	counts, err := store.CountTasksByStatus(ctx, p.ID)
	if err != nil {
		t.Fatalf("CountTasksByStatus failed: %v", err)
	}
	want := map[string]int{StatusTodo: 2, StatusInProgress: 0, StatusDone: 1}
	for status, n := range want {
		if counts[status] != n {
			t.Errorf("counts[%s] = %d, want %d", status, counts[status], n)
		}
	}
	if len(counts) != len(want) {
		t.Errorf("expected %d statuses, got %v", len(want), counts)
	}
}

// TestConcurrentTaskCreation tests that concurrent writers get unique IDs.
func (s *StorageTestSuite) TestConcurrentTaskCreation(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()
	owner := mustCreateUser(t, store, "busy@example.com")
	p := mustCreateProject(t, store, owner.ID, "Busy")

	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  = make(map[int64]bool)
		errs = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := &Task{ProjectID: p.ID, Title: fmt.Sprintf("concurrent %d", i)}
			if err := store.CreateTask(ctx, task); err != nil {
				errs <- err
				return
			}
			mu.Lock()
			ids[task.ID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent CreateTask failed: %v", err)
	}
	if len(ids) != n {
		t.Errorf("expected %d unique IDs, got %d", n, len(ids))
	}

	tasks, err := store.ListTasks(ctx, p.ID)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != n {
		t.Errorf("expected %d tasks, got %d", n, len(tasks))
	}
}

// TestNotFound tests not-found errors for every entity.
func (s *StorageTestSuite) TestNotFound(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	ctx := context.Background()

	if _, err := store.GetUser(ctx, 999); !IsNotFound(err) {
		t.Errorf("GetUser: expected NotFoundError, got %v", err)
	}
	if _, err := store.GetUserByEmail(ctx, "nobody@example.com"); !IsNotFound(err) {
		t.Errorf("GetUserByEmail: expected NotFoundError, got %v", err)
	}
	if _, err := store.GetProject(ctx, 999); !IsNotFound(err) {
		t.Errorf("GetProject: expected NotFoundError, got %v", err)
	}
	if _, err := store.GetTask(ctx, 999); !IsNotFound(err) {
		t.Errorf("GetTask: expected NotFoundError, got %v", err)
	}
	if _, err := store.UpdateTaskStatus(ctx, 999, StatusDone); !IsNotFound(err) {
		t.Errorf("UpdateTaskStatus: expected NotFoundError, got %v", err)
	}
	if _, err := store.AssignTask(ctx, 999, 1); !IsNotFound(err) {
		t.Errorf("AssignTask: expected NotFoundError, got %v", err)
	}
	title := "ghost"
	if _, err := store.UpdateTask(ctx, 999, TaskUpdate{Title: &title}); !IsNotFound(err) {
		t.Errorf("UpdateTask: expected NotFoundError, got %v", err)
	}
	if err := store.DeleteTask(ctx, 999); !IsNotFound(err) {
		t.Errorf("DeleteTask: expected NotFoundError, got %v", err)
	}
	if err := store.AddMember(ctx, 999, 1, RoleMember); !IsNotFound(err) {
		t.Errorf("AddMember: expected NotFoundError, got %v", err)
	}
	if err := store.CreateTask(ctx, &Task{ProjectID: 999, Title: "orphan"}); !IsNotFound(err) {
		t.Errorf("CreateTask: expected NotFoundError for missing project, got %v", err)
	}

	if _, ok, err := store.IsMember(ctx, 999, 1); ok || err != nil {
		t.Errorf("IsMember on unknown project = (%v, %v), want (false, nil)", ok, err)
	}

	tasks, err := store.ListTasks(ctx, 999)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(tasks))
	}
}

// TestPing tests the storage health check.
func (s *StorageTestSuite) TestPing(t *testing.T) {
	store := s.NewStorage(t)
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
