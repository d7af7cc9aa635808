package memory

import (
	"context"
	"testing"

	"github.com/taskhub/taskhub/pkg/storage"
)

// TestMemoryStorageSuite runs the full storage test suite against MemoryStorage.
func TestMemoryStorageSuite(t *testing.T) {
	suite := &storage.StorageTestSuite{
		NewStorage: func(t *testing.T) storage.Storage {
			return NewMemoryStorage()
		},
	}

	suite.RunAllTests(t)
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	u := &storage.User{Email: "copy@example.com", Name: "Copy"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	p := &storage.Project{Name: "P", OwnerID: u.ID}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	task := &storage.Task{ProjectID: p.ID, Title: "original"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	task.Title = "mutated by caller"
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Title != "original" {
		t.Errorf("stored task was modified through caller pointer: %q", got.Title)
	}

	got.Title = "mutated result"
	again, _ := s.GetTask(ctx, task.ID)
	if again.Title != "original" {
		t.Errorf("stored task was modified through returned pointer: %q", again.Title)
	}
}

func TestMemoryStorage_CreateProjectUnknownOwner(t *testing.T) {
	s := NewMemoryStorage()
	err := s.CreateProject(context.Background(), &storage.Project{Name: "ghost", OwnerID: 42})
	if !storage.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestMemoryStorage_InvalidStatus(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	u := &storage.User{Email: "s@example.com"}
	_ = s.CreateUser(ctx, u)
	p := &storage.Project{Name: "P", OwnerID: u.ID}
	_ = s.CreateProject(ctx, p)

	if err := s.CreateTask(ctx, &storage.Task{ProjectID: p.ID, Title: "x", Status: "blocked"}); err == nil {
		t.Error("expected error for invalid status on create")
	}

	task := &storage.Task{ProjectID: p.ID, Title: "y"}
	_ = s.CreateTask(ctx, task)
	if _, err := s.UpdateTaskStatus(ctx, task.ID, "archived"); err == nil {
		t.Error("expected error for invalid status on update")
	}
}
