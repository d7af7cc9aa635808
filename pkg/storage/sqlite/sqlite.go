// Package sqlite provides a SQLite implementation of the storage interface
// backed by a zombiezen connection pool.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/taskhub/taskhub/pkg/logger"
	"github.com/taskhub/taskhub/pkg/storage"
)

// Config holds configuration for SQLiteStorage.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize defaults to max(NumCPU, 4).
	PoolSize int

	Logger logger.Logger
}

// SQLiteStorage implements the Storage interface on SQLite.
type SQLiteStorage struct {
	pool *sqlitex.Pool
	log  logger.Logger
	path string

	closeOnce sync.Once
	closeErr  error
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner_id    INTEGER NOT NULL REFERENCES users(id),
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS project_members (
	project_id INTEGER NOT NULL REFERENCES projects(id),
	user_id    INTEGER NOT NULL REFERENCES users(id),
	role       TEXT NOT NULL,
	PRIMARY KEY (project_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_project_members_user ON project_members(user_id);

CREATE TABLE IF NOT EXISTS tasks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id  INTEGER NOT NULL REFERENCES projects(id),
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'todo',
	creator_id  INTEGER,
	assignee_id INTEGER,
	due_date    INTEGER,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
`

// NewSQLiteStorage opens the pool and applies the schema.
func NewSQLiteStorage(ctx context.Context, cfg *Config) (*SQLiteStorage, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: fmt.Errorf("opening %s: %w", cfg.Path, err)}
	}

	s := &SQLiteStorage{pool: pool, log: log, path: cfg.Path}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlite: applying schema: %w", err)
	}

	log.Info("sqlite storage opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStorage) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return conn, nil
}

func toUnix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toUnix(*t)
}

func isUniqueViolation(err error) bool {
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey
}

// CreateUser stores a new user and assigns its ID.
func (s *SQLiteStorage) CreateUser(ctx context.Context, user *storage.User) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	email := storage.NormalizeEmail(user.Email)
	created := user.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO users (email, name, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{email, user.Name, user.PasswordHash, toUnix(created)}})
	if err != nil {
		if isUniqueViolation(err) {
			return &storage.DuplicateKeyError{EntityType: "user", ID: email}
		}
		return fmt.Errorf("sqlite: insert user: %w", err)
	}

	user.ID = conn.LastInsertRowID()
	user.Email = email
	user.CreatedAt = fromUnix(toUnix(created))
	return nil
}

const userColumns = `id, email, name, password_hash, created_at`

func scanUser(stmt *sqlite.Stmt) *storage.User {
	return &storage.User{
		ID:           stmt.ColumnInt64(0),
		Email:        stmt.ColumnText(1),
		Name:         stmt.ColumnText(2),
		PasswordHash: stmt.ColumnText(3),
		CreatedAt:    fromUnix(stmt.ColumnInt64(4)),
	}
}

func (s *SQLiteStorage) queryUser(ctx context.Context, where string, arg any, notFound error) (*storage.User, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var user *storage.User
	err = sqlitex.Execute(conn, `SELECT `+userColumns+` FROM users WHERE `+where, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			user = scanUser(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: select user: %w", err)
	}
	if user == nil {
		return nil, notFound
	}
	return user, nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStorage) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	return s.queryUser(ctx, "id = ?", id, storage.NotFound("user", id))
}

// GetUserByEmail retrieves a user by email address.
func (s *SQLiteStorage) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	email = storage.NormalizeEmail(email)
	return s.queryUser(ctx, "email = ?", email, &storage.NotFoundError{EntityType: "user", ID: email})
}

func rowExists(conn *sqlite.Conn, query string, args ...any) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

// CreateProject stores a new project and makes its owner a member.
func (s *SQLiteStorage) CreateProject(ctx context.Context, project *storage.Project) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	ok, err := rowExists(conn, `SELECT 1 FROM users WHERE id = ?`, project.OwnerID)
	if err != nil {
		return err
	}
	if !ok {
		return storage.NotFound("user", project.OwnerID)
	}

	created := project.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO projects (name, description, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{project.Name, project.Description, project.OwnerID, toUnix(created)}})
	if err != nil {
		return fmt.Errorf("sqlite: insert project: %w", err)
	}
	id := conn.LastInsertRowID()

	err = sqlitex.Execute(conn,
		`INSERT INTO project_members (project_id, user_id, role) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{id, project.OwnerID, storage.RoleOwner}})
	if err != nil {
		return fmt.Errorf("sqlite: insert owner membership: %w", err)
	}

	project.ID = id
	project.CreatedAt = fromUnix(toUnix(created))
	return nil
}

const projectColumns = `p.id, p.name, p.description, p.owner_id, p.created_at`

func scanProject(stmt *sqlite.Stmt) *storage.Project {
	return &storage.Project{
		ID:          stmt.ColumnInt64(0),
		Name:        stmt.ColumnText(1),
		Description: stmt.ColumnText(2),
		OwnerID:     stmt.ColumnInt64(3),
		CreatedAt:   fromUnix(stmt.ColumnInt64(4)),
	}
}

// GetProject retrieves a project by ID.
func (s *SQLiteStorage) GetProject(ctx context.Context, id int64) (*storage.Project, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var project *storage.Project
	err = sqlitex.Execute(conn, `SELECT `+projectColumns+` FROM projects p WHERE p.id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			project = scanProject(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: select project: %w", err)
	}
	if project == nil {
		return nil, storage.NotFound("project", id)
	}
	return project, nil
}

// ListProjectsForUser returns the projects userID belongs to, newest first.
func (s *SQLiteStorage) ListProjectsForUser(ctx context.Context, userID int64) ([]*storage.Project, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	projects := make([]*storage.Project, 0)
	err = sqlitex.Execute(conn, `SELECT `+projectColumns+`
		FROM projects p JOIN project_members m ON m.project_id = p.id
		WHERE m.user_id = ? ORDER BY p.id DESC`, &sqlitex.ExecOptions{
		Args: []any{userID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			projects = append(projects, scanProject(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: list projects: %w", err)
	}
	return projects, nil
}

// AddMember adds userID to the project. Re-adding an existing member keeps
// its current role.
func (s *SQLiteStorage) AddMember(ctx context.Context, projectID, userID int64, role string) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	ok, err := rowExists(conn, `SELECT 1 FROM projects WHERE id = ?`, projectID)
	if err != nil {
		return err
	}
	if !ok {
		return storage.NotFound("project", projectID)
	}
	if ok, err = rowExists(conn, `SELECT 1 FROM users WHERE id = ?`, userID); err != nil {
		return err
	} else if !ok {
		return storage.NotFound("user", userID)
	}

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO project_members (project_id, user_id, role) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{projectID, userID, role}})
	if err != nil {
		return fmt.Errorf("sqlite: insert membership: %w", err)
	}
	return nil
}

// IsMember reports the role userID holds in the project.
func (s *SQLiteStorage) IsMember(ctx context.Context, projectID, userID int64) (string, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	var role string
	var found bool
	err = sqlitex.Execute(conn,
		`SELECT role FROM project_members WHERE project_id = ? AND user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{projectID, userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				role, found = stmt.ColumnText(0), true
				return nil
			},
		})
	if err != nil {
		return "", false, fmt.Errorf("sqlite: select membership: %w", err)
	}
	return role, found, nil
}

// CreateTask stores a new task and assigns its ID.
func (s *SQLiteStorage) CreateTask(ctx context.Context, task *storage.Task) (err error) {
	if task.Status == "" {
		task.Status = storage.StatusTodo
	}
	if !storage.ValidStatus(task.Status) {
		return fmt.Errorf("invalid task status %q", task.Status)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	ok, err := rowExists(conn, `SELECT 1 FROM projects WHERE id = ?`, task.ProjectID)
	if err != nil {
		return err
	}
	if !ok {
		return storage.NotFound("project", task.ProjectID)
	}

	ts := time.Now().UTC()
	err = sqlitex.Execute(conn, `INSERT INTO tasks
		(project_id, title, description, status, creator_id, assignee_id, due_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			task.ProjectID,
			task.Title,
			task.Description,
			task.Status,
			nullableID(task.CreatorID),
			nullableID(task.AssigneeID),
			nullableTime(task.DueDate),
			toUnix(ts),
			toUnix(ts),
		},
	})
	if err != nil {
		return fmt.Errorf("sqlite: insert task: %w", err)
	}

	task.ID = conn.LastInsertRowID()
	task.CreatedAt = ts
	task.UpdatedAt = ts
	return nil
}

const taskColumns = `id, project_id, title, description, status, creator_id, assignee_id, due_date, created_at, updated_at`

func scanTask(stmt *sqlite.Stmt) *storage.Task {
	t := &storage.Task{
		ID:          stmt.ColumnInt64(0),
		ProjectID:   stmt.ColumnInt64(1),
		Title:       stmt.ColumnText(2),
		Description: stmt.ColumnText(3),
		Status:      stmt.ColumnText(4),
		CreatorID:   stmt.ColumnInt64(5),
		AssigneeID:  stmt.ColumnInt64(6),
		CreatedAt:   fromUnix(stmt.ColumnInt64(8)),
		UpdatedAt:   fromUnix(stmt.ColumnInt64(9)),
	}
	if !stmt.ColumnIsNull(7) {
		due := fromUnix(stmt.ColumnInt64(7))
		t.DueDate = &due
	}
	return t
}

func getTask(conn *sqlite.Conn, id int64) (*storage.Task, error) {
	var task *storage.Task
	err := sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			task = scanTask(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: select task: %w", err)
	}
	if task == nil {
		return nil, storage.NotFound("task", id)
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStorage) GetTask(ctx context.Context, id int64) (*storage.Task, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return getTask(conn, id)
}

// ListTasks returns the tasks of a project, newest first.
func (s *SQLiteStorage) ListTasks(ctx context.Context, projectID int64) ([]*storage.Task, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	tasks := make([]*storage.Task, 0)
	err = sqlitex.Execute(conn, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY id DESC`, &sqlitex.ExecOptions{
		Args: []any{projectID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			tasks = append(tasks, scanTask(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask edits a task's title, description or due date.
func (s *SQLiteStorage) UpdateTask(ctx context.Context, id int64, update storage.TaskUpdate) (task *storage.Task, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	task, err = getTask(conn, id)
	if err != nil {
		return nil, err
	}
	update.Apply(task)
	task.UpdatedAt = time.Now().UTC()

	err = sqlitex.Execute(conn, `UPDATE tasks SET title = ?, description = ?, due_date = ?, updated_at = ? WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{task.Title, task.Description, nullableTime(task.DueDate), toUnix(task.UpdatedAt), id},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: update task: %w", err)
	}
	return getTask(conn, id)
}

// UpdateTaskStatus changes a task's status and returns the updated task.
func (s *SQLiteStorage) UpdateTaskStatus(ctx context.Context, id int64, status string) (*storage.Task, error) {
	if !storage.ValidStatus(status) {
		return nil, fmt.Errorf("invalid task status %q", status)
	}
	return s.updateTask(ctx, id, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status)
}

// AssignTask sets a task's assignee. Zero clears it.
func (s *SQLiteStorage) AssignTask(ctx context.Context, id int64, assigneeID int64) (*storage.Task, error) {
	return s.updateTask(ctx, id, `UPDATE tasks SET assignee_id = ?, updated_at = ? WHERE id = ?`, nullableID(assigneeID))
}

func (s *SQLiteStorage) updateTask(ctx context.Context, id int64, query string, value any) (task *storage.Task, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{value, toUnix(time.Now()), id},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: update task: %w", err)
	}
	if conn.Changes() == 0 {
		return nil, storage.NotFound("task", id)
	}
	return getTask(conn, id)
}

// DeleteTask removes a task.
func (s *SQLiteStorage) DeleteTask(ctx context.Context, id int64) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM tasks WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("sqlite: delete task: %w", err)
	}
	if conn.Changes() == 0 {
		return storage.NotFound("task", id)
	}
	return nil
}

// CountTasksByStatus returns per-status task counts for a project.
func (s *SQLiteStorage) CountTasksByStatus(ctx context.Context, projectID int64) (map[string]int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	counts := storage.NewStatusCounts()
	err = sqlitex.Execute(conn,
		`SELECT status, COUNT(*) FROM tasks WHERE project_id = ? GROUP BY status`,
		&sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[stmt.ColumnText(0)] = stmt.ColumnInt(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: count tasks: %w", err)
	}
	return counts, nil
}

// Ping runs a trivial query on a pooled connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteTransient(conn, "SELECT 1", nil); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Close closes every pooled connection.
func (s *SQLiteStorage) Close() error {
	s.closeOnce.Do(func() {
		if err := s.pool.Close(); err != nil {
			s.log.Error("sqlite storage close error", "path", s.path, "error", err)
			s.closeErr = fmt.Errorf("sqlite: closing %s: %w", s.path, err)
			return
		}
		s.log.Info("sqlite storage closed", "path", s.path)
	})
	return s.closeErr
}
