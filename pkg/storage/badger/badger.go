// Package badger provides a Badger-based implementation of the storage interface.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"

	"github.com/taskhub/taskhub/pkg/logger"
	"github.com/taskhub/taskhub/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int

	// Logger receives badger's internal logs. Nil silences them.
	Logger logger.Logger
}

// BadgerStorage implements the Storage interface using Badger.
type BadgerStorage struct {
	db     *badger.DB
	seq    *badger.Sequence
	config *Config
}

const idBandwidth = 100

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	if config.Logger != nil {
		opts.Logger = &badgerLogger{log: config.Logger.With("component", "badger")}
	} else {
		opts.Logger = nil
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	seq, err := db.GetSequence([]byte("seq:id"), idBandwidth)
	if err != nil {
		db.Close()
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		seq:    seq,
		config: config,
	}, nil
}

// Key generation functions. IDs are big-endian so index keys sort by ID.
func idBytes(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func prefixed(prefix string, ids ...int64) []byte {
	key := []byte(prefix)
	for _, id := range ids {
		key = append(key, idBytes(id)...)
	}
	return key
}

func userKey(id int64) []byte { return prefixed("user:", id) }

func emailKey(email string) []byte { return []byte("email:" + email) }

func projectKey(id int64) []byte { return prefixed("project:", id) }

func memberKey(projectID, userID int64) []byte { return prefixed("member:", projectID, userID) }

func userProjectsPrefix(userID int64) []byte { return prefixed("membership:", userID) }

func userProjectKey(userID, projectID int64) []byte {
	return prefixed("membership:", userID, projectID)
}

func taskKey(id int64) []byte { return prefixed("task:", id) }

func projectTasksPrefix(projectID int64) []byte { return prefixed("task:index:project:", projectID) }

func projectTaskKey(projectID, taskID int64) []byte {
	return prefixed("task:index:project:", projectID, taskID)
}

// Serialization helpers
func serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{
			Operation: "marshal",
			Cause:     err,
		}
	}
	return data, nil
}

func deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{
			Operation: "unmarshal",
			Cause:     err,
		}
	}
	return nil
}

// userRecord is the persisted form of a user. The API type hides the
// password hash from JSON.
type userRecord struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

func toUserRecord(u *storage.User) *userRecord {
	return &userRecord{ID: u.ID, Email: u.Email, Name: u.Name, PasswordHash: u.PasswordHash, CreatedAt: u.CreatedAt}
}

func (r *userRecord) user() *storage.User {
	return &storage.User{ID: r.ID, Email: r.Email, Name: r.Name, PasswordHash: r.PasswordHash, CreatedAt: r.CreatedAt}
}

func (b *BadgerStorage) nextID() (int64, error) {
	n, err := b.seq.Next()
	if err != nil {
		return 0, &storage.StorageUnavailableError{Cause: err}
	}
	return int64(n) + 1, nil
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (b *BadgerStorage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	op := func() error {
		err := b.db.Update(fn)
		if err == nil || errors.Is(err, badger.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxInterval(50*time.Millisecond),
	)
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 20), ctx))
}

func getJSON(txn *badger.Txn, key []byte, v any, notFound error) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return deserialize(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := serialize(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scanIDs returns the trailing 8-byte IDs of every key under prefix.
func scanIDs(txn *badger.Txn, prefix []byte) []int64 {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []int64
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		if len(key) < len(prefix)+8 {
			continue
		}
		ids = append(ids, int64(binary.BigEndian.Uint64(key[len(key)-8:])))
	}
	return ids
}

// CreateUser stores a new user and assigns its ID.
func (b *BadgerStorage) CreateUser(ctx context.Context, user *storage.User) error {
	id, err := b.nextID()
	if err != nil {
		return err
	}

	email := storage.NormalizeEmail(user.Email)
	created := user.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	record := *user
	record.ID = id
	record.Email = email
	record.CreatedAt = created

	err = b.update(ctx, func(txn *badger.Txn) error {
		taken, err := exists(txn, emailKey(email))
		if err != nil {
			return err
		}
		if taken {
			return &storage.DuplicateKeyError{EntityType: "user", ID: email}
		}
		if err := setJSON(txn, userKey(id), toUserRecord(&record)); err != nil {
			return err
		}
		return txn.Set(emailKey(email), idBytes(id))
	})
	if err != nil {
		return err
	}

	*user = record
	return nil
}

// GetUser retrieves a user by ID.
func (b *BadgerStorage) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	var r userRecord
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &r, storage.NotFound("user", id))
	})
	if err != nil {
		return nil, err
	}
	return r.user(), nil
}

// GetUserByEmail retrieves a user by email address.
func (b *BadgerStorage) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	email = storage.NormalizeEmail(email)

	var r userRecord
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(emailKey(email))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: "user", ID: email}
			}
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		id := int64(binary.BigEndian.Uint64(raw))
		return getJSON(txn, userKey(id), &r, storage.NotFound("user", id))
	})
	if err != nil {
		return nil, err
	}
	return r.user(), nil
}

// CreateProject stores a new project and makes its owner a member.
func (b *BadgerStorage) CreateProject(ctx context.Context, project *storage.Project) error {
	id, err := b.nextID()
	if err != nil {
		return err
	}

	record := *project
	record.ID = id
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	err = b.update(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, userKey(record.OwnerID))
		if err != nil {
			return err
		}
		if !ok {
			return storage.NotFound("user", record.OwnerID)
		}
		if err := setJSON(txn, projectKey(id), &record); err != nil {
			return err
		}
		return addMemberInTxn(txn, id, record.OwnerID, storage.RoleOwner)
	})
	if err != nil {
		return err
	}

	*project = record
	return nil
}

func addMemberInTxn(txn *badger.Txn, projectID, userID int64, role string) error {
	if err := txn.Set(memberKey(projectID, userID), []byte(role)); err != nil {
		return err
	}
	return txn.Set(userProjectKey(userID, projectID), nil)
}

// GetProject retrieves a project by ID.
func (b *BadgerStorage) GetProject(ctx context.Context, id int64) (*storage.Project, error) {
	var p storage.Project
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, projectKey(id), &p, storage.NotFound("project", id))
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjectsForUser returns the projects userID belongs to, newest first.
func (b *BadgerStorage) ListProjectsForUser(ctx context.Context, userID int64) ([]*storage.Project, error) {
	projects := make([]*storage.Project, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range scanIDs(txn, userProjectsPrefix(userID)) {
			var p storage.Project
			if err := getJSON(txn, projectKey(id), &p, storage.NotFound("project", id)); err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return err
			}
			projects = append(projects, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID > projects[j].ID })
	return projects, nil
}

// AddMember adds userID to the project. Re-adding an existing member keeps
// its current role.
func (b *BadgerStorage) AddMember(ctx context.Context, projectID, userID int64, role string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, projectKey(projectID))
		if err != nil {
			return err
		}
		if !ok {
			return storage.NotFound("project", projectID)
		}
		if ok, err = exists(txn, userKey(userID)); err != nil {
			return err
		} else if !ok {
			return storage.NotFound("user", userID)
		}
		if ok, err = exists(txn, memberKey(projectID, userID)); err != nil || ok {
			return err
		}
		return addMemberInTxn(txn, projectID, userID, role)
	})
}

// IsMember reports the role userID holds in the project.
func (b *BadgerStorage) IsMember(ctx context.Context, projectID, userID int64) (string, bool, error) {
	var role string
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(memberKey(projectID, userID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		role, found = string(raw), true
		return nil
	})
	return role, found, err
}

// CreateTask stores a new task and assigns its ID.
func (b *BadgerStorage) CreateTask(ctx context.Context, task *storage.Task) error {
	if task.Status == "" {
		task.Status = storage.StatusTodo
	}
	if !storage.ValidStatus(task.Status) {
		return fmt.Errorf("invalid task status %q", task.Status)
	}

	id, err := b.nextID()
	if err != nil {
		return err
	}

	record := *task
	record.ID = id
	ts := time.Now().UTC()
	record.CreatedAt = ts
	record.UpdatedAt = ts

	err = b.update(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, projectKey(record.ProjectID))
		if err != nil {
			return err
		}
		if !ok {
			return storage.NotFound("project", record.ProjectID)
		}
		if err := setJSON(txn, taskKey(id), &record); err != nil {
			return err
		}
		return txn.Set(projectTaskKey(record.ProjectID, id), nil)
	})
	if err != nil {
		return err
	}

	*task = record
	return nil
}

// GetTask retrieves a task by ID.
func (b *BadgerStorage) GetTask(ctx context.Context, id int64) (*storage.Task, error) {
	var t storage.Task
	err := b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, taskKey(id), &t, storage.NotFound("task", id))
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (b *BadgerStorage) projectTasks(projectID int64) ([]*storage.Task, error) {
	tasks := make([]*storage.Task, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range scanIDs(txn, projectTasksPrefix(projectID)) {
			var t storage.Task
			if err := getJSON(txn, taskKey(id), &t, storage.NotFound("task", id)); err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return err
			}
			tasks = append(tasks, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID > tasks[j].ID })
	return tasks, nil
}

// ListTasks returns the tasks of a project, newest first.
func (b *BadgerStorage) ListTasks(ctx context.Context, projectID int64) ([]*storage.Task, error) {
	return b.projectTasks(projectID)
}

// UpdateTask edits a task's title, description or due date.
func (b *BadgerStorage) UpdateTask(ctx context.Context, id int64, update storage.TaskUpdate) (*storage.Task, error) {
	return b.mutateTask(ctx, id, update.Apply)
}

// UpdateTaskStatus changes a task's status and returns the updated task.
func (b *BadgerStorage) UpdateTaskStatus(ctx context.Context, id int64, status string) (*storage.Task, error) {
	if !storage.ValidStatus(status) {
		return nil, fmt.Errorf("invalid task status %q", status)
	}
	return b.mutateTask(ctx, id, func(t *storage.Task) { t.Status = status })
}

// AssignTask sets a task's assignee. Zero clears it.
func (b *BadgerStorage) AssignTask(ctx context.Context, id int64, assigneeID int64) (*storage.Task, error) {
	return b.mutateTask(ctx, id, func(t *storage.Task) { t.AssigneeID = assigneeID })
}

func (b *BadgerStorage) mutateTask(ctx context.Context, id int64, fn func(*storage.Task)) (*storage.Task, error) {
	var t storage.Task
	err := b.update(ctx, func(txn *badger.Txn) error {
		t = storage.Task{}
		if err := getJSON(txn, taskKey(id), &t, storage.NotFound("task", id)); err != nil {
			return err
		}
		fn(&t)
		t.UpdatedAt = time.Now().UTC()
		return setJSON(txn, taskKey(id), &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTask removes a task and its project index entry.
func (b *BadgerStorage) DeleteTask(ctx context.Context, id int64) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		var t storage.Task
		if err := getJSON(txn, taskKey(id), &t, storage.NotFound("task", id)); err != nil {
			return err
		}
		if err := txn.Delete(projectTaskKey(t.ProjectID, id)); err != nil {
			return err
		}
		return txn.Delete(taskKey(id))
	})
}

// CountTasksByStatus returns per-status task counts for a project.
func (b *BadgerStorage) CountTasksByStatus(ctx context.Context, projectID int64) (map[string]int, error) {
	tasks, err := b.projectTasks(projectID)
	if err != nil {
		return nil, err
	}
	counts := storage.NewStatusCounts()
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// Ping reports whether the database is open.
func (b *BadgerStorage) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return &storage.StorageUnavailableError{Cause: errors.New("badger database is closed")}
	}
	return nil
}

// Close releases the ID sequence and closes the Badger database. Calling it
// again is a no-op.
func (b *BadgerStorage) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return err
	}
	// Best effort; ErrNoRewrite just means there was nothing to collect.
	_ = b.db.RunValueLogGC(0.5)

	return b.db.Close()
}

// badgerLogger routes badger's printf-style logs into the structured logger.
type badgerLogger struct {
	log logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
