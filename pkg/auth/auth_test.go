package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasher_HashAndVerify(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	hash, err := h.Hash("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)

	assert.NoError(t, h.Verify(hash, "correct horse"))
	assert.ErrorIs(t, h.Verify(hash, "battery staple"), ErrInvalidCredentials)
	assert.Error(t, h.Verify("not-a-bcrypt-hash", "x"))
}

func TestNewHasher_OutOfRangeCost(t *testing.T) {
	assert.Equal(t, DefaultCost, NewHasher(0).cost)
	assert.Equal(t, DefaultCost, NewHasher(bcrypt.MaxCost+1).cost)
	assert.Equal(t, bcrypt.MinCost, NewHasher(bcrypt.MinCost).cost)
}

func TestNewToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := NewToken()
		assert.Len(t, tok, 64)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}

func TestMemorySessionStore_Lifecycle(t *testing.T) {
	store := NewMemorySessionStore(time.Hour)
	ctx := context.Background()

	sess, err := store.Create(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sess.UserID)

	got, err := store.Get(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, got.UserID)

	require.NoError(t, store.Delete(ctx, sess.Token))
	_, err = store.Get(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.NoError(t, store.Delete(ctx, "unknown"))
}

func TestMemorySessionStore_Expiry(t *testing.T) {
	store := NewMemorySessionStore(time.Minute)
	current := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	ctx := context.Background()

	expiring, err := store.Create(ctx, 1)
	require.NoError(t, err)

	current = current.Add(30 * time.Second)
	fresh, err := store.Create(ctx, 2)
	require.NoError(t, err)

	current = current.Add(45 * time.Second)
	_, err = store.Get(ctx, expiring.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.Get(ctx, fresh.Token)
	assert.NoError(t, err)

	current = current.Add(time.Minute)
	assert.Equal(t, 1, store.Sweep())
	assert.Zero(t, store.Len())
}

func TestMemorySessionStore_RunJanitorStopsOnCancel(t *testing.T) {
	store := NewMemorySessionStore(time.Millisecond)
	_, err := store.Create(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

var errMockRedisUnavailable = errors.New("mock redis unavailable")

type mockRedisClient struct {
	redis.Cmdable

	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	pings  atomic.Int32
	// failPings makes the first n pings fail.
	failPings int32
}

func newMockRedisClient(t *testing.T) *mockRedisClient {
	t.Helper()

	return &mockRedisClient{
		values: make(map[string]string),
		ttls:   make(map[string]time.Duration),
	}
}

func (m *mockRedisClient) Ping(_ context.Context) *redis.StatusCmd {
	if m.pings.Add(1) <= m.failPings {
		return redis.NewStatusResult("", errMockRedisUnavailable)
	}
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockRedisClient) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch v := value.(type) {
	case []byte:
		m.values[key] = string(v)
	default:
		m.values[key] = fmt.Sprint(v)
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *mockRedisClient) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockRedisClient) Del(_ context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for _, key := range keys {
		if _, ok := m.values[key]; ok {
			delete(m.values, key)
			delete(m.ttls, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func TestRedisSessionStore_WithMock(t *testing.T) {
	client := newMockRedisClient(t)
	cfg := DefaultRedisConfig()
	cfg.TTL = 10 * time.Minute
	store := NewRedisSessionStore(client, nil, cfg, nil)
	ctx := context.Background()

	sess, err := store.Create(ctx, 42)
	require.NoError(t, err)

	key := cfg.KeyPrefix + sess.Token
	client.mu.Lock()
	assert.Contains(t, client.values, key)
	assert.Equal(t, 10*time.Minute, client.ttls[key])
	client.mu.Unlock()

	got, err := store.Get(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.UserID)

	require.NoError(t, store.Delete(ctx, sess.Token))
	_, err = store.Get(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, store.Close())
}

func TestRedisSessionStore_ConnectRetries(t *testing.T) {
	client := newMockRedisClient(t)
	client.failPings = 2

	cfg := DefaultRedisConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	store := NewRedisSessionStore(client, nil, cfg, nil)

	require.NoError(t, store.Connect(context.Background()))
	assert.Equal(t, int32(3), client.pings.Load())
}

func TestRedisSessionStore_ConnectGivesUp(t *testing.T) {
	client := newMockRedisClient(t)
	client.failPings = 100

	cfg := DefaultRedisConfig()
	cfg.MaxRetries = 2
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	store := NewRedisSessionStore(client, nil, cfg, nil)

	err := store.Connect(context.Background())
	assert.ErrorIs(t, err, errMockRedisUnavailable)
	assert.Equal(t, int32(3), client.pings.Load())
}

func requireRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("TASKHUB_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis is not available at %s: %v", addr, err)
	}
	return client
}

func TestRedisSessionStore_LiveServer(t *testing.T) {
	client := requireRedisClient(t)

	cfg := DefaultRedisConfig()
	cfg.KeyPrefix = fmt.Sprintf("taskhub:test:%d:", time.Now().UnixNano())
	cfg.TTL = time.Minute
	store := NewRedisSessionStore(client, client.Close, cfg, nil)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Connect(ctx))

	sess, err := store.Create(ctx, 5)
	require.NoError(t, err)

	ttl, err := client.TTL(ctx, cfg.KeyPrefix+sess.Token).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	got, err := store.Get(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.UserID)

	require.NoError(t, store.Delete(ctx, sess.Token))
	_, err = store.Get(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
