package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/taskhub/taskhub/pkg/logger"
)

// RedisConfig configures the redis session store.
type RedisConfig struct {
	// KeyPrefix namespaces session keys.
	KeyPrefix string

	TTL time.Duration

	// Connection retry policy used by Connect.
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		KeyPrefix:      "taskhub:session:",
		TTL:            24 * time.Hour,
		MaxRetries:     5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// RedisSessionStore keeps sessions in redis with a native key TTL, so every
// process behind a load balancer shares them.
type RedisSessionStore struct {
	client redis.Cmdable
	closer func() error
	config *RedisConfig
	log    logger.Logger
	now    func() time.Time
}

// NewRedisSessionStore wraps an existing client. closer may be nil.
func NewRedisSessionStore(client redis.Cmdable, closer func() error, cfg *RedisConfig, log logger.Logger) *RedisSessionStore {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisSessionStore{
		client: client,
		closer: closer,
		config: cfg,
		log:    log,
		now:    time.Now,
	}
}

// Connect pings the server with exponential backoff until it answers.
func (s *RedisSessionStore) Connect(ctx context.Context) error {
	operation := func() error {
		return s.client.Ping(ctx).Err()
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(s.config.InitialBackoff),
				backoff.WithMaxInterval(s.config.MaxBackoff),
			),
			s.config.MaxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		s.log.Warn("redis session store not ready, retrying", "error", err, "retry_in", d)
	})
	if err != nil {
		return fmt.Errorf("connect session redis: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) key(token string) string {
	return s.config.KeyPrefix + token
}

// Create starts a new session for userID.
func (s *RedisSessionStore) Create(ctx context.Context, userID int64) (*Session, error) {
	sess := &Session{
		Token:     NewToken(),
		UserID:    userID,
		ExpiresAt: s.now().Add(s.config.TTL).UTC(),
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.Token), data, s.config.TTL).Err(); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// Get returns the session for token.
func (s *RedisSessionStore) Get(ctx context.Context, token string) (*Session, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

// Delete removes a session.
func (s *RedisSessionStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close closes the underlying client when the store owns it.
func (s *RedisSessionStore) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
