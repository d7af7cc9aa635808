package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for unknown or expired session tokens.
var ErrSessionNotFound = errors.New("session not found")

// Session binds an opaque token to a user.
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionStore persists sessions.
type SessionStore interface {
	// Create starts a new session for userID.
	Create(ctx context.Context, userID int64) (*Session, error)
	// Get returns the session for token or ErrSessionNotFound.
	Get(ctx context.Context, token string) (*Session, error)
	// Delete removes a session. Unknown tokens are not an error.
	Delete(ctx context.Context, token string) error
	Close() error
}

// NewToken returns a fresh random session token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
