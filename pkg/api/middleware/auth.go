package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/taskhub/taskhub/pkg/api/response"
	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/logger"
)

const (
	userIDKey       contextKey = "user_id"
	sessionTokenKey contextKey = "session_token"
)

// SessionLookup resolves a session token. auth.SessionStore satisfies it.
type SessionLookup interface {
	Get(ctx context.Context, token string) (*auth.Session, error)
}

// Session returns a middleware that resolves the session cookie, or an
// "Authorization: Bearer" token, to a user id stored in the request
// context. Requests without a valid session pass through anonymously.
func Session(sessions SessionLookup, cookieName string, log logger.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r, cookieName)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			sess, err := sessions.Get(r.Context(), token)
			if err != nil {
				if !errors.Is(err, auth.ErrSessionNotFound) {
					log.WarnContext(r.Context(), "session lookup failed", "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, sess.UserID)
			ctx = context.WithValue(ctx, sessionTokenKey, sess.Token)
			annotateUser(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// annotateUser tags the request span with the authenticated user.
func annotateUser(ctx context.Context) {
	if id, ok := UserIDFromContext(ctx); ok {
		trace.SpanFromContext(ctx).SetAttributes(AttrUserID.Int64(id))
	}
}

// RequireUser rejects requests that carry no resolved session with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserIDFromContext(r.Context()); !ok {
			response.Error(w, http.StatusUnauthorized, response.ErrCodeUnauthorized,
				"authentication required", GetRequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenFromRequest returns the session token from the named cookie or the
// Authorization header, preferring the cookie.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok && id > 0
}

// SessionTokenFromContext returns the resolved session token, if any.
func SessionTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(sessionTokenKey).(string)
	return token
}

// WithUserID returns a context authenticated as userID.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}
