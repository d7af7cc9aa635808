package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/taskhub/taskhub/pkg/api/middleware"
	"github.com/taskhub/taskhub/pkg/api/response"
	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/logger"
	"github.com/taskhub/taskhub/pkg/storage"
)

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	TTL    time.Duration
	Secure bool
}

// AuthHandler handles account registration and login sessions.
type AuthHandler struct {
	store    storage.Storage
	sessions auth.SessionStore
	hasher   *auth.Hasher
	cookie   CookieConfig
	log      logger.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(store storage.Storage, sessions auth.SessionStore, hasher *auth.Hasher, cookie CookieConfig, log logger.Logger) *AuthHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &AuthHandler{
		store:    store,
		sessions: sessions,
		hasher:   hasher,
		cookie:   cookie,
		log:      log,
	}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		fail(w, r, err)
		return
	}

	user := &storage.User{
		Email:        req.Email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hash,
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		fail(w, r, err)
		return
	}

	if err := h.startSession(w, r, user.ID); err != nil {
		fail(w, r, err)
		return
	}

	h.log.InfoContext(r.Context(), "user registered", "user_id", user.ID)
	response.JSON(w, http.StatusCreated, user)
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if storage.IsNotFound(err) {
			// Same reply as a wrong password.
			err = auth.ErrInvalidCredentials
		}
		fail(w, r, err)
		return
	}
	if err := h.hasher.Verify(user.PasswordHash, req.Password); err != nil {
		fail(w, r, err)
		return
	}

	if err := h.startSession(w, r, user.ID); err != nil {
		fail(w, r, err)
		return
	}

	response.JSON(w, http.StatusOK, user)
}

// Logout handles POST /api/v1/auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.SessionTokenFromContext(r.Context()); token != "" {
		if err := h.sessions.Delete(r.Context(), token); err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
			fail(w, r, err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	response.NoContent(w)
}

// Me handles GET /api/v1/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	user, err := h.store.GetUser(r.Context(), userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, user)
}

func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, userID int64) error {
	sess, err := h.sessions.Create(r.Context(), userID)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(h.cookie.TTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(middleware.SessionTokenHeader, sess.Token)
	return nil
}
