// Package api provides HTTP API server components.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskhub/taskhub/config"
	"github.com/taskhub/taskhub/pkg/api/handlers"
	"github.com/taskhub/taskhub/pkg/api/middleware"
	"github.com/taskhub/taskhub/pkg/logger"
)

const defaultRequestTimeout = 30 * time.Second

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Auth handles registration, login and logout
	Auth *handlers.AuthHandler

	// Projects handles projects and membership
	Projects *handlers.ProjectHandler

	// Tasks handles task endpoints
	Tasks *handlers.TaskHandler

	// Analytics handles the project dashboard summary
	Analytics *handlers.AnalyticsHandler

	// Live is the websocket gateway
	Live *handlers.LiveHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Sessions resolves session tokens to users
	Sessions middleware.SessionLookup

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID(log))
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))

	if h.Sessions != nil {
		r.Use(middleware.Session(h.Sessions, cfg.Session.CookieName, log))
	}

	timeout := cfg.Server.HTTP.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	RegisterRoutes(r, h, timeout)

	return r
}

// RegisterRoutes registers all API routes. REST routes run under the
// request timeout; websocket routes do not, since the timeout middleware
// cannot hand over a hijacked connection.
func RegisterRoutes(r chi.Router, h *Handlers, timeout time.Duration) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		if h.Auth != nil {
			r.Route("/auth", func(r chi.Router) {
				r.Post("/register", h.Auth.Register)
				r.Post("/login", h.Auth.Login)
				r.Post("/logout", h.Auth.Logout)
				r.With(middleware.RequireUser).Get("/me", h.Auth.Me)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)

			if h.Projects != nil {
				r.Get("/projects", h.Projects.List)
				r.Post("/projects", h.Projects.Create)
				r.Get("/projects/{projectID}", h.Projects.Get)
				r.Post("/projects/{projectID}/members", h.Projects.AddMember)
			}

			if h.Tasks != nil {
				r.Route("/projects/{projectID}/tasks", func(r chi.Router) {
					r.Get("/", h.Tasks.List)
					r.Post("/", h.Tasks.Create)
					r.Patch("/{taskID}", h.Tasks.Update)
					r.Delete("/{taskID}", h.Tasks.Delete)
					r.Patch("/{taskID}/status", h.Tasks.UpdateStatus)
					r.Patch("/{taskID}/assignee", h.Tasks.Assign)
				})
			}

			if h.Analytics != nil {
				r.Get("/projects/{projectID}/analytics", h.Analytics.Get)
			}
		})
	})

	if h.Live != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)
			r.Get("/ws/tasks/{projectID}", h.Live.ServeProject)
			r.Get("/ws/notifications", h.Live.ServeNotifications)
		})
	}

	// Health check routes (not versioned)
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}
}
