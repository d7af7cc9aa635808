package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/taskhub/taskhub/pkg/api/response"
	"github.com/taskhub/taskhub/pkg/logger"
)

// Recovery returns a middleware that recovers from panics.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				// Let net/http abort the connection as it normally would.
				if err == http.ErrAbortHandler {
					panic(err)
				}

				log.ErrorContext(r.Context(), "Panic recovered",
					"error", err,
					"path", r.URL.Path,
					"method", r.Method,
					"request_id", GetRequestID(r.Context()),
					"stack", string(debug.Stack()),
				)

				response.Error(w,
					http.StatusInternalServerError,
					response.ErrCodeInternalServer,
					"internal server error",
					GetRequestID(r.Context()),
				)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
