package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/taskhub/taskhub/config"
)

// SessionTokenHeader carries the session token issued at login for clients
// that cannot read the session cookie.
const SessionTokenHeader = "X-Session-Token"

// corsPolicy is a CORSConfig resolved once at startup.
type corsPolicy struct {
	exact       map[string]struct{}
	wildcard    bool
	credentials bool
	methods     string
	headers     string
	exposed     string
	maxAge      string
}

func newCORSPolicy(cfg *config.CORSConfig) *corsPolicy {
	p := &corsPolicy{
		exact:       make(map[string]struct{}, len(cfg.AllowedOrigins)),
		credentials: cfg.AllowCredentials,
		methods:     strings.Join(cfg.AllowedMethods, ", "),
		headers:     strings.Join(withHeader(cfg.AllowedHeaders, "Authorization"), ", "),
		exposed:     strings.Join(withHeader(cfg.ExposedHeaders, SessionTokenHeader), ", "),
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			p.wildcard = true
			continue
		}
		p.exact[strings.ToLower(origin)] = struct{}{}
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return p
}

// allow reports whether origin may call the API and whether it may do so
// with the session cookie. A wildcard entry never grants credentials: only
// listed origins can ride on a user's session.
func (p *corsPolicy) allow(origin string) (allowed, credentials bool) {
	if origin == "" {
		return false, false
	}
	if _, ok := p.exact[strings.ToLower(origin)]; ok {
		return true, p.credentials
	}
	return p.wildcard, false
}

func withHeader(headers []string, name string) []string {
	for _, h := range headers {
		if strings.EqualFold(h, name) {
			return headers
		}
	}
	return append(append([]string(nil), headers...), name)
}

// CORS returns a middleware that answers cross-origin requests for the
// session-authenticated API. Preflights from unknown origins are refused
// with 403.
func CORS(cfg *config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			allowed, credentials := policy.allow(origin)
			if !allowed {
				if preflight && origin != "" {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			if credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if policy.exposed != "" {
				h.Set("Access-Control-Expose-Headers", policy.exposed)
			}

			if preflight {
				if policy.methods != "" {
					h.Set("Access-Control-Allow-Methods", policy.methods)
				}
				h.Set("Access-Control-Allow-Headers", policy.headers)
				if policy.maxAge != "" {
					h.Set("Access-Control-Max-Age", policy.maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
