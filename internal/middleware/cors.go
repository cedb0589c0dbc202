// Package middleware provides HTTP middleware for the agent API.
package middleware

import (
	"net/http"
	"strings"
)

// DefaultAllowedHeaders are the request headers browsers may send cross-origin.
var DefaultAllowedHeaders = []string{"Content-Type", "Authorization", "Last-Event-ID", "X-Agent-Session-ID"}

// CORS returns middleware that handles CORS headers.
func CORS(allowedOrigins []string, allowedHeaders ...string) func(http.Handler) http.Handler {
	if len(allowedHeaders) == 0 {
		allowedHeaders = DefaultAllowedHeaders
	}
	headers := strings.Join(allowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			explicit := false
			for _, o := range allowedOrigins {
				if o == "*" {
					allowed = true
				} else if o == origin {
					allowed = true
					explicit = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Add("Vary", "Origin")
				// Only allow credentials for explicit origins, not wildcard matches.
				// Setting Allow-Credentials with a wildcard-echoed origin enables CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
