// Package middleware provides HTTP middleware for the Trax API.
package middleware

import (
	"net/http"
	"strings"
)

// CORS returns middleware that handles CORS headers. extraHeaders are added
// to the allowed request headers, e.g. the identity header in gateway mode.
func CORS(allowedOrigins []string, extraHeaders ...string) func(http.Handler) http.Handler {
	allowHeaders := strings.Join(append([]string{"Content-Type", "Authorization"}, extraHeaders...), ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			explicit := false
			for _, o := range allowedOrigins {
				if o == origin {
					allowed, explicit = true, true
					break
				}
				if o == "*" {
					allowed = true
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				w.Header().Add("Vary", "Origin")
				// Credentials only for explicit origins, never for a wildcard echo.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
