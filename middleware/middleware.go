// Package middleware provides HTTP middleware for bearer-token auth at
// the transport edge.
package middleware

import (
	"net/http"
	"strings"

	"github.com/stickyrelay/wa-scheduler/auth"
)

// RequireAuth validates the Bearer JWT against secret. There is no
// per-request identity to inject — this is a single-operator system —
// so a valid token simply admits the request.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			if _, err := auth.ParseOperatorToken(secret, raw); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
