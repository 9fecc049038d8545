package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// BearerAuth rejects requests whose Authorization header does not carry token.
// An empty token disables the check. Paths in public skip it.
func BearerAuth(token string, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		expected := []byte(token)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), expected) != 1 {
				log.Debug().Str("path", r.URL.Path).Str("remote_addr", r.RemoteAddr).Msg("Rejected unauthenticated request")
				w.Header().Set("WWW-Authenticate", `Bearer realm="aivisibility"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
