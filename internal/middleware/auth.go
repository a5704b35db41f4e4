package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// Auth returns middleware that validates the bearer token against the
// bcrypt hash from the configuration. An empty hash disables auth, meant
// for local single-user installs.
//
// bcrypt comparison is deliberately slow, so the first accepted token is
// remembered and subsequent requests take the constant-time fast path.
func Auth(tokenHash string) func(http.Handler) http.Handler {
	var (
		mu       sync.RWMutex
		accepted string
	)

	verify := func(token string) bool {
		mu.RLock()
		known := accepted
		mu.RUnlock()
		if known != "" && subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return true
		}

		if bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
			return false
		}
		mu.Lock()
		accepted = token
		mu.Unlock()
		return true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			// WebSocket clients cannot set headers from browsers, so /ws
			// also accepts a token query parameter.
			if token == "" && r.URL.Path == "/ws" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				unauthorized(w, "authorization required")
				return
			}
			if !verify(token) {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
