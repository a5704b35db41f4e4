package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/Strob0t/Crucible/internal/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hashToken(t *testing.T, token string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func TestAuthDisabledWithoutHash(t *testing.T) {
	handler := middleware.Auth("")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestAuthValidToken(t *testing.T) {
	handler := middleware.Auth(hashToken(t, "secret-token"))(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", http.NoBody)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid token, got %d", rec.Code)
	}

	// Second request takes the fast path.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", rec.Code)
	}
}

func TestAuthRejects(t *testing.T) {
	handler := middleware.Auth(hashToken(t, "secret-token"))(okHandler())

	tests := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"missing header", func(_ *http.Request) {}},
		{"wrong token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }},
		{"malformed header", func(r *http.Request) { r.Header.Set("Authorization", "secret-token") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", http.NoBody)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestAuthPublicPath(t *testing.T) {
	handler := middleware.Auth(hashToken(t, "secret-token"))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for public path, got %d", rec.Code)
	}
}

func TestAuthWebSocketQueryToken(t *testing.T) {
	handler := middleware.Auth(hashToken(t, "secret-token"))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/ws?token=secret-token", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for ws query token, got %d", rec.Code)
	}
}
