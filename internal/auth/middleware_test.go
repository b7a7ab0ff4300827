package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// mockKeyStore implements KeyStore for testing.
type mockKeyStore struct {
	keys map[string]*KeyMetadata
	err  error
}

func (m *mockKeyStore) Lookup(_ context.Context, keyHash string) (*KeyMetadata, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.keys[keyHash], nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestMiddleware_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		header string
		store  *mockKeyStore
		status int
	}{
		{"missing header", "", &mockKeyStore{}, http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", &mockKeyStore{}, http.StatusUnauthorized},
		{"empty token", "Bearer ", &mockKeyStore{}, http.StatusUnauthorized},
		{"unknown key", "Bearer aegis-prod-invalidkey123", &mockKeyStore{}, http.StatusUnauthorized},
		{"store failure", "Bearer aegis-prod-invalidkey123", &mockKeyStore{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Middleware(tt.store, discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Error("handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			w.Header().Set("X-Request-ID", "test-req")
			handler.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestMiddleware_ValidKey(t *testing.T) {
	rawKey := "aegis-prod-testkey12345678901234567890ab"
	rpm := 120
	store := &mockKeyStore{
		keys: map[string]*KeyMetadata{
			HashKey(rawKey): {
				ID:               "key-uuid-123",
				UserID:           "user-1",
				Premium:          true,
				AllowedPlatforms: []string{"chat", "code"},
				RPMLimit:         &rpm,
				ExpiresAt:        time.Now().Add(24 * time.Hour),
			},
		},
	}

	var got *AuthInfo
	handler := Middleware(store, discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := AuthFromContext(r.Context())
		if !ok {
			t.Error("expected auth info in context")
			return
		}
		got = info
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	want := &AuthInfo{
		KeyID:            "key-uuid-123",
		UserID:           "user-1",
		Premium:          true,
		AllowedPlatforms: []string{"chat", "code"},
		RPMLimit:         &rpm,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("auth info mismatch (-want +got):\n%s", diff)
	}
}

func TestMiddleware_AuthInfoAllowsPlatform(t *testing.T) {
	tests := []struct {
		name     string
		info     *AuthInfo
		platform string
		want     bool
	}{
		{"nil info", nil, "chat", true},
		{"no restriction", &AuthInfo{}, "gemini", true},
		{"allowed", &AuthInfo{AllowedPlatforms: []string{"chat"}}, "chat", true},
		{"denied", &AuthInfo{AllowedPlatforms: []string{"chat"}}, "gemini", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.AllowsPlatform(tt.platform); got != tt.want {
				t.Errorf("AllowsPlatform(%q) = %v, want %v", tt.platform, got, tt.want)
			}
		})
	}
}
