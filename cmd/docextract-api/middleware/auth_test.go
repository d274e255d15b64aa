package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ownerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(OwnerFromContext(r.Context())))
	})
}

func TestAuth_Disabled(t *testing.T) {
	h := Auth(AuthConfig{DefaultOwner: "dev"})(ownerEcho())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev", rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeader, "alice")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestAuth_Enabled(t *testing.T) {
	h := Auth(AuthConfig{Enabled: true})(ownerEcho())

	tests := []struct {
		name   string
		auth   string
		owner  string
		status int
	}{
		{"no token", "", "alice", http.StatusUnauthorized},
		{"basic scheme", "Basic abc", "alice", http.StatusUnauthorized},
		{"no owner", "Bearer tok", "", http.StatusUnauthorized},
		{"ok", "Bearer tok", "alice", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.owner != "" {
				req.Header.Set(OwnerHeader, tt.owner)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.owner, rec.Body.String())
			}
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"*"})(ownerEcho())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), OwnerHeader)
}
