package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/marketplace_layer/pkg/logger"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_PerKey(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, nil)
	h := rl.Handler(okHandler())

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"), "other clients keep their own bucket")

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.RemoteAddr = "10.0.0.1:1003"
	req = req.WithContext(WithCaller(req.Context(), "NEmployer"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "authenticated callers are keyed by address")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.getLimiter("a")
	now = now.Add(time.Hour)
	rl.getLimiter("b")

	assert.Equal(t, 1, rl.Cleanup(time.Minute))
	assert.Len(t, rl.limiters, 1)
}

func TestTracingMiddleware(t *testing.T) {
	m := NewTracingMiddleware(logger.NewDefault("test"))
	var seen string
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.TraceID(r.Context())
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	req.Header.Set(TraceHeader, "trace-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", seen)
	assert.Equal(t, "trace-123", rec.Header().Get(TraceHeader))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.NotEmpty(t, rec.Header().Get(TraceHeader))
	assert.Equal(t, rec.Header().Get(TraceHeader), seen)
}

func TestCORSMiddleware(t *testing.T) {
	m := NewCORSMiddleware([]string{"https://app.example.com", "*.wallet.io"})
	h := m.Handler(okHandler())

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://app.example.com", true},
		{"https://x.wallet.io", true},
		{"https://evil.com", false},
		{"", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if tt.allowed {
			assert.Equal(t, tt.origin, rec.Header().Get("Access-Control-Allow-Origin"), tt.origin)
		} else {
			assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), tt.origin)
		}
	}

	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
