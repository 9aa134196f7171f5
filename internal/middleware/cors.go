package middleware

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, PATCH, OPTIONS"
	corsHeaders = "Content-Type, Authorization, " + TraceHeader
	corsExpose  = TraceHeader + ", Retry-After"
)

// CORSMiddleware lets browser wallets and dashboards on the configured
// origins call the API. Entries are exact origins, "*" or a "*.domain"
// suffix.
type CORSMiddleware struct {
	any      bool
	exact    map[string]struct{}
	suffixes []string
}

// NewCORSMiddleware compiles the origin list.
func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	m := &CORSMiddleware{exact: make(map[string]struct{}, len(allowedOrigins))}
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		switch {
		case origin == "*":
			m.any = true
		case strings.HasPrefix(origin, "*."):
			m.suffixes = append(m.suffixes, origin[1:])
		case origin != "":
			m.exact[origin] = struct{}{}
		}
	}
	return m
}

// Allowed reports whether origin may make cross-origin calls.
func (m *CORSMiddleware) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if m.any {
		return true
	}
	if _, ok := m.exact[origin]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}

// Handler answers preflights and decorates responses for allowed origins.
func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")
		if origin := r.Header.Get("Origin"); m.Allowed(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Expose-Headers", corsExpose)
			h.Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
