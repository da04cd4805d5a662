package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get("X-Request-ID"))
}

func TestRequestID_PropagatesInbound(t *testing.T) {
	handler := RequestID(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "upstream-id", rr.Header().Get("X-Request-ID"))
}

func TestGetRequestID_Missing(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
}

func TestSecurityHeaders_CORS(t *testing.T) {
	handler := SecurityHeaders([]string{"http://localhost:3000"})(okHandler())

	tests := []struct {
		name       string
		origin     string
		expectCORS bool
	}{
		{"whitelisted origin", "http://localhost:3000", true},
		{"external origin blocked", "http://evil.com", false},
		{"prefix bypass blocked", "http://localhost:3000.evil.com", false},
		{"unknown port blocked", "http://localhost:9999", false},
		{"no origin header", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
			cors := rr.Header().Get("Access-Control-Allow-Origin")
			if tt.expectCORS {
				assert.Equal(t, tt.origin, cors)
			} else {
				assert.Empty(t, cors)
			}
		})
	}
}

func TestSecurityHeaders_Preflight(t *testing.T) {
	handler := SecurityHeaders([]string{"http://localhost:3000"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/items", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestMaxBodySize(t *testing.T) {
	handler := MaxBodySize(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		if _, err := r.Body.Read(buf); err != nil && !strings.Contains(err.Error(), "EOF") {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	small := httptest.NewRequest("POST", "/", strings.NewReader("tiny"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, small)
	assert.Equal(t, http.StatusOK, rr.Code)

	big := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64)))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestRequireJSONContentType(t *testing.T) {
	handler := RequireJSONContentType(okHandler())

	tests := []struct {
		method      string
		contentType string
		wantStatus  int
	}{
		{"POST", "application/json", http.StatusOK},
		{"POST", "application/json; charset=utf-8", http.StatusOK},
		{"POST", "", http.StatusOK},
		{"POST", "text/plain", http.StatusUnsupportedMediaType},
		{"PATCH", "application/xml", http.StatusUnsupportedMediaType},
		{"GET", "text/plain", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/", nil)
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, tt.wantStatus, rr.Code, "%s %s", tt.method, tt.contentType)
	}
}

func TestTokenAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-token"), bcrypt.MinCost)
	require.NoError(t, err)

	auth := &TokenAuth{TokenHash: string(hash), ExemptPaths: []string{"/health"}}
	handler := auth.Middleware(okHandler())

	t.Run("missing token rejected", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/api/items", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/items", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("bearer token accepted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/items", nil)
		req.Header.Set("Authorization", "Bearer secret-token")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("x-auth-token accepted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/items", nil)
		req.Header.Set("X-Auth-Token", "secret-token")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("exempt path open", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("empty hash disables auth", func(t *testing.T) {
		open := (&TokenAuth{}).Middleware(okHandler())
		rr := httptest.NewRecorder()
		open.ServeHTTP(rr, httptest.NewRequest("GET", "/api/items", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestRateLimiter(t *testing.T) {
	// 1 rps with burst 2: third immediate request is rejected.
	rl := NewRateLimiter(1, 2)

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// Separate clients get their own bucket.
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimiter_Middleware(t *testing.T) {
	handler := NewRateLimiter(1, 1).Middleware(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}
