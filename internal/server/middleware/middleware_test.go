package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natebag/trenchtools/internal/cache/redis"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		header string
		value  string
		want   int
	}{
		{"disabled", "", "", "", http.StatusOK},
		{"missing token", "secret", "", "", http.StatusUnauthorized},
		{"bearer", "secret", "Authorization", "Bearer secret", http.StatusOK},
		{"bearer lowercase scheme", "secret", "Authorization", "bearer secret", http.StatusOK},
		{"api key header", "secret", "X-API-Key", "secret", http.StatusOK},
		{"wrong token", "secret", "X-API-Key", "guess", http.StatusUnauthorized},
		{"basic scheme ignored", "secret", "Authorization", "Basic secret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			Auth(tt.key)(okHandler).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuth_PublicPathsAndPreflight(t *testing.T) {
	h := Auth(AuthConfig{APIKey: "secret", Public: []string{"/api/health", "/metrics"}})(okHandler)

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/health/extra", http.StatusUnauthorized},
		{http.MethodOptions, "/api/positions", http.StatusOK},
		{http.MethodGet, "/api/positions", http.StatusUnauthorized},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.JSONEq(t, `{"error":"missing api key"}`, rec.Body.String())
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dash.example"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "https://DASH.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://DASH.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestCORS_Wildcard(t *testing.T) {
	h := CORS([]string{"*"})(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"), "methods are only sent on preflight")
}

func TestLogging_CapturesStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/prices?x=1", nil))

	out := buf.String()
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"path":"/api/prices"`)
	assert.Contains(t, out, `"query":"x=1"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestLogging_RequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	h := Logging(logger, "/api/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Empty(t, buf.String(), "quiet paths log at debug")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Contains(t, buf.String(), `"bytes":2`)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allowed, s.err
}

func (s *stubLimiter) Wait(context.Context, string) error { return nil }

func TestRateLimit_KeyedByClient(t *testing.T) {
	lim := &stubLimiter{allowed: true}
	h := RateLimit(lim, "exit", 5, time.Minute, slog.Default())(okHandler)

	tests := []struct {
		remote string
		header string
		value  string
	}{
		{"10.0.0.7:4000", "X-Forwarded-For", "203.0.113.9, 10.0.0.1"},
		{"127.0.0.1:4000", "X-Real-IP", "203.0.113.10"},
		{"198.51.100.4:5555", "X-Forwarded-For", "203.0.113.11"},
		{"[2001:db8::1]:443", "", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/positions/p/sell", nil)
		req.RemoteAddr = tt.remote
		if tt.header != "" {
			req.Header.Set(tt.header, tt.value)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, []string{
		"api:exit:203.0.113.9",
		"api:exit:203.0.113.10",
		"api:exit:198.51.100.4", // forwarding headers from a public peer are ignored
		"api:exit:2001:db8::1",
	}, lim.keys)
}

func TestRateLimit_Rejects(t *testing.T) {
	h := RateLimit(&stubLimiter{allowed: false}, "exit", 5, time.Minute, slog.Default())(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p/sell", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRateLimit_FailsOpen(t *testing.T) {
	h := RateLimit(&stubLimiter{err: errors.New("redis down")}, "exit", 5, time.Minute, slog.Default())(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p/sell", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	limiter := redis.NewRateLimiter(redis.NewFromRDB(rdb))

	h := RateLimit(limiter, "exit", 2, time.Minute, slog.Default())(okHandler)
	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/api/positions/p/sell", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Len(t, codes, 3)
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
