package middleware

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/metrics"
)

// RateLimit admits limit requests per window per client in bucket. Refused
// requests get 429 with Retry-After set to the window. Limiter errors let
// the request through.
func RateLimit(limiter domain.RateLimiter, bucket string, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(max(1, int(window/time.Second)))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "api:" + bucket + ":" + clientIP(r)

			allowed, err := limiter.Allow(r.Context(), key, limit, window)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable",
					slog.String("bucket", bucket),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				metrics.HTTPRateLimited.WithLabelValues(bucket).Inc()
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the rate-limit identity of r. Forwarding headers are only
// believed when the direct peer is a loopback or private address, i.e. a
// reverse proxy in front of the engine.
func clientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if ap, err := netip.ParseAddrPort(peer); err == nil {
		peer = ap.Addr().String()
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil || !(addr.IsLoopback() || addr.IsPrivate()) {
		return peer
	}

	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}
