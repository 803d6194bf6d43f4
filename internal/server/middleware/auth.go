package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig configures the API key gate.
type AuthConfig struct {
	// APIKey is the shared secret. Empty disables the check.
	APIKey string
	// Public lists exact paths served without a key, such as liveness
	// probes and the Prometheus scrape endpoint.
	Public []string
}

// Auth rejects requests that do not carry the configured key, either as
// "Authorization: Bearer <key>" or in X-API-Key. Preflight requests and
// public paths pass through.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	public := make(map[string]struct{}, len(cfg.Public))
	for _, p := range cfg.Public {
		public[p] = struct{}{}
	}
	want := []byte(cfg.APIKey)

	return func(next http.Handler) http.Handler {
		if len(want) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := public[r.URL.Path]; ok || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			got, ok := credential(r)
			switch {
			case !ok:
				deny(w, "missing api key")
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				deny(w, "invalid api key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func credential(r *http.Request) (string, bool) {
	if scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " "); found && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token, true
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, true
	}
	return "", false
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="trenchtools"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
