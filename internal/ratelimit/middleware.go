package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Rule names a ceiling for one class of endpoints. Name namespaces keys so
// several rules can share a Limiter.
type Rule struct {
	Name   string
	Max    int
	Window time.Duration
}

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// ByIP keys on the client address. Mount chi's middleware.RealIP upstream
// so RemoteAddr reflects X-Forwarded-For / X-Real-IP.
func ByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// ByUser keys on the X-User-ID header, then the subject of a bearer JWT,
// falling back to the client address. The token signature is not
// verified here.
func ByUser(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return "user:" + id
	}

	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		var claims jwt.RegisteredClaims
		if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err == nil && claims.Subject != "" {
			return "user:" + claims.Subject
		}
	}

	return "ip:" + ByIP(r)
}

// Middleware enforces rule per key. Every response carries X-RateLimit-Limit,
// X-RateLimit-Remaining and X-RateLimit-Reset; rejections get 429 with
// Retry-After.
func Middleware(l *Limiter, rule Rule, key KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			k = rule.Name + ":" + k
			allowed := l.TryAdmit(k, rule.Max, rule.Window)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(rule.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(l.Remaining(k, rule.Max)))

			if reset := l.ResetTime(k); !reset.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			}

			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int(math.Ceil(l.RetryAfter(k).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}

			h.Set("Retry-After", strconv.Itoa(retryAfter))

			logger.Warn("rate limit exceeded",
				slog.String("rule", rule.Name),
				slog.String("key", k),
				slog.String("path", r.URL.Path),
				slog.Int("retry_after", retryAfter),
			)

			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
		})
	}
}
