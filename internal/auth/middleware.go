package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
)

type contextKey int

const (
	ctxKeyName contextKey = iota
	ctxRemoteIP
)

// RequestKeyName returns the name of the API key that authenticated the
// request, or "".
func RequestKeyName(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyName).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// APIKey is one accepted bearer key for the local HTTP API.
type APIKey struct {
	Name string
	hash [sha256.Size]byte
}

// ParseAPIKeys reads "name:key" entries. A bare key is named by its
// position ("key1", "key2", ...).
func ParseAPIKeys(entries []string) []APIKey {
	var keys []APIKey

	for i, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}

		name, secret, ok := strings.Cut(e, ":")
		if !ok {
			name, secret = "key"+strconv.Itoa(i+1), e
		}

		keys = append(keys, APIKey{Name: name, hash: sha256.Sum256([]byte(secret))})
	}

	return keys
}

// match compares hashes in constant time and checks every key so timing
// does not reveal which one matched.
func match(keys []APIKey, token string) (string, bool) {
	h := sha256.Sum256([]byte(token))

	var name string

	found := 0

	for _, k := range keys {
		if subtle.ConstantTimeCompare(h[:], k.hash[:]) == 1 {
			name = k.Name
			found = 1
		}
	}

	return name, found == 1
}

// Middleware returns HTTP middleware that requires one of keys as a Bearer
// token. With no keys configured every request passes, which is only safe
// when the server listens on loopback.
func Middleware(keys []APIKey, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			ctx := context.WithValue(r.Context(), ctxRemoteIP, ip)

			if len(keys) == 0 {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			name, ok := match(keys, token)
			if !ok {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			logger.Debug("middleware: authenticated via API key",
				slog.String("key", name),
				slog.String("ip", ip),
			)

			ctx = context.WithValue(ctx, ctxKeyName, name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
