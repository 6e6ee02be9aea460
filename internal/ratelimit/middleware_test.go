package ratelimit

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddleware_HeadersAndRejection(t *testing.T) {
	l, clock := testLimiter(t)
	rule := Rule{Name: "ai", Max: 2, Window: time.Minute}
	h := Middleware(l, rule, ByIP, quietLogger)(okHandler())

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/ai/analyze", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		return rec
	}

	first := do()
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10), first.Header().Get("X-RateLimit-Reset"))

	second := do()
	assert.Equal(t, http.StatusNoContent, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	clock.Advance(15 * time.Second)

	third := do()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Equal(t, "45", third.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(third.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.EqualValues(t, 45, body["retry_after"])
}

func TestMiddleware_EmptyKeySkips(t *testing.T) {
	l, _ := testLimiter(t)
	rule := Rule{Name: "x", Max: 1, Window: time.Minute}
	h := Middleware(l, rule, func(*http.Request) string { return "" }, quietLogger)(okHandler())

	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddleware_RulesShareLimiterWithoutCollision(t *testing.T) {
	l, _ := testLimiter(t)
	a := Middleware(l, Rule{Name: "a", Max: 1, Window: time.Minute}, ByIP, quietLogger)(okHandler())
	b := Middleware(l, Rule{Name: "b", Max: 1, Window: time.Minute}, ByIP, quietLogger)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	b.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestByIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.9:40000"
	assert.Equal(t, "192.168.1.9", ByIP(req))

	req.RemoteAddr = "192.168.1.9"
	assert.Equal(t, "192.168.1.9", ByIP(req))
}

func TestByUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.1.1.1:1"
	assert.Equal(t, "ip:1.1.1.1", ByUser(req))

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-42"})
	signed, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)

	req.Header.Set("Authorization", "Bearer "+signed)
	assert.Equal(t, "user:user-42", ByUser(req))

	req.Header.Set("X-User-ID", "explicit")
	assert.Equal(t, "user:explicit", ByUser(req))

	req.Header.Del("X-User-ID")
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.Equal(t, "ip:1.1.1.1", ByUser(req))
}
