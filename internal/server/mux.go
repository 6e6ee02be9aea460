// Package server builds the local HTTP API: sync status and control,
// manual conflict resolution, the AI proxy and the MCP endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/InnNhi24/vibetune-sync/internal/auth"
	"github.com/InnNhi24/vibetune-sync/internal/conflict"
	"github.com/InnNhi24/vibetune-sync/internal/ratelimit"
	"github.com/InnNhi24/vibetune-sync/internal/remote"
	"github.com/InnNhi24/vibetune-sync/internal/syncer"
)

// SyncService is the part of the orchestrator the API drives.
type SyncService interface {
	Sync(ctx context.Context, trigger syncer.Trigger) syncer.Result
	Status(ctx context.Context) syncer.Status
	Conflicts() []conflict.Conflict
	ResolveConflict(ctx context.Context, id string, choice conflict.Choice, custom json.RawMessage) (*conflict.Conflict, error)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Sync SyncService

	// Limiter backs SyncRule and AIRule. Nil disables request limiting.
	Limiter  *ratelimit.Limiter
	SyncRule ratelimit.Rule
	AIRule   ratelimit.Rule

	// APIKeys protects everything except /healthz. Empty allows any caller.
	APIKeys []auth.APIKey

	// AIUpstream is the base URL AI requests are forwarded to. Nil leaves
	// /v1/ai unmounted.
	AIUpstream *url.URL
	AIAPIKey   string
	Tokens     remote.TokenSource

	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the router. Every route except /healthz sits behind the
// API key middleware.
func NewMux(cfg MuxConfig) http.Handler {
	h := &handlers{sync: cfg.Sync, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.APIKeys, cfg.Logger))

		r.Get("/v1/sync/status", h.status)
		r.Get("/v1/sync/conflicts", h.conflicts)
		r.Post("/v1/sync/conflicts/{id}", h.resolve)

		r.With(limit(cfg.Limiter, cfg.SyncRule, ratelimit.ByIP, cfg.Logger)).
			Post("/v1/sync", h.syncNow)

		if cfg.AIUpstream != nil {
			proxy := newAIProxy(cfg.AIUpstream, cfg.AIAPIKey, cfg.Tokens, cfg.Logger)
			r.With(limit(cfg.Limiter, cfg.AIRule, ratelimit.ByUser, cfg.Logger)).
				Post("/v1/ai/{service}", proxy.ServeHTTP)
		}

		if cfg.MCPHandler != nil {
			r.Handle("/mcp", cfg.MCPHandler)
		}
	})

	return r
}

// limit returns a pass-through middleware when no limiter is configured.
func limit(l *ratelimit.Limiter, rule ratelimit.Rule, key ratelimit.KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if l == nil || rule.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return ratelimit.Middleware(l, rule, key, logger)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
