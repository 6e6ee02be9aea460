package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/InnNhi24/vibetune-sync/internal/auth"
	"github.com/InnNhi24/vibetune-sync/internal/config"
	"github.com/InnNhi24/vibetune-sync/internal/conflict"
	"github.com/InnNhi24/vibetune-sync/internal/inbox"
	"github.com/InnNhi24/vibetune-sync/internal/logging"
	"github.com/InnNhi24/vibetune-sync/internal/mcpserver"
	"github.com/InnNhi24/vibetune-sync/internal/queue"
	"github.com/InnNhi24/vibetune-sync/internal/ratelimit"
	"github.com/InnNhi24/vibetune-sync/internal/realtime"
	"github.com/InnNhi24/vibetune-sync/internal/remote"
	"github.com/InnNhi24/vibetune-sync/internal/server"
	"github.com/InnNhi24/vibetune-sync/internal/state"
	"github.com/InnNhi24/vibetune-sync/internal/syncer"
)

var Version = "dev"

const deviceIDKey = "device_id"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "enqueue" {
		if err := enqueue(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(state.Options{
		Driver:     cfg.LocalStoreDriver,
		Path:       cfg.LocalStorePath,
		Passphrase: cfg.LocalStorePassphrase,
	})
	if err != nil {
		return fmt.Errorf("opening local storage: %w", err)
	}
	defer store.Close()

	deviceID, err := resolveDeviceID(store, cfg.DeviceID)
	if err != nil {
		return err
	}

	logger.Info("vibetune-sync starting",
		slog.String("version", Version),
		slog.String("device", deviceID),
		slog.String("remote", cfg.RemoteDriver),
		slog.String("storage", cfg.LocalStoreDriver),
		slog.Bool("encrypted", cfg.LocalStorePassphrase != ""),
	)

	q, err := queue.Open(store, deviceID, logger.With(slog.String("service", "queue")))
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}

	authClient := auth.NewClient(cfg.BackendURL, cfg.BackendAPIKey, store, logger.With(slog.String("service", "auth")), nil)
	if err := signIn(ctx, authClient, cfg, logger); err != nil {
		return err
	}

	remoteStore, closeRemote, err := openRemote(ctx, cfg, authClient)
	if err != nil {
		return err
	}
	defer closeRemote()

	policy := conflict.DefaultPolicy()
	if cfg.SyncPolicyFile != "" {
		policy, err = conflict.LoadPolicy(cfg.SyncPolicyFile)
		if err != nil {
			return err
		}
	}

	limiter := ratelimit.New()
	defer limiter.Stop()

	probe := syncer.NewHTTPProbe(cfg.NetworkProbeURL, cfg.NetworkPollInterval, nil, logger.With(slog.String("service", "network")))

	orch := syncer.New(syncer.Config{
		Queue:            q,
		Store:            remoteStore,
		Auth:             authClient,
		Network:          probe,
		Detector:         conflict.NewDetector(cfg.ConflictTolerance),
		Resolver:         conflict.NewResolver(policy, logger.With(slog.String("service", "conflict"))),
		Limiter:          limiter,
		DeviceID:         deviceID,
		PassTimeout:      cfg.SyncPassTimeout,
		CallTimeout:      cfg.SyncCallTimeout,
		AuthCacheTTL:     cfg.AuthCacheTTL,
		RefreshThreshold: cfg.AuthRefreshThreshold,
		Retention:        cfg.Retention,
		PushRateMax:      cfg.PushRateMax,
		PushRateWindow:   cfg.PushRateWindow,
	}, logger.With(slog.String("service", "sync")))

	sched := syncer.NewScheduler(orch, probe, cfg.SyncInterval, cfg.OnlineSettleDelay, logger.With(slog.String("service", "scheduler")))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	if cfg.RealtimeURL != "" {
		sub := realtime.New(realtime.Config{
			URL:      cfg.RealtimeURL,
			APIKey:   cfg.BackendAPIKey,
			DeviceID: deviceID,
			Auth:     authClient,
			OnChange: func(realtime.Change) { sched.Notify() },
		}, logger.With(slog.String("service", "realtime")))

		g.Go(func() error {
			return sub.Run(gctx)
		})
	}

	if cfg.InboxDir != "" {
		w := inbox.New(cfg.InboxDir, q, func() { sched.Trigger(syncer.TriggerManual) }, logger.With(slog.String("service", "inbox")))
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if cfg.HTTPListenAddr != "" {
		g.Go(func() error {
			return runHTTP(gctx, cfg, orch, q, authClient, limiter, logger)
		})
	}

	return g.Wait()
}

// resolveDeviceID prefers the configured id, then the stored one, and
// otherwise generates and stores a new one.
func resolveDeviceID(store state.Storage, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	data, err := store.Get(deviceIDKey)
	if err != nil {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	if len(data) > 0 {
		return string(data), nil
	}

	id := uuid.NewString()
	if err := store.Set(deviceIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("saving device id: %w", err)
	}

	return id, nil
}

// signIn uses the configured credentials when no usable session is stored.
func signIn(ctx context.Context, c *auth.Client, cfg *config.Config, logger *slog.Logger) error {
	if cfg.AuthEmail == "" {
		return nil
	}

	if s, err := c.GetSession(ctx); err == nil && s.Live(time.Now()) {
		logger.Debug("using stored session", slog.String("user", s.UserID))
		return nil
	}

	logger.Info("signing in", slog.String("email", cfg.AuthEmail))

	s, err := c.SignIn(ctx, cfg.AuthEmail, cfg.AuthPassword)
	if err != nil {
		// Backend unreachable: run signed out until a session appears.
		if remote.IsTransient(err) {
			logger.Warn("sign in deferred", slog.String("error", err.Error()))
			return nil
		}

		return fmt.Errorf("signing in: %w", err)
	}

	logger.Info("signed in", slog.String("user", s.UserID))

	return nil
}

func openRemote(ctx context.Context, cfg *config.Config, tokens remote.TokenSource) (remote.Store, func(), error) {
	if cfg.RemoteDriver != "postgres" {
		return remote.NewRESTStore(cfg.BackendURL, cfg.BackendAPIKey, tokens, nil), func() {}, nil
	}

	pg, err := remote.OpenPGStore(ctx, cfg.RemoteDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to remote database: %w", err)
	}

	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("preparing remote schema: %w", err)
	}

	return pg, pg.Close, nil
}

// runHTTP serves the local API until ctx is cancelled.
func runHTTP(ctx context.Context, cfg *config.Config, orch *syncer.Orchestrator, q *queue.Queue, tokens remote.TokenSource, limiter *ratelimit.Limiter, logger *slog.Logger) error {
	httpLogger := logger.With(slog.String("service", "http"))

	muxCfg := server.MuxConfig{
		Sync:     orch,
		Limiter:  limiter,
		SyncRule: ratelimit.Rule{Name: "sync", Max: cfg.SyncRateMax, Window: cfg.SyncRateWindow},
		AIRule:   ratelimit.Rule{Name: "ai", Max: cfg.AIRateMax, Window: cfg.AIRateWindow},
		APIKeys:  auth.ParseAPIKeys(cfg.HTTPAPIKeys),
		AIAPIKey: cfg.BackendAPIKey,
		Tokens:   tokens,
		Logger:   httpLogger,
	}

	if cfg.AIUpstreamURL != "" {
		u, err := url.Parse(cfg.AIUpstreamURL)
		if err != nil {
			return fmt.Errorf("parsing AI_UPSTREAM_URL: %w", err)
		}

		muxCfg.AIUpstream = u
	}

	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "vibetune-sync", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, orch, q)

		muxCfg.MCPHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           server.NewMux(muxCfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	httpLogger.Info("starting HTTP API",
		slog.String("listen", cfg.HTTPListenAddr),
		slog.Int("api_keys", len(muxCfg.APIKeys)),
		slog.Bool("mcp", cfg.EnableMCP),
		slog.Bool("ai_proxy", muxCfg.AIUpstream != nil),
	)

	go func() {
		<-ctx.Done()
		httpLogger.Info("shutting down HTTP API")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// enqueue reads records from r and hands them to the daemon. With an inbox
// configured the payload is dropped there, since a running daemon holds
// the storage lock; otherwise the records go straight into the queue.
func enqueue(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	recs, err := inbox.Decode(data)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.InboxDir != "" {
		path, err := dropInInbox(cfg.InboxDir, data)
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "queued %d record(s) via %s\n", len(recs), path)

		return nil
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	store, err := state.Open(state.Options{
		Driver:     cfg.LocalStoreDriver,
		Path:       cfg.LocalStorePath,
		Passphrase: cfg.LocalStorePassphrase,
	})
	if err != nil {
		return fmt.Errorf("opening local storage: %w", err)
	}
	defer store.Close()

	deviceID, err := resolveDeviceID(store, cfg.DeviceID)
	if err != nil {
		return err
	}

	q, err := queue.Open(store, deviceID, logger)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}

	ctx := context.Background()
	for _, rec := range recs {
		stored := q.Enqueue(ctx, rec)
		fmt.Fprintf(w, "%s %s\n", stored.EntityType, stored.ID())
	}

	return nil
}

// dropInInbox writes data under a hidden name and renames it into place so
// the watcher never sees a partial file.
func dropInInbox(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating inbox: %w", err)
	}

	name := uuid.NewString() + ".json"
	tmp := filepath.Join(dir, "."+name)
	final := filepath.Join(dir, name)

	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("writing inbox file: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("moving inbox file: %w", err)
	}

	return final, nil
}
