package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for vibetune-sync.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Stable per-install identifier stamped on every queued record. When
	// empty, one is generated on first run and kept in local storage.
	DeviceID string `env:"DEVICE_ID"`

	// Managed backend (auth + REST gateway).
	BackendURL    string `env:"BACKEND_URL"`
	BackendAPIKey string `env:"BACKEND_API_KEY"`

	// Optional credentials used to sign in when no stored session exists.
	AuthEmail    string `env:"AUTH_EMAIL"`
	AuthPassword string `env:"AUTH_PASSWORD"`

	// Remote store driver: "rest" talks to BACKEND_URL, "postgres" talks
	// straight to REMOTE_DATABASE_URL.
	RemoteDriver      string `env:"REMOTE_DRIVER" envDefault:"rest"`
	RemoteDatabaseURL string `env:"REMOTE_DATABASE_URL"`

	// Local durable storage.
	LocalStoreDriver     string `env:"LOCAL_STORE_DRIVER" envDefault:"bolt"`
	LocalStorePath       string `env:"LOCAL_STORE_PATH"`
	LocalStorePassphrase string `env:"LOCAL_STORE_PASSPHRASE"`

	// Sync scheduling.
	SyncInterval        time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	OnlineSettleDelay   time.Duration `env:"ONLINE_SETTLE_DELAY" envDefault:"2s"`
	NetworkPollInterval time.Duration `env:"NETWORK_POLL_INTERVAL" envDefault:"15s"`
	NetworkProbeURL     string        `env:"NETWORK_PROBE_URL"`

	// Sync pass limits.
	SyncPassTimeout      time.Duration `env:"SYNC_PASS_TIMEOUT" envDefault:"10s"`
	SyncCallTimeout      time.Duration `env:"SYNC_CALL_TIMEOUT" envDefault:"4s"`
	AuthCacheTTL         time.Duration `env:"AUTH_CACHE_TTL" envDefault:"30s"`
	AuthRefreshThreshold time.Duration `env:"AUTH_REFRESH_THRESHOLD" envDefault:"5m"`
	ConflictTolerance    time.Duration `env:"CONFLICT_TOLERANCE" envDefault:"5s"`
	Retention            time.Duration `env:"SYNC_RETENTION" envDefault:"168h"`
	SyncPolicyFile       string        `env:"SYNC_POLICY_FILE"`

	// Per-device push ceiling.
	PushRateMax    int           `env:"PUSH_RATE_MAX" envDefault:"500"`
	PushRateWindow time.Duration `env:"PUSH_RATE_WINDOW" envDefault:"1m"`

	// Change feed. Disabled when empty.
	RealtimeURL string `env:"REALTIME_URL"`

	// Directory a UI process drops captured records into. Disabled when empty.
	InboxDir string `env:"INBOX_DIR"`

	// Local HTTP API. Disabled when the address is empty.
	HTTPListenAddr string   `env:"HTTP_LISTEN_ADDR" envDefault:"127.0.0.1:8787"`
	HTTPAPIKeys    []string `env:"HTTP_API_KEYS" envSeparator:","`
	EnableMCP      bool     `env:"ENABLE_MCP" envDefault:"true"`

	// AI proxy. Disabled when the upstream is empty.
	AIUpstreamURL string        `env:"AI_UPSTREAM_URL"`
	AIRateMax     int           `env:"AI_RATE_MAX" envDefault:"10"`
	AIRateWindow  time.Duration `env:"AI_RATE_WINDOW" envDefault:"1m"`

	// Manual sync endpoint ceiling, per client IP.
	SyncRateMax    int           `env:"SYNC_RATE_MAX" envDefault:"6"`
	SyncRateWindow time.Duration `env:"SYNC_RATE_WINDOW" envDefault:"1m"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.NetworkProbeURL == "" && cfg.BackendURL != "" {
		cfg.NetworkProbeURL = cfg.BackendURL + "/auth/v1/health"
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Watched paths are compared against fsnotify event names, which are
	// absolute when the watched directory is.
	if cfg.InboxDir != "" {
		abs, err := filepath.Abs(cfg.InboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving inbox dir to absolute path: %w", err)
		}

		cfg.InboxDir = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}

	switch c.RemoteDriver {
	case "rest":
	case "postgres":
		if c.RemoteDatabaseURL == "" {
			return fmt.Errorf("REMOTE_DATABASE_URL is required when REMOTE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("REMOTE_DRIVER must be rest or postgres, got %q", c.RemoteDriver)
	}

	if c.LocalStoreDriver != "bolt" && c.LocalStoreDriver != "sqlite" {
		return fmt.Errorf("LOCAL_STORE_DRIVER must be bolt or sqlite, got %q", c.LocalStoreDriver)
	}

	if (c.AuthEmail == "") != (c.AuthPassword == "") {
		return fmt.Errorf("AUTH_EMAIL and AUTH_PASSWORD must be set together")
	}

	for name, d := range map[string]time.Duration{
		"SYNC_INTERVAL":          c.SyncInterval,
		"NETWORK_POLL_INTERVAL":  c.NetworkPollInterval,
		"SYNC_PASS_TIMEOUT":      c.SyncPassTimeout,
		"SYNC_CALL_TIMEOUT":      c.SyncCallTimeout,
		"AUTH_CACHE_TTL":         c.AuthCacheTTL,
		"AUTH_REFRESH_THRESHOLD": c.AuthRefreshThreshold,
		"CONFLICT_TOLERANCE":     c.ConflictTolerance,
		"SYNC_RETENTION":         c.Retention,
		"PUSH_RATE_WINDOW":       c.PushRateWindow,
		"AI_RATE_WINDOW":         c.AIRateWindow,
		"SYNC_RATE_WINDOW":       c.SyncRateWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.OnlineSettleDelay < 0 {
		return fmt.Errorf("ONLINE_SETTLE_DELAY must not be negative")
	}

	if c.SyncCallTimeout > c.SyncPassTimeout {
		return fmt.Errorf("SYNC_CALL_TIMEOUT (%s) must not exceed SYNC_PASS_TIMEOUT (%s)", c.SyncCallTimeout, c.SyncPassTimeout)
	}

	if c.PushRateMax <= 0 || c.AIRateMax <= 0 || c.SyncRateMax <= 0 {
		return fmt.Errorf("rate limit ceilings must be positive")
	}

	if c.HTTPListenAddr != "" && len(c.HTTPAPIKeys) == 0 && !isLoopback(c.HTTPListenAddr) {
		return fmt.Errorf("HTTP_API_KEYS is required when HTTP_LISTEN_ADDR is not a loopback address")
	}

	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
