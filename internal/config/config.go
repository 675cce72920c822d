package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":8080"
	defaultDB               = "cinder.db"
	defaultBundleRoot       = "bundles"
	defaultCheckinWait      = 30 * time.Second
	defaultReplyTimeout     = 60 * time.Second
	defaultHeartbeatTimeout = 90 * time.Second
	defaultDispatchInterval = 2 * time.Second
	defaultBypassExpiry     = time.Hour

	envListenAddr       = "CINDER_LISTEN_ADDR"
	envDB               = "CINDER_DB"
	envLogLevel         = "CINDER_LOG_LEVEL"
	envBundleRoot       = "CINDER_BUNDLE_ROOT"
	envStagingDir       = "CINDER_STAGING_DIR"
	envStoresFile       = "CINDER_STORES_FILE"
	envAMQPURL          = "CINDER_AMQP_URL"
	envCheckinWait      = "CINDER_CHECKIN_WAIT"
	envReplyTimeout     = "CINDER_REPLY_TIMEOUT"
	envHeartbeatTimeout = "CINDER_HEARTBEAT_TIMEOUT"
	envDispatchInterval = "CINDER_DISPATCH_INTERVAL"
	envBypassExpiry     = "CINDER_BYPASS_EXPIRY"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	// DB is a SQLite path or a postgres:// DSN.
	DB       string
	LogLevel slog.Level

	BundleRoot string
	StagingDir string
	StoresFile string
	AMQPURL    string

	CheckinWait      time.Duration
	ReplyTimeout     time.Duration
	HeartbeatTimeout time.Duration
	DispatchInterval time.Duration
	BypassExpiry     time.Duration

	// Warnings lists settings that were ignored in favour of defaults or
	// that combine badly.
	Warnings []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		DB:               defaultDB,
		LogLevel:         slog.LevelInfo,
		BundleRoot:       defaultBundleRoot,
		StagingDir:       os.TempDir(),
		CheckinWait:      defaultCheckinWait,
		ReplyTimeout:     defaultReplyTimeout,
		HeartbeatTimeout: defaultHeartbeatTimeout,
		DispatchInterval: defaultDispatchInterval,
		BypassExpiry:     defaultBypassExpiry,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDB); v != "" {
		cfg.DB = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envBundleRoot); v != "" {
		cfg.BundleRoot = v
	}
	if v := os.Getenv(envStagingDir); v != "" {
		cfg.StagingDir = v
	}
	cfg.StoresFile = os.Getenv(envStoresFile)
	cfg.AMQPURL = os.Getenv(envAMQPURL)

	cfg.duration(envCheckinWait, &cfg.CheckinWait)
	cfg.duration(envReplyTimeout, &cfg.ReplyTimeout)
	cfg.duration(envHeartbeatTimeout, &cfg.HeartbeatTimeout)
	cfg.duration(envDispatchInterval, &cfg.DispatchInterval)
	cfg.duration(envBypassExpiry, &cfg.BypassExpiry)

	if cfg.CheckinWait >= cfg.HeartbeatTimeout {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s (%s) is not shorter than %s (%s); a worker that stops polling is noticed only after its last checkin ends",
			envCheckinWait, cfg.CheckinWait, envHeartbeatTimeout, cfg.HeartbeatTimeout))
	}
	return cfg
}

// duration overrides *dst from env when it holds a positive duration.
func (c *Config) duration(env string, dst *time.Duration) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not a positive duration, using %s", env, v, *dst))
		return
	}
	*dst = d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
