// testserver starts a cinder server over an in-memory database and a
// throwaway bundle directory, with short timeouts for end-to-end testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/cinder/internal/app"
	"github.com/seantiz/cinder/internal/config"
)

func main() {
	dir, err := os.MkdirTemp("", "cinder-testserver-")
	if err != nil {
		log.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.Config{
		ListenAddr:       ":8080",
		DB:               ":memory:",
		LogLevel:         slog.LevelDebug,
		BundleRoot:       filepath.Join(dir, "bundles"),
		StagingDir:       filepath.Join(dir, "staging"),
		CheckinWait:      5 * time.Second,
		ReplyTimeout:     5 * time.Second,
		HeartbeatTimeout: 15 * time.Second,
		DispatchInterval: 200 * time.Millisecond,
		BypassExpiry:     10 * time.Minute,
	}
	if v := os.Getenv("CINDER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer a.Close()
	a.Start(ctx)

	logger.Info("testserver: starting", "addr", cfg.ListenAddr, "bundle_root", cfg.BundleRoot)
	if err := a.Server.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
