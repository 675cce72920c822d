// Package apptest runs a complete cinder server in-process for tests.
package apptest

import (
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/cinder/internal/app"
	"github.com/seantiz/cinder/internal/config"
)

// Config returns server settings suited to tests: an in-memory database,
// bundle and staging dirs under t.TempDir and short timeouts.
func Config(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		ListenAddr:       ":0",
		DB:               ":memory:",
		BundleRoot:       filepath.Join(dir, "bundles"),
		StagingDir:       filepath.Join(dir, "staging"),
		CheckinWait:      2 * time.Second,
		ReplyTimeout:     5 * time.Second,
		HeartbeatTimeout: 10 * time.Second,
		DispatchInterval: 50 * time.Millisecond,
		BypassExpiry:     time.Minute,
	}
}

// Server is a running app behind an httptest server.
type Server struct {
	*app.App
	URL string
}

// Start builds the app from cfg, starts its dispatcher and serves it until
// the test ends.
func Start(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	logger := config.NewLogger(io.Discard, cfg.LogLevel)
	a, err := app.New(t.Context(), cfg, logger)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	a.Start(t.Context())
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ts.Close()
		a.Close()
	})
	return &Server{App: a, URL: ts.URL}
}
