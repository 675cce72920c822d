package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/cinder/internal/app"
	"github.com/seantiz/cinder/internal/config"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	for _, w := range cfg.Warnings {
		logger.Warn("config: " + w)
	}

	logger.Info("cinder: starting",
		"listen_addr", cfg.ListenAddr,
		"bundle_root", cfg.BundleRoot,
		"stores_file", cfg.StoresFile,
		"amqp", cfg.AMQPURL != "",
	)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer a.Close()

	a.Start(ctx)
	if err := a.Server.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
