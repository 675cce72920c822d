package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/cinder/internal/config"
	"github.com/seantiz/cinder/internal/workerclient"
)

var version = "dev"

func main() {
	cfg := config.LoadWorker()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	for _, w := range cfg.Warnings {
		logger.Warn("config: " + w)
	}
	if cfg.WorkerID == "" {
		log.Fatal("worker id is empty; set CINDER_WORKER_ID")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := workerclient.New(cfg.ServerURL, cfg.WorkerID, nil)
	agent := workerclient.NewAgent(client, workerclient.Config{
		WorkDir:     cfg.WorkDir,
		Tag:         cfg.Tag,
		Capacity:    cfg.Capacity,
		CheckinWait: cfg.CheckinWait,
		Version:     version,
	}, logger)

	if err := agent.Run(ctx); err != nil {
		log.Fatalf("worker error: %v", err)
	}
}
