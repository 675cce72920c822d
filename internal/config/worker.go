package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/seantiz/cinder/internal/model"
)

const (
	defaultServerURL = "http://localhost:8080"
	defaultWorkDir   = "cinder-work"

	envServerURL      = "CINDER_SERVER_URL"
	envWorkerID       = "CINDER_WORKER_ID"
	envWorkerTag      = "CINDER_WORKER_TAG"
	envWorkerCPUs     = "CINDER_WORKER_CPUS"
	envWorkerMemoryMB = "CINDER_WORKER_MEMORY_MB"
	envWorkerGPUs     = "CINDER_WORKER_GPUS"
	envWorkDir        = "CINDER_WORK_DIR"
)

// WorkerConfig configures the cinder-worker agent.
type WorkerConfig struct {
	ServerURL   string
	WorkerID    string
	Tag         string
	Capacity    model.Resources
	WorkDir     string
	CheckinWait time.Duration
	LogLevel    slog.Level

	Warnings []string
}

// LoadWorker reads worker configuration from the environment. The worker ID
// defaults to the host name and capacity to the host's CPU count.
func LoadWorker() WorkerConfig {
	cfg := WorkerConfig{
		ServerURL:   defaultServerURL,
		WorkDir:     defaultWorkDir,
		CheckinWait: defaultCheckinWait,
		LogLevel:    slog.LevelInfo,
		Capacity:    model.Resources{CPUs: runtime.NumCPU()},
	}
	if host, err := os.Hostname(); err == nil {
		cfg.WorkerID = host
	}

	if v := os.Getenv(envServerURL); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv(envWorkerID); v != "" {
		cfg.WorkerID = v
	}
	cfg.Tag = os.Getenv(envWorkerTag)
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	cfg.integer(envWorkerCPUs, func(n int64) { cfg.Capacity.CPUs = int(n) })
	cfg.integer(envWorkerMemoryMB, func(n int64) { cfg.Capacity.MemoryMB = n })
	cfg.integer(envWorkerGPUs, func(n int64) { cfg.Capacity.GPUs = int(n) })

	if v := os.Getenv(envCheckinWait); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CheckinWait = d
		} else {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s=%q is not a positive duration, using %s", envCheckinWait, v, cfg.CheckinWait))
		}
	}
	return cfg
}

func (c *WorkerConfig) integer(env string, set func(int64)) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s=%q is not a non-negative integer, ignored", env, v))
		return
	}
	set(n)
}
