package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/cinder/internal/archive"
	"github.com/seantiz/cinder/internal/broker"
	"github.com/seantiz/cinder/internal/model"
)

const (
	defaultCheckinWait = 30 * time.Second
	retryBackoff       = time.Second

	stdoutFile = "stdout"
	stderrFile = "stderr"
)

// Run statuses reported in run_status.
const (
	StatusPreparing = "Preparing"
	StatusRunning   = "Running"
	StatusUploading = "Uploading results"
)

// Config describes the worker to the server.
type Config struct {
	WorkDir     string
	Tag         string
	Capacity    model.Resources
	CheckinWait time.Duration
	// Shell runs each bundle's command as Shell -c command. Default "sh".
	Shell string
	// Version is reported with every checkin.
	Version string
}

// Agent executes run bundles assigned to one worker.
type Agent struct {
	client *Client
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*run

	wg sync.WaitGroup
}

type run struct {
	uuid    string
	command string
	dir     string
	deps    []string
	cancel  context.CancelFunc
	report  model.RunReport
}

// NewAgent creates an agent. Work directories are created under cfg.WorkDir.
func NewAgent(client *Client, cfg Config, logger *slog.Logger) *Agent {
	if cfg.CheckinWait <= 0 {
		cfg.CheckinWait = defaultCheckinWait
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if abs, err := filepath.Abs(cfg.WorkDir); err == nil {
		cfg.WorkDir = abs
	}
	return &Agent{
		client: client,
		cfg:    cfg,
		logger: logger.With("worker_id", client.WorkerID()),
		runs:   make(map[string]*run),
	}
}

// Run checks in until ctx is cancelled, then waits for in-flight work to
// stop. Running commands are killed on cancellation.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	a.logger.Info("worker started", "server", a.client.base, "capacity", a.cfg.Capacity, "tag", a.cfg.Tag)

	for ctx.Err() == nil {
		if err := a.checkin(ctx, a.cfg.CheckinWait); err != nil && ctx.Err() == nil {
			a.logger.Warn("checkin failed", "error", err)
			sleep(ctx, retryBackoff)
		}
	}
	a.wg.Wait()
	a.logger.Info("worker stopped")
	return nil
}

// Active returns the UUIDs of bundles the agent is currently holding.
func (a *Agent) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.runs))
	for id := range a.runs {
		out = append(out, id)
	}
	return out
}

func (a *Agent) info() model.WorkerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := model.WorkerInfo{Tag: a.cfg.Tag, Capacity: a.cfg.Capacity, Version: a.cfg.Version}
	for _, r := range a.runs {
		info.Runs = append(info.Runs, r.report)
	}
	return info
}

// checkin sends one checkin carrying the current run reports and handles
// the message it returns, if any. A checkin from a run goroutine supersedes
// the suspended long poll, which then returns empty.
func (a *Agent) checkin(ctx context.Context, wait time.Duration) error {
	msg, err := a.client.Checkin(ctx, a.info(), wait)
	if err != nil {
		return err
	}
	if msg != nil {
		a.handle(ctx, msg)
	}
	return nil
}

func (a *Agent) handle(ctx context.Context, msg *broker.Message) {
	log := a.logger.With("type", msg.Type, "bundle_uuid", msg.BundleUUID)
	switch msg.Type {
	case broker.MsgRun:
		var req model.RunRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Bundle == nil {
			log.Error("malformed run message", "error", err)
			return
		}
		a.start(ctx, &req)
	case broker.MsgKill:
		var req model.KillRequest
		_ = json.Unmarshal(msg.Payload, &req)
		a.kill(msg.BundleUUID, req.Reason)
	case broker.MsgRead:
		a.wg.Go(func() { a.serveRead(ctx, msg) })
	case broker.MsgStat:
		a.wg.Go(func() { a.serveStat(ctx, msg) })
	default:
		log.Warn("unknown message type")
	}
}

func (a *Agent) start(ctx context.Context, req *model.RunRequest) {
	b := req.Bundle
	a.mu.Lock()
	if _, ok := a.runs[b.UUID]; ok {
		a.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		uuid:    b.UUID,
		command: b.Command,
		dir:     filepath.Join(a.cfg.WorkDir, b.UUID),
		cancel:  cancel,
		report:  model.RunReport{BundleUUID: b.UUID, State: model.StatePreparing, RunStatus: StatusPreparing},
	}
	a.runs[b.UUID] = r
	a.mu.Unlock()

	a.logger.Info("run received", "bundle_uuid", b.UUID, "token", req.Token)
	a.wg.Go(func() {
		defer cancel()
		a.execute(runCtx, r, req)
	})
}

func (a *Agent) kill(uuid, reason string) {
	a.mu.Lock()
	r, ok := a.runs[uuid]
	delete(a.runs, uuid)
	a.mu.Unlock()
	if !ok {
		return
	}
	a.logger.Info("run killed", "bundle_uuid", uuid, "reason", reason)
	r.cancel()
}

func (a *Agent) lookup(uuid string) *run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs[uuid]
}

func (a *Agent) update(r *run, fn func(*model.RunReport)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&r.report)
}

func (a *Agent) drop(r *run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs[r.uuid] == r {
		delete(a.runs, r.uuid)
	}
}

// execute prepares dependencies, claims the run, executes the command and
// uploads the results. A cancelled ctx abandons the run without upload.
func (a *Agent) execute(ctx context.Context, r *run, req *model.RunRequest) {
	log := a.logger.With("bundle_uuid", r.uuid)
	defer os.RemoveAll(r.dir)
	defer a.drop(r)

	prepErr := a.prepare(ctx, r, req.Dependencies)
	if ctx.Err() != nil {
		return
	}

	started, err := a.client.StartBundle(ctx, r.uuid, req.Token)
	if err != nil || !started {
		log.Info("run not started", "started", started, "error", err)
		return
	}

	var failure string
	exitCode := 0
	if prepErr != nil {
		failure = prepErr.Error()
		exitCode = -1
	} else {
		a.update(r, func(rep *model.RunReport) {
			rep.State = model.StateRunning
			rep.RunStatus = StatusRunning
		})
		exitCode, err = a.runCommand(ctx, r)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			failure = err.Error()
		case exitCode != 0:
			failure = fmt.Sprintf("command exited with code %d", exitCode)
		}
	}
	log.Info("run finished", "exit_code", exitCode, "failure", failure)

	a.update(r, func(rep *model.RunReport) {
		rep.State = model.StateFinalizing
		rep.RunStatus = StatusUploading
		rep.ExitCode = &exitCode
		rep.FailureMessage = failure
	})
	// The finalizing report must land before the upload finalizes the bundle.
	for {
		err := a.checkin(ctx, 0)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("report finalizing", "error", err)
		sleep(ctx, retryBackoff)
	}

	for _, d := range r.deps {
		os.RemoveAll(d)
	}
	if err := a.upload(ctx, r); err != nil {
		log.Error("upload results", "error", err)
	}
}

// prepare materializes every dependency under the run directory.
func (a *Agent) prepare(ctx context.Context, r *run, deps []model.RunDependency) error {
	if err := os.RemoveAll(r.dir); err != nil {
		return fmt.Errorf("clean run dir: %w", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	for _, d := range deps {
		target, err := within(r.dir, d.ChildPath)
		if err != nil || target == r.dir {
			return fmt.Errorf("dependency %s: invalid child path %q", d.ParentUUID, d.ChildPath)
		}
		r.deps = append(r.deps, target)
		var locID int64
		if d.Location != nil {
			locID = d.Location.ID
		}
		if err := a.fetchDependency(ctx, d.ParentUUID, d.ParentPath, locID, target); err != nil {
			return fmt.Errorf("dependency %s: %w", d.ParentUUID, err)
		}
	}
	return nil
}

func (a *Agent) fetchDependency(ctx context.Context, uuid, p string, locID int64, target string) error {
	dl, err := a.client.Download(ctx, uuid, p, locID)
	if err != nil {
		return err
	}
	defer dl.Body.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if dl.Archive {
		return archive.Unpack(dl.Body, archive.FormatTarGz, target)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, dl.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// runCommand runs the bundle command in its directory with stdout and
// stderr captured to files there.
func (a *Agent) runCommand(ctx context.Context, r *run) (int, error) {
	stdout, err := os.Create(filepath.Join(r.dir, stdoutFile))
	if err != nil {
		return -1, fmt.Errorf("create stdout: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(r.dir, stderrFile))
	if err != nil {
		return -1, fmt.Errorf("create stderr: %w", err)
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, a.cfg.Shell, "-c", r.command)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), "CINDER_BUNDLE_UUID="+r.uuid)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("start command: %w", err)
	}
	return 0, nil
}

func (a *Agent) upload(ctx context.Context, r *run) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.PackDir(pw, r.dir))
	}()
	defer pr.Close()
	res, err := a.client.Upload(ctx, r.uuid, pr, UploadOptions{
		Filename:          r.uuid + ".tar.gz",
		Unpack:            true,
		FinalizeOnFailure: true,
	})
	if err != nil {
		return err
	}
	a.logger.Info("results uploaded", "bundle_uuid", r.uuid, "state", res.Bundle.State, "size", res.Size)
	return nil
}

// within joins relPath under baseDir and rejects paths that escape it.
func within(baseDir, relPath string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Join(absBase, filepath.FromSlash(relPath))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) && cleaned != absBase {
		return "", fmt.Errorf("path %q escapes the bundle directory", relPath)
	}
	return cleaned, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
