// Package lifecycle owns bundle state. Every state change and every
// worker assignment goes through Machine, which validates it against the
// transition table, persists it, updates the dependency graph cache and
// publishes an event.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/cinder/internal/depgraph"
	"github.com/seantiz/cinder/internal/events"
	"github.com/seantiz/cinder/internal/model"
	"github.com/seantiz/cinder/internal/store"
)

// Metadata keys written by the machine.
const (
	MetaRunStatus      = "run_status"
	MetaExitCode       = "exitcode"
	MetaFailureMessage = "failure_message"
	MetaDataSize       = "data_size"
)

// CascadePolicy decides whether the failure of a bundle propagates to one of
// its transitive dependents.
type CascadePolicy func(failed, dependent *model.Bundle) bool

// DefaultCascade fails every dependent that is not terminal and not yet
// bound to a worker.
func DefaultCascade(_, dependent *model.Bundle) bool {
	return !model.IsTerminal(dependent.State) && !model.IsAssigned(dependent.State)
}

// NoCascade never propagates failures.
func NoCascade(_, _ *model.Bundle) bool { return false }

// Option configures a Machine.
type Option func(*Machine)

// WithCascadePolicy overrides DefaultCascade.
func WithCascadePolicy(p CascadePolicy) Option {
	return func(m *Machine) { m.cascade = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Outcome is the result of an upload or a run, applied by Finalize.
type Outcome struct {
	Success  bool
	ErrorMsg string
	DataHash string
	IsDir    *bool
	DataSize *int64
}

// Machine is the single writer of bundle state and assignment tokens.
// Mutations are serialized by one mutex, which makes check-and-set
// operations such as Start atomic.
type Machine struct {
	mu      sync.Mutex
	store   store.Store
	graph   *depgraph.Graph
	events  events.Publisher
	logger  *slog.Logger
	cascade CascadePolicy
	now     func() time.Time

	// writing holds bundles with an in-progress content write.
	writing map[string]bool

	staged chan struct{}
}

// New creates a Machine.
func New(s store.Store, g *depgraph.Graph, pub events.Publisher, logger *slog.Logger, opts ...Option) *Machine {
	if pub == nil {
		pub = events.Nop{}
	}
	m := &Machine{
		store:   s,
		graph:   g,
		events:  pub,
		logger:  logger,
		cascade: DefaultCascade,
		now:     func() time.Time { return time.Now().UTC() },
		writing: make(map[string]bool),
		staged:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Graph returns the dependency graph the machine keeps in sync.
func (m *Machine) Graph() *depgraph.Graph {
	return m.graph
}

// Staged receives a signal whenever at least one bundle became staged.
func (m *Machine) Staged() <-chan struct{} {
	return m.staged
}

// Load rebuilds the dependency graph from the store. Bundles are replayed in
// creation order.
func (m *Machine) Load(ctx context.Context) error {
	bundles, err := m.store.ListBundles(ctx, store.BundleFilter{})
	if err != nil {
		return fmt.Errorf("load bundles: %w", err)
	}
	for _, b := range bundles {
		if err := m.graph.AddBundle(b.UUID, b.Command, b.State, b.Dependencies); err != nil {
			m.logger.Warn("skip bundle while loading graph", "bundle_uuid", b.UUID, "error", err)
		}
	}
	m.logger.Info("dependency graph loaded", "bundles", m.graph.Len())
	return nil
}

// Get returns a bundle by UUID.
func (m *Machine) Get(ctx context.Context, uuid string) (*model.Bundle, error) {
	b, err := m.store.GetBundle(ctx, uuid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.NotFoundf("bundle %s not found", uuid)
	}
	return b, err
}

// FindMemoized returns an existing bundle with the same command and dependencies.
func (m *Machine) FindMemoized(ctx context.Context, command string, deps []model.Dependency) (*model.Bundle, bool, error) {
	uuid, ok := m.graph.FindMemoized(command, deps)
	if !ok {
		return nil, false, nil
	}
	b, err := m.Get(ctx, uuid)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Create validates and persists a new bundle in the created state. A run
// bundle whose dependencies are all ready is staged immediately.
func (m *Machine) Create(ctx context.Context, b *model.Bundle) (*model.Bundle, error) {
	switch b.BundleType {
	case model.BundleTypeRun:
		if b.Command == "" {
			return nil, model.Validationf("run bundles require a command")
		}
	case model.BundleTypeDataset:
		if len(b.Dependencies) > 0 {
			return nil, model.Validationf("dataset bundles cannot have dependencies")
		}
	default:
		return nil, model.Validationf("unknown bundle type %q", b.BundleType)
	}
	if b.Resources.CPUs < 0 || b.Resources.MemoryMB < 0 || b.Resources.GPUs < 0 {
		return nil, model.Validationf("resource requests must not be negative")
	}

	b = b.Clone()
	if b.UUID == "" {
		b.UUID = model.NewID()
	}
	now := m.now()
	b.State = model.StateCreated
	b.StateDetails = model.StateDescription(b.BundleType, b.State)
	b.ErrorMsg = ""
	b.WorkerID = ""
	b.AssignToken = 0
	b.FrozenAt = nil
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.Metadata == nil {
		b.Metadata = map[string]any{}
	}
	if b.Dependencies == nil {
		b.Dependencies = []model.Dependency{}
	}
	for i := range b.Dependencies {
		b.Dependencies[i].ChildUUID = b.UUID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range b.Dependencies {
		if _, err := m.store.GetBundle(ctx, d.ParentUUID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, model.NotFoundf("parent bundle %s not found", d.ParentUUID)
			}
			return nil, fmt.Errorf("get parent %s: %w", d.ParentUUID, err)
		}
	}

	if err := m.graph.AddBundle(b.UUID, b.Command, b.State, b.Dependencies); err != nil {
		return nil, err
	}
	if err := m.store.CreateBundle(ctx, b); err != nil {
		m.graph.Remove(b.UUID)
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, model.Conflictf("bundle %s already exists", b.UUID)
		}
		return nil, fmt.Errorf("create bundle: %w", err)
	}
	m.publish(ctx, events.NewStateChange(b.UUID, "", model.StateCreated), b)

	m.logger.Info("bundle created", "bundle_uuid", b.UUID, "bundle_type", b.BundleType, "dependencies", len(b.Dependencies))

	if b.BundleType == model.BundleTypeRun {
		if err := m.evaluateLocked(ctx, b); err != nil {
			return nil, err
		}
	}
	return b.Clone(), nil
}

// StageReady moves every created run bundle whose dependencies are ready to
// staged and fails those with a failed dependency. It returns the number of
// bundles staged.
func (m *Machine) StageReady(ctx context.Context) (int, error) {
	created, err := m.store.ListBundles(ctx, store.BundleFilter{
		States:     []string{model.StateCreated},
		BundleType: model.BundleTypeRun,
	})
	if err != nil {
		return 0, fmt.Errorf("list created bundles: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, b := range created {
		cur, err := m.loadLocked(ctx, b.UUID)
		if err != nil {
			return n, err
		}
		if cur.State != model.StateCreated {
			continue
		}
		if err := m.evaluateLocked(ctx, cur); err != nil {
			return n, err
		}
		if cur.State == model.StateStaged {
			n++
		}
	}
	return n, nil
}

// evaluateLocked stages b if its dependencies are ready or fails it if one
// of them failed. b is updated in place.
func (m *Machine) evaluateLocked(ctx context.Context, b *model.Bundle) error {
	if b.State != model.StateCreated || b.BundleType != model.BundleTypeRun {
		return nil
	}
	if m.graph.IsReady(b.UUID) {
		if err := m.transitionLocked(ctx, b, model.StateStaged, "", nil); err != nil {
			return err
		}
		m.signalStaged()
		return nil
	}
	if parent, ok := m.graph.FailedParent(b.UUID); ok {
		failed, err := m.loadLocked(ctx, parent)
		if err != nil {
			return err
		}
		if m.cascade(failed, b) {
			return m.transitionLocked(ctx, b, model.StateFailed, dependencyFailedReason(parent), nil)
		}
	}
	return nil
}

func (m *Machine) signalStaged() {
	select {
	case m.staged <- struct{}{}:
	default:
	}
}

// AcquireWrite reserves the single content-writer slot for uuid. A dataset
// bundle in the created state moves to uploading. The returned release
// function must be called when the write ends.
func (m *Machine) AcquireWrite(ctx context.Context, uuid string) (*model.Bundle, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadLocked(ctx, uuid)
	if err != nil {
		return nil, nil, err
	}
	if b.Frozen() {
		return nil, nil, model.Conflictf("bundle %s is frozen", uuid)
	}
	if model.IsTerminal(b.State) {
		return nil, nil, model.Conflictf("bundle %s is already %s", uuid, b.State)
	}
	if m.writing[uuid] {
		return nil, nil, model.Conflictf("bundle %s already has a write in progress", uuid)
	}
	if b.BundleType == model.BundleTypeDataset && b.State == model.StateCreated {
		if err := m.transitionLocked(ctx, b, model.StateUploading, "", nil); err != nil {
			return nil, nil, err
		}
	}
	m.writing[uuid] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.writing, uuid)
			m.mu.Unlock()
		})
	}
	return b.Clone(), release, nil
}

// Finalize applies the outcome of an upload or a run. Datasets move from
// created or uploading, run bundles from running or finalizing, to ready or failed.
func (m *Machine) Finalize(ctx context.Context, uuid string, out Outcome) (*model.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadLocked(ctx, uuid)
	if err != nil {
		return nil, err
	}

	if !Finalizable(b) {
		return nil, model.Conflictf("bundle %s cannot be finalized from state %s", uuid, b.State)
	}
	var path []string
	switch b.State {
	case model.StateCreated:
		path = []string{model.StateUploading}
	case model.StateRunning:
		path = []string{model.StateFinalizing}
	}

	target := model.StateReady
	reason := ""
	if !out.Success {
		target = model.StateFailed
		reason = out.ErrorMsg
		if reason == "" {
			reason = "upload failed"
		}
	} else if msg, _ := b.Metadata[MetaFailureMessage].(string); msg != "" {
		target = model.StateFailed
		reason = msg
	}

	for _, step := range path {
		if err := m.transitionLocked(ctx, b, step, "", nil); err != nil {
			return nil, err
		}
	}
	err = m.transitionLocked(ctx, b, target, reason, func(b *model.Bundle) {
		if out.DataHash != "" {
			b.DataHash = out.DataHash
		}
		if out.IsDir != nil {
			b.IsDir = *out.IsDir
		}
		if out.DataSize != nil {
			b.Metadata[MetaDataSize] = *out.DataSize
		}
	})
	if err != nil {
		return nil, err
	}

	if err := m.afterTerminalLocked(ctx, b); err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// Finalizable reports whether Finalize accepts b in its current state.
func Finalizable(b *model.Bundle) bool {
	switch b.BundleType {
	case model.BundleTypeDataset:
		return b.State == model.StateCreated || b.State == model.StateUploading
	case model.BundleTypeRun:
		return b.State == model.StateRunning || b.State == model.StateFinalizing
	}
	return false
}

// Assign binds a staged bundle to workerID and issues a new assignment token.
func (m *Machine) Assign(ctx context.Context, uuid, workerID string) (*model.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadLocked(ctx, uuid)
	if err != nil {
		return nil, err
	}
	err = m.transitionLocked(ctx, b, model.StatePreparing, "", func(b *model.Bundle) {
		b.WorkerID = workerID
		b.AssignToken++
	})
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// Start moves a preparing bundle to running if workerID holds the current
// assignment under token. It reports whether this caller won.
func (m *Machine) Start(ctx context.Context, uuid, workerID string, token int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadLocked(ctx, uuid)
	if err != nil {
		return false, err
	}
	if b.State != model.StatePreparing || b.WorkerID != workerID || token != b.AssignToken {
		return false, nil
	}
	now := m.now()
	err = m.transitionLocked(ctx, b, model.StateRunning, "", func(b *model.Bundle) {
		b.StartedAt = &now
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReportRun applies a worker's progress report. Reports for bundles the
// worker no longer holds are rejected with a conflict error so the worker
// can discard them.
func (m *Machine) ReportRun(ctx context.Context, workerID string, r model.RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadLocked(ctx, r.BundleUUID)
	if err != nil {
		return err
	}
	if b.WorkerID != workerID || !model.IsAssigned(b.State) {
		return model.Conflictf("bundle %s is no longer assigned to worker %s", r.BundleUUID, workerID)
	}

	apply := func(b *model.Bundle) {
		if r.RunStatus != "" {
			b.Metadata[MetaRunStatus] = r.RunStatus
		}
		if r.ExitCode != nil {
			b.Metadata[MetaExitCode] = *r.ExitCode
		}
		if r.FailureMessage != "" {
			b.Metadata[MetaFailureMessage] = r.FailureMessage
		}
	}

	if r.State == model.StateFinalizing && b.State == model.StateRunning {
		return m.transitionLocked(ctx, b, model.StateFinalizing, "", apply)
	}

	apply(b)
	b.UpdatedAt = m.now()
	if err := m.store.UpdateBundle(ctx, b); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// WorkerLost revokes workerID's assignment of uuid. Preparing and running
// bundles pass through worker_offline back to staged; a finalizing bundle
// fails because its results cannot be recovered. Stale calls are ignored.
func (m *Machine) WorkerLost(ctx context.Context, uuid, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadLocked(ctx, uuid)
	if err != nil {
		return err
	}
	if b.WorkerID != workerID || !model.IsAssigned(b.State) {
		return nil
	}

	if b.State == model.StateFinalizing {
		if err := m.transitionLocked(ctx, b, model.StateFailed, "worker "+workerID+" went offline during finalization", nil); err != nil {
			return err
		}
		return m.afterTerminalLocked(ctx, b)
	}

	err = m.transitionLocked(ctx, b, model.StateWorkerOffline, "worker "+workerID+" went offline", func(b *model.Bundle) {
		b.WorkerID = ""
		b.AssignToken++
		b.StartedAt = nil
		delete(b.Metadata, MetaRunStatus)
	})
	if err != nil {
		return err
	}
	if err := m.transitionLocked(ctx, b, model.StateStaged, "", nil); err != nil {
		return err
	}
	m.signalStaged()
	return nil
}

// Kill forces a non-terminal bundle to failed with reason. The returned
// bundle keeps the ID of the worker it was assigned to, if any.
func (m *Machine) Kill(ctx context.Context, uuid, reason string) (*model.Bundle, error) {
	if reason == "" {
		reason = "killed"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadLocked(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(b.State) {
		return nil, model.Conflictf("bundle %s is already %s", uuid, b.State)
	}
	if err := m.transitionLocked(ctx, b, model.StateFailed, reason, nil); err != nil {
		return nil, err
	}
	if err := m.afterTerminalLocked(ctx, b); err != nil {
		return nil, err
	}
	m.logger.Info("bundle killed", "bundle_uuid", uuid, "reason", reason)
	return b.Clone(), nil
}

// Freeze marks a terminal bundle immutable.
func (m *Machine) Freeze(ctx context.Context, uuid string) (*model.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadLocked(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if !model.IsTerminal(b.State) {
		return nil, model.Conflictf("bundle %s is %s; only final bundles can be frozen", uuid, b.State)
	}
	if b.Frozen() {
		return b, nil
	}
	now := m.now()
	b.FrozenAt = &now
	b.UpdatedAt = now
	if err := m.store.UpdateBundle(ctx, b); err != nil {
		return nil, fmt.Errorf("freeze bundle: %w", err)
	}
	return b.Clone(), nil
}

// UpdateMetadata merges patch into the bundle metadata. A nil value deletes
// the key. Frozen bundles and finalizing bundles with a write in progress
// reject updates.
func (m *Machine) UpdateMetadata(ctx context.Context, uuid string, patch map[string]any) (*model.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.loadLocked(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if b.Frozen() {
		return nil, model.Conflictf("bundle %s is frozen", uuid)
	}
	if b.State == model.StateFinalizing && m.writing[uuid] {
		return nil, model.Conflictf("bundle %s is being finalized", uuid)
	}
	for k, v := range patch {
		if v == nil {
			delete(b.Metadata, k)
			continue
		}
		b.Metadata[k] = v
	}
	b.UpdatedAt = m.now()
	if err := m.store.UpdateBundle(ctx, b); err != nil {
		return nil, fmt.Errorf("update metadata: %w", err)
	}
	return b.Clone(), nil
}

// afterTerminalLocked stages children of a ready bundle or cascades the
// failure of a failed one.
func (m *Machine) afterTerminalLocked(ctx context.Context, b *model.Bundle) error {
	switch b.State {
	case model.StateReady:
		for _, child := range m.graph.Children(b.UUID) {
			cb, err := m.loadLocked(ctx, child)
			if err != nil {
				return err
			}
			if err := m.evaluateLocked(ctx, cb); err != nil {
				return err
			}
		}
	case model.StateFailed:
		return m.cascadeLocked(ctx, b)
	}
	return nil
}

func (m *Machine) cascadeLocked(ctx context.Context, failed *model.Bundle) error {
	for _, uuid := range m.graph.Descendants(failed.UUID) {
		dep, err := m.loadLocked(ctx, uuid)
		if err != nil {
			return err
		}
		if model.IsTerminal(dep.State) || !m.cascade(failed, dep) {
			continue
		}
		if err := m.transitionLocked(ctx, dep, model.StateFailed, dependencyFailedReason(failed.UUID), nil); err != nil {
			return err
		}
	}
	return nil
}

func dependencyFailedReason(parent string) string {
	return "dependency " + parent + " failed"
}

func (m *Machine) loadLocked(ctx context.Context, uuid string) (*model.Bundle, error) {
	b, err := m.store.GetBundle(ctx, uuid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.NotFoundf("bundle %s not found", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("load bundle %s: %w", uuid, err)
	}
	return b, nil
}

// transitionLocked validates, applies and persists one state change. On
// success b reflects the new state.
func (m *Machine) transitionLocked(ctx context.Context, b *model.Bundle, to, reason string, mutate func(*model.Bundle)) error {
	from := b.State
	if !model.ValidTransition(from, to) {
		return model.Conflictf("bundle %s cannot move from %s to %s", b.UUID, from, to)
	}

	next := b.Clone()
	now := m.now()
	next.State = to
	next.StateDetails = model.StateDescription(next.BundleType, to)
	next.UpdatedAt = now
	if to == model.StateFailed && reason != "" {
		next.ErrorMsg = reason
	}
	if model.IsTerminal(to) {
		next.FinishedAt = &now
	}
	if mutate != nil {
		mutate(next)
	}

	if err := m.store.UpdateBundle(ctx, next); err != nil {
		return fmt.Errorf("persist %s -> %s for %s: %w", from, to, b.UUID, err)
	}
	*b = *next
	m.graph.SetState(b.UUID, to)
	transitionsTotal.WithLabelValues(from, to).Inc()

	ev := events.NewStateChange(b.UUID, from, to)
	ev.Reason = reason
	m.publish(ctx, ev, b)

	m.logger.Debug("bundle transition", "bundle_uuid", b.UUID, "from", from, "to", to, "reason", reason)
	return nil
}

func (m *Machine) publish(ctx context.Context, ev events.Event, b *model.Bundle) {
	ev.WorkerID = b.WorkerID
	ev.Terminal = model.IsTerminal(ev.To)
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish bundle event", "bundle_uuid", b.UUID, "to", ev.To, "error", err)
	}
}
