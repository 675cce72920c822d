// Package dispatch matches staged run bundles to worker sessions.
package dispatch

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/cinder/internal/broker"
	"github.com/seantiz/cinder/internal/model"
	"github.com/seantiz/cinder/internal/store"
)

const defaultInterval = 2 * time.Second

// Lifecycle is the part of the bundle state machine the dispatcher drives.
type Lifecycle interface {
	Get(ctx context.Context, uuid string) (*model.Bundle, error)
	StageReady(ctx context.Context) (int, error)
	Assign(ctx context.Context, uuid, workerID string) (*model.Bundle, error)
	WorkerLost(ctx context.Context, uuid, workerID string) error
	Kill(ctx context.Context, uuid, reason string) (*model.Bundle, error)
	Staged() <-chan struct{}
}

// Catalog lists bundles and their locations.
type Catalog interface {
	ListBundles(ctx context.Context, f store.BundleFilter) ([]*model.Bundle, error)
	ListLocations(ctx context.Context, bundleUUID string) ([]*model.BundleLocation, error)
}

// Dispatcher runs scheduling passes on an interval and whenever bundles
// become staged.
type Dispatcher struct {
	machine  Lifecycle
	catalog  Catalog
	broker   *broker.Broker
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	// pass serializes scheduling passes.
	pass sync.Mutex

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher. A non-positive interval selects the default.
func New(m Lifecycle, c Catalog, b *broker.Broker, logger *slog.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Dispatcher{
		machine:  m,
		catalog:  c,
		broker:   b,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the background loop. Stop must be called to release it.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Go(func() { d.loop(ctx) })
	d.logger.Info("dispatcher started", "interval", d.interval)
}

// Stop ends the background loop and waits for the current pass.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Kick requests a pass as soon as possible.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		case <-d.machine.Staged():
		}
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch pass failed", "error", err)
		}
	}
}

// RunOnce performs one full scheduling pass and returns the number of
// bundles dispatched.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	d.pass.Lock()
	defer d.pass.Unlock()

	start := time.Now()
	defer func() { passDuration.Observe(time.Since(start).Seconds()) }()

	d.expireSessions(ctx)
	if err := d.reconcile(ctx); err != nil {
		return 0, err
	}
	if _, err := d.machine.StageReady(ctx); err != nil {
		return 0, err
	}
	return d.schedule(ctx)
}

// expireSessions evicts silent workers and revokes their assignments.
func (d *Dispatcher) expireSessions(ctx context.Context) {
	for _, e := range d.broker.Expire() {
		for _, uuid := range e.Bundles {
			if err := d.machine.WorkerLost(ctx, uuid, e.WorkerID); err != nil {
				d.logger.Error("revoke assignment", "bundle_uuid", uuid, "worker_id", e.WorkerID, "error", err)
			}
		}
	}
}

// reconcile drops session reservations the state machine no longer backs,
// revokes runs a live worker has stopped reporting and revokes assignments
// to workers that have no session, such as after a server restart.
func (d *Dispatcher) reconcile(ctx context.Context) error {
	if err := d.revokeUnreported(ctx); err != nil {
		return err
	}
	sessions := d.broker.Registry().Snapshot()
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.WorkerID] = true
		for _, uuid := range s.Bundles {
			b, err := d.machine.Get(ctx, uuid)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return err
			}
			if b == nil || b.WorkerID != s.WorkerID || !model.IsAssigned(b.State) {
				d.broker.Release(s.WorkerID, uuid)
			}
		}
	}

	assigned, err := d.catalog.ListBundles(ctx, store.BundleFilter{
		States: []string{model.StatePreparing, model.StateRunning, model.StateFinalizing},
	})
	if err != nil {
		return err
	}
	grace := d.broker.Config().HeartbeatTimeout
	for _, b := range assigned {
		if live[b.WorkerID] || d.now().Sub(b.UpdatedAt) < grace {
			continue
		}
		d.logger.Warn("bundle assigned to unknown worker", "bundle_uuid", b.UUID, "worker_id", b.WorkerID)
		if err := d.machine.WorkerLost(ctx, b.UUID, b.WorkerID); err != nil {
			d.logger.Error("revoke orphaned assignment", "bundle_uuid", b.UUID, "error", err)
		}
	}
	return nil
}

// revokeUnreported returns to staged every preparing or running bundle that
// its worker kept checking in without listing, such as when the run message
// never arrived or the worker restarted under the same ID.
func (d *Dispatcher) revokeUnreported(ctx context.Context) error {
	for workerID, uuids := range d.broker.Unreported() {
		for _, uuid := range uuids {
			b, err := d.machine.Get(ctx, uuid)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return err
			}
			if b == nil || b.WorkerID != workerID {
				continue
			}
			if b.State != model.StatePreparing && b.State != model.StateRunning {
				continue
			}
			d.logger.Warn("worker stopped reporting bundle", "bundle_uuid", uuid, "worker_id", workerID, "state", b.State)
			d.broker.Release(workerID, uuid)
			if err := d.machine.WorkerLost(ctx, uuid, workerID); err != nil {
				d.logger.Error("revoke unreported run", "bundle_uuid", uuid, "worker_id", workerID, "error", err)
			}
		}
	}
	return nil
}

// schedule assigns staged bundles in creation order to the least loaded
// worker that has room for them.
func (d *Dispatcher) schedule(ctx context.Context) (int, error) {
	staged, err := d.catalog.ListBundles(ctx, store.BundleFilter{States: []string{model.StateStaged}})
	if err != nil {
		return 0, err
	}
	if len(staged) == 0 {
		return 0, nil
	}
	workers := d.broker.Registry().Snapshot()
	if len(workers) == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, b := range staged {
		idx := pickWorker(workers, b)
		if idx < 0 {
			continue
		}
		w := &workers[idx]
		if err := d.dispatchTo(ctx, b, w.WorkerID); err != nil {
			d.logger.Error("dispatch bundle", "bundle_uuid", b.UUID, "worker_id", w.WorkerID, "error", err)
			continue
		}
		w.Free = w.Free.Sub(b.Resources)
		w.Bundles = append(w.Bundles, b.UUID)
		dispatched++
	}
	if dispatched > 0 {
		bundlesDispatched.Add(float64(dispatched))
	}
	return dispatched, nil
}

// pickWorker returns the index of the worker with the fewest assigned
// bundles among those whose tag matches and whose free resources fit b.
// Ties go to the lowest worker ID. It returns -1 if none qualifies.
func pickWorker(workers []model.WorkerSnapshot, b *model.Bundle) int {
	best := -1
	for i, w := range workers {
		if b.Tag != "" && b.Tag != w.Tag {
			continue
		}
		if !b.Resources.Fits(w.Free) {
			continue
		}
		if best < 0 || w.Load() < workers[best].Load() ||
			(w.Load() == workers[best].Load() && w.WorkerID < workers[best].WorkerID) {
			best = i
		}
	}
	return best
}

func (d *Dispatcher) dispatchTo(ctx context.Context, b *model.Bundle, workerID string) error {
	deps, err := d.resolveDependencies(ctx, b)
	if err != nil {
		return err
	}
	assigned, err := d.machine.Assign(ctx, b.UUID, workerID)
	if err != nil {
		return err
	}
	req := model.RunRequest{Bundle: assigned, Token: assigned.AssignToken, Dependencies: deps}
	if _, err := d.broker.Dispatch(workerID, b.UUID, assigned.Resources, req); err != nil {
		if lerr := d.machine.WorkerLost(ctx, b.UUID, workerID); lerr != nil {
			d.logger.Error("revoke failed dispatch", "bundle_uuid", b.UUID, "error", lerr)
		}
		return err
	}
	d.logger.Info("bundle dispatched", "bundle_uuid", b.UUID, "worker_id", workerID, "token", assigned.AssignToken)
	return nil
}

// resolveDependencies attaches the most recent location of each parent.
func (d *Dispatcher) resolveDependencies(ctx context.Context, b *model.Bundle) ([]model.RunDependency, error) {
	out := make([]model.RunDependency, 0, len(b.Dependencies))
	for _, dep := range b.Dependencies {
		locs, err := d.catalog.ListLocations(ctx, dep.ParentUUID)
		if err != nil {
			return nil, err
		}
		rd := model.RunDependency{Dependency: dep}
		if len(locs) > 0 {
			rd.Location = slices.MaxFunc(locs, func(a, b *model.BundleLocation) int {
				return cmp.Compare(a.ID, b.ID)
			})
		}
		out = append(out, rd)
	}
	return out, nil
}

// Kill fails uuid and tells the worker holding it, if any, to stop.
func (d *Dispatcher) Kill(ctx context.Context, uuid, reason string) (*model.Bundle, error) {
	b, err := d.machine.Kill(ctx, uuid, reason)
	if err != nil {
		return nil, err
	}
	if b.WorkerID == "" {
		return b, nil
	}
	d.broker.Release(b.WorkerID, uuid)
	if _, err := d.broker.Send(b.WorkerID, broker.MsgKill, uuid, model.KillRequest{Reason: b.ErrorMsg}); err != nil {
		d.logger.Warn("kill message not queued", "bundle_uuid", uuid, "worker_id", b.WorkerID, "error", err)
	}
	return b, nil
}
