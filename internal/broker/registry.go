package broker

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/cinder/internal/model"
)

type session struct {
	id          string
	info        model.WorkerInfo
	lastCheckin time.Time
	// lastReport is when the most recent checkin, and its run list, began.
	lastReport time.Time

	// assigned maps bundle UUID to the resources reserved for it.
	assigned map[string]model.Resources
	// seen holds when each assigned bundle was dispatched or last listed
	// in a checkin.
	seen  map[string]time.Time
	queue []*Message

	// wake is signalled when a message is enqueued.
	wake chan struct{}
	// waiter is closed to release the currently suspended checkin.
	waiter chan struct{}
}

// Expired describes a session evicted for missing its heartbeat.
type Expired struct {
	WorkerID string
	Bundles  []string
	Dropped  int
}

// Registry holds worker sessions. Sessions are created on first checkin and
// evicted when a worker misses its heartbeat deadline. Only the Broker
// mutates sessions; other components read snapshots.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	seq      uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// Snapshot returns the scheduling view of every live session, sorted by worker ID.
func (r *Registry) Snapshot() []model.WorkerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.WorkerSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// Get returns the snapshot of one session.
func (r *Registry) Get(workerID string) (model.WorkerSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[workerID]
	if !ok {
		return model.WorkerSnapshot{}, false
	}
	return s.snapshot(), true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (s *session) snapshot() model.WorkerSnapshot {
	free := s.info.Capacity
	bundles := make([]string, 0, len(s.assigned))
	for uuid, res := range s.assigned {
		free = free.Sub(res)
		bundles = append(bundles, uuid)
	}
	slices.Sort(bundles)
	return model.WorkerSnapshot{
		WorkerID:    s.id,
		Tag:         s.info.Tag,
		Capacity:    s.info.Capacity,
		Free:        free,
		Bundles:     bundles,
		Pending:     len(s.queue),
		LastCheckin: s.lastCheckin,
	}
}

// checkin creates or refreshes a session and installs a new waiter,
// releasing any checkin that was still suspended for the same worker.
func (r *Registry) checkin(workerID string, info model.WorkerInfo, now time.Time) (*session, chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[workerID]
	if !ok {
		s = &session{
			id:       workerID,
			assigned: make(map[string]model.Resources),
			wake:     make(chan struct{}, 1),
		}
		r.sessions[workerID] = s
	}
	for _, run := range info.Runs {
		if _, ok := s.assigned[run.BundleUUID]; ok {
			s.seen[run.BundleUUID] = now
		}
	}
	s.info = info
	s.info.Runs = nil
	s.lastCheckin = now
	s.lastReport = now

	if s.waiter != nil {
		close(s.waiter)
	}
	waiter := make(chan struct{})
	s.waiter = waiter
	return s, waiter, !ok
}

// endWait clears waiter if it is still the session's current one. A checkin
// that was held open counts as a heartbeat until it returns.
func (r *Registry) endWait(workerID string, waiter chan struct{}, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[workerID]
	if !ok {
		return
	}
	if now.After(s.lastCheckin) {
		s.lastCheckin = now
	}
	if s.waiter == waiter {
		s.waiter = nil
	}
}

func (r *Registry) enqueue(workerID string, msg *Message, front bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[workerID]
	if !ok {
		return false
	}
	if msg.Seq == 0 {
		r.seq++
		msg.Seq = r.seq
	}
	msg.workerID = workerID
	if front {
		s.queue = append([]*Message{msg}, s.queue...)
	} else {
		s.queue = append(s.queue, msg)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Registry) pop(workerID string) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[workerID]
	if !ok || len(s.queue) == 0 {
		return nil
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg
}

func (r *Registry) assign(workerID, bundleUUID string, req model.Resources, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[workerID]
	if !ok {
		return false
	}
	s.assigned[bundleUUID] = req
	if _, ok := s.seen[bundleUUID]; !ok {
		s.seen[bundleUUID] = now
	}
	return true
}

func (r *Registry) release(workerID, bundleUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[workerID]; ok {
		delete(s.assigned, bundleUUID)
		delete(s.seen, bundleUUID)
	}
}

// unreported returns, per worker, the assigned bundles missing from every
// checkin that began more than grace after they were dispatched or last
// listed.
func (r *Registry) unreported(grace time.Duration) map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string)
	for id, s := range r.sessions {
		for uuid := range s.assigned {
			if s.lastReport.Sub(s.seen[uuid]) > grace {
				out[id] = append(out[id], uuid)
			}
		}
		slices.Sort(out[id])
	}
	return out
}

// expire evicts sessions whose last checkin is older than deadline. A
// session with a checkin still suspended is live however long it waits.
func (r *Registry) expire(deadline time.Time) []Expired {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Expired
	for id, s := range r.sessions {
		if s.waiter != nil || !s.lastCheckin.Before(deadline) {
			continue
		}
		bundles := make([]string, 0, len(s.assigned))
		for uuid := range s.assigned {
			bundles = append(bundles, uuid)
		}
		slices.Sort(bundles)
		out = append(out, Expired{WorkerID: id, Bundles: bundles, Dropped: len(s.queue)})
		if s.waiter != nil {
			close(s.waiter)
			s.waiter = nil
		}
		delete(r.sessions, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}
