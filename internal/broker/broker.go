// Package broker implements the server side of the worker protocol:
// long-poll checkins with a per-worker FIFO, reply sockets for worker
// responses and atomic start_bundle confirmation.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/cinder/internal/model"
)

// Message types sent to workers.
const (
	MsgRun  = "run"
	MsgKill = "kill"
	MsgRead = "read"
	MsgStat = "stat"
)

const (
	defaultMaxCheckinWait   = 30 * time.Second
	defaultReplyTimeout     = 60 * time.Second
	defaultHeartbeatTimeout = 90 * time.Second
)

// ErrUndeliverable is returned when a reply finds no waiter before the reply timeout.
var ErrUndeliverable = &model.Error{Kind: model.ErrNotFound, Msg: "no waiter on socket"}

// Message is one entry of a worker's queue.
type Message struct {
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	BundleUUID string          `json:"bundle_uuid,omitempty"`
	SocketID   int64           `json:"socket_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`

	workerID string
}

// Tracker is the subset of the bundle state machine the broker needs.
type Tracker interface {
	Start(ctx context.Context, uuid, workerID string, token int64) (bool, error)
	ReportRun(ctx context.Context, workerID string, r model.RunReport) error
	Get(ctx context.Context, uuid string) (*model.Bundle, error)
}

// Config bounds the broker's waits.
type Config struct {
	MaxCheckinWait   time.Duration
	ReplyTimeout     time.Duration
	HeartbeatTimeout time.Duration
}

type socketKey struct {
	workerID string
	socketID int64
}

// socket is a rendezvous point. deliver is unbuffered so a reply is handed
// over only to a caller that is waiting at that moment.
type socket struct {
	deliver chan *Stream
}

// Broker mediates all traffic between the server and workers.
type Broker struct {
	reg     *Registry
	tracker Tracker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	sockets map[socketKey]*socket

	nextSocket atomic.Int64
}

// New creates a Broker over reg. Zero durations in cfg take defaults.
func New(reg *Registry, tracker Tracker, cfg Config, logger *slog.Logger) *Broker {
	if cfg.MaxCheckinWait <= 0 {
		cfg.MaxCheckinWait = defaultMaxCheckinWait
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	b := &Broker{
		reg:     reg,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		sockets: make(map[socketKey]*socket),
	}
	b.nextSocket.Store(time.Now().UnixNano() & 0xffffff)
	return b
}

// Registry returns the session registry.
func (b *Broker) Registry() *Registry {
	return b.reg
}

// Config returns the effective configuration.
func (b *Broker) Config() Config {
	return b.cfg
}

// Checkin registers a heartbeat from workerID, applies its run reports and
// waits up to wait (capped by MaxCheckinWait) for the next queued message.
// It returns nil when no message arrived. A newer checkin from the same
// worker releases this one with nil.
func (b *Broker) Checkin(ctx context.Context, workerID string, info model.WorkerInfo, wait time.Duration) (*Message, error) {
	if workerID == "" {
		return nil, model.Validationf("worker id is required")
	}
	wait = min(max(wait, 0), b.cfg.MaxCheckinWait)

	s, waiter, created := b.reg.checkin(workerID, info, b.now())
	defer func() { b.reg.endWait(workerID, waiter, b.now()) }()
	if created {
		sessionsActive.Set(float64(b.reg.Len()))
		b.logger.Info("worker connected", "worker_id", workerID, "tag", info.Tag)
	}

	b.applyReports(ctx, workerID, info.Runs)

	checkinsWaiting.Inc()
	defer checkinsWaiting.Dec()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if msg := b.reg.pop(workerID); msg != nil {
			if err := ctx.Err(); err != nil {
				b.Requeue(msg)
				return nil, err
			}
			messagesDelivered.WithLabelValues(msg.Type).Inc()
			return msg, nil
		}
		if wait == 0 {
			return nil, nil
		}
		select {
		case <-s.wake:
		case <-waiter:
			return nil, nil
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// applyReports forwards run reports to the state machine. A report for a
// bundle the worker no longer holds earns the worker a kill message.
func (b *Broker) applyReports(ctx context.Context, workerID string, runs []model.RunReport) {
	for _, r := range runs {
		err := b.tracker.ReportRun(ctx, workerID, r)
		switch {
		case err == nil:
			if bundle, gerr := b.tracker.Get(ctx, r.BundleUUID); gerr == nil {
				b.reg.assign(workerID, r.BundleUUID, bundle.Resources, b.now())
			}
		case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrNotFound):
			b.reg.release(workerID, r.BundleUUID)
			payload, _ := json.Marshal(model.KillRequest{Reason: err.Error()})
			b.enqueue(workerID, &Message{Type: MsgKill, BundleUUID: r.BundleUUID, Payload: payload}, false)
			b.logger.Info("discarding stale run report", "worker_id", workerID, "bundle_uuid", r.BundleUUID, "error", err)
		default:
			b.logger.Error("apply run report", "worker_id", workerID, "bundle_uuid", r.BundleUUID, "error", err)
		}
	}
}

// Send appends a message to workerID's queue.
func (b *Broker) Send(workerID, msgType, bundleUUID string, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	msg := &Message{Type: msgType, BundleUUID: bundleUUID, Payload: raw}
	if !b.enqueue(workerID, msg, false) {
		return nil, model.NotFoundf("worker %s has no session", workerID)
	}
	return msg, nil
}

// Dispatch records that bundleUUID, reserving req, is assigned to workerID
// and queues its run message.
func (b *Broker) Dispatch(workerID, bundleUUID string, req model.Resources, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if !b.reg.assign(workerID, bundleUUID, req, b.now()) {
		return nil, model.NotFoundf("worker %s has no session", workerID)
	}
	msg := &Message{Type: MsgRun, BundleUUID: bundleUUID, Payload: raw}
	if !b.enqueue(workerID, msg, false) {
		b.reg.release(workerID, bundleUUID)
		return nil, model.NotFoundf("worker %s has no session", workerID)
	}
	return msg, nil
}

// Requeue puts a message that could not be handed to its worker back at the
// head of the queue. It reports false if the session is gone.
func (b *Broker) Requeue(msg *Message) bool {
	ok := b.reg.enqueue(msg.workerID, msg, true)
	if ok {
		messagesRequeued.Inc()
	}
	return ok
}

// Unreported returns, per live worker, the assigned bundles the worker has
// left out of its checkins for longer than the heartbeat timeout.
func (b *Broker) Unreported() map[string][]string {
	return b.reg.unreported(b.cfg.HeartbeatTimeout)
}

// Release forgets the assignment of bundleUUID to workerID.
func (b *Broker) Release(workerID, bundleUUID string) {
	b.reg.release(workerID, bundleUUID)
}

// Expire evicts sessions that missed the heartbeat deadline.
func (b *Broker) Expire() []Expired {
	expired := b.reg.expire(b.now().Add(-b.cfg.HeartbeatTimeout))
	for _, e := range expired {
		b.logger.Warn("worker session expired", "worker_id", e.WorkerID, "bundles", len(e.Bundles), "dropped_messages", e.Dropped)
	}
	if len(expired) > 0 {
		sessionsActive.Set(float64(b.reg.Len()))
	}
	return expired
}

// StartBundle lets workerID confirm it is starting bundleUUID under token.
// Exactly one caller wins per assignment.
func (b *Broker) StartBundle(ctx context.Context, workerID, bundleUUID string, token int64) (bool, error) {
	ok, err := b.tracker.Start(ctx, bundleUUID, workerID, token)
	if err != nil {
		return false, err
	}
	if !ok {
		b.logger.Info("start_bundle rejected", "worker_id", workerID, "bundle_uuid", bundleUUID, "token", token)
	}
	return ok, nil
}

func (b *Broker) enqueue(workerID string, msg *Message, front bool) bool {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now()
	}
	if !b.reg.enqueue(workerID, msg, front) {
		return false
	}
	messagesEnqueued.WithLabelValues(msg.Type).Inc()
	return true
}

// Reply hands payload to whoever waits on (workerID, socketID). If nobody is
// waiting within the reply timeout the payload is dropped and
// ErrUndeliverable is returned.
func (b *Broker) Reply(ctx context.Context, workerID string, socketID int64, payload json.RawMessage) error {
	return b.deliver(ctx, workerID, socketID, payload, nil)
}

// ReplyData hands a header plus a body stream to whoever waits on the
// socket and blocks until the waiter has consumed the body.
func (b *Broker) ReplyData(ctx context.Context, workerID string, socketID int64, header json.RawMessage, body io.Reader) error {
	if body == nil {
		body = eofReader{}
	}
	return b.deliver(ctx, workerID, socketID, header, body)
}

func (b *Broker) deliver(ctx context.Context, workerID string, socketID int64, header json.RawMessage, body io.Reader) error {
	if len(header) == 0 {
		header = json.RawMessage("{}")
	}
	if !json.Valid(header) {
		return model.Validationf("reply header is not valid JSON")
	}
	stream, err := newStream(header, body)
	if err != nil {
		return model.Validationf("encode reply header: %v", err)
	}

	key := socketKey{workerID: workerID, socketID: socketID}
	sock := b.socket(key)

	timer := time.NewTimer(b.cfg.ReplyTimeout)
	defer timer.Stop()

	select {
	case sock.deliver <- stream:
	case <-timer.C:
		b.dropSocket(key, sock)
		repliesDropped.Inc()
		b.logger.Warn("reply undeliverable", "worker_id", workerID, "socket_id", socketID)
		return ErrUndeliverable
	case <-ctx.Done():
		b.dropSocket(key, sock)
		return ctx.Err()
	}
	repliesDelivered.Inc()

	select {
	case <-stream.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Wait blocks until a reply arrives on (workerID, socketID) or timeout
// passes. The caller must Close the returned stream.
func (b *Broker) Wait(ctx context.Context, workerID string, socketID int64, timeout time.Duration) (*Stream, error) {
	key := socketKey{workerID: workerID, socketID: socketID}
	return b.wait(ctx, key, b.socket(key), timeout)
}

func (b *Broker) wait(ctx context.Context, key socketKey, sock *socket, timeout time.Duration) (*Stream, error) {
	defer b.dropSocket(key, sock)
	if timeout <= 0 {
		timeout = b.cfg.ReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case stream := <-sock.deliver:
		return stream, nil
	case <-timer.C:
		return nil, model.Timeoutf("no reply from worker %s on socket %d after %s", key.workerID, key.socketID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Request sends a message carrying a fresh socket ID to workerID and waits
// for the worker's reply on that socket.
func (b *Broker) Request(ctx context.Context, workerID, msgType, bundleUUID string, payload any) (*Stream, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	socketID := b.nextSocket.Add(1)
	key := socketKey{workerID: workerID, socketID: socketID}
	sock := b.socket(key)

	msg := &Message{Type: msgType, BundleUUID: bundleUUID, SocketID: socketID, Payload: raw}
	if !b.enqueue(workerID, msg, false) {
		b.dropSocket(key, sock)
		return nil, model.NotFoundf("worker %s has no session", workerID)
	}
	return b.wait(ctx, key, sock, b.cfg.ReplyTimeout)
}

// socket returns the socket for key, creating it on first reference.
func (b *Broker) socket(key socketKey) *socket {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sockets[key]
	if !ok {
		s = &socket{deliver: make(chan *Stream)}
		b.sockets[key] = s
	}
	return s
}

func (b *Broker) dropSocket(key socketKey, s *socket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sockets[key] == s {
		delete(b.sockets, key)
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
