// Package events carries bundle state-change notifications to in-process
// watchers and, optionally, to a RabbitMQ exchange.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeStateChanged = "bundle.state_changed"
)

// Event records one bundle state transition.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	BundleUUID string    `json:"bundle_uuid"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Terminal   bool      `json:"terminal"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewStateChange builds a state-change event stamped with a fresh ID and the current time.
func NewStateChange(bundleUUID, from, to string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       TypeStateChanged,
		BundleUUID: bundleUUID,
		From:       from,
		To:         to,
		Timestamp:  time.Now().UTC(),
	}
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
