// Package events fans collector activity out to downstream consumers
// (rollups, alerting) over NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects events are published on.
const (
	SubjectArtifactStored = "collector.artifacts.stored"
	SubjectStatusChanged  = "collector.subjects.status"
)

type ArtifactStored struct {
	SubjectID  string    `json:"staff_id"`
	Kind       string    `json:"kind"`
	CapturedAt string    `json:"captured_at"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
}

type StatusChanged struct {
	SubjectID string    `json:"staff_id"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// Publisher is fire-and-forget: callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Nop drops every event. Used when NATS is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

// Bus publishes JSON events on a core NATS connection. No JetStream stream is
// required; events are advisory.
type Bus struct {
	conn *nats.Conn
}

// New connects to the NATS endpoint at url.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Bus{conn: nc}, nil
}

// Close flushes pending events and closes the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to subj.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.conn.Publish(subj, data)
}
