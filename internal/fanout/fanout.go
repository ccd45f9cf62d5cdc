// Package fanout defines the cross-process channel that carries broadcasts
// between relay processes. Backends live in the postgres, redis and memory
// subpackages.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a channel that has been closed.
var ErrClosed = errors.New("fanout: channel closed")

// Kind distinguishes relayed events from presence heartbeats.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindHeartbeat Kind = "heartbeat"
)

// Record is a single entry on the shared channel. Records are write-once and
// every subscribed process receives every record, including its own.
type Record struct {
	ID        string          `json:"id"`
	Origin    string          `json:"origin"`
	Kind      Kind            `json:"kind"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewRecord builds a broadcast record for an outbound event.
func NewRecord(origin, event string, data json.RawMessage) Record {
	return Record{
		ID:        uuid.NewString(),
		Origin:    origin,
		Kind:      KindBroadcast,
		Event:     event,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}

// NewHeartbeat builds a presence record for origin.
func NewHeartbeat(origin string) Record {
	return Record{
		ID:        uuid.NewString(),
		Origin:    origin,
		Kind:      KindHeartbeat,
		CreatedAt: time.Now().UTC(),
	}
}

// Encode serializes the record for the wire without HTML-escaping the payload.
func (r Record) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses a wire record and checks the fields every backend relies on.
func Decode(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if r.Origin == "" {
		return Record{}, errors.New("decode record: missing origin")
	}
	switch r.Kind {
	case KindBroadcast:
		if r.Event == "" {
			return Record{}, fmt.Errorf("decode record %s: missing event", r.ID)
		}
	case KindHeartbeat:
	default:
		return Record{}, fmt.Errorf("decode record %s: unknown kind %q", r.ID, r.Kind)
	}
	return r, nil
}

// Handler is invoked for every record a subscription receives. A non-nil
// error ends the subscription.
type Handler func(ctx context.Context, rec Record) error

// Channel is a shared append/notify log.
//
// Delivery is best-effort and at-least-once; ordering across processes is not
// guaranteed and records are not deduplicated.
type Channel interface {
	// Publish appends rec to the channel.
	Publish(ctx context.Context, rec Record) error

	// Subscribe blocks, invoking handler for each record, until ctx is done,
	// the channel is closed, the handler fails or the backend errors.
	Subscribe(ctx context.Context, handler Handler) error

	// Close stops active subscriptions and releases backend resources that
	// the channel owns.
	Close() error
}
