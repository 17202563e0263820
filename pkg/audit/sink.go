package audit

import (
	"context"
	"time"
)

// ChangeKind says what happened to a stored event
type ChangeKind string

const (
	ChangeSaved   ChangeKind = "saved"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is published to a Sink after a commit succeeds
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Event *Event     `json:"event"`
	At    time.Time  `json:"at"`
}

// Sink receives committed changes. Publish failures are logged by the
// Recorder and never undo the commit.
type Sink interface {
	Publish(ctx context.Context, change Change) error
	Close() error
}

// NopSink discards every change
type NopSink struct{}

// Publish does nothing
func (NopSink) Publish(context.Context, Change) error { return nil }

// Close does nothing
func (NopSink) Close() error { return nil }
