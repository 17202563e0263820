package deferred

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// NamePrefix marks units produced by the capturer so they can be told apart
// from the host's own events
const NamePrefix = "audit_deferred:"

var (
	// ErrUnknownKind is returned when no handler is registered for a unit
	ErrUnknownKind = errors.New("deferred: no handler for unit kind")

	// ErrBadPayload is returned when a unit payload cannot be decoded
	ErrBadPayload = errors.New("deferred: payload cannot be decoded")

	// ErrOutboxFull is returned by Capture when the outbox is at capacity
	ErrOutboxFull = errors.New("deferred: outbox full")

	// ErrClosed is returned by Capture after Close
	ErrClosed = errors.New("deferred: capturer closed")
)

// Unit is one deferred piece of work: an immutable snapshot of the arguments
// of a host notification plus its position inside the logical operation
type Unit struct {
	// Name is the original event name under NamePrefix
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	OperationID string          `json:"operation_id"`
	Seq         int64           `json:"seq"`
	CapturedAt  time.Time       `json:"captured_at"`
	Payload     json.RawMessage `json:"payload"`

	// Done, when set, is called once the unit has run or been discarded.
	// It is not part of the wire form.
	Done func() `json:"-"`
}

func (u Unit) finish() {
	if u.Done != nil {
		u.Done()
	}
}

// KindFromName strips NamePrefix from name
func KindFromName(name string) string {
	return strings.TrimPrefix(name, NamePrefix)
}

// Decode unmarshals the payload into v. Numbers inside untyped values are
// kept as json.Number so integers survive the round trip.
func (u Unit) Decode(v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(u.Payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	return nil
}
