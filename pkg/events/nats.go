// Package events announces committed audit events on NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/platinummonkey/audittrail/pkg/audit"
)

// DefaultPrefix is the subject prefix used when none is configured
const DefaultPrefix = "audit.event"

// Subject returns the NATS subject for kind under prefix, e.g.
// "audit.event.saved"
func Subject(prefix string, kind audit.ChangeKind) string {
	return prefix + "." + string(kind)
}

// NATSPublisher is an audit.Sink publishing JSON-encoded changes
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url with automatic reconnection
func NewNATSPublisher(url, prefix string, opts ...nats.Option) (*NATSPublisher, error) {
	defaults := []nats.Option{
		nats.Name("audittrail"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATSPublisher{conn: nc, prefix: prefix}, nil
}

// Publish sends change to prefix.<kind>
func (p *NATSPublisher) Publish(ctx context.Context, change audit.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshaling change: %w", err)
	}
	if err := p.conn.Publish(Subject(p.prefix, change.Kind), data); err != nil {
		return fmt.Errorf("publishing %s change: %w", change.Kind, err)
	}
	return nil
}

// Flush waits until published messages reached the server
func (p *NATSPublisher) Flush() error {
	return p.conn.Flush()
}

// HealthCheck reports whether the connection is usable
func (p *NATSPublisher) HealthCheck(ctx context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats connection is %s", p.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
