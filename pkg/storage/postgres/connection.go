// Package postgres manages the PostgreSQL and Redis connections backing the
// audit store, and owns the embedded schema migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/audittrail/pkg/observability"
)

// openDB is replaced in tests
var openDB = sql.Open

// defaultMinConns matches the database/sql idle pool default
const defaultMinConns = 2

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURL  string
	MaxConns    int
	// MinConns is the number of idle connections kept open; zero means
	// defaultMinConns and a negative value keeps none
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration

	// RetryFor bounds how long connecting keeps retrying while the
	// database is starting up. Zero tries once.
	RetryFor time.Duration
}

// ConnectionManager holds the primary connection used for writes and an
// optional read replica used by search and export
type ConnectionManager struct {
	primary *sql.DB
	replica *sql.DB
	config  ConnectionConfig
	logger  *observability.Logger
}

// NewConnectionManager connects to the primary and, when configured, the
// replica. An unreachable replica is logged and reads fall back to the
// primary.
func NewConnectionManager(ctx context.Context, config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if config.PrimaryURL == "" {
		return nil, errors.New("primary URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxLifetime <= 0 {
		config.MaxLifetime = 30 * time.Minute
	}
	if config.MinConns == 0 {
		config.MinConns = defaultMinConns
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	cm := &ConnectionManager{
		config: config,
		logger: logger.WithField("component", "postgres"),
	}

	primary, err := cm.connect(ctx, "primary", config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, err
	}
	cm.primary = primary

	if config.ReplicaURL != "" {
		// Replica pool is smaller than the primary's
		maxConns := config.MaxConns / 2
		if maxConns < 2 {
			maxConns = 2
		}
		replica, err := cm.connect(ctx, "replica", config.ReplicaURL, maxConns)
		if err != nil {
			cm.logger.WithError(err).Warn("Replica unavailable, reading from primary")
		} else {
			cm.replica = replica
		}
	}

	return cm, nil
}

func (cm *ConnectionManager) connect(ctx context.Context, role, url string, maxConns int) (*sql.DB, error) {
	db, err := openDB("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", role, err)
	}

	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	db.SetMaxIdleConns(cm.config.MinConns)
	db.SetConnMaxLifetime(cm.config.MaxLifetime)
	db.SetConnMaxIdleTime(cm.config.MaxIdleTime)

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cm.config.Timeout)
		defer cancel()
		return db.PingContext(pingCtx)
	}
	notify := func(err error, wait time.Duration) {
		cm.logger.WithError(err).WithFields(map[string]interface{}{
			"role":  role,
			"retry": wait.String(),
		}).Warn("Database not ready")
	}

	if err := backoff.RetryNotify(ping, retryPolicy(ctx, cm.config.RetryFor), notify); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", role, err)
	}
	return db, nil
}

// retryPolicy retries with exponential backoff for up to d, or not at all
// when d is zero
func retryPolicy(ctx context.Context, d time.Duration) backoff.BackOffContext {
	if d <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = d
	return backoff.WithContext(b, ctx)
}

// Primary returns the primary database connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Reader returns the replica, or the primary when no replica is connected
func (cm *ConnectionManager) Reader() *sql.DB {
	if cm.replica != nil {
		return cm.replica
	}
	return cm.primary
}

// HealthCheck pings the primary and the replica. A failing replica alone
// is reported but does not affect writes.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}
	if cm.replica != nil {
		if err := cm.replica.PingContext(ctx); err != nil {
			return fmt.Errorf("replica unhealthy: %w", err)
		}
	}
	return nil
}

// ConnectionStats holds statistics for all database connections
type ConnectionStats struct {
	Primary sql.DBStats
	Replica *sql.DBStats
}

// Stats returns connection pool statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{Primary: cm.primary.Stats()}
	if cm.replica != nil {
		s := cm.replica.Stats()
		stats.Replica = &s
	}
	return stats
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}
	if cm.replica != nil {
		if err := cm.replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica close error: %w", err))
		}
	}
	return errors.Join(errs...)
}
