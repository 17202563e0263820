// Package retention removes audit events older than the configured period,
// optionally archiving them first.
package retention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/audittrail/pkg/audit"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// Archiver stores an exported batch of events before they are deleted
type Archiver interface {
	Archive(ctx context.Context, key, contentType string, data []byte) error
}

// Config configures a Cleaner
type Config struct {
	// Retention is the age after which events are removed
	Retention time.Duration
	// ArchivePrefix is the object key prefix for archived batches
	ArchivePrefix string
	// PageSize bounds how many events go into one archive object
	PageSize int
}

// Result summarises one cleanup run
type Result struct {
	Cutoff   time.Time
	Archived int
	Objects  int
	Deleted  int64
}

// Cleaner deletes expired events
type Cleaner struct {
	repo     audit.Repository
	archiver Archiver
	cfg      Config
	now      func() time.Time
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewCleaner creates a cleaner. archiver may be nil to delete without
// archiving.
func NewCleaner(repo audit.Repository, archiver Archiver, cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Cleaner, error) {
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("retention period must be positive, got %v", cfg.Retention)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5000
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "audit-archive"
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewUnregisteredMetrics()
	}
	return &Cleaner{
		repo:     repo,
		archiver: archiver,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.WithField("component", "retention"),
		metrics:  metrics,
	}, nil
}

// Run archives and deletes every event that occurred before now minus the
// retention period. Nothing is deleted when archiving fails.
func (c *Cleaner) Run(ctx context.Context) (Result, error) {
	res := Result{Cutoff: c.now().Add(-c.cfg.Retention).UTC()}

	if c.archiver != nil {
		if err := c.archive(ctx, &res); err != nil {
			c.metrics.RetentionRunsTotal.WithLabelValues("archive_failed").Inc()
			return res, err
		}
	}

	deleted, err := c.repo.DeleteBefore(ctx, res.Cutoff)
	if err != nil {
		c.metrics.RetentionRunsTotal.WithLabelValues("delete_failed").Inc()
		return res, fmt.Errorf("failed to delete expired events: %w", err)
	}
	res.Deleted = deleted

	c.metrics.RetentionDeletedTotal.Add(float64(deleted))
	c.metrics.RetentionRunsTotal.WithLabelValues("success").Inc()
	c.logger.WithFields(map[string]interface{}{
		"cutoff":   res.Cutoff.Format(time.RFC3339),
		"archived": res.Archived,
		"deleted":  res.Deleted,
	}).Info("Retention cleanup finished")
	return res, nil
}

func (c *Cleaner) archive(ctx context.Context, res *Result) error {
	cutoff := res.Cutoff
	for page := 0; ; page++ {
		events, err := c.repo.Search(ctx, audit.SearchFilter{
			EndTime:   &cutoff,
			SortOrder: "asc",
			Limit:     c.cfg.PageSize,
			Offset:    page * c.cfg.PageSize,
		})
		if err != nil {
			return fmt.Errorf("failed to read expired events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		var buf bytes.Buffer
		if err := audit.WriteNDJSON(&buf, events); err != nil {
			return fmt.Errorf("failed to export expired events: %w", err)
		}

		key := fmt.Sprintf("%s/%s/part-%04d.ndjson", c.cfg.ArchivePrefix, cutoff.Format("20060102T150405Z"), page+1)
		if err := c.archiver.Archive(ctx, key, "application/x-ndjson", buf.Bytes()); err != nil {
			return err
		}

		res.Archived += len(events)
		res.Objects++
		c.metrics.RetentionArchivedTotal.Add(float64(len(events)))

		if len(events) < c.cfg.PageSize {
			return nil
		}
	}
}

// Schedule runs the cleaner on scheduler at spec, a standard five-field
// cron expression
func (c *Cleaner) Schedule(scheduler *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := scheduler.AddFunc(spec, func() {
		if _, err := c.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).Error("Retention cleanup failed")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("invalid retention schedule %q: %w", spec, err)
	}
	return id, nil
}
