// Package activity records how long actors stay active.
//
// Each actor has at most one open Activity event. A touch inside the
// Activity reuse window of the event's end moves the end forward and
// recomputes the duration; a touch after the window starts a new event.
package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/audittrail/pkg/audit"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// Meta keys written on Activity events
const (
	MetaStart    = "start"
	MetaEnd      = "end"
	MetaDuration = "duration"
)

// Tracker extends or opens Activity events
type Tracker struct {
	rec    *audit.Recorder
	logger *observability.Logger
}

// NewTracker creates a tracker writing through rec
func NewTracker(rec *audit.Recorder, logger *observability.Logger) *Tracker {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Tracker{rec: rec, logger: logger.WithField("component", "activity")}
}

// SessionRef is the subject of an actor's Activity events
func SessionRef(actor *audit.Actor) *audit.SubjectRef {
	return &audit.SubjectRef{
		Kind: audit.SubjectSession,
		ID:   strconv.FormatInt(actor.ID, 10),
		Name: actor.Name,
	}
}

// Touch records that actor is active now. It returns the stored event, or
// nil when the actor is not recorded.
func (t *Tracker) Touch(ctx context.Context, actor *audit.Actor) (*audit.Event, error) {
	if actor == nil {
		return nil, nil
	}

	now := t.rec.Now()
	window := t.rec.Classifications().Lookup(audit.ClassActivity).ReuseWindow

	return t.rec.SaveInTransaction(ctx, "activity", func(tx audit.Repository) (*audit.Event, error) {
		if err := tx.LockSubject(ctx, "activity:"+strconv.FormatInt(actor.ID, 10)); err != nil {
			return nil, fmt.Errorf("failed to lock activity: %w", err)
		}

		prev, err := tx.MostRecentForActor(ctx, audit.ClassActivity, actor.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read last activity: %w", err)
		}

		if prev != nil {
			start, hasStart := metaTime(prev, MetaStart)
			end, hasEnd := metaTime(prev, MetaEnd)
			if hasStart && hasEnd && !now.Before(end) && now.Sub(end) <= window {
				t.rec.Bind(prev)
				prev.SetMeta(MetaEnd, now)
				prev.SetMeta(MetaDuration, FormatDuration(now.Sub(start)))
				return prev, tx.Save(ctx, prev)
			}
		}

		ev := t.rec.Create(ctx, audit.ClassActivity, SessionRef(actor), audit.ByActor(actor), audit.OccurredAt(now))
		if ev == nil {
			return nil, nil
		}
		ev.SetMeta(MetaStart, now)
		ev.SetMeta(MetaEnd, now)
		ev.SetMeta(MetaDuration, FormatDuration(0))
		return ev, tx.Save(ctx, ev)
	})
}

// metaTime reads a timestamp meta value, accepting the string form older
// rows may carry
func metaTime(ev *audit.Event, key string) (time.Time, bool) {
	switch v := ev.GetMeta(key).(type) {
	case time.Time:
		return v, true
	case string:
		if ts, ok := audit.Normalize(key+"_utc", v).(time.Time); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

// FormatDuration renders d as "1h 2m 3s", omitting leading zero units.
// Sub-second remainders are truncated.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
