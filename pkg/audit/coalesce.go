package audit

import (
	"context"
	"fmt"
)

// Coalescer merges a new event into the most recent stored event for the
// same classification and subject when that event is inside the
// classification's reuse window.
//
// Recency is measured against the stored event's OccurredAt, which never
// moves. Two unrelated edits that land inside one window are merged.
type Coalescer struct {
	rec *Recorder
}

type commitOutcome int

const (
	outcomeDiscarded commitOutcome = iota
	outcomeSaved
	outcomeCoalesced
	outcomeDeleted
)

// Commit persists ev, reusing a recent stored event when allowed. The read
// of the stored event and the write happen in one transaction under a
// subject lock so concurrent commits for one subject cannot both insert.
func (c *Coalescer) Commit(ctx context.Context, ev *Event) error {
	r := c.rec
	policy := r.classes.Lookup(ev.Classification)

	var (
		outcome commitOutcome
		stored  *Event
	)

	err := r.repo.RunInTransaction(ctx, func(tx Repository) error {
		if err := tx.LockSubject(ctx, lockKey(ev)); err != nil {
			return fmt.Errorf("failed to lock subject: %w", err)
		}

		prev, err := tx.MostRecent(ctx, ev.Classification, ev.Subject)
		if err != nil {
			return fmt.Errorf("failed to read most recent event: %w", err)
		}

		if prev != nil && reusable(policy, prev, ev) {
			merge(policy, prev, ev)
			stored = prev

			if !prev.HasChanges() && !policy.Creation {
				outcome = outcomeDeleted
				return tx.Delete(ctx, prev.ID)
			}
			outcome = outcomeCoalesced
			return tx.Save(ctx, prev)
		}

		if !ev.HasChanges() && !policy.Creation {
			outcome = outcomeDiscarded
			return nil
		}

		stored = ev.Clone()
		outcome = outcomeSaved
		return tx.Save(ctx, stored)
	})
	if err != nil {
		r.metrics.StorageErrorsTotal.WithLabelValues("coalesce").Inc()
		return fmt.Errorf("failed to commit %s event: %w", ev.Classification, err)
	}

	switch outcome {
	case outcomeDiscarded:
		r.metrics.EventsDiscardedTotal.WithLabelValues(ev.Classification).Inc()
	case outcomeSaved:
		ev.adopt(stored)
		r.metrics.EventsSavedTotal.WithLabelValues(ev.Classification, "new").Inc()
		r.publish(ctx, ChangeSaved, ev)
	case outcomeCoalesced:
		ev.adopt(stored)
		r.metrics.EventsCoalescedTotal.WithLabelValues(ev.Classification).Inc()
		r.metrics.EventsSavedTotal.WithLabelValues(ev.Classification, "coalesced").Inc()
		r.publish(ctx, ChangeSaved, ev)
	case outcomeDeleted:
		ev.adopt(stored)
		r.metrics.EventsDeletedTotal.WithLabelValues(ev.Classification, "changeless").Inc()
		r.publish(ctx, ChangeDeleted, ev)
		ev.ID = 0
	}
	return nil
}

func lockKey(ev *Event) string {
	return "audit:" + ev.Classification + ":" + ev.Subject.Key()
}

// reusable reports whether ev may be merged into the stored event prev. An
// ev that occurred before prev never reuses it.
func reusable(policy Classification, prev, ev *Event) bool {
	if prev.Classification != ev.Classification || !prev.Subject.Matches(ev.Subject) {
		return false
	}
	delta := ev.OccurredAt.Sub(prev.OccurredAt)
	return delta >= 0 && delta <= policy.ReuseWindow
}

// merge folds the diffs of ev into prev. Before stays pinned to the oldest
// known value and after advances to the latest one.
func merge(policy Classification, prev, ev *Event) {
	if prev.Properties == nil {
		prev.Properties = Properties{}
	}
	if prev.Meta == nil {
		prev.Meta = map[string]*Eventmeta{}
	}

	for _, key := range ev.Properties.Keys() {
		p := ev.Properties[key]
		old, exists := prev.Properties[key]

		if !p.Changed() {
			if !exists {
				c := *p
				prev.Properties[key] = &c
			}
			continue
		}

		before := p.Before
		if exists {
			before = old.Before
		}

		if AreEqual(before, p.After) {
			if policy.KeepsUnchanged(key) {
				prev.Properties.Upsert(key, p.Origin, before, nil)
			} else {
				delete(prev.Properties, key)
			}
			continue
		}
		prev.Properties.Upsert(key, p.Origin, before, p.After)
	}

	for k, m := range ev.Meta {
		c := *m
		prev.Meta[k] = &c
	}
}
