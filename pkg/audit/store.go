package audit

import (
	"context"
	"time"
)

// Repository persists events, their property and meta child rows, and notes.
// Every write is atomic: on error nothing was durably changed.
type Repository interface {
	// Save inserts a new event or updates an existing one together with its
	// child rows. The event id is set once the insert is durable.
	Save(ctx context.Context, ev *Event) error

	// Load returns the event with its properties and meta, or ErrNotFound
	Load(ctx context.Context, id int64) (*Event, error)

	// Delete removes the event and its child rows. Notes are kept.
	Delete(ctx context.Context, id int64) error

	// MostRecent returns the newest event with the given classification and
	// subject, or nil when there is none
	MostRecent(ctx context.Context, classification string, subject *SubjectRef) (*Event, error)

	// MostRecentForActor returns the newest event with the given
	// classification recorded for actorID, or nil when there is none
	MostRecentForActor(ctx context.Context, classification string, actorID int64) (*Event, error)

	// Search returns events matching filter with their child rows loaded
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)

	// DeleteBefore removes every event that occurred before cutoff
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// LockSubject serializes transactions working on the same key until the
	// surrounding transaction ends
	LockSubject(ctx context.Context, key string) error

	// SaveNote inserts or replaces the note for note.EventID
	SaveNote(ctx context.Context, note *Note) error

	// LoadNote returns the note attached to eventID, or ErrNotFound
	LoadNote(ctx context.Context, eventID int64) (*Note, error)

	// RunInTransaction runs fn against a repository bound to one transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	RunInTransaction(ctx context.Context, fn func(tx Repository) error) error
}
