package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Repository. Transactions run one at a time
// against a copy of the state that replaces the live state on commit.
type MemoryStore struct {
	mu     sync.Mutex
	state  *memState
	faults map[string]error
	now    func() time.Time
}

type memState struct {
	nextID     int64
	nextNoteID int64
	events     map[int64]*Event
	notes      map[int64]*Note // keyed by event id
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:     s.nextID,
		nextNoteID: s.nextNoteID,
		events:     make(map[int64]*Event, len(s.events)),
		notes:      make(map[int64]*Note, len(s.notes)),
	}
	for id, ev := range s.events {
		c.events[id] = ev.Clone()
	}
	for id, n := range s.notes {
		nc := *n
		c.notes[id] = &nc
	}
	return c
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			events: map[int64]*Event{},
			notes:  map[int64]*Note{},
		},
		faults: map[string]error{},
		now:    time.Now,
	}
}

// FailOn makes the named step return err until cleared with a nil err.
// Steps: save.event, save.property, save.meta, delete, load, most_recent,
// search, delete_before, note.
func (m *MemoryStore) FailOn(step string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, step)
		return
	}
	m.faults[step] = err
}

// Len returns the number of stored events
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.events)
}

// RunInTransaction runs fn against a private copy of the state and publishes
// the copy only when fn succeeds
func (m *MemoryStore) RunInTransaction(ctx context.Context, fn func(tx Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{store: m, state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

// Save persists ev atomically; ev.ID is set after commit
func (m *MemoryStore) Save(ctx context.Context, ev *Event) error {
	work := ev.Clone()
	if err := m.RunInTransaction(ctx, func(tx Repository) error {
		return tx.Save(ctx, work)
	}); err != nil {
		return err
	}
	ev.ID = work.ID
	return nil
}

// Load returns a copy of the stored event
func (m *MemoryStore) Load(ctx context.Context, id int64) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{store: m, state: m.state}).Load(ctx, id)
}

// Delete removes the event atomically
func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	return m.RunInTransaction(ctx, func(tx Repository) error {
		return tx.Delete(ctx, id)
	})
}

// MostRecent returns a copy of the newest matching event
func (m *MemoryStore) MostRecent(ctx context.Context, classification string, subject *SubjectRef) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{store: m, state: m.state}).MostRecent(ctx, classification, subject)
}

// MostRecentForActor returns a copy of the actor's newest matching event
func (m *MemoryStore) MostRecentForActor(ctx context.Context, classification string, actorID int64) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{store: m, state: m.state}).MostRecentForActor(ctx, classification, actorID)
}

// Search returns copies of matching events
func (m *MemoryStore) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{store: m, state: m.state}).Search(ctx, filter)
}

// DeleteBefore removes events older than cutoff atomically
func (m *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := m.RunInTransaction(ctx, func(tx Repository) error {
		var err error
		n, err = tx.DeleteBefore(ctx, cutoff)
		return err
	})
	return n, err
}

// LockSubject is a no-op; transactions are already serialized
func (m *MemoryStore) LockSubject(ctx context.Context, key string) error {
	return nil
}

// SaveNote stores note atomically
func (m *MemoryStore) SaveNote(ctx context.Context, note *Note) error {
	return m.RunInTransaction(ctx, func(tx Repository) error {
		return tx.SaveNote(ctx, note)
	})
}

// LoadNote returns a copy of the note for eventID
func (m *MemoryStore) LoadNote(ctx context.Context, eventID int64) (*Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{store: m, state: m.state}).LoadNote(ctx, eventID)
}

// memTx is a Repository bound to one state copy. The store mutex is held by
// the caller for its whole lifetime.
type memTx struct {
	store *MemoryStore
	state *memState
}

func (t *memTx) fault(step string) error {
	return t.store.faults[step]
}

func (t *memTx) Save(ctx context.Context, ev *Event) error {
	if err := t.fault("save.event"); err != nil {
		return err
	}

	stored := ev.Clone()
	stored.rec = nil
	if ev.ID == 0 {
		t.state.nextID++
		stored.ID = t.state.nextID
	} else if _, ok := t.state.events[ev.ID]; !ok {
		return ErrNotFound
	}
	if stored.Properties == nil {
		stored.Properties = Properties{}
	}
	if stored.Meta == nil {
		stored.Meta = map[string]*Eventmeta{}
	}
	t.state.events[stored.ID] = stored

	if len(stored.Properties) > 0 {
		if err := t.fault("save.property"); err != nil {
			return err
		}
	}
	if len(stored.Meta) > 0 {
		if err := t.fault("save.meta"); err != nil {
			return err
		}
	}

	ev.ID = stored.ID
	return nil
}

func (t *memTx) Load(ctx context.Context, id int64) (*Event, error) {
	if err := t.fault("load"); err != nil {
		return nil, err
	}
	ev, ok := t.state.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ev.Clone(), nil
}

func (t *memTx) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrInvalidID
	}
	if err := t.fault("delete"); err != nil {
		return err
	}
	if _, ok := t.state.events[id]; !ok {
		return ErrNotFound
	}
	delete(t.state.events, id)
	return nil
}

func (t *memTx) newest(match func(*Event) bool) *Event {
	var best *Event
	for _, ev := range t.state.events {
		if !match(ev) {
			continue
		}
		if best == nil || ev.OccurredAt.After(best.OccurredAt) ||
			(ev.OccurredAt.Equal(best.OccurredAt) && ev.ID > best.ID) {
			best = ev
		}
	}
	if best == nil {
		return nil
	}
	return best.Clone()
}

func (t *memTx) MostRecent(ctx context.Context, classification string, subject *SubjectRef) (*Event, error) {
	if err := t.fault("most_recent"); err != nil {
		return nil, err
	}
	return t.newest(func(ev *Event) bool {
		return ev.Classification == classification && ev.Subject.Matches(subject)
	}), nil
}

func (t *memTx) MostRecentForActor(ctx context.Context, classification string, actorID int64) (*Event, error) {
	if err := t.fault("most_recent"); err != nil {
		return nil, err
	}
	return t.newest(func(ev *Event) bool {
		return ev.Classification == classification && ev.ActorID == actorID
	}), nil
}

func (t *memTx) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	if err := t.fault("search"); err != nil {
		return nil, err
	}

	var out []*Event
	for _, ev := range t.state.events {
		if matchesFilter(ev, filter) {
			out = append(out, ev.Clone())
		}
	}

	asc := filter.SortOrder == "asc"
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			if asc {
				return a.OccurredAt.Before(b.OccurredAt)
			}
			return a.OccurredAt.After(b.OccurredAt)
		}
		if asc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(ev *Event, f SearchFilter) bool {
	if f.StartTime != nil && ev.OccurredAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && !ev.OccurredAt.Before(*f.EndTime) {
		return false
	}
	if f.ActorID != nil && ev.ActorID != *f.ActorID {
		return false
	}
	if f.ActorName != "" && ev.ActorName != f.ActorName {
		return false
	}
	if len(f.Classifications) > 0 {
		found := false
		for _, c := range f.Classifications {
			if c == ev.Classification {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SubjectKind != "" && (ev.Subject == nil || ev.Subject.Kind != f.SubjectKind) {
		return false
	}
	if f.SubjectID != "" && (ev.Subject == nil || ev.Subject.ID != f.SubjectID) {
		return false
	}
	return true
}

func (t *memTx) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := t.fault("delete_before"); err != nil {
		return 0, err
	}
	var n int64
	for id, ev := range t.state.events {
		if ev.OccurredAt.Before(cutoff) {
			delete(t.state.events, id)
			n++
		}
	}
	return n, nil
}

func (t *memTx) LockSubject(ctx context.Context, key string) error {
	return nil
}

func (t *memTx) SaveNote(ctx context.Context, note *Note) error {
	if err := t.fault("note"); err != nil {
		return err
	}
	if note.EventID <= 0 {
		return ErrInvalidID
	}

	now := t.store.now()
	if existing, ok := t.state.notes[note.EventID]; ok {
		note.ID = existing.ID
		note.CreatedAt = existing.CreatedAt
	} else {
		if _, ok := t.state.events[note.EventID]; !ok {
			return ErrNotFound
		}
		t.state.nextNoteID++
		note.ID = t.state.nextNoteID
		note.CreatedAt = now
	}
	note.UpdatedAt = now

	c := *note
	t.state.notes[note.EventID] = &c
	return nil
}

func (t *memTx) LoadNote(ctx context.Context, eventID int64) (*Note, error) {
	if err := t.fault("note"); err != nil {
		return nil, err
	}
	n, ok := t.state.notes[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *n
	return &c, nil
}

func (t *memTx) RunInTransaction(ctx context.Context, fn func(tx Repository) error) error {
	return fn(t)
}
