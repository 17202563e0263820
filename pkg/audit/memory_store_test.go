package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvent(t *testing.T, store Repository, class string, subject *SubjectRef, actorID int64, at time.Time) *Event {
	t.Helper()
	ev := newEvent(class, subject, at)
	ev.ActorID = actorID
	ev.ActorName = "user"
	ev.Properties.Upsert("title", "posts", "A", "B")
	ev.Meta["k"] = &Eventmeta{Key: "k", Value: "v"}
	require.NoError(t, store.Save(context.Background(), ev))
	return ev
}

func TestMemoryStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ev := seedEvent(t, store, ClassUpdated, post42, 7, at)
	require.Equal(t, int64(1), ev.ID)

	loaded, err := store.Load(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", loaded.Properties["title"].After)
	assert.Equal(t, "v", loaded.GetMeta("k"))

	// the stored copy is not shared with the caller
	loaded.Properties["title"].After = "C"
	again, err := store.Load(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", again.Properties["title"].After)

	_, err = store.Load(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SaveIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ev := seedEvent(t, store, ClassUpdated, post42, 7, time.Now())

	store.FailOn("save.property", errors.New("constraint"))

	update := ev.Clone()
	update.Properties.Upsert("content", "posts", "x", "y")
	update.ActorName = "changed"
	assert.Error(t, store.Save(ctx, update))

	fresh := newEvent(ClassCreated, nil, time.Now())
	fresh.Properties.Upsert("a", "", "1", "2")
	assert.Error(t, store.Save(ctx, fresh))
	assert.Zero(t, fresh.ID)

	store.FailOn("save.property", nil)

	loaded, err := store.Load(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "user", loaded.ActorName)
	assert.NotContains(t, loaded.Properties, "content")
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	store := NewMemoryStore()
	ev := newEvent(ClassCreated, nil, time.Now())
	ev.ID = 5
	assert.ErrorIs(t, store.Save(context.Background(), ev), ErrNotFound)
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ev := seedEvent(t, store, ClassCreated, post42, 7, time.Now())

	assert.ErrorIs(t, store.Delete(ctx, 0), ErrInvalidID)
	assert.ErrorIs(t, store.Delete(ctx, -1), ErrInvalidID)
	require.NoError(t, store.Delete(ctx, ev.ID))
	assert.ErrorIs(t, store.Delete(ctx, ev.ID), ErrNotFound)
	assert.Zero(t, store.Len())
}

func TestMemoryStore_MostRecent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	none, err := store.MostRecent(ctx, ClassUpdated, post42)
	require.NoError(t, err)
	assert.Nil(t, none)

	seedEvent(t, store, ClassUpdated, post42, 7, base)
	newest := seedEvent(t, store, ClassUpdated, post42, 8, base.Add(time.Minute))
	seedEvent(t, store, ClassUpdated, &SubjectRef{Kind: SubjectPost, ID: "43"}, 7, base.Add(time.Hour))
	seedEvent(t, store, ClassDeleted, post42, 7, base.Add(time.Hour))
	subjectless := seedEvent(t, store, ClassLogin, nil, 7, base)

	got, err := store.MostRecent(ctx, ClassUpdated, post42)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newest.ID, got.ID)

	got, err = store.MostRecent(ctx, ClassLogin, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, subjectless.ID, got.ID)

	got, err = store.MostRecentForActor(ctx, ClassUpdated, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "43", got.Subject.ID)
}

func TestMemoryStore_Search(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		seedEvent(t, store, ClassUpdated, post42, int64(i%2), base.Add(time.Duration(i)*time.Hour))
	}
	seedEvent(t, store, ClassLogin, &SubjectRef{Kind: SubjectUser, ID: "1"}, 1, base.Add(10*time.Hour))

	start := base.Add(time.Hour)
	end := base.Add(3 * time.Hour)
	actor := int64(1)

	tests := []struct {
		name   string
		filter SearchFilter
		want   []int64
	}{
		{"all newest first", SearchFilter{}, []int64{6, 5, 4, 3, 2, 1}},
		{"ascending", SearchFilter{SortOrder: "asc", Limit: 2}, []int64{1, 2}},
		{"time range end exclusive", SearchFilter{StartTime: &start, EndTime: &end}, []int64{3, 2}},
		{"actor", SearchFilter{ActorID: &actor, Classifications: []string{ClassUpdated}}, []int64{4, 2}},
		{"subject kind", SearchFilter{SubjectKind: SubjectUser}, []int64{6}},
		{"subject id", SearchFilter{SubjectKind: SubjectPost, SubjectID: "42", Limit: 1, Offset: 1}, []int64{4}},
		{"offset past end", SearchFilter{Offset: 10}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.Search(ctx, tt.filter)
			require.NoError(t, err)

			var ids []int64
			for _, ev := range events {
				ids = append(ids, ev.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryStore_DeleteBefore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		seedEvent(t, store, ClassLogin, nil, 1, base.Add(time.Duration(i)*24*time.Hour))
	}

	n, err := store.DeleteBefore(ctx, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStore_Notes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newFakeClock()
	store.now = clock.Now

	ev := seedEvent(t, store, ClassLogin, nil, 1, time.Now())

	assert.ErrorIs(t, store.SaveNote(ctx, &Note{EventID: 99, Body: "x"}), ErrNotFound)
	assert.ErrorIs(t, store.SaveNote(ctx, &Note{EventID: 0, Body: "x"}), ErrInvalidID)

	note := &Note{EventID: ev.ID, AuthorID: 1, AuthorName: "ana", Body: "looks fine"}
	require.NoError(t, store.SaveNote(ctx, note))
	created := note.CreatedAt

	clock.Advance(time.Hour)
	edit := &Note{EventID: ev.ID, AuthorID: 2, AuthorName: "bo", Body: "actually not"}
	require.NoError(t, store.SaveNote(ctx, edit))
	assert.Equal(t, note.ID, edit.ID)
	assert.Equal(t, created, edit.CreatedAt)
	assert.Equal(t, created.Add(time.Hour), edit.UpdatedAt)

	loaded, err := store.LoadNote(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "actually not", loaded.Body)

	// notes outlive their event
	require.NoError(t, store.Delete(ctx, ev.ID))
	_, err = store.LoadNote(ctx, ev.ID)
	assert.NoError(t, err)

	_, err = store.LoadNote(ctx, 1234)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.RunInTransaction(ctx, func(tx Repository) error {
		ev := newEvent(ClassLogin, nil, time.Now())
		if err := tx.Save(ctx, ev); err != nil {
			return err
		}
		return errors.New("abort")
	})
	assert.Error(t, err)
	assert.Zero(t, store.Len())
}
