package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/audittrail/pkg/audit"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var ana = &audit.Actor{ID: 7, Name: "ana", Role: "editor"}

func setup(t *testing.T, opts ...audit.Option) (*Tracker, *audit.MemoryStore, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := audit.NewMemoryStore()
	rec, err := audit.NewRecorder(store, append([]audit.Option{audit.WithClock(c.Now)}, opts...)...)
	require.NoError(t, err)
	return NewTracker(rec, nil), store, c
}

func TestTracker_Touch(t *testing.T) {
	ctx := context.Background()
	tracker, store, c := setup(t)
	t0 := c.Now()

	first, err := tracker.Touch(ctx, ana)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, audit.ClassActivity, first.Classification)
	assert.Equal(t, "session:7", first.Subject.Key())
	assert.Equal(t, t0, first.GetMeta(MetaStart))
	assert.Equal(t, t0, first.GetMeta(MetaEnd))
	assert.Equal(t, "0s", first.GetMeta(MetaDuration))

	t.Run("extends inside the window", func(t *testing.T) {
		c.Advance(8 * time.Second)
		ev, err := tracker.Touch(ctx, ana)
		require.NoError(t, err)
		assert.Equal(t, first.ID, ev.ID)
		assert.Equal(t, t0, ev.GetMeta(MetaStart))
		assert.Equal(t, c.Now(), ev.GetMeta(MetaEnd))
		assert.Equal(t, "8s", ev.GetMeta(MetaDuration))
		assert.Equal(t, 1, store.Len())
	})

	t.Run("window boundary is inclusive", func(t *testing.T) {
		c.Advance(10 * time.Second)
		ev, err := tracker.Touch(ctx, ana)
		require.NoError(t, err)
		assert.Equal(t, first.ID, ev.ID)
		assert.Equal(t, "18s", ev.GetMeta(MetaDuration))

		stored, err := store.Load(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "18s", stored.GetMeta(MetaDuration))
	})

	t.Run("new event after the window", func(t *testing.T) {
		c.Advance(11 * time.Second)
		ev, err := tracker.Touch(ctx, ana)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, ev.ID)
		assert.Equal(t, ev.GetMeta(MetaStart), ev.GetMeta(MetaEnd))
		assert.Equal(t, 2, store.Len())
	})

	t.Run("actors are independent", func(t *testing.T) {
		ev, err := tracker.Touch(ctx, &audit.Actor{ID: 8, Name: "bo", Role: "author"})
		require.NoError(t, err)
		assert.Equal(t, int64(8), ev.ActorID)
		assert.Equal(t, 3, store.Len())
	})

	t.Run("nil actor", func(t *testing.T) {
		ev, err := tracker.Touch(ctx, nil)
		assert.NoError(t, err)
		assert.Nil(t, ev)
	})
}

func TestTracker_TouchUntrackedRole(t *testing.T) {
	tracker, store, _ := setup(t, audit.WithTrackedRoles(audit.NewRoleSet("administrator")))

	ev, err := tracker.Touch(context.Background(), ana)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Zero(t, store.Len())
}

func TestTracker_TouchStorageFailure(t *testing.T) {
	tracker, store, _ := setup(t)
	store.FailOn("most_recent", errors.New("connection reset"))

	_, err := tracker.Touch(context.Background(), ana)
	assert.Error(t, err)
	assert.Zero(t, store.Len())
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{-time.Second, "0s"},
		{1500 * time.Millisecond, "1s"},
		{59 * time.Second, "59s"},
		{61 * time.Second, "1m 1s"},
		{time.Hour, "1h 0m 0s"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1h 2m 3s"},
		{26 * time.Hour, "26h 0m 0s"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.in))
		})
	}
}
