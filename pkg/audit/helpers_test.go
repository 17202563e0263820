package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock shared by the recorder and tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink keeps every published change
type recordingSink struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (s *recordingSink) Publish(ctx context.Context, c Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) Changes() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.changes...)
}

var (
	editor = &Actor{ID: 7, Name: "ana", Role: "editor", IP: "10.0.0.7"}
	post42 = &SubjectRef{Kind: SubjectPost, ID: "42", Name: "Hello world"}
)

type testEnv struct {
	rec   *Recorder
	store *MemoryStore
	clock *fakeClock
	sink  *recordingSink
	ctx   context.Context
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		store: NewMemoryStore(),
		clock: newFakeClock(),
		sink:  &recordingSink{},
	}
	env.store.now = env.clock.Now

	base := []Option{
		WithClock(env.clock.Now),
		WithSink(env.sink),
		WithNormalizer(NewNormalizer(time.UTC, nil, nil)),
	}
	rec, err := NewRecorder(env.store, append(base, opts...)...)
	require.NoError(t, err)

	env.rec = rec
	env.ctx = WithActor(context.Background(), editor)
	return env
}

// update records one Updated change on subject in its own operation
func (env *testEnv) update(t *testing.T, subject *SubjectRef, key string, before, after interface{}) *Event {
	t.Helper()

	op := env.rec.NewOperation("")
	ev := op.Event(env.ctx, ClassUpdated, subject)
	require.NotNil(t, ev)
	ev.SetProperty(key, "posts", before, after)
	require.NoError(t, op.Flush(env.ctx))
	return ev
}
