package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProperties_Upsert(t *testing.T) {
	t.Run("records change", func(t *testing.T) {
		ps := Properties{}
		p := ps.Upsert("title", "posts", "Draft", "Final")
		assert.True(t, p.Changed())
		assert.Equal(t, "Final", p.Latest())
		assert.True(t, ps.HasChanges())
	})

	t.Run("equal after is cleared", func(t *testing.T) {
		ps := Properties{}
		p := ps.Upsert("count", "posts", int64(3), int64(3))
		assert.Nil(t, p.After)
		assert.False(t, p.Changed())
		assert.Equal(t, int64(3), p.Latest())
		assert.False(t, ps.HasChanges())
	})

	t.Run("last writer wins", func(t *testing.T) {
		ps := Properties{}
		ps.Upsert("title", "posts", "A", "B")
		ps.Upsert("title", "meta", "A", "A")

		require.Len(t, ps, 1)
		assert.Equal(t, "meta", ps["title"].Origin)
		assert.False(t, ps.HasChanges())
	})

	t.Run("structural values", func(t *testing.T) {
		ps := Properties{}
		p := ps.Upsert("tags", "terms",
			map[string]interface{}{"a": int64(1)},
			map[string]interface{}{"a": int64(1)})
		assert.False(t, p.Changed())
	})
}

func TestProperties_KeysAndClone(t *testing.T) {
	ps := Properties{}
	ps.Upsert("b", "", "1", "2")
	ps.Upsert("a", "", "1", "2")
	ps.Upsert("c", "", "1", nil)

	assert.Equal(t, []string{"a", "b", "c"}, ps.Keys())

	c := ps.Clone()
	c["a"].After = "9"
	c.Upsert("d", "", "x", "y")

	assert.Equal(t, "2", ps["a"].After)
	assert.NotContains(t, ps, "d")
}

func TestEvent_SetPropertyNormalizes(t *testing.T) {
	env := newTestEnv(t)
	ev := env.rec.Create(env.ctx, ClassUpdated, post42)
	require.NotNil(t, ev)

	ev.SetProperty("menu_order", "posts", "5", 5)
	assert.False(t, ev.HasChanges())

	ev.SetProperty("comment_count", "posts", 1, "2")
	p := ev.GetProperty("comment_count")
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.Before)
	assert.Equal(t, int64(2), p.After)
	assert.True(t, ev.HasChanges())

	ev.RemoveProperty("comment_count")
	assert.Nil(t, ev.GetProperty("comment_count"))
	assert.False(t, ev.HasChanges())
}

func TestProperties_Removed(t *testing.T) {
	ps := Properties{}
	p := ps.Upsert("excerpt", "posts", "Short text", Removed)
	assert.True(t, p.Changed())
	assert.True(t, ps.HasChanges())
	assert.Equal(t, Removed, p.Latest())

	assert.False(t, AreEqual(map[string]interface{}{"removed": true}, Removed))
	assert.False(t, AreEqual(nil, Removed))
	assert.True(t, AreEqual(Removed, Removal{}))

	t.Run("unchanged is still nil", func(t *testing.T) {
		ps := Properties{}
		p := ps.Upsert("excerpt", "posts", "Short text", nil)
		assert.False(t, p.Changed())
	})

	t.Run("restored value cancels the removal", func(t *testing.T) {
		ps := Properties{}
		ps.Upsert("excerpt", "posts", "Short text", Removed)
		p := ps.Upsert("excerpt", "posts", "Short text", "Short text")
		assert.False(t, p.Changed())
	})

	t.Run("export", func(t *testing.T) {
		assert.Equal(t, "excerpt: Short text -> (removed)", formatChanges(Properties{"excerpt": p}))
	})
}

func TestEvent_AddProperties(t *testing.T) {
	env := newTestEnv(t)
	ev := env.rec.Create(env.ctx, ClassUpdated, post42)
	require.NotNil(t, ev)

	ev.AddProperties(Properties{
		"title":      {Key: "title", Origin: "posts", Before: "Draft", After: "Final"},
		"menu_order": {Key: "menu_order", Origin: "posts", Before: "5", After: 5},
		"author":     {Key: "author", Origin: "users", Before: "ana"},
		"skipped":    nil,
	})

	assert.Equal(t, []string{"author", "menu_order", "title"}, ev.Properties.Keys())
	assert.True(t, ev.GetProperty("title").Changed())
	assert.Equal(t, "posts", ev.GetProperty("title").Origin)
	assert.Equal(t, int64(5), ev.GetProperty("menu_order").Before)
	assert.False(t, ev.GetProperty("menu_order").Changed())
	assert.Equal(t, "users", ev.GetProperty("author").Origin)

	ev.AddValues("posts", map[string]interface{}{"post_type": "page"})
	p := ev.GetProperty("post_type")
	require.NotNil(t, p)
	assert.Equal(t, "page", p.Before)
	assert.Nil(t, p.After)
}

func TestEvent_Meta(t *testing.T) {
	env := newTestEnv(t)
	ev := env.rec.Create(env.ctx, ClassLogin, &SubjectRef{Kind: SubjectUser, ID: "7"})
	require.NotNil(t, ev)

	assert.False(t, ev.HasMeta("remember"))
	ev.SetMeta("remember", "true")
	ev.SetMeta("attempts", "3")

	assert.True(t, ev.HasMeta("remember"))
	assert.Equal(t, true, ev.GetMeta("remember"))
	assert.Equal(t, int64(3), ev.GetMeta("attempts"))
	assert.Nil(t, ev.GetMeta("missing"))

	ev.SetMeta("attempts", 4)
	assert.Equal(t, int64(4), ev.GetMeta("attempts"))
}

func TestEvent_Clone(t *testing.T) {
	env := newTestEnv(t)
	ev := env.rec.Create(env.ctx, ClassUpdated, post42)
	require.NotNil(t, ev)
	ev.SetProperty("title", "posts", "A", "B")
	ev.SetMeta("k", "v")

	c := ev.Clone()
	c.SetProperty("title", "posts", "A", "C")
	c.SetMeta("k", "w")
	c.Subject.Name = "changed"

	assert.Equal(t, "B", ev.GetProperty("title").After)
	assert.Equal(t, "v", ev.GetMeta("k"))
	assert.Equal(t, "Hello world", ev.Subject.Name)
	assert.Same(t, ev.rec, c.rec)
}
