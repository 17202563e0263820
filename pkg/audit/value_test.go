package audit

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

type point struct {
	X, Y int
}

func TestNormalize(t *testing.T) {
	local := time.FixedZone("UTC+2", 2*3600)
	n := NewNormalizer(local, nil, nil)

	tests := []struct {
		name string
		key  string
		raw  interface{}
		want interface{}
	}{
		{"null string", "k", "null", nil},
		{"true string", "k", "true", true},
		{"false string", "k", "false", false},
		{"integer string", "k", "42", int64(42)},
		{"negative integer", "k", "-7", int64(-7)},
		{"leading zero stays string", "k", "007", "007"},
		{"float string", "k", "-3.25", -3.25},
		{"exponent float", "k", "1.5e3", 1500.0},
		{"bare exponent stays string", "k", "1e5", "1e5"},
		{"plain text", "k", "hello", "hello"},
		{"padded number stays string", "k", " 42", " 42"},
		{"bytes", "k", []byte("abc"), "abc"},
		{"int widens", "k", int32(5), int64(5)},
		{"uint widens", "k", uint16(5), int64(5)},
		{"float32 widens", "k", float32(0.5), 0.5},
		{"single element slice", "k", []interface{}{"5"}, int64(5)},
		{"single element string slice", "k", []string{"x"}, "x"},
		{"two element slice kept", "k", []string{"a", "b"}, []string{"a", "b"}},
		{"json object", "k", `{"a":1,"b":[true,"x"]}`, map[string]interface{}{"a": int64(1), "b": []interface{}{true, "x"}}},
		{"json float", "k", `{"a":1.5}`, map[string]interface{}{"a": 1.5}},
		{"json single element array collapses", "k", `["7"]`, int64(7)},
		{"broken json stays raw", "k", `{"a":`, `{"a":`},
		{"zero date stays raw", "post_date", "0000-00-00 00:00:00", "0000-00-00 00:00:00"},
		{"nil", "k", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Normalize(tt.key, tt.raw))
		})
	}
}

func TestNormalize_Dates(t *testing.T) {
	local := time.FixedZone("UTC+2", 2*3600)
	n := NewNormalizer(local, nil, nil)

	t.Run("utc suffix", func(t *testing.T) {
		got, ok := n.Normalize("post_date_gmt", "2024-01-02 03:04:05").(time.Time)
		assert.True(t, ok)
		assert.Equal(t, time.UTC, got.Location())
		assert.True(t, got.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	})

	t.Run("local key", func(t *testing.T) {
		got, ok := n.Normalize("post_date", "2024-01-02 03:04:05").(time.Time)
		assert.True(t, ok)
		assert.True(t, got.Equal(time.Date(2024, 1, 2, 1, 4, 5, 0, time.UTC)))
	})

	t.Run("explicit offset wins", func(t *testing.T) {
		got, ok := n.Normalize("post_date", "2024-01-02T03:04:05+05:00").(time.Time)
		assert.True(t, ok)
		assert.True(t, got.Equal(time.Date(2024, 1, 1, 22, 4, 5, 0, time.UTC)))
	})

	t.Run("invalid month stays raw", func(t *testing.T) {
		assert.Equal(t, "2024-13-02 03:04:05", n.Normalize("post_date", "2024-13-02 03:04:05"))
	})
}

func TestNormalize_DecodeFailureIsCounted(t *testing.T) {
	metrics := observability.NewUnregisteredMetrics()
	n := NewNormalizer(time.UTC, nil, metrics)

	assert.Equal(t, "[1,", n.Normalize("k", "[1,"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NormalizeFailureTotal))
}

func TestNormalize_Idempotent(t *testing.T) {
	n := NewNormalizer(time.UTC, nil, nil)

	values := []interface{}{
		"null", "true", "false", "12", "-0.5", "2024-05-06 07:08:09",
		"2024-05-06T07:08:09Z", `{"a":{"b":[1,2]}}`, `["x"]`, "plain", "",
		int64(3), 2.5, true, nil, []interface{}{"1", "2"}, &point{1, 2},
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	for _, v := range values {
		once := n.Normalize("field_gmt", v)
		twice := n.Normalize("field_gmt", once)
		assert.True(t, AreEqual(once, twice), "normalize not idempotent for %#v", v)
	}
}

func TestAreEqual(t *testing.T) {
	t.Run("reflexive", func(t *testing.T) {
		values := []interface{}{
			nil, "a", int64(1), 1.5, true, []interface{}{1, "x"},
			map[string]interface{}{"k": "v"}, &point{1, 2}, point{3, 4},
			time.Now(),
		}
		for _, v := range values {
			assert.True(t, AreEqual(v, v), "%#v", v)
		}
	})

	t.Run("structural equality of separate values", func(t *testing.T) {
		assert.True(t, AreEqual(&point{1, 2}, &point{1, 2}))
		assert.True(t, AreEqual(
			map[string]interface{}{"a": int64(1), "b": "x"},
			map[string]interface{}{"b": "x", "a": int64(1)},
		))
		assert.False(t, AreEqual(&point{1, 2}, &point{2, 1}))
	})

	t.Run("type identity", func(t *testing.T) {
		assert.False(t, AreEqual(int64(1), 1.0))
		assert.False(t, AreEqual("1", int64(1)))
		assert.False(t, AreEqual(point{1, 2}, &point{1, 2}))
		assert.False(t, AreEqual(nil, ""))
		assert.False(t, AreEqual(false, nil))
	})

	t.Run("typed composite against its stored form", func(t *testing.T) {
		type tagged struct {
			Z string `json:"z"`
			A int    `json:"a"`
		}
		values := []interface{}{
			[]string{"a", "b"},
			map[string]int{"x": 1, "y": 2},
			tagged{Z: "last", A: 7},
			&tagged{Z: "p", A: 1},
			[2]float64{1.5, 2},
		}
		for _, v := range values {
			data, err := EncodeValue(v)
			require.NoError(t, err)
			loaded, err := DecodeValue(data)
			require.NoError(t, err)

			assert.True(t, AreEqual(v, loaded), "%T", v)
			assert.True(t, AreEqual(loaded, v), "%T", v)
		}

		assert.False(t, AreEqual([]string{"a", "b"}, []interface{}{"a", "c"}))
		assert.False(t, AreEqual([]string{}, map[string]interface{}{}))
		assert.False(t, AreEqual([]interface{}{"1"}, "1"))
		assert.False(t, AreEqual(map[string]interface{}{"a": int64(1)}, map[string]int{"a": 2}))
	})

	t.Run("symmetric", func(t *testing.T) {
		pairs := [][2]interface{}{
			{int64(1), int64(1)},
			{int64(1), int64(2)},
			{"a", nil},
			{&point{1, 2}, &point{1, 2}},
			{[]interface{}{1}, []interface{}{2}},
		}
		for _, p := range pairs {
			assert.Equal(t, AreEqual(p[0], p[1]), AreEqual(p[1], p[0]))
		}
	})

	t.Run("time by instant", func(t *testing.T) {
		utc := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
		assert.True(t, AreEqual(utc, utc.In(time.FixedZone("X", 3600))))
	})
}
