package audit

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

// maxNormalizePasses bounds the fixed-point loop in Normalize
const maxNormalizePasses = 8

var (
	intPattern   = regexp.MustCompile(`^-?(0|[1-9]\d*)$`)
	floatPattern = regexp.MustCompile(`^-?(0|[1-9]\d*)\.\d+([eE][+-]?\d+)?$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
)

// Keys with these suffixes hold UTC timestamps
var utcKeySuffixes = []string{"_gmt", "_utc"}

// Normalizer converts stored values into canonical Go values. Strings that
// unambiguously look like null, booleans, numbers, dates or JSON documents
// are coerced; everything else is returned unchanged.
type Normalizer struct {
	// Location is used for date-time strings without an offset whose key
	// does not carry a UTC suffix
	Location *time.Location

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewNormalizer creates a normalizer. A nil location means time.Local.
func NewNormalizer(loc *time.Location, logger *observability.Logger, metrics *observability.Metrics) *Normalizer {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewUnregisteredMetrics()
	}
	return &Normalizer{Location: loc, logger: logger, metrics: metrics}
}

var defaultNormalizer = NewNormalizer(time.Local, nil, nil)

// Normalize converts raw into its canonical form. It never fails: values
// that cannot be decoded are returned as-is and the failure is logged.
func Normalize(key string, raw interface{}) interface{} {
	return defaultNormalizer.Normalize(key, raw)
}

// Normalize converts raw into its canonical form, repeating until the value
// stops changing so that Normalize(k, Normalize(k, v)) == Normalize(k, v).
func (n *Normalizer) Normalize(key string, raw interface{}) interface{} {
	v := raw
	for i := 0; i < maxNormalizePasses; i++ {
		next := n.normalizeOnce(key, v)
		if AreEqual(next, v) {
			return next
		}
		v = next
	}
	return v
}

func (n *Normalizer) normalizeOnce(key string, v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case string:
		return n.coerceString(key, x)
	case json.Number:
		return numberValue(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return widenUnsigned(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return widenUnsigned(x)
	case float32:
		return float64(x)
	case int64, float64, bool, time.Time:
		return x
	}

	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Len() == 1 {
		return rv.Index(0).Interface()
	}
	return v
}

func widenUnsigned(u uint64) interface{} {
	if u > math.MaxInt64 {
		return u
	}
	return int64(u)
}

func (n *Normalizer) coerceString(key, s string) interface{} {
	switch {
	case s == "null":
		return nil
	case s == "true":
		return true
	case s == "false":
		return false
	case intPattern.MatchString(s):
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		return s
	case floatPattern.MatchString(s):
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	case datePattern.MatchString(s):
		if t, ok := n.parseDate(key, s); ok {
			return t
		}
		return s
	case strings.HasPrefix(s, "{") || strings.HasPrefix(s, "["):
		decoded, err := decodeJSON(s)
		if err != nil {
			n.metrics.NormalizeFailureTotal.Inc()
			n.logger.WithField("key", key).WithError(err).Debug("Keeping raw value, JSON decode failed")
			return s
		}
		return decoded
	}
	return s
}

func (n *Normalizer) parseDate(key, s string) (time.Time, bool) {
	if strings.HasPrefix(s, "0000-00-00") {
		return time.Time{}, false
	}

	if strings.HasSuffix(s, "Z") || hasOffset(s) {
		t, err := time.Parse(time.RFC3339Nano, strings.Replace(s, " ", "T", 1))
		return t, err == nil
	}

	loc := n.Location
	lower := strings.ToLower(key)
	for _, suffix := range utcKeySuffixes {
		if strings.HasSuffix(lower, suffix) {
			loc = time.UTC
			break
		}
	}

	layout := "2006-01-02 15:04:05.999999999"
	if strings.Contains(s, "T") {
		layout = "2006-01-02T15:04:05.999999999"
	}
	t, err := time.ParseInLocation(layout, s, loc)
	return t, err == nil
}

// hasOffset reports a trailing +hh:mm or -hh:mm after the time portion
func hasOffset(s string) bool {
	if len(s) < 6 {
		return false
	}
	tail := s[len(s)-6:]
	return (tail[0] == '+' || tail[0] == '-') && tail[3] == ':'
}

func decodeJSON(s string) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, &json.SyntaxError{Offset: dec.InputOffset()}
	}
	return convertNumbers(out), nil
}

func convertNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		return numberValue(x)
	case map[string]interface{}:
		for k, item := range x {
			x[k] = convertNumbers(item)
		}
		return x
	case []interface{}:
		for i, item := range x {
			x[i] = convertNumbers(item)
		}
		return x
	}
	return v
}

var removalType = reflect.TypeOf(Removed)

func isComposite(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Ptr:
		return true
	}
	return false
}

// isGenericJSON reports whether v has the shape decodeJSON produces
func isGenericJSON(v interface{}) bool {
	switch v.(type) {
	case []interface{}, map[string]interface{}:
		return true
	}
	return false
}

// canonicalJSON encodes v as decodeJSON would read it back, so struct field
// order and number types do not matter
func canonicalJSON(v interface{}) ([]byte, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	generic, err := decodeJSON(string(raw))
	if err != nil {
		return nil, false
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, false
	}
	return out, true
}

func numberValue(n json.Number) interface{} {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// AreEqual compares two normalized values. Composite values are equal when
// their dynamic types match and their canonical JSON encodings match, so two
// separately built values with the same content compare equal. A composite
// read back from storage comes as []interface{} or map[string]interface{};
// it equals a typed composite with the same canonical JSON.
func AreEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		if ta == removalType || tb == removalType {
			return false
		}
		if isComposite(ta) && isComposite(tb) && (isGenericJSON(a) || isGenericJSON(b)) {
			ca, okA := canonicalJSON(a)
			cb, okB := canonicalJSON(b)
			return okA && okB && bytes.Equal(ca, cb)
		}
		return false
	}

	if ts, ok := a.(time.Time); ok {
		return ts.Equal(b.(time.Time))
	}

	switch ta.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Ptr, reflect.Interface:
		ja, errA := json.Marshal(a)
		jb, errB := json.Marshal(b)
		if errA != nil || errB != nil {
			return reflect.DeepEqual(a, b)
		}
		return bytes.Equal(ja, jb)
	case reflect.Func:
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	case reflect.Float32, reflect.Float64:
		fa, fb := reflect.ValueOf(a).Float(), reflect.ValueOf(b).Float()
		if math.IsNaN(fa) && math.IsNaN(fb) {
			return true
		}
		return fa == fb
	}

	return a == b
}
