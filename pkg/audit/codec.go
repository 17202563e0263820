package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// storedValue is the column encoding for property and meta values. The type
// tag lets a load return the same Go type that was saved.
type storedValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// EncodeValue encodes v for storage. nil encodes to nil (SQL NULL).
func EncodeValue(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	var sv storedValue
	switch x := v.(type) {
	case bool:
		sv.Type = "bool"
	case int64:
		sv.Type = "int"
	case float64:
		sv.Type = "float"
	case string:
		sv.Type = "string"
	case time.Time:
		sv.Type = "time"
		v = x.Format(time.RFC3339Nano)
	case Removal:
		sv.Type = "removed"
	default:
		sv.Type = "json"
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T value: %w", v, err)
	}
	sv.Value = raw
	return json.Marshal(sv)
}

// DecodeValue reverses EncodeValue
func DecodeValue(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var sv storedValue
	if err := json.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("failed to decode stored value: %w", err)
	}

	switch sv.Type {
	case "bool":
		var b bool
		err := json.Unmarshal(sv.Value, &b)
		return b, err
	case "int":
		var i int64
		err := json.Unmarshal(sv.Value, &i)
		return i, err
	case "float":
		var f float64
		err := json.Unmarshal(sv.Value, &f)
		return f, err
	case "string":
		var s string
		err := json.Unmarshal(sv.Value, &s)
		return s, err
	case "time":
		var s string
		if err := json.Unmarshal(sv.Value, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case "removed":
		return Removed, nil
	case "json":
		decoded, err := decodeJSON(string(sv.Value))
		if err != nil {
			return nil, err
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("unknown stored value type %q", sv.Type)
}
