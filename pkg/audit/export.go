package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Export encodes events in the requested format. Unknown formats fall back
// to JSON.
func Export(events []*Event, format ExportFormat) ([]byte, error) {
	switch format {
	case ExportFormatCSV:
		return exportCSV(events)
	case ExportFormatNDJSON:
		var buf bytes.Buffer
		if err := WriteNDJSON(&buf, events); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return exportJSON(events)
	}
}

// exportJSON exports events as a JSON array
func exportJSON(events []*Event) ([]byte, error) {
	if events == nil {
		events = []*Event{}
	}
	return json.MarshalIndent(events, "", "  ")
}

// WriteNDJSON writes events as newline-delimited JSON
func WriteNDJSON(w io.Writer, events []*Event) error {
	encoder := json.NewEncoder(w)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

// exportCSV exports events as CSV, one row per event. Properties are
// flattened to "key: before -> after" entries separated by "; ".
func exportCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"ID",
		"OccurredAt",
		"Classification",
		"ActorID",
		"ActorName",
		"ActorRole",
		"ActorIP",
		"SubjectKind",
		"SubjectID",
		"SubjectName",
		"Changes",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		var kind, id, name string
		if event.Subject != nil {
			kind, id, name = string(event.Subject.Kind), event.Subject.ID, event.Subject.Name
		}

		row := []string{
			strconv.FormatInt(event.ID, 10),
			event.OccurredAt.UTC().Format(time.RFC3339),
			event.Classification,
			strconv.FormatInt(event.ActorID, 10),
			event.ActorName,
			event.ActorRole,
			event.ActorIP,
			kind,
			id,
			name,
			formatChanges(event.Properties),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

func formatChanges(props Properties) string {
	parts := make([]string, 0, len(props))
	for _, key := range props.Keys() {
		p := props[key]
		if !p.Changed() {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s -> %s", key, formatValue(p.Before), formatValue(p.After)))
	}
	return strings.Join(parts, "; ")
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case Removal:
		return "(removed)"
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case int64, float64, bool:
		return fmt.Sprint(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
