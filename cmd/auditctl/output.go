package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/platinummonkey/audittrail/pkg/audit"
)

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func actorLabel(ev *audit.Event) string {
	switch {
	case ev.ActorID == 0 && ev.ActorName == "":
		return "-"
	case ev.ActorName == "":
		return fmt.Sprintf("#%d", ev.ActorID)
	default:
		return fmt.Sprintf("%s (#%d)", ev.ActorName, ev.ActorID)
	}
}

func subjectLabel(s *audit.SubjectRef) string {
	if s == nil {
		return "-"
	}
	if s.Name != "" {
		return fmt.Sprintf("%s:%s %q", s.Kind, s.ID, s.Name)
	}
	return s.Key()
}

func printEventTable(w io.Writer, events []*audit.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOCCURRED\tCLASSIFICATION\tACTOR\tSUBJECT\tCHANGES")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
			ev.ID,
			ev.OccurredAt.UTC().Format(time.RFC3339),
			ev.Classification,
			actorLabel(ev),
			subjectLabel(ev.Subject),
			len(ev.Properties),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d event(s)\n", len(events))
}

func formatValue(v interface{}) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func printEvent(w io.Writer, ev *audit.Event, note *audit.Note) {
	fmt.Fprintf(w, "Event %d: %s\n", ev.ID, ev.Classification)
	fmt.Fprintf(w, "  Occurred: %s\n", ev.OccurredAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  Actor:    %s\n", actorLabel(ev))
	if ev.ActorRole != "" {
		fmt.Fprintf(w, "  Role:     %s\n", ev.ActorRole)
	}
	if ev.ActorIP != "" {
		fmt.Fprintf(w, "  IP:       %s\n", ev.ActorIP)
	}
	fmt.Fprintf(w, "  Subject:  %s\n", subjectLabel(ev.Subject))

	if len(ev.Properties) > 0 {
		keys := make([]string, 0, len(ev.Properties))
		for k := range ev.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(w, "\nChanges:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "  KEY\tBEFORE\tAFTER")
		for _, k := range keys {
			p := ev.Properties[k]
			after := "(unchanged)"
			if p.After != nil {
				after = formatValue(p.After)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", k, formatValue(p.Before), after)
		}
		tw.Flush()
	}

	if len(ev.Meta) > 0 {
		keys := make([]string, 0, len(ev.Meta))
		for k := range ev.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(w, "\nMeta:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, formatValue(ev.Meta[k].Value))
		}
	}

	if note != nil {
		fmt.Fprintf(w, "\nNote by %s (%s):\n  %s\n", note.AuthorName, note.UpdatedAt.UTC().Format(time.RFC3339), note.Body)
	}
}
