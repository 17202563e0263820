package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/audittrail/pkg/async"
	"github.com/platinummonkey/audittrail/pkg/audit"
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid event id %q", s)
	}
	return id, nil
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	Short:   "Show one event with its changes and note",
	GroupID: "events",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		ev, err := store.Load(cmd.Context(), id)
		if errors.Is(err, audit.ErrNotFound) {
			return fmt.Errorf("event %d not found", id)
		}
		if err != nil {
			return err
		}

		note, err := store.LoadNote(cmd.Context(), id)
		if err != nil && !errors.Is(err, audit.ErrNotFound) {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), struct {
				*audit.Event
				Note *audit.Note `json:"note,omitempty"`
			}{ev, note})
		}
		printEvent(cmd.OutOrStdout(), ev, note)
		return nil
	},
}

// filterFlags binds the search filter flags shared by search and export
func filterFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("actor", 0, "only events by this actor id")
	cmd.Flags().StringSliceP("class", "c", nil, "classification (repeatable)")
	cmd.Flags().String("subject-kind", "", "subject kind (post, page, user, ...)")
	cmd.Flags().String("subject-id", "", "subject id")
	cmd.Flags().String("since", "", "start time, RFC 3339 or a duration ago such as 72h")
	cmd.Flags().String("until", "", "end time (exclusive), RFC 3339 or a duration ago")
	cmd.Flags().String("order", "desc", "sort order, asc or desc")
}

// parseWhen accepts an RFC 3339 timestamp or a duration before now
func parseWhen(s string, now time.Time) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := now.Add(-d)
		return &t, nil
	}
	return nil, fmt.Errorf("invalid time %q", s)
}

func buildFilter(cmd *cobra.Command) (audit.SearchFilter, error) {
	var filter audit.SearchFilter
	now := time.Now()

	if actor, _ := cmd.Flags().GetInt64("actor"); actor > 0 {
		filter.ActorID = &actor
	}
	filter.Classifications, _ = cmd.Flags().GetStringSlice("class")

	if kind, _ := cmd.Flags().GetString("subject-kind"); kind != "" {
		k, err := audit.ParseSubjectKind(kind)
		if err != nil {
			return filter, err
		}
		filter.SubjectKind = k
	}
	filter.SubjectID, _ = cmd.Flags().GetString("subject-id")

	since, _ := cmd.Flags().GetString("since")
	start, err := parseWhen(since, now)
	if err != nil {
		return filter, err
	}
	until, _ := cmd.Flags().GetString("until")
	end, err := parseWhen(until, now)
	if err != nil {
		return filter, err
	}
	filter.StartTime, filter.EndTime = start, end

	order, _ := cmd.Flags().GetString("order")
	if order != "asc" && order != "desc" {
		return filter, fmt.Errorf("invalid order %q (must be asc or desc)", order)
	}
	filter.SortOrder = order

	return filter, nil
}

var searchCmd = &cobra.Command{
	Use:     "search",
	Short:   "List events matching filters",
	GroupID: "events",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := buildFilter(cmd)
		if err != nil {
			return err
		}
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		filter.Offset, _ = cmd.Flags().GetInt("offset")

		events, err := store.Search(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("searching events: %w", err)
		}

		if jsonOutput {
			if events == nil {
				events = []*audit.Event{}
			}
			return printJSON(cmd.OutOrStdout(), events)
		}
		printEventTable(cmd.OutOrStdout(), events)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Export matching events as JSON, CSV or NDJSON",
	GroupID: "events",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := buildFilter(cmd)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		switch audit.ExportFormat(format) {
		case audit.ExportFormatJSON, audit.ExportFormatCSV, audit.ExportFormatNDJSON:
		default:
			return fmt.Errorf("invalid format %q (must be json, csv or ndjson)", format)
		}

		events, err := store.Search(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("searching events: %w", err)
		}
		data, err := audit.Export(events, audit.ExportFormat(format))
		if err != nil {
			return err
		}

		output, _ := cmd.Flags().GetString("output")
		if output == "" || output == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(output, data, 0o640); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d events to %s\n", len(events), output)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>...",
	Short:   "Delete events by id",
	GroupID: "events",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := parseID(a)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		workers, _ := cmd.Flags().GetInt("workers")
		errs := async.Batch(cmd.Context(), ids, workers, "delete events", 30*time.Second, logger,
			func(ctx context.Context, id int64) error {
				ev, err := recorder.Load(ctx, id)
				if err != nil {
					return fmt.Errorf("event %d: %w", id, err)
				}
				if err := ev.Delete(ctx); err != nil {
					return fmt.Errorf("event %d: %w", id, err)
				}
				return nil
			})

		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d of %d events\n", len(ids)-len(errs), len(ids))
		return errors.Join(errs...)
	},
}

func init() {
	filterFlags(searchCmd)
	searchCmd.Flags().Int("limit", 50, "maximum number of results (0 for all)")
	searchCmd.Flags().Int("offset", 0, "number of results to skip")

	filterFlags(exportCmd)
	exportCmd.Flags().StringP("format", "f", "json", "json, csv or ndjson")
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")

	deleteCmd.Flags().Int("workers", 4, "concurrent deletions")
}
