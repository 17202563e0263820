package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/audittrail/pkg/audit"
)

var noteCmd = &cobra.Command{
	Use:     "note <id> <body>",
	Short:   "Attach or replace the reviewer note on an event",
	GroupID: "events",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		body := strings.TrimSpace(strings.Join(args[1:], " "))
		if body == "" {
			return fmt.Errorf("note body is empty")
		}

		authorID, _ := cmd.Flags().GetInt64("author-id")
		authorName, _ := cmd.Flags().GetString("author-name")
		if authorID <= 0 {
			return fmt.Errorf("--author-id is required")
		}

		if _, err := store.Load(cmd.Context(), id); err != nil {
			if errors.Is(err, audit.ErrNotFound) {
				return fmt.Errorf("event %d not found", id)
			}
			return err
		}

		note := &audit.Note{
			EventID:    id,
			AuthorID:   authorID,
			AuthorName: authorName,
			Body:       body,
		}
		if err := store.SaveNote(cmd.Context(), note); err != nil {
			return fmt.Errorf("saving note: %w", err)
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), note)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved note on event %d\n", id)
		return nil
	},
}

func init() {
	noteCmd.Flags().Int64("author-id", 0, "reviewer user id")
	noteCmd.Flags().String("author-name", "", "reviewer display name")
}
