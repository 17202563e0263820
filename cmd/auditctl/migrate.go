package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/audittrail/pkg/storage/postgres"
)

// migrateDB opens the primary pool for schema commands; tests replace it
var migrateDB = func(cmd *cobra.Command) (*sql.DB, func() error, error) {
	conns, err := postgres.NewConnectionManager(cmd.Context(), postgres.ConnectionConfig{
		PrimaryURL: databaseURL,
		MaxConns:   2,
		Timeout:    10 * time.Second,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conns.Primary(), conns.Close, nil
}

var migrateCmd = &cobra.Command{
	Use:         "migrate <up|down|version>",
	Short:       "Manage the audit schema",
	GroupID:     "system",
	Args:        cobra.ExactArgs(1),
	ValidArgs:   []string{"up", "down", "version"},
	Annotations: map[string]string{"db": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "up", "down", "version":
		default:
			return fmt.Errorf("unknown migrate action %q (must be up, down or version)", args[0])
		}

		db, closeFn, err := migrateDB(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		switch args[0] {
		case "up":
			if err := postgres.Migrate(db); err != nil {
				return err
			}
		case "down":
			if err := postgres.Rollback(db); err != nil {
				return err
			}
		}

		version, dirty, err := postgres.SchemaVersion(db)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"version": version,
				"dirty":   dirty,
			})
		}
		state := ""
		if dirty {
			state = " (dirty)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d%s\n", version, state)
		return nil
	},
}
