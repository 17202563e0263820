package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/audittrail/pkg/retention"
)

var purgeCmd = &cobra.Command{
	Use:     "purge",
	Short:   "Delete events older than the retention period",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			return fmt.Errorf("--days must be positive")
		}

		var archiver retention.Archiver
		if bucket, _ := cmd.Flags().GetString("archive-bucket"); bucket != "" {
			region, _ := cmd.Flags().GetString("archive-region")
			endpoint, _ := cmd.Flags().GetString("archive-endpoint")
			s3a, err := retention.NewS3Archiver(cmd.Context(), retention.S3Config{
				Bucket:       bucket,
				Region:       region,
				Endpoint:     endpoint,
				AccessKey:    os.Getenv("AUDIT_S3_ACCESS_KEY"),
				SecretKey:    os.Getenv("AUDIT_S3_SECRET_KEY"),
				UsePathStyle: endpoint != "",
			})
			if err != nil {
				return err
			}
			archiver = s3a
		}

		prefix, _ := cmd.Flags().GetString("archive-prefix")
		cleaner, err := retention.NewCleaner(store, archiver, retention.Config{
			Retention:     time.Duration(days) * 24 * time.Hour,
			ArchivePrefix: prefix,
		}, logger, nil)
		if err != nil {
			return err
		}

		res, err := cleaner.Run(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cutoff:   %s\n", res.Cutoff.Format(time.RFC3339))
		if archiver != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Archived: %d events in %d objects\n", res.Archived, res.Objects)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted:  %d events\n", res.Deleted)
		return nil
	},
}

func init() {
	purgeCmd.Flags().Int("days", 0, "delete events older than this many days")
	purgeCmd.Flags().String("archive-bucket", "", "archive to this S3 bucket before deleting")
	purgeCmd.Flags().String("archive-region", "us-east-1", "S3 region")
	purgeCmd.Flags().String("archive-endpoint", "", "S3-compatible endpoint (MinIO)")
	purgeCmd.Flags().String("archive-prefix", "audit-archive", "object key prefix")
}
