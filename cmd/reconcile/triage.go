package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/dvloznov/msp-reconciler/internal/notionsync"
)

func newTriageCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Work with the Notion triage board of unassigned measures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var dryRun bool
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Mirror the measures awaiting assignment into Notion",
		Long: `Sync creates or updates one Notion page per measure awaiting assignment
and archives pages of measures that were assigned or booked since.

Requires RECONCILER_NOTION_TOKEN and RECONCILER_NOTION_DATABASE_ID.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.cfg.NotionToken == "" || g.cfg.NotionDatabaseID == "" {
				return errors.New("RECONCILER_NOTION_TOKEN and RECONCILER_NOTION_DATABASE_ID are required")
			}
			client := notionsync.NewClient(g.cfg.NotionToken)
			stats, err := notionsync.SyncSnapshot(cmd.Context(), g.store.Blobs, client, g.cfg.NotionDatabaseID, dryRun)
			if err != nil {
				return err
			}
			return g.write(cmd, stats)
		},
	}
	sync.Flags().BoolVar(&dryRun, "dry-run", false, "log what would change without writing to Notion")

	cmd.AddCommand(sync)
	return cmd
}
