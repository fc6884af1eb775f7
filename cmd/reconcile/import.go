package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/output"
	"github.com/dvloznov/msp-reconciler/internal/sources/files"
	"github.com/dvloznov/msp-reconciler/internal/storage"
	"github.com/dvloznov/msp-reconciler/internal/storage/sqlite"
)

// defaultImportBatch is used when --batch is not given.
const defaultImportBatch = "default"

func newImportCommand(g *globals) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load .xlsx/.csv exports into the sqlite backend",
		Long: `Import reads <dir>/<table>.xlsx or <dir>/<table>.csv for each configured
source table and stores the rows under one batch id, "default" unless --batch
is given. Importing the same batch again replaces its rows; runs without
--batch read every batch. Missing exports are skipped.`,
		Example: `  reconcile import --dir ./exports
  reconcile import --dir ./exports --batch 2024-06`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logger.FromContext(ctx)

			store, ok := g.store.Blobs.(*sqlite.Store)
			if !ok {
				return fmt.Errorf("import needs the sqlite backend, configured backend is %q", g.cfg.Backend)
			}
			batch := g.cfg.BatchID
			if batch == "" {
				batch = defaultImportBatch
			}

			reader := files.NewReader(dir)
			tables := []string{g.cfg.Tables.Postings, g.cfg.Tables.Measures, g.cfg.Tables.FloorMapping, g.cfg.Tables.HQMapping}
			result := importResult{Batch: batch, Rows: map[string]int{}}
			for _, table := range tables {
				rows, err := reader.ReadTable(ctx, table, "")
				if errors.Is(err, storage.ErrNotFound) {
					log.Warn().Str("table", table).Str("dir", dir).Msg("No export found, skipping table")
					continue
				}
				if err != nil {
					return err
				}
				if err := store.ImportRows(ctx, table, batch, rows); err != nil {
					return err
				}
				result.Rows[table] = len(rows)
				result.tables = append(result.tables, table)
				log.Info().Str("table", table).Int("rows", len(rows)).Str("batch_id", batch).Msg("Imported table")
			}
			if len(result.Rows) == 0 {
				return fmt.Errorf("no exports found in %s", dir)
			}
			return g.write(cmd, result)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding the exports")
	return cmd
}

type importResult struct {
	Batch string         `json:"batch_id"`
	Rows  map[string]int `json:"rows"`

	tables []string
}

func (r importResult) Table() output.Table {
	t := output.Table{Headers: []string{"Table", "Rows", "Batch"}}
	for _, table := range r.tables {
		t.Rows = append(t.Rows, []string{table, fmt.Sprint(r.Rows[table]), r.Batch})
	}
	return t
}
