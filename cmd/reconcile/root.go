package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvloznov/msp-reconciler/internal/app"
	"github.com/dvloznov/msp-reconciler/internal/config"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/output"
	"github.com/dvloznov/msp-reconciler/internal/storage"
	"github.com/dvloznov/msp-reconciler/internal/telemetry"
)

// globals holds the persistent flags and what PersistentPreRunE built
// from them.
type globals struct {
	envFile    string
	backend    string
	sqlitePath string
	sourceDir  string
	batchID    string
	logLevel   string
	format     string

	cfg      *config.Config
	store    *storage.Backend
	outputF  output.Format
	shutdown func(context.Context) error
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile SAP postings with MSP measures",
		Long: `reconcile classifies SAP cost postings against MSP marketing measures,
keeps manually maintained budgets and tracks what changed between runs.

Configuration comes from RECONCILER_* environment variables, optionally
loaded from a .env file; the flags below override them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return g.teardown(cmd)
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&g.envFile, "env", ".env", "dotenv file to load before reading the environment")
	f.StringVar(&g.backend, "backend", "", "storage backend: sqlite, gcp or memory")
	f.StringVar(&g.sqlitePath, "sqlite-path", "", "path of the sqlite database")
	f.StringVar(&g.sourceDir, "source-dir", "", "read source tables from .xlsx/.csv exports in this directory")
	f.StringVar(&g.batchID, "batch", "", "restrict source reads to one import batch")
	f.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVarP(&g.format, "output", "o", "", "output format: table, json or yaml")

	root.AddCommand(
		newRunCommand(g),
		newInspectCommand(g),
		newStatsCommand(g),
		newSessionsCommand(g),
		newBudgetCommand(g),
		newAssignCommand(g),
		newTriageCommand(g),
		newImportCommand(g),
	)
	return root
}

func (g *globals) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(g.envFile, func(c *config.Config) {
		if g.backend != "" {
			c.Backend = g.backend
		}
		if g.sqlitePath != "" {
			c.SQLitePath = g.sqlitePath
		}
		if g.sourceDir != "" {
			c.SourceDir = g.sourceDir
		}
		if g.batchID != "" {
			c.BatchID = g.batchID
		}
		if g.logLevel != "" {
			c.LogLevel = g.logLevel
		}
	})
	if err != nil {
		return err
	}
	g.cfg = cfg

	if g.outputF, err = output.ParseFormat(g.format); err != nil {
		return err
	}

	log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel)
	ctx := logger.WithContext(cmd.Context(), log)
	cmd.SetContext(ctx)

	if g.shutdown, err = telemetry.Setup(ctx, "msp-reconciler-cli", cfg.OTelEndpoint); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if g.store, err = app.OpenBackend(ctx, cfg); err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	return nil
}

func (g *globals) teardown(cmd *cobra.Command) error {
	var errs []error
	if g.store != nil {
		errs = append(errs, g.store.Close())
	}
	if g.shutdown != nil {
		errs = append(errs, g.shutdown(context.WithoutCancel(cmd.Context())))
	}
	return errors.Join(errs...)
}

// write renders v on the command's output in the selected format.
func (g *globals) write(cmd *cobra.Command, v any) error {
	return output.Write(cmd.OutOrStdout(), g.outputF, v)
}
