package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dvloznov/msp-reconciler/internal/app"
	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/output"
	"github.com/dvloznov/msp-reconciler/internal/pipeline"
)

func newRunCommand(g *globals) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a reconciliation",
		Long: `Run reads the source tables, classifies postings and measures, keeps the
budget allocation in sync and stores the result and frontend views.

INCREMENTAL reprocesses only what changed since the previous run and falls
back to a full run when there is no usable baseline.`,
		Example: `  reconcile run
  reconcile run --mode FULL
  reconcile run --source-dir ./exports --backend memory -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, ok := domain.ParseMode(strings.ToUpper(mode))
			if !ok {
				return fmt.Errorf("--mode must be FULL or INCREMENTAL, got %q", mode)
			}
			runner := pipeline.NewRunner(g.store, app.RunnerOptions(g.cfg))
			report, err := runner.Run(cmd.Context(), m)
			if err != nil {
				return err
			}
			return g.write(cmd, runSummary{
				Session:      report.Session,
				Statistics:   report.Result.Statistics,
				BudgetAdded:  report.BudgetAdded,
				BudgetBackup: report.BudgetBackup,
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(domain.ModeIncremental), "run mode: FULL or INCREMENTAL")
	return cmd
}

type runSummary struct {
	Session      *domain.Session   `json:"session"`
	Statistics   domain.Statistics `json:"statistics"`
	BudgetAdded  int               `json:"budget_keys_added"`
	BudgetBackup string            `json:"budget_backup,omitempty"`
}

func (s runSummary) Table() output.Table {
	rows := [][]string{
		{"Session", s.Session.SessionID},
		{"Mode", string(s.Session.Mode)},
		{"Status", string(s.Session.Status)},
	}
	rows = append(rows, statisticsRows(s.Statistics)...)
	rows = append(rows, []string{"Budget keys added", strconv.Itoa(s.BudgetAdded)})
	if s.BudgetBackup != "" {
		rows = append(rows, []string{"Budget backup", s.BudgetBackup})
	}
	return output.Table{Headers: []string{"Property", "Value"}, Rows: rows}
}

func statisticsRows(st domain.Statistics) [][]string {
	return [][]string{
		{"Postings", strconv.Itoa(st.TotalPostings)},
		{"Processed postings", strconv.Itoa(st.ProcessedPostings)},
		{"Measures", strconv.Itoa(st.TotalMeasures)},
		{"Direct costs", strconv.Itoa(st.DirectCosts)},
		{"Booked measures", strconv.Itoa(st.BookedMeasures)},
		{"Parked measures", strconv.Itoa(st.ParkedMeasures)},
		{"Unassigned measures", strconv.Itoa(st.UnassignedMeasures)},
		{"Outliers", strconv.Itoa(st.Outliers)},
		{"Placeholders", strconv.Itoa(st.Placeholders)},
		{"Transactions", strconv.Itoa(st.TotalTransactions)},
	}
}
