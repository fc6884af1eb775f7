package main

import (
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/output"
	"github.com/dvloznov/msp-reconciler/internal/query"
	"github.com/dvloznov/msp-reconciler/internal/storage"
)

var errNoResult = errors.New("no reconciliation result stored yet, run `reconcile run` first")

func loadResult(cmd *cobra.Command, g *globals) (*domain.Result, error) {
	res, err := storage.LoadResult(cmd.Context(), g.store.Blobs)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errNoResult
	}
	return res, nil
}

func newInspectCommand(g *globals) *cobra.Command {
	var f query.Filter
	var category string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List transactions of the stored result",
		Example: `  reconcile inspect --department Bayern
  reconcile inspect --category OUTLIER -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := loadResult(cmd, g)
			if err != nil {
				return err
			}
			f.Category = domain.Category(category)
			return g.write(cmd, transactionList(query.Transactions(res, f)))
		},
	}
	cmd.Flags().StringVar(&f.Department, "department", "", "filter by department")
	cmd.Flags().StringVar(&f.Region, "region", "", "filter by region")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status label")
	cmd.Flags().StringVar(&category, "category", "", "filter by category, e.g. DIRECT_COST")
	return cmd
}

func newStatsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show statistics of the stored result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := loadResult(cmd, g)
			if err != nil {
				return err
			}
			return g.write(cmd, statsView{
				SessionID:   res.SessionID,
				Mode:        res.Mode,
				GeneratedAt: res.GeneratedAt,
				Statistics:  res.Statistics,
			})
		},
	}
}

type statsView struct {
	SessionID   string            `json:"session_id"`
	Mode        domain.Mode       `json:"mode"`
	GeneratedAt time.Time         `json:"generated_at"`
	Statistics  domain.Statistics `json:"statistics"`
}

func (s statsView) Table() output.Table {
	rows := [][]string{
		{"Session", s.SessionID},
		{"Mode", string(s.Mode)},
		{"Generated", s.GeneratedAt.Format(time.RFC3339)},
	}
	return output.Table{Headers: []string{"Property", "Value"}, Rows: append(rows, statisticsRows(s.Statistics)...)}
}

type transactionList []domain.Transaction

func (l transactionList) Table() output.Table {
	t := output.Table{Headers: []string{"ID", "Category", "Status", "Department", "Region", "District", "Order", "Amount"}}
	for _, tx := range l {
		h := tx.Base()
		order := ""
		if n, ok := domain.OrderNumberOf(tx); ok {
			order = strconv.Itoa(n)
		}
		t.Rows = append(t.Rows, []string{
			h.TransactionID, string(h.Category), h.Status,
			h.Department, h.Region, h.District,
			order, amountOf(tx).StringFixed(2),
		})
	}
	return t
}

// amountOf is the amount shown for a transaction: booked amounts for
// postings, estimates for unbooked measures.
func amountOf(tx domain.Transaction) decimal.Decimal {
	switch v := tx.(type) {
	case *domain.DirectCost:
		return v.Amount
	case *domain.BookedMeasure:
		return v.ActualAmount
	case *domain.ParkedMeasure:
		return v.EstimatedAmount
	case *domain.UnassignedMeasure:
		return v.EstimatedAmount
	case *domain.Outlier:
		return v.Amount
	}
	return decimal.Zero
}
