package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/dvloznov/msp-reconciler/internal/budget"
	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/output"
)

func newBudgetCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show and maintain the budget allocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newBudgetShowCommand(g),
		newBudgetSetCommand(g),
		newBudgetBackupsCommand(g),
		newBudgetRestoreCommand(g),
	)
	return cmd
}

func newBudgetShowCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current allocation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := budget.NewManager(g.store.Blobs).Load(cmd.Context())
			if err != nil {
				return err
			}
			return g.write(cmd, allocationView(alloc))
		},
	}
}

func newBudgetSetCommand(g *globals) *cobra.Command {
	var scope, key, amount string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set the allocated budget of one key",
		Example: `  reconcile budget set --scope department --key "Bayern|Floor" --amount 25000
  reconcile budget set --scope region --key "Bayern|Süd|Floor" --amount 8000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			alloc, err := budget.NewManager(g.store.Blobs).Set(cmd.Context(), budget.Scope(scope), key, value)
			if err != nil {
				return err
			}
			return g.write(cmd, alloc)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", string(budget.ScopeDepartment), "department or region")
	cmd.Flags().StringVar(&key, "key", "", "budget key, parts joined by |")
	cmd.Flags().StringVar(&amount, "amount", "", "allocated budget")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newBudgetBackupsCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "backups",
		Aliases: []string{"backup"},
		Short:   "List budget backups, oldest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := budget.NewManager(g.store.Blobs).Backups(cmd.Context())
			if err != nil {
				return err
			}
			return g.write(cmd, keyList(keys))
		},
	}
}

func newBudgetRestoreCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "restore BACKUP_KEY",
		Short: "Replace the allocation with a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backup, err := budget.NewManager(g.store.Blobs).Restore(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return g.write(cmd, map[string]string{"restored": args[0], "backup": backup})
		},
	}
}

type keyList []string

func (l keyList) Table() output.Table {
	t := output.Table{Headers: []string{"Key"}}
	for _, k := range l {
		t.Rows = append(t.Rows, []string{k})
	}
	return t
}

type allocationView domain.BudgetAllocation

func (a allocationView) MarshalJSON() ([]byte, error) {
	return json.Marshal(domain.BudgetAllocation(a))
}

func (a allocationView) Table() output.Table {
	t := output.Table{Headers: []string{"Scope", "Key", "Allocated", "Last updated"}}
	add := func(scope string, m map[string]domain.Allocation) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			updated := ""
			if m[k].LastUpdated != nil {
				updated = m[k].LastUpdated.Format("2006-01-02 15:04")
			}
			t.Rows = append(t.Rows, []string{scope, k, m[k].AllocatedBudget.StringFixed(2), updated})
		}
	}
	add(string(budget.ScopeDepartment), a.Departments)
	add(string(budget.ScopeRegion), a.Regions)
	return t
}
