package main

import (
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvloznov/msp-reconciler/internal/pipeline"
	"github.com/dvloznov/msp-reconciler/internal/query"
)

func newAssignCommand(g *globals) *cobra.Command {
	var a query.Assignment
	cmd := &cobra.Command{
		Use:   "assign ORDER_NUMBER",
		Short: "Place an unbooked measure in a region and district",
		Long: `Assign records a manual placement for a measure that has no SAP posting
yet. The measure stays parked there in later runs until a posting books it.`,
		Example: `  reconcile assign 3070 --region Süd --district München`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			order, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("order number %q is not a number", args[0])
			}
			if a.AssignedBy == "" {
				if u, err := user.Current(); err == nil {
					a.AssignedBy = u.Username
				}
			}
			a.At = time.Now()
			parked, err := pipeline.AssignMeasure(cmd.Context(), g.store.Blobs, order, a)
			if err != nil {
				return err
			}
			return g.write(cmd, parked)
		},
	}
	cmd.Flags().StringVar(&a.Region, "region", "", "region to place the measure in")
	cmd.Flags().StringVar(&a.District, "district", "", "district to place the measure in")
	cmd.Flags().StringVar(&a.AssignedBy, "by", "", "who made the assignment (defaults to the current user)")
	return cmd
}
