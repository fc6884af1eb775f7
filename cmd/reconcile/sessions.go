package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/output"
)

func newSessionsCommand(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent processing sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := g.store.Sessions.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return g.write(cmd, sessionList(sessions))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of sessions to show")
	return cmd
}

type sessionList []*domain.Session

func (l sessionList) Table() output.Table {
	t := output.Table{Headers: []string{"Session", "Mode", "Status", "Started", "Finished", "Postings", "Processed", "Error"}}
	for _, s := range l {
		finished := ""
		if s.FinishedAt != nil {
			finished = s.FinishedAt.Format(time.RFC3339)
		}
		t.Rows = append(t.Rows, []string{
			s.SessionID, string(s.Mode), string(s.Status),
			s.StartedAt.Format(time.RFC3339), finished,
			strconv.Itoa(s.Counts.Postings), strconv.Itoa(s.Counts.ProcessedPostings),
			s.ErrorMessage,
		})
	}
	return t
}
