package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"fixloop/pkg/store"
)

// newLogsCmd creates the "fixloop logs" subcommand.
func newLogsCmd(flags *globalFlags) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <issue>",
		Short: "Show an issue's audit trail",
		Long:  "Displays the recorded spawn, fix and status transitions for an issue,\noldest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			issue, err := a.svc.ResolveIssue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			records, err := a.activity.List(cmd.Context(), issue.ID, tail)
			if err != nil {
				return err
			}
			printActivity(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 20, "number of recent entries to show")
	return cmd
}

// printActivity writes records oldest first. List returns newest first.
func printActivity(w io.Writer, records []store.ActivityRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no activity recorded")
		return
	}
	p := newPalette(w)
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		fmt.Fprintf(w, "%s  %-20s %-14s %s\n",
			p.muted.Render(r.CreatedAt.UTC().Format(time.DateTime)), r.Type, r.Actor, r.Payload)
	}
}
