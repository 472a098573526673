package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"fixloop/pkg/protocol"
)

// newBudgetCmd creates the "fixloop budget" subcommand.
func newBudgetCmd(flags *globalFlags) *cobra.Command {
	var (
		days   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show today's spawn budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := flags.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			today, err := a.svc.TodayBudget(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
					Date       string `json:"date"`
					SpawnCount int    `json:"spawn_count"`
					MaxSpawns  int    `json:"max_spawns"`
					Remaining  int    `json:"remaining"`
				}{today.Date, today.SpawnCount, today.MaxSpawns, today.Remaining()})
			}
			var history []protocol.SpawnBudget
			if days > 0 {
				if history, err = a.ledger.History(cmd.Context(), days); err != nil {
					return err
				}
			}
			renderBudget(cmd.OutOrStdout(), today, history)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "also list the last N recorded days")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
