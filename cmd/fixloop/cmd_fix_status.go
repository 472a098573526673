package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// newFixStatusCmd creates the "fixloop fix-status" subcommand.
func newFixStatusCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "fix-status <issue>",
		Short: "Show an issue's spawn state and fix verification",
		Long:  "Resolves expired verifications, then prints the issue's spawn state, its\nfix attempts newest first, and whether it may be closed.",
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
			st, err := a.svc.GetFixStatus(cmd.Context(), issue.ID)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(st)
			}
			renderIssue(cmd.OutOrStdout(), issue)
			renderFixStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
