package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fixloop/pkg/orchestrator"
	"fixloop/pkg/protocol"
)

// newSpawnCmd creates the "fixloop spawn" subcommand.
func newSpawnCmd(flags *globalFlags) *cobra.Command {
	var (
		workflow string
		force    bool
		actor    string
		server   string
	)
	cmd := &cobra.Command{
		Use:   "spawn <issue>",
		Short: "Launch an agent job for an issue",
		Long: "Admits, claims and dispatches a plan, implement or fix job for the issue.\n" +
			"--force skips the daily budget and concurrency checks.\n\n" +
			"Without --server the job is launched in-process, and observers streaming\n" +
			"from a running \"fixloop serve\" do not see the transition. Pass --server\n" +
			"(or set FIXLOOP_SERVER) to launch through the daemon instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			daemonURL := resolveServer(server)
			a, err := flags.open(cmd, daemonURL == "")
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			issue, err := a.svc.ResolveIssue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var res orchestrator.SpawnResult
			if daemonURL != "" {
				res, err = newDaemonClient(daemonURL).spawn(cmd.Context(), issue.ID, workflow, force, actor)
			} else {
				res, err = a.svc.Spawn(cmd.Context(), orchestrator.SpawnRequest{
					IssueID:  issue.ID,
					Workflow: workflow,
					Force:    force,
					Actor:    protocol.UserActor(actor),
				})
			}
			if err != nil {
				return err
			}
			p := newPalette(cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s run %s\n",
				p.ok.Render("spawned"), issue.Identifier, p.muted.Render("("+workflow+")"), res.RunID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&workflow, "workflow", "w", string(protocol.WorkflowFix), "plan, implement or fix")
	cmd.Flags().BoolVar(&force, "force", false, "bypass admission (budget and concurrency)")
	cmd.Flags().StringVar(&actor, "actor", "", "user recorded in the audit trail")
	addServerFlag(cmd, &server)
	return cmd
}

// newCancelCmd creates the "fixloop cancel" subcommand.
func newCancelCmd(flags *globalFlags) *cobra.Command {
	var actor, server string
	cmd := &cobra.Command{
		Use:   "cancel <issue>",
		Short: "Cancel an issue's running agent job",
		Long: "Asks the job runner to cancel the run and marks the spawn failed.\n\n" +
			"Without --server the cancel runs in-process, and observers streaming\n" +
			"from a running \"fixloop serve\" do not see it. Pass --server (or set\n" +
			"FIXLOOP_SERVER) to cancel through the daemon instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			daemonURL := resolveServer(server)
			a, err := flags.open(cmd, daemonURL == "")
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			issue, err := a.svc.ResolveIssue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var res orchestrator.CancelResult
			if daemonURL != "" {
				res, err = newDaemonClient(daemonURL).cancel(cmd.Context(), issue.ID, actor)
			} else {
				res, err = a.svc.CancelSpawn(cmd.Context(), issue.ID, protocol.UserActor(actor))
			}
			if err != nil {
				return err
			}
			p := newPalette(cmd.OutOrStdout())
			remote := p.warn.Render("runner did not acknowledge")
			if res.GHCancelled {
				remote = p.ok.Render("runner acknowledged")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s (%s)\n", issue.Identifier, remote)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "user recorded in the audit trail")
	addServerFlag(cmd, &server)
	return cmd
}
