package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
	"conveyor/internal/client"
)

func newStagesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Inspect and tune pipeline stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStagesList(cmd, ctx, false)
		},
	}
	cmd.AddCommand(newStagesListCommand(ctx))
	cmd.AddCommand(newStagesSetCommand(ctx))
	return cmd
}

func newStagesListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stages in pipeline order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStagesList(cmd, ctx, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON output")
	return cmd
}

func runStagesList(cmd *cobra.Command, ctx *commandContext, jsonOutput bool) error {
	return ctx.withClient(func(cl *client.Client) error {
		stages, err := cl.Stages(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd, api.StageListResponse{Stages: stages})
		}
		rows := make([][]string, 0, len(stages))
		for _, stage := range stages {
			rows = append(rows, []string{
				fmt.Sprintf("%d", stage.Position),
				stage.Name,
				stage.Endpoint,
				fmt.Sprintf("%ds", stage.TimeoutSeconds),
				fmt.Sprintf("%d", stage.MaxRetries),
				fmt.Sprintf("%dms..%dms", stage.BackoffBaseMS, stage.BackoffCapMS),
			})
		}
		out := renderTable(
			[]string{"#", "Stage", "Endpoint", "Timeout", "Retries", "Backoff"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
		)
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	})
}

func newStagesSetCommand(ctx *commandContext) *cobra.Command {
	var endpoint string
	var timeoutSeconds int
	var maxRetries int
	var backoffBaseMS int
	var backoffCapMS int

	cmd := &cobra.Command{
		Use:   "set <stage-name>",
		Short: "Update a stage's endpoint or retry policy, or register a new stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				stages, err := cl.Stages(cmd.Context())
				if err != nil {
					return err
				}
				// Unknown names register a new stage after the current final
				// one; the daemon validates the descriptor either way. Only
				// idempotent workers are accepted, so the flag is implied.
				view := api.StageView{Name: args[0], Idempotent: true}
				for i := range stages {
					if stages[i].Name == args[0] {
						view = stages[i]
						break
					}
				}

				if cmd.Flags().Changed("endpoint") {
					view.Endpoint = endpoint
				}
				if cmd.Flags().Changed("timeout") {
					view.TimeoutSeconds = timeoutSeconds
				}
				if cmd.Flags().Changed("max-retries") {
					view.MaxRetries = maxRetries
				}
				if cmd.Flags().Changed("backoff-base") {
					view.BackoffBaseMS = backoffBaseMS
				}
				if cmd.Flags().Changed("backoff-cap") {
					view.BackoffCapMS = backoffCapMS
				}

				updated, err := cl.UpdateStage(cmd.Context(), view)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated stage %s\n", updated.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Worker endpoint URL")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Worker timeout in seconds")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry budget per stage")
	cmd.Flags().IntVar(&backoffBaseMS, "backoff-base", 0, "Backoff base in milliseconds")
	cmd.Flags().IntVar(&backoffCapMS, "backoff-cap", 0, "Backoff cap in milliseconds")
	return cmd
}
