package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"conveyor/internal/client"
	"conveyor/internal/ledger"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show pipeline request counts by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				health, err := cl.Health(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, health)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "status: %s, total: %d\n", health.Status, health.Total)
				for _, state := range ledger.AllStates() {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %d\n", state, health.Requests[string(state)])
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON output")
	return cmd
}
