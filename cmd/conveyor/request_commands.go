package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"conveyor/internal/api"
	"conveyor/internal/client"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "submit <payload-ref>",
		Short: "Submit a digest request to the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				req, err := cl.Submit(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, req)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "submitted %s at stage %s\n", req.ID, req.Stage)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON output")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a request with its attempt history and outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				detail, err := cl.Describe(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, detail)
				}
				renderRequestDetail(cmd, detail)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON output")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	var stateFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				var states []string
				if strings.TrimSpace(stateFilter) != "" {
					states = strings.Split(stateFilter, ",")
				}
				reqs, err := cl.List(cmd.Context(), states...)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, api.RequestListResponse{Requests: reqs})
				}
				renderRequestList(cmd, reqs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON output")
	cmd.Flags().StringVar(&stateFilter, "state", "", "Filter by state (comma separated)")
	return cmd
}

func newAbortCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort <request-id>",
		Short: "Abort a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(cl *client.Client) error {
				resp, err := cl.Abort(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if resp.Aborted {
					fmt.Fprintf(cmd.OutOrStdout(), "aborted %s\n", resp.ID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already finished; nothing to abort\n", resp.ID)
				}
				return nil
			})
		},
	}
	return cmd
}

func renderRequestList(cmd *cobra.Command, reqs []api.Request) {
	if len(reqs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no requests")
		return
	}
	rows := make([][]string, 0, len(reqs))
	for _, req := range reqs {
		rows = append(rows, []string{
			req.ID,
			req.Stage,
			colorizeState(req.State),
			fmt.Sprintf("%d", req.Attempt),
			req.PayloadRef,
			req.UpdatedAt,
		})
	}
	out := renderTable(
		[]string{"ID", "Stage", "State", "Attempt", "Payload", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
	fmt.Fprintln(cmd.OutOrStdout(), out)
}

func renderRequestDetail(cmd *cobra.Command, detail *api.RequestDetail) {
	w := cmd.OutOrStdout()
	req := detail.Request
	fmt.Fprintf(w, "Request %s\n", req.ID)
	fmt.Fprintf(w, "  payload: %s\n", req.PayloadRef)
	fmt.Fprintf(w, "  stage:   %s\n", req.Stage)
	fmt.Fprintf(w, "  state:   %s (attempt %d)\n", colorizeState(req.State), req.Attempt)
	if req.ErrorMessage != "" {
		fmt.Fprintf(w, "  error:   %s\n", req.ErrorMessage)
	}
	if req.NextAttemptAt != "" {
		fmt.Fprintf(w, "  next attempt: %s\n", req.NextAttemptAt)
	}

	if len(detail.History) > 0 {
		rows := make([][]string, 0, len(detail.History))
		for _, entry := range detail.History {
			rows = append(rows, []string{
				entry.Stage,
				fmt.Sprintf("%d", entry.Attempt),
				entry.Outcome,
				entry.Detail,
				entry.CreatedAt,
			})
		}
		fmt.Fprintln(w, "\nHistory:")
		fmt.Fprintln(w, renderTable(
			[]string{"Stage", "Attempt", "Outcome", "Detail", "At"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
		))
	}

	if len(detail.Outputs) > 0 {
		rows := make([][]string, 0, len(detail.Outputs))
		for _, out := range detail.Outputs {
			rows = append(rows, []string{out.Stage, out.OutputRef})
		}
		fmt.Fprintln(w, "\nOutputs:")
		fmt.Fprintln(w, renderTable(
			[]string{"Stage", "Output"},
			rows,
			[]columnAlignment{alignLeft, alignLeft},
		))
	}
}
