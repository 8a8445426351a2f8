package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chronicle/internal/checkpoint"
)

func newOperationsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "operations",
		Aliases: []string{"ops"},
		Short:   "Inspect recorded operations",
	}
	cmd.AddCommand(newOperationsListCommand(ctx))
	cmd.AddCommand(newOperationsShowCommand(ctx))
	cmd.AddCommand(newOperationsReclaimCommand(ctx))
	return cmd
}

func newOperationsListCommand(ctx *commandContext) *cobra.Command {
	var stateFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			var states []checkpoint.State
			if raw := strings.TrimSpace(stateFilter); raw != "" {
				for _, part := range strings.Split(raw, ",") {
					state, ok := checkpoint.ParseState(part)
					if !ok {
						return fmt.Errorf("unknown state %q", strings.TrimSpace(part))
					}
					states = append(states, state)
				}
			}

			ops, err := env.manager.List(cmd.Context(), states...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ops) == 0 {
				fmt.Fprintln(out, "No operations recorded.")
				return nil
			}

			rows := make([][]string, 0, len(ops))
			for _, op := range ops {
				progress := "-"
				if value, err := env.manager.LastProgress(op.ID); err == nil && value > 0 {
					progress = fmt.Sprintf("%.0f%%", value)
				}
				rows = append(rows, []string{
					op.ID,
					string(op.State),
					op.Kind,
					filepath.Base(op.InputRef),
					op.StartedAt.Local().Format("2006-01-02 15:04"),
					fmt.Sprintf("%d", op.RecoveryAttempts),
					progress,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "STATE", "KIND", "INPUT", "STARTED", "ATTEMPTS", "PROGRESS"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&stateFilter, "state", "s", "", "Comma-separated states to include (e.g. failed,in_progress)")
	return cmd
}

func newOperationsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <operation-id>",
		Short: "Show one operation with its failures and checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			op, err := env.manager.Operation(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Operation %s\n", op.ID)
			fmt.Fprintf(out, "  State:    %s\n", op.State)
			fmt.Fprintf(out, "  Kind:     %s\n", op.Kind)
			fmt.Fprintf(out, "  Input:    %s\n", op.InputRef)
			if op.UserID != "" {
				fmt.Fprintf(out, "  User:     %s\n", op.UserID)
			}
			fmt.Fprintf(out, "  Started:  %s\n", op.StartedAt.Local().Format(time.RFC1123))
			if op.EndedAt != nil {
				fmt.Fprintf(out, "  Ended:    %s\n", op.EndedAt.Local().Format(time.RFC1123))
			}
			if op.RecoveryAttempts > 0 {
				fmt.Fprintf(out, "  Attempts: %d\n", op.RecoveryAttempts)
			}
			for key, value := range op.Metadata {
				fmt.Fprintf(out, "  Meta:     %s=%s\n", key, value)
			}

			if len(op.Errors) > 0 {
				rows := make([][]string, 0, len(op.Errors))
				for _, stageErr := range op.Errors {
					rows = append(rows, []string{
						stageErr.At.Local().Format("15:04:05"),
						stageErr.Stage,
						string(stageErr.Strategy),
						stageErr.Message,
					})
				}
				fmt.Fprintln(out, "\nFailures:")
				fmt.Fprintln(out, renderTable(
					[]string{"AT", "STAGE", "STRATEGY", "MESSAGE"},
					rows, nil,
				))
			}

			checkpoints, err := env.manager.Checkpoints(op.ID)
			if err != nil {
				return err
			}
			if len(checkpoints) > 0 {
				rows := make([][]string, 0, len(checkpoints))
				for _, cp := range checkpoints {
					rows = append(rows, []string{
						cp.Stage,
						fmt.Sprintf("%.0f%%", cp.Progress),
						fmt.Sprintf("%d B", len(cp.Payload)),
						cp.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					})
				}
				fmt.Fprintln(out, "\nCheckpoints:")
				fmt.Fprintln(out, renderTable(
					[]string{"STAGE", "PROGRESS", "PAYLOAD", "CREATED"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft},
				))
			}
			return nil
		},
	}
}

func newOperationsReclaimCommand(ctx *commandContext) *cobra.Command {
	var olderThanMin int

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Fail active operations that stopped making progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			minutes := olderThanMin
			if minutes <= 0 {
				minutes = env.cfg.Recovery.StaleAfterMin
			}
			cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
			reclaimed, err := env.manager.ReclaimStale(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale operation(s).\n", reclaimed)
			return nil
		},
	}

	cmd.Flags().IntVar(&olderThanMin, "older-than", 0, "Staleness threshold in minutes (defaults to the configured value)")
	return cmd
}
