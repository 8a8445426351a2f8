package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newUsageCommand(ctx *commandContext) *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize metered usage and cost",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			summary := env.usage.UsageSummary(hours)
			out := cmd.OutOrStdout()
			if summary.EventCount == 0 {
				fmt.Fprintf(out, "No usage recorded in the last %dh.\n", hours)
				return nil
			}

			fmt.Fprintf(out, "Usage since %s (%d events)\n",
				summary.Since.Local().Format("2006-01-02 15:04"), summary.EventCount)

			services := make([]string, 0, len(summary.ByService))
			for service := range summary.ByService {
				services = append(services, service)
			}
			sort.Strings(services)

			rows := make([][]string, 0, len(services))
			for _, service := range services {
				rows = append(rows, []string{service, "$" + summary.ByService[service].String()})
			}
			fmt.Fprintln(out, renderTableWithFooter(
				[]string{"SERVICE", "COST"},
				rows,
				[]string{"total", "$" + summary.TotalCost.String()},
				[]columnAlignment{alignLeft, alignRight},
			))

			keys := make([]string, 0, len(summary.AmountByKey))
			for key := range summary.AmountByKey {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			amountRows := make([][]string, 0, len(keys))
			for _, key := range keys {
				amountRows = append(amountRows, []string{key, fmt.Sprintf("%.2f", summary.AmountByKey[key])})
			}
			if len(amountRows) > 0 {
				fmt.Fprintln(out, renderTable(
					[]string{"SERVICE/KIND", "AMOUNT"},
					amountRows,
					[]columnAlignment{alignLeft, alignRight},
				))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "Lookback window in hours")
	cmd.AddCommand(newUsagePruneCommand(ctx))
	return cmd
}

func newUsagePruneCommand(ctx *commandContext) *cobra.Command {
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete usage events older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			days := retentionDays
			if days <= 0 {
				days = env.cfg.Ledger.RetentionDays
			}
			pruned, err := env.usage.Prune(cmd.Context(), time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d usage event(s) older than %d day(s).\n", pruned, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "Retention window in days (defaults to the configured value)")
	return cmd
}

func newQuotasCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "quotas",
		Short: "Show quota windows and how close each is to its cap",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := ctx.openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			statuses := env.usage.QuotaStatuses()
			out := cmd.OutOrStdout()
			if len(statuses) == 0 {
				fmt.Fprintln(out, "No quotas configured.")
				return nil
			}

			rows := make([][]string, 0, len(statuses))
			for _, status := range statuses {
				scope := status.Quota.Service
				if status.Quota.Kind != "" {
					scope += "/" + status.Quota.Kind
				}
				if scope == "" {
					scope = "all"
				}
				amount := "-"
				if status.Quota.MaxAmount > 0 {
					amount = fmt.Sprintf("%.0f / %.0f (%.0f%%)",
						status.WindowAmount, status.Quota.MaxAmount, status.AmountPercent)
				}
				cost := "-"
				if status.Quota.MaxCost > 0 {
					cost = fmt.Sprintf("$%s / $%s (%.0f%%)",
						status.WindowCost, status.Quota.MaxCost, status.CostPercent)
				}
				state := "ok"
				if status.Exceeded {
					state = "EXCEEDED"
				}
				rows = append(rows, []string{
					status.Quota.Name,
					scope,
					status.Quota.Window.String(),
					amount,
					cost,
					state,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"QUOTA", "SCOPE", "WINDOW", "AMOUNT", "COST", "STATE"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}
