package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chronicle/internal/alerts"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test alert to the configured topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			service := alerts.NewService(cfg)
			if err := service.TestNotification(cmd.Context()); err != nil {
				return err
			}
			if cfg.Alerts.NtfyTopic == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No alert topic configured; nothing was sent")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test alert sent")
			return nil
		},
	}
}
