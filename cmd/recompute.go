package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Re-derive stored estimates against the configured store",
	Long: "recompute rolls stored topic estimates up again for the given students, or for\n" +
		"every student when none is named. With --replay the topic estimates are first\n" +
		"rebuilt from each student's response history.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := setupLogging(cmd.Context(), cfg); err != nil {
			return err
		}
		students, _ := cmd.Flags().GetStringSlice("student")
		replay, _ := cmd.Flags().GetBool("replay")

		svc, closeSvc, err := buildService(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to build service: %w", err)
		}
		defer closeSvc()
		if err := svc.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}

		report, err := svc.Recompute(cmd.Context(), students, replay)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	recomputeCmd.Flags().StringSlice("student", nil, "Student id to recompute (repeatable; default all)")
	recomputeCmd.Flags().Bool("replay", false, "Rebuild topic estimates from response history")
}
