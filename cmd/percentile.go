package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okian/irtengine/internal/domain/percentile"
)

var percentileCmd = &cobra.Command{
	Use:   "percentile",
	Short: "Print the percentile of an ability",
	RunE: func(cmd *cobra.Command, args []string) error {
		theta, _ := cmd.Flags().GetFloat64("theta")
		fmt.Fprintf(cmd.OutOrStdout(), "theta:      %.3f\npercentile: %.2f\nlegacy:     %.2f\n",
			theta, percentile.ToPercentile(theta), percentile.LegacyExponentialPercentile(theta))
		return nil
	},
}

func init() {
	percentileCmd.Flags().Float64("theta", 0, "Ability on the theta scale")
}
