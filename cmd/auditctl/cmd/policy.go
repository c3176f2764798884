package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"carenotes/internal/retention"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect retention policies",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check FILE",
	Short: "Validate a retention policy and show each category's current cutoff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := retention.LoadPolicy(args[0])
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CATEGORY\tPERIOD\tPURGES BEFORE")
		for _, category := range policy.Categories() {
			period, _ := policy.Period(category)
			fmt.Fprintf(tw, "%s\t%s\t%s\n", category, period, period.Cutoff(now).Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

func init() {
	policyCmd.AddCommand(policyCheckCmd)
	rootCmd.AddCommand(policyCmd)
}
