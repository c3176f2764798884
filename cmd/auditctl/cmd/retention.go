package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"carenotes/internal/retention"
)

var retentionPolicyFile string

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Retention maintenance",
}

var retentionRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one retention pass and print its report",
	Long: `Runs one pass over every tenant. The pass takes the same in-process lock
as a scheduler would; run it against a store whose servers have retention
disabled, or configure Redis so the distributed lock is shared.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			path := retentionPolicyFile
			if path == "" {
				path = b.cfg.Retention.PolicyFile
			}
			policy, err := retention.LoadPolicy(path)
			if err != nil {
				return err
			}
			scheduler := retention.New(b.audit, policy,
				retention.WithLogger(b.log),
				retention.WithConcurrency(b.cfg.Retention.Concurrency),
			)
			report, runErr := scheduler.RunOnce(ctx)
			if report != nil {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			return runErr
		})
	},
}

func init() {
	retentionRunCmd.Flags().StringVar(&retentionPolicyFile, "policy", "", "retention policy file (default: retention.policy_file)")
	retentionCmd.AddCommand(retentionRunCmd)
	rootCmd.AddCommand(retentionCmd)
}
