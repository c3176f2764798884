package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var verifyScope scopeFlags

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute a tenant's hash chain and report tampered events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tc, filter, err := verifyScope.resolve()
		if err != nil {
			return err
		}
		return withBackend(cmd, func(ctx context.Context, b *backend) error {
			report, err := b.audit.Verify(ctx, tc, filter)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if len(report.Breaks) > 0 {
				return fmt.Errorf("hash chain broken at %d event(s)", len(report.Breaks))
			}
			return nil
		})
	},
}

func init() {
	verifyScope.register(verifyCmd)
	rootCmd.AddCommand(verifyCmd)
}
