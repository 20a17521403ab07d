package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/beancounter"
)

// ResetCmd deletes every job of the pool, or of one tube.
func ResetCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all jobs, or all jobs of one tube",
		RunE: func(cmd *cobra.Command, args []string) error {
			tube, _ := cmd.Flags().GetString("tube")
			ctx := cmd.Context()
			strategy, err := opts.openStrategy(ctx)
			if err != nil {
				return err
			}
			defer strategy.Close()

			ok, err := beancounter.Reset(ctx, strategy, tube)
			if err != nil {
				return fmt.Errorf("failed to reset: %w", err)
			}
			if !ok {
				return fmt.Errorf("some jobs could not be deleted, they may be reserved by another connection")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reset complete")
			return nil
		},
	}
	cmd.Flags().String("tube", "", "only delete jobs in this tube")
	return cmd
}
