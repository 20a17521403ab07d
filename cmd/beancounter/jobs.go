package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/beancounter"
)

// JobsCmd lists the jobs matching key=value attributes.
func JobsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs [key=value...]",
		Short: "List jobs matching the given attributes",
		Example: `  beancounter jobs tube=mailer
  beancounter jobs state=buried body=/welcome/ count=1..`,
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := parseAttrs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			strategy, err := opts.openStrategy(ctx)
			if err != nil {
				return err
			}
			defer strategy.Close()

			expectation := beancounter.NewEnqueuedExpectation(strategy, attrs)
			if expectation.ExpectedCount() == nil {
				attrs[beancounter.CountKey] = beancounter.AtLeast(0)
				expectation = beancounter.NewEnqueuedExpectation(strategy, attrs)
			}
			matched, err := expectation.Matches(ctx, nil)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, job := range expectation.Found() {
				fmt.Fprintln(out, strategy.PrettyPrintJob(job))
			}
			fmt.Fprintf(out, "%d jobs\n", len(expectation.Found()))
			if !matched {
				return fmt.Errorf("%s", expectation.FailureMessage())
			}
			return nil
		},
	}
	return cmd
}
