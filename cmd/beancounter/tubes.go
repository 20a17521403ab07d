package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/beancounter"
)

// TubesCmd lists the tubes matching key=value attributes.
func TubesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tubes [key=value...]",
		Short:   "List tubes matching the given attributes",
		Example: `  beancounter tubes current-jobs-ready=1..10`,
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

			out := cmd.OutOrStdout()
			found := 0
			for tube, err := range strategy.Tubes(ctx) {
				if err != nil {
					return fmt.Errorf("failed to list tubes: %w", err)
				}
				ok, err := strategy.TubeMatches(ctx, tube, attrs)
				if err != nil {
					return fmt.Errorf("failed to match tube %s: %w", tube.Name, err)
				}
				if !ok {
					continue
				}
				found++
				fmt.Fprintln(out, strategy.PrettyPrintTube(tube))
			}
			fmt.Fprintf(out, "%d tubes\n", found)
			if found == 0 && len(attrs) > 0 {
				return fmt.Errorf("%s", beancounter.NewTubeExpectation(strategy, attrs).FailureMessage())
			}
			return nil
		},
	}
	return cmd
}
