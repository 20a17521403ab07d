package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/beancounter"
)

// ServeCmd runs embedded beanstalkd servers at the configured addresses until interrupted.
func ServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run embedded beanstalkd servers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			store, _ := cmd.Flags().GetString("store")
			if store != "" {
				cfg.Store = store
			}

			strategy, err := beancounter.NewEmbeddedStrategy(cfg.URLs, beancounter.EmbeddedOptions{
				Store:     cfg.Store,
				StorePath: cfg.StorePath,
			}, opts.logger())
			if err != nil {
				return fmt.Errorf("failed to start servers: %w", err)
			}
			defer strategy.Close()

			for _, addr := range strategy.Addrs() {
				fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().String("store", "", "job table: memory, badger or sqlite")
	return cmd
}
