package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/VsevolodSauta/beancounter"
)

type options struct {
	urls       []string
	strategy   string
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "beancounter",
		Short:         "Inspect and reset beanstalkd job pools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&opts.urls, "url", nil, "beanstalkd server URL, repeatable (default: $BEANSTALKD_URL or localhost:11300)")
	flags.StringVar(&opts.strategy, "strategy", "", "strategy to use: climber or embedded (default: $BEANCOUNTER_STRATEGY or climber)")
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(JobsCmd(opts))
	rootCmd.AddCommand(TubesCmd(opts))
	rootCmd.AddCommand(ResetCmd(opts))
	rootCmd.AddCommand(ServeCmd(opts))
	return rootCmd
}

// config resolves the configuration: file or environment first, flags on top.
func (o *options) config() (*beancounter.Config, error) {
	var cfg *beancounter.Config
	if o.configPath != "" {
		loaded, err := beancounter.LoadConfigFile(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = beancounter.LoadConfig()
	}
	if len(o.urls) > 0 {
		cfg.URLs = o.urls
	}
	if o.strategy != "" {
		cfg.Strategy = o.strategy
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o *options) logger() *slog.Logger {
	if !o.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// openStrategy builds the configured strategy.
func (o *options) openStrategy(ctx context.Context) (beancounter.Strategy, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	strategy, err := beancounter.DefaultRegistry().Build(ctx, cfg.Strategy, cfg, o.logger())
	if err != nil {
		return nil, fmt.Errorf("failed to open strategy: %w", err)
	}
	return strategy, nil
}
