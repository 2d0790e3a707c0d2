package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/programme-lv/grader/app"
	"github.com/programme-lv/grader/conf"
	"github.com/programme-lv/grader/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	logLevel string
	logFile  string
	verbose  bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "grader",
		Short: "Index submission archives, record feedback and export reports",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(logLevel, logFile)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "CLI log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Append CLI logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show service logs")

	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(codesCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(marksCmd())
	rootCmd.AddCommand(serveCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("%v", err))
		stop()
		os.Exit(1)
	}
}

// openApp loads the environment config and opens the data directory.
func openApp(ctx context.Context) (*app.App, context.Context, error) {
	cfg, err := conf.Load()
	if err != nil {
		return nil, ctx, err
	}
	level := "warn"
	if verbose {
		level = cfg.LogLevel
	}
	ctx = logger.WithLogger(ctx, logger.New(os.Stderr, level, "text"))

	log.Debug().Str("dataDir", cfg.DataDir).Str("storage", cfg.Storage).Msg("opening grader")
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to open grader: %w", err)
	}
	return a, ctx, nil
}
