package main

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"flintq"
	"flintq/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "flintq",
	Short:         "Background job queue and scheduler",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Missing .env is fine; the environment may be set directly.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(schedulesCmd)
	rootCmd.AddCommand(queuesCmd)
	rootCmd.AddCommand(statsCmd)
}

// openClient builds a client over the configured storage backend for the
// one-shot administration commands. The returned close function must be
// called before exit.
func openClient(ctx context.Context) (*flintq.Client, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := flintq.NewStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = store.Shutdown(context.Background()) }
	return flintq.NewClient(store), closeFn, nil
}
