package main

import (
	"context"
	"fmt"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"flintq"
	"flintq/internal/config"
	"flintq/internal/coordinator"
	"flintq/internal/job"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a coordinator with its worker pool and admin server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		registry := coordinator.NewRegistry()
		if err := registry.Register("shell", shellHandler); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := flintq.New(ctx, cfg, registry)
		if err != nil {
			return err
		}
		if err := app.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return app.Shutdown(shutdownCtx)
	},
}

// shellHandler runs the job's "command" kwarg through the shell. It is the
// built-in task for standalone CLI deployments; embedded hosts register
// their own handlers instead.
func shellHandler(ctx context.Context, j *job.Job) (any, error) {
	command, _ := j.Kwargs["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("shell job %s has no command kwarg", j.ID)
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, out)
	}
	return string(out), nil
}
