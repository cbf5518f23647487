package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"attache/internal/config"
	"attache/internal/worker"
)

func newWorkerCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var once bool
	var workers int
	var maxAttempts int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background promote and destroy jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(a *app) error {
				if a.queue == nil {
					return errors.New("queue backend is inline; set queue.backend to sqlite or redis")
				}
				if workers <= 0 {
					workers = cfg.Queue.Workers
				}
				runner, err := worker.NewRunner(a.queue, a.registry, worker.Options{
					Workers:     workers,
					Poll:        cfg.Queue.PollIntervalDuration(),
					MaxAttempts: maxAttempts,
					Logger:      slog.Default().With("component", "worker"),
				})
				if err != nil {
					return err
				}

				if once {
					n, err := runner.Drain(cmd.Context())
					if err != nil {
						return err
					}
					if *jsonOutput {
						return writeJSON(map[string]int{"processed": n})
					}
					return writePlain("processed %d job(s)\n", n)
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runner.Run(ctx)
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process available jobs and exit")
	cmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent workers (default from queue.workers)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "attempts before a job is marked failed")

	cmd.AddCommand(newWorkerStatsCmd(cfg, jsonOutput), newWorkerPurgeCmd(cfg, jsonOutput))
	return cmd
}

func newWorkerStatsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts of the sqlite queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(a *app) error {
				counts, err := a.store.JobCounts(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(counts)
				}
				for _, status := range []string{"pending", "running", "done", "failed"} {
					if err := writePlain("%s: %d\n", status, counts[status]); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newWorkerPurgeCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete finished jobs from the sqlite queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			return withApp(cmd, cfg, func(a *app) error {
				n, err := a.store.PurgeJobs(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]int{"purged": n})
				}
				return writePlain("purged %d job(s)\n", n)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "purge jobs finished before this age")
	return cmd
}

