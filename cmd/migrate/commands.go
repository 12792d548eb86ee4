package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"photo-processor/internal/bootstrap"
	"photo-processor/internal/config"
	"photo-processor/internal/jobs"
	"photo-processor/internal/logger"
	"photo-processor/pkg/database/postgres"
)

// env holds what every subcommand needs once config is loaded.
type env struct {
	cfg *config.Config
	log zerolog.Logger
}

func newRootCommand() *cobra.Command {
	e := &env{}
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply database migrations and run job maintenance",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			e.cfg = cfg
			e.log = logger.New(cfg.AppEnv, cfg.LogLevel).With().Str("service", "migrate").Logger()
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return e.withPool(ctx, func(pool *pgxpool.Pool) error {
				e.log.Info().Msg("running migrations")
				if err := postgres.RunMigrations(ctx, pool); err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				e.log.Info().Msg("migrations applied")
				return nil
			})
		},
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "deadline for the whole command")

	root.AddCommand(
		newReconcileCommand(e, &timeout),
		newRetryCommand(e, &timeout),
	)
	return root
}

func newReconcileCommand(e *env, timeout *time.Duration) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-publish PENDING and RETRYING jobs that were never picked up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()
			return e.withService(ctx, func(svc *jobs.Service) error {
				n, err := svc.Reconcile(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-published %d job(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "only jobs not updated for this long")
	return cmd
}

func newRetryCommand(e *env, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-admit a FAILED job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), *timeout)
			defer cancel()
			return e.withService(ctx, func(svc *jobs.Service) error {
				job, err := svc.Retry(ctx, jobID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s (retry %d)\n", job.ID, job.Status, job.RetryCount)
				return nil
			})
		},
	}
}

func (e *env) withPool(ctx context.Context, fn func(*pgxpool.Pool) error) error {
	pool, err := postgres.NewClient(ctx, e.cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	return fn(pool)
}

func (e *env) withService(ctx context.Context, fn func(*jobs.Service) error) error {
	return e.withPool(ctx, func(pool *pgxpool.Pool) error {
		publisher, err := bootstrap.OpenPublisher(e.cfg, e.log)
		if err != nil {
			return fmt.Errorf("failed to open job queue: %w", err)
		}
		defer publisher.Close()

		repos := bootstrap.NewRepositories(pool)
		return fn(jobs.NewService(repos.Images, repos.Jobs, publisher, jobs.Options{
			AllowRerender: e.cfg.AIAllowRerender,
			Logger:        e.log,
		}))
	})
}
