package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fareindexer/internal/config"
	"fareindexer/internal/queue"
	"fareindexer/internal/storage/postgres"
)

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadMigrate(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}

// runReplay re-enqueues dead letters onto the JetStream queue.
func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadReplay(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	letters, err := queue.ReadDeadLetters(cfg.In)
	if err != nil {
		return err
	}
	if cfg.Class != "" && !queue.Class(cfg.Class).Valid() {
		return fmt.Errorf("unknown job class %q", cfg.Class)
	}

	var jobs []queue.Job
	for _, d := range letters {
		if cfg.Class != "" && string(d.Class) != cfg.Class {
			continue
		}
		jobs = append(jobs, d.Job())
	}

	logger.Info("replay start",
		zap.String("in", cfg.In),
		zap.Int("dead_letters", len(letters)),
		zap.Int("selected", len(jobs)),
		zap.Bool("dry_run", cfg.DryRun),
	)
	if cfg.DryRun {
		for _, job := range jobs {
			logger.Info("would replay", zap.String("class", string(job.Class)), zap.String("key", job.Key))
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := queue.ConnectJetStream(ctx, queue.JetStreamConfig{URL: cfg.NATSURL, Stream: cfg.Stream}, queue.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer q.Close()

	replayed, err := enqueueAll(ctx, q, jobs)
	logger.Info("replay complete", zap.Int("replayed", replayed))
	return err
}

func enqueueAll(ctx context.Context, q queue.Enqueuer, jobs []queue.Job) (int, error) {
	for i, job := range jobs {
		if err := q.Enqueue(ctx, job); err != nil {
			return i, fmt.Errorf("enqueue %s: %w", job.Key, err)
		}
	}
	return len(jobs), nil
}
