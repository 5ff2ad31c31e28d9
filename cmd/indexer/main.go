package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"fareindexer/internal/chain"
	"fareindexer/internal/config"
	"fareindexer/internal/indexer"
	"fareindexer/internal/interpret"
	"fareindexer/internal/metrics"
	"fareindexer/internal/model"
	"fareindexer/internal/notify"
	"fareindexer/internal/queue"
	"fareindexer/internal/settle"
	"fareindexer/internal/storage"
	"fareindexer/internal/storage/memory"
	"fareindexer/internal/storage/postgres"
	"fareindexer/internal/vault"
	"fareindexer/internal/writer"
)

func main() {
	root := &cobra.Command{
		Use:          "indexer",
		Short:        "Fare Vault program indexer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Subscribe to the vault program and derive entities",
		RunE:  runIndexer,
	}

	runCmd.Flags().String("rpc", "https://api.mainnet-beta.solana.com", "Solana RPC URL")
	runCmd.Flags().String("ws", "", "Solana pubsub URL, derived from rpc when empty")
	runCmd.Flags().String("program-id", vault.DefaultProgramID, "vault program id")
	runCmd.Flags().String("commitment", "confirmed", "subscription and fetch commitment")
	runCmd.Flags().Bool("backfill-enabled", true, "replay recent signatures on start")
	runCmd.Flags().Int("backfill-limit", 1000, "signatures to backfill")
	runCmd.Flags().Duration("backfill-interval", 100*time.Millisecond, "pause between backfill requests")
	runCmd.Flags().Int("dedup-capacity", indexer.DefaultSeenCapacity, "recently seen signatures kept for dedup")
	runCmd.Flags().Int("max-retries", 5, "maximum RPC retry attempts")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial RPC retry backoff")
	runCmd.Flags().Duration("retry-backoff-max", 10*time.Second, "RPC retry backoff ceiling")
	runCmd.Flags().String("checkpoint", "./data/cursor.json", "backfill cursor file, empty to disable")
	runCmd.Flags().String("store", config.StorePostgres, "entity store (postgres, memory)")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	runCmd.Flags().String("queue", config.QueueJetStream, "job queue (jetstream, memory)")
	runCmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "NATS URL")
	runCmd.Flags().String("stream", "FARE_JOBS", "JetStream stream name")
	runCmd.Flags().Duration("duplicate-window", 24*time.Hour, "JetStream idempotency key window")
	runCmd.Flags().Duration("ack-wait", 30*time.Second, "JetStream ack wait")
	runCmd.Flags().Int("job-attempts", queue.DefaultAttempts, "deliveries before a job is dead-lettered")
	runCmd.Flags().Duration("job-backoff", queue.DefaultBackoffBase, "initial job redelivery backoff")
	runCmd.Flags().Duration("job-backoff-max", queue.DefaultBackoffMax, "job redelivery backoff ceiling")
	runCmd.Flags().Int("raw-concurrency", 5, "raw-write workers")
	runCmd.Flags().Int("interpret-concurrency", 3, "interpret workers")
	runCmd.Flags().Int("settle-concurrency", 10, "settle workers")
	runCmd.Flags().String("dead-letter", "./data/dead_letters.jsonl", "dead letter JSONL path")
	runCmd.Flags().String("notify-subject", notify.DefaultSubject, "notification subject")
	runCmd.Flags().String("game-configs", "", "game configs to seed (comma-separated hash=type)")
	runCmd.Flags().String("metrics-addr", "", "Prometheus listen address, empty to disable")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	decodeCmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode raw transactions into vault events",
		RunE:  runDecode,
	}

	decodeCmd.Flags().String("rpc", "https://api.mainnet-beta.solana.com", "Solana RPC URL")
	decodeCmd.Flags().String("program-id", vault.DefaultProgramID, "vault program id")
	decodeCmd.Flags().String("in", "", "input transactions JSONL")
	decodeCmd.Flags().StringSlice("signature", nil, "transaction signatures to fetch (comma-separated)")
	decodeCmd.Flags().String("out", "./data/events.jsonl", "output events JSONL")
	decodeCmd.Flags().String("errors", "./data/decode_errors.jsonl", "decode errors JSONL")
	decodeCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(decodeCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE:  runMigrate,
	}

	migrateCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	migrateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(migrateCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue dead-lettered jobs",
		RunE:  runReplay,
	}

	replayCmd.Flags().String("in", "./data/dead_letters.jsonl", "dead letter JSONL path")
	replayCmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "NATS URL")
	replayCmd.Flags().String("stream", "FARE_JOBS", "JetStream stream name")
	replayCmd.Flags().String("class", "", "only replay this job class")
	replayCmd.Flags().Bool("dry-run", false, "list jobs without enqueueing")
	replayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(replayCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runIndexer(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if _, err := indexer.ParseProgramID(cfg.ProgramID); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := seedGameConfigs(ctx, store, cfg.GameConfigs, logger); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := queue.Options{
		Attempts:    cfg.JobAttempts,
		Backoff:     queue.Backoff{Base: cfg.JobBackoff, Max: cfg.JobBackoffMax},
		DeadLetters: queue.NewJSONLDeadLetters(cfg.DeadLetter),
		Recorder:    m,
		Logger:      logger,
	}
	q, notifier, err := openQueue(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.Commitment)
	if err != nil {
		q.Close()
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	decoder := vault.NewDecoder(cfg.ProgramID, logger)
	dispatcher := indexer.NewDispatcher(decoder, q, m, logger)
	listener := indexer.NewListener(indexer.Config{
		ProgramID:        cfg.ProgramID,
		Commitment:       cfg.Commitment,
		BackfillEnabled:  cfg.BackfillEnabled,
		BackfillLimit:    cfg.BackfillLimit,
		BackfillInterval: cfg.BackfillInterval,
		SeenCapacity:     cfg.DedupCapacity,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoff:     cfg.RetryBackoff,
		RetryBackoffMax:  cfg.RetryBackoffMax,
		CursorPath:       cfg.Checkpoint,
	}, chainClient, chain.NewSubscriber(cfg.WSURL, logger), dispatcher, m, logger)

	pools := []workerPool{
		{class: queue.ClassRawWrite, concurrency: cfg.RawConcurrency, handler: writer.New(store, q, logger).Handle},
		{class: queue.ClassInterpret, concurrency: cfg.InterpretConcurrency, handler: interpret.New(store, q, notifier, logger).Handle},
		{class: queue.ClassSettle, concurrency: cfg.SettleConcurrency, handler: settle.NewEngine(store, notifier, logger).Handle},
	}
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workers := startWorkers(workerCtx, q, pools, logger)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = serveMetrics(cfg.MetricsAddr, m, logger)
	}

	logger.Info("indexer start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("ws", cfg.WSURL),
		zap.String("program_id", cfg.ProgramID),
		zap.String("store", cfg.Store),
		zap.String("queue", cfg.Queue),
		zap.Bool("backfill_enabled", cfg.BackfillEnabled),
		zap.Int("backfill_limit", cfg.BackfillLimit),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)

	// Stop order: listener, workers, queue, store.
	runErr := listener.Run(ctx)
	if runErr != nil {
		logger.Error("listener stopped", zap.Error(runErr))
	}

	stopWorkers()
	if err := workers.Wait(); err != nil {
		logger.Warn("worker pool failed", zap.Error(err))
	}
	if closer, ok := notifier.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("close notifier failed", zap.Error(err))
		}
	}
	if err := q.Close(); err != nil {
		logger.Warn("close queue failed", zap.Error(err))
	}
	if metricsServer != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		cancel()
	}

	logger.Info("indexer stopped")
	return runErr
}

func openStore(ctx context.Context, cfg config.RunConfig) (storage.Store, error) {
	if cfg.Store == config.StoreMemory {
		return memory.New(), nil
	}
	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// openQueue returns the queue and the notifier that shares its transport.
func openQueue(ctx context.Context, cfg config.RunConfig, opts queue.Options, logger *zap.Logger) (queue.Queue, notify.Publisher, error) {
	if cfg.Queue == config.QueueMemory {
		pub, err := notify.ConnectNATS(cfg.NATSURL, cfg.NotifySubject, logger)
		if err != nil {
			logger.Info("memory queue selected, notifications disabled", zap.Error(err))
			return queue.NewMemory(opts), notify.Nop{}, nil
		}
		return queue.NewMemory(opts), pub, nil
	}
	js, err := queue.ConnectJetStream(ctx, queue.JetStreamConfig{
		URL:             cfg.NATSURL,
		Stream:          cfg.Stream,
		DuplicateWindow: cfg.DuplicateWindow,
		AckWait:         cfg.AckWait,
	}, opts)
	if err != nil {
		return nil, nil, err
	}
	return js, notify.NewNATS(js.Conn(), cfg.NotifySubject, logger), nil
}

func seedGameConfigs(ctx context.Context, store storage.ConfigStore, configs map[string]string, logger *zap.Logger) error {
	for hash, gameType := range configs {
		created, err := store.CreateGameConfig(ctx, model.GameConfig{Hash: hash, GameType: gameType})
		if err != nil {
			return fmt.Errorf("seed game config %s: %w", hash, err)
		}
		if created {
			logger.Info("game config seeded", zap.String("hash", hash), zap.String("game_type", gameType))
		}
	}
	return nil
}

type workerPool struct {
	class       queue.Class
	concurrency int
	handler     queue.Handler
}

func startWorkers(ctx context.Context, q queue.Queue, pools []workerPool, logger *zap.Logger) *errgroup.Group {
	var g errgroup.Group
	for _, p := range pools {
		p := p
		g.Go(func() error {
			err := q.Run(ctx, p.class, p.concurrency, p.handler)
			if err != nil {
				logger.Error("worker pool exited", zap.String("class", string(p.class)), zap.Error(err))
			}
			return err
		})
	}
	return &g
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return server
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
