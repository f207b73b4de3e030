package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"rental-etl/config"
	"rental-etl/metrics"
	"rental-etl/services"
	"rental-etl/storage"
	"rental-etl/utils"
)

func main() {
	cfg := config.Load()

	flag.StringVar(&cfg.CSVPath, "csv", cfg.CSVPath, "path to the source listings CSV")
	flag.StringVar(&cfg.StoreDriver, "driver", cfg.StoreDriver, "aggregate store driver: postgres or sqlite")
	flag.StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, "store connection string (overrides POSTGRES_* / SQLITE_PATH)")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "rows per chunk")
	flag.IntVar(&cfg.MaxChunks, "max-chunks", cfg.MaxChunks, "stop after this many chunks (0 = all)")
	flag.BoolVar(&cfg.ResumeFromStore, "resume", cfg.ResumeFromStore, "rebuild the key ledger from rows already stored")
	flag.Parse()

	logger := utils.NewLoggerWithLevel(cfg.LogLevel)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}

	logger.Info("=== Rental price ETL starting ===")
	logger.Info("Config: csv %s | chunk size %d | max chunks %d | store %s/%s | resume %t",
		cfg.CSVPath, cfg.ChunkSize, cfg.MaxChunks, cfg.StoreDriver, cfg.StoreTable, cfg.ResumeFromStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ETL failed: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *utils.Logger) error {
	reader, err := storage.OpenCSVChunkReader(cfg.CSVPath, cfg.ChunkSize)
	if err != nil {
		return err
	}
	defer reader.Close()

	store, err := storage.OpenSQLStore(ctx, cfg.StoreDriver, cfg.DSN(), cfg.StoreTable, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	etlMetrics := metrics.NewETL(registry)
	if cfg.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go metrics.Serve(metricsCtx, cfg.MetricsAddr, registry, logger)
	}

	etl := services.NewETL(reader, store, logger, services.ETLOptions{
		MaxChunks:       cfg.MaxChunks,
		ResumeFromStore: cfg.ResumeFromStore,
		MaxRetries:      cfg.MaxRetries,
		RetryBaseDelay:  time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		Metrics:         etlMetrics,
	})

	summary, err := etl.Run(ctx)
	services.NewSummaryService(logger, os.Stdout).Print(summary)
	if errors.Is(err, context.Canceled) {
		logger.Warn("Interrupted; every committed chunk is intact")
		return nil
	}
	return err
}
