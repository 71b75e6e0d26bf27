package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/blobstore"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/checkpoint"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/config"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/inspect"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/pipeline"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/source"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/storage"
)

var version = "dev"

const usage = `usage: txn-etl <command> [flags]

commands:
  run       stream transactions through the configured processor (default)
  inspect   summarise parquet exported to a local directory`

func main() {
	args := os.Args[1:]
	command := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	logger := logging.NewComponentLogger("txn-etl", version)

	var err error
	switch command {
	case "run":
		err = runCommand(args, logger)
	case "inspect":
		err = inspectCommand(args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", command).Msg("Command failed")
		os.Exit(1)
	}
}

func runCommand(args []string, logger *logging.ComponentLogger) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.New().String()
	logger.Info().
		Str("run_id", runID).
		Str("service", cfg.Service.Name).
		Str("processor", cfg.Processor.Type).
		Str("sink", cfg.Processor.Sink).
		Str("postgres", fmt.Sprintf("%s:%d/%s", cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Database)).
		Msg("Starting txn-etl")

	pool, err := storage.Connect(ctx, cfg.Postgres.ConnectionString())
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info().Msg("Connected to PostgreSQL and applied migrations")

	collector := metrics.NewCollector()
	var health *metrics.HealthServer
	if cfg.Service.HealthPort > 0 {
		health = metrics.NewHealthServer(cfg.Service.HealthPort, collector, logger)
		if err := health.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer health.Stop()
	}

	deps := pipeline.Deps{
		Source:      source.NewFileSource(cfg.Source.Path, cfg.Source.BatchSize, logger),
		Checkpoints: checkpoint.NewPostgresStore(pool),
		RunID:       runID,
		Metrics:     collector,
		Health:      health,
		Logger:      logger,
	}

	if cfg.Processor.Type == config.ProcessorFungibleAsset {
		mappings, err := storage.LoadCoinMappings(ctx, pool)
		if err != nil {
			return err
		}
		deps.CoinMappings = mappings
		logger.Info().Int("mappings", len(mappings)).Msg("Loaded fungible asset to coin mappings")
	}

	switch cfg.Processor.Sink {
	case config.SinkParquet:
		blobs, err := blobstore.New(ctx, cfg.Parquet)
		if err != nil {
			return err
		}
		if closer, ok := blobs.(interface{ Close() error }); ok {
			defer closer.Close()
		}
		deps.Blobs = blobs
	default:
		deps.Executor = storage.NewPoolExecutor(pool)
		// Prior owners of deleted objects live in current_objects, which only
		// the postgres sink maintains.
		deps.ObjectReader = storage.NewObjectStore(pool)
	}

	proc, err := pipeline.NewProcessor(cfg, deps)
	if err != nil {
		return err
	}
	if err := proc.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			logger.Info().Msg("Shutdown requested, stopping")
			return nil
		}
		return err
	}

	logger.Info().Str("run_id", runID).Msg("Processor finished")
	return nil
}

func inspectCommand(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	root := fs.String("root", "", "Export directory (defaults to parquet.bucket/parquet.bucket_root)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dir := *root
	if dir == "" {
		if cfg.Parquet.Backend != "local" {
			return fmt.Errorf("inspect reads local exports; pass -root for backend %q", cfg.Parquet.Backend)
		}
		dir = filepath.Join(cfg.Parquet.Bucket, cfg.Parquet.BucketRoot)
	}

	inspector, err := inspect.Open(dir)
	if err != nil {
		return err
	}
	defer inspector.Close()

	stats, err := inspector.Tables(context.Background(), cfg.Processor.ActiveTables())
	if err != nil {
		return err
	}

	fmt.Printf("%-36s %6s %12s %16s\n", "TABLE", "FILES", "ROWS", "MAX_VERSION")
	for _, s := range stats {
		maxVersion := "-"
		if s.MaxVersion != nil {
			maxVersion = fmt.Sprintf("%d", *s.MaxVersion)
		}
		fmt.Printf("%-36s %6d %12d %16s\n", s.Table, s.Files, s.Rows, maxVersion)
	}
	return nil
}
