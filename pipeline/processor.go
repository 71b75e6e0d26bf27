package pipeline

import (
	"context"
	"fmt"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/blobstore"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/checkpoint"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/config"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/parquet"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/source"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/storage"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/transform"
)

// Deps are the external resources a processor runs against. Executor is
// required for the postgres sink and Blobs for the parquet sink.
type Deps struct {
	Source       source.Source
	Checkpoints  checkpoint.Store
	Executor     storage.Executor
	ObjectReader transform.ObjectReader
	CoinMappings map[string]string
	Blobs        blobstore.Store
	RunID        string
	Metrics      *metrics.Collector
	Health       *metrics.HealthServer
	Logger       *logging.ComponentLogger
}

// Processor resolves the start version from checkpoints and runs one
// pipeline for the configured processor and sink.
type Processor struct {
	cfg    *config.Config
	id     string
	deps   Deps
	saver  *checkpoint.Saver
	logger *logging.ComponentLogger
}

func NewProcessor(cfg *config.Config, deps Deps) (*Processor, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("processor requires a source")
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("processor requires a checkpoint store")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}

	id := cfg.ProcessorID()
	// Parquet keeps one checkpoint per active table; postgres commits all
	// tables together under the processor id.
	var sinkTables []string
	switch cfg.Processor.Sink {
	case config.SinkParquet:
		if deps.Blobs == nil {
			return nil, fmt.Errorf("parquet sink requires a blob store")
		}
		sinkTables = cfg.Processor.ActiveTables()
	default:
		if deps.Executor == nil {
			return nil, fmt.Errorf("postgres sink requires an executor")
		}
	}

	return &Processor{
		cfg:    cfg,
		id:     id,
		deps:   deps,
		saver:  checkpoint.NewSaver(deps.Checkpoints, id, cfg.Mode, sinkTables, deps.Logger),
		logger: deps.Logger.With("processor"),
	}, nil
}

// Run plans the version range and streams it to completion.
func (p *Processor) Run(ctx context.Context) error {
	plan, err := p.saver.Plan(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve starting version: %w", err)
	}
	if plan.Complete {
		p.logger.Info().
			Str("backfill_id", p.cfg.Mode.BackfillID).
			Uint64("ending_version", plan.Start).
			Msg("Backfill already complete, nothing to process")
		return nil
	}

	p.logger.LogStartup(logging.StartupConfig{
		RunID:           p.deps.RunID,
		Processor:       p.id,
		Mode:            string(p.cfg.Mode.Type),
		Sink:            p.cfg.Processor.Sink,
		StartingVersion: plan.Start,
		EndingVersion:   plan.End,
		ChannelSize:     p.cfg.Processor.ChannelSize,
	})

	tctx := transform.NewContext(p.deps.CoinMappings)
	transformer, err := transform.New(p.cfg.Processor.Type, tctx, p.deps.ObjectReader,
		transform.OptionsFromConfig(p.cfg.Processor), p.deps.Logger)
	if err != nil {
		return err
	}

	sink, checkpointer, err := p.buildSink()
	if err != nil {
		return err
	}

	pipeCfg := Config{Processor: p.id, ChannelSize: p.cfg.Processor.ChannelSize}
	if p.cfg.Processor.Sink == config.SinkParquet {
		pipeCfg.TickInterval = p.cfg.Parquet.StatusUpdateInterval
	}
	pipe := New(pipeCfg, p.deps.Source, transformer, sink, checkpointer, p.deps.Metrics, p.deps.Health, p.deps.Logger)

	start := plan.Start
	return pipe.Run(ctx, source.Request{
		StartingVersion: &start,
		EndingVersion:   plan.End,
		StartCommitted:  plan.Committed,
	})
}

func (p *Processor) buildSink() (Sink, Checkpointer, error) {
	flags, err := p.cfg.Processor.TableFlags()
	if err != nil {
		return nil, nil, err
	}

	switch p.cfg.Processor.Sink {
	case config.SinkParquet:
		uploader := parquet.NewUploader(p.deps.Blobs, p.cfg.Parquet.BucketRoot, p.id, p.deps.RunID,
			nil, p.deps.Metrics, p.deps.Logger)
		tracker := parquet.NewVersionTracker(p.saver, p.id, p.cfg.Parquet.StatusUpdateInterval,
			p.deps.Metrics, p.deps.Logger)
		step, err := parquet.NewBufferStep(p.cfg.Processor.ActiveTables(), uploader, tracker, p.cfg.Parquet,
			p.deps.Metrics, p.deps.Logger)
		if err != nil {
			return nil, nil, err
		}
		return NewParquetSink(step), trackedCheckpointer{}, nil
	default:
		sink := storage.NewSink(p.deps.Executor, flags, p.cfg.Processor.PerTableChunkSizes,
			p.deps.Logger.With("postgres_sink"), p.deps.Metrics)
		return NewPostgresSink(sink), NewSaverCheckpointer(p.saver, p.id, p.deps.Metrics), nil
	}
}
