// Package pipeline runs the source, transform, sink and checkpoint stages
// over bounded channels.
package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/source"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/transform"
)

const defaultChannelSize = 10

// BatchResult is one batch moving through the stages.
type BatchResult struct {
	Batch     model.TransactionBatch
	Rows      model.RowSet
	Received  time.Time
	Transform time.Duration
	Store     time.Duration
}

// Sink persists transformed batches.
type Sink interface {
	Write(ctx context.Context, result *BatchResult) error
	// Tick is called periodically between batches.
	Tick(ctx context.Context) error
	// Close is called once the input is drained, before the final commit.
	Close(ctx context.Context) error
}

// Checkpointer records that a batch is durable.
type Checkpointer interface {
	Commit(ctx context.Context, result *BatchResult) error
}

// Config tunes the stage wiring.
type Config struct {
	Processor    string
	ChannelSize  int
	TickInterval time.Duration // 0 disables sink ticks
}

// Pipeline connects one goroutine per stage. The first stage error cancels
// the others and is returned from Run.
type Pipeline struct {
	cfg          Config
	source       source.Source
	transformer  transform.Transformer
	sink         Sink
	checkpointer Checkpointer
	metrics      *metrics.Collector
	health       *metrics.HealthServer
	logger       *logging.ComponentLogger
}

func New(cfg Config, src source.Source, transformer transform.Transformer, sink Sink, checkpointer Checkpointer,
	collector *metrics.Collector, health *metrics.HealthServer, logger *logging.ComponentLogger,
) *Pipeline {
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = defaultChannelSize
	}
	return &Pipeline{
		cfg:          cfg,
		source:       src,
		transformer:  transformer,
		sink:         sink,
		checkpointer: checkpointer,
		metrics:      collector,
		health:       health,
		logger:       logger.With("pipeline"),
	}
}

// Run streams req through every stage until the source ends or a stage fails.
func (p *Pipeline) Run(ctx context.Context, req source.Request) error {
	g, ctx := errgroup.WithContext(ctx)

	batches := make(chan model.TransactionBatch, p.cfg.ChannelSize)
	transformed := make(chan *BatchResult, p.cfg.ChannelSize)
	stored := make(chan *BatchResult, p.cfg.ChannelSize)

	g.Go(func() error { return p.runSource(ctx, req, batches) })
	g.Go(func() error { return p.runTransform(ctx, batches, transformed) })
	g.Go(func() error { return p.runSink(ctx, transformed, stored) })
	g.Go(func() error { return p.runCheckpoint(ctx, stored) })

	err := g.Wait()
	if err != nil {
		p.logger.Error().Err(err).Msg("Pipeline stopped")
		if p.metrics != nil {
			p.metrics.RecordError()
		}
		if p.health != nil {
			p.health.RecordError(err)
		}
	}
	return err
}

// Each stage closes its output only when its input ended cleanly, so a
// failure upstream never looks like the end of the stream downstream.

func (p *Pipeline) runSource(ctx context.Context, req source.Request, out chan<- model.TransactionBatch) error {
	in, errCh := p.source.Stream(ctx, req)
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-in:
			if !ok {
				if err := <-errCh; err != nil {
					return err
				}
				close(out)
				return nil
			}
			if first {
				if err := req.CheckStart(batch.StartVersion); err != nil {
					return err
				}
				first = false
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (p *Pipeline) runTransform(ctx context.Context, in <-chan model.TransactionBatch, out chan<- *BatchResult) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-in:
			if !ok {
				close(out)
				return nil
			}
			start := time.Now()
			rows, err := p.transformer.Transform(ctx, batch)
			if err != nil {
				return err
			}
			result := &BatchResult{
				Batch:     batch,
				Rows:      rows,
				Received:  start,
				Transform: time.Since(start),
			}
			select {
			case out <- result:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (p *Pipeline) runSink(ctx context.Context, in <-chan *BatchResult, out chan<- *BatchResult) error {
	var tick <-chan time.Time
	if p.cfg.TickInterval > 0 {
		ticker := time.NewTicker(p.cfg.TickInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if err := p.sink.Tick(ctx); err != nil {
				return err
			}
		case result, ok := <-in:
			if !ok {
				if err := p.sink.Close(ctx); err != nil {
					return err
				}
				close(out)
				return nil
			}
			start := time.Now()
			if err := p.sink.Write(ctx, result); err != nil {
				return err
			}
			result.Store = time.Since(start)
			select {
			case out <- result:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// runCheckpoint commits in order. runSource has already checked the first
// batch against the requested start.
func (p *Pipeline) runCheckpoint(ctx context.Context, in <-chan *BatchResult) error {
	seq := NewSequencer(nil, func(result *BatchResult) error {
		if err := p.checkpointer.Commit(ctx, result); err != nil {
			return err
		}
		p.recordCommit(result)
		return nil
	}, p.logger)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-in:
			if !ok {
				return nil
			}
			if err := seq.Submit(result); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) recordCommit(result *BatchResult) {
	batch := result.Batch
	elapsed := time.Since(result.Received)
	if p.metrics != nil {
		p.metrics.RecordBatch(p.cfg.Processor, batch.EndVersion, elapsed)
	}
	if p.health != nil {
		p.health.RecordBatch(batch.EndVersion)
	}
	p.logger.LogBatch(batch.StartVersion, batch.EndVersion, result.Rows.Len(), elapsed)
}
