package pipeline

import (
	"context"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/checkpoint"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/parquet"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/storage"
)

// PostgresSink writes each batch with chunked idempotent upserts.
type PostgresSink struct {
	sink *storage.Sink
}

func NewPostgresSink(sink *storage.Sink) *PostgresSink {
	return &PostgresSink{sink: sink}
}

func (s *PostgresSink) Write(ctx context.Context, result *BatchResult) error {
	return s.sink.Store(ctx, result.Batch.StartVersion, result.Batch.EndVersion, result.Rows)
}

func (s *PostgresSink) Tick(context.Context) error  { return nil }
func (s *PostgresSink) Close(context.Context) error { return nil }

// ParquetSink buffers rows per table and uploads them on size or time.
type ParquetSink struct {
	step *parquet.BufferStep
}

func NewParquetSink(step *parquet.BufferStep) *ParquetSink {
	return &ParquetSink{step: step}
}

func (s *ParquetSink) Write(ctx context.Context, result *BatchResult) error {
	return s.step.Process(ctx, result.Batch, result.Rows)
}

func (s *ParquetSink) Tick(ctx context.Context) error {
	return s.step.Tick(ctx)
}

// Close uploads what is left and saves the final per-table checkpoints.
func (s *ParquetSink) Close(ctx context.Context) error {
	defer s.step.Close()
	return s.step.FlushAll(ctx)
}

// SaverCheckpointer saves the batch end version for every sink of the saver.
type SaverCheckpointer struct {
	saver     *checkpoint.Saver
	processor string
	metrics   *metrics.Collector
}

func NewSaverCheckpointer(saver *checkpoint.Saver, processor string, collector *metrics.Collector) *SaverCheckpointer {
	return &SaverCheckpointer{saver: saver, processor: processor, metrics: collector}
}

func (c *SaverCheckpointer) Commit(ctx context.Context, result *BatchResult) error {
	ts := result.Batch.EndTimestamp
	if err := c.saver.SaveAll(ctx, result.Batch.EndVersion, &ts); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordCheckpoint(c.processor, result.Batch.EndVersion)
	}
	return nil
}

// trackedCheckpointer is used when the sink persists its own per-table
// checkpoints; committing a batch only records stats.
type trackedCheckpointer struct{}

func (trackedCheckpointer) Commit(context.Context, *BatchResult) error { return nil }
