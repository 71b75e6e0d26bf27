package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/config"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// Executor runs one write statement. pgxpool.Pool satisfies it through
// PoolExecutor.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// StoreError reports the version range of a batch that failed to store.
type StoreError struct {
	StartVersion uint64
	EndVersion   uint64
	Table        string
	Err          error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("failed to store versions %d to %d (table %s): %v",
		e.StartVersion, e.EndVersion, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Sink writes typed row sets with chunked, idempotent upserts.
type Sink struct {
	exec       Executor
	flags      config.TableFlags
	chunkSizes map[string]int
	logger     *logging.ComponentLogger
	metrics    *metrics.Collector
}

// NewSink creates a sink. flags selects optional tables; chunkSizes holds
// per-table overrides.
func NewSink(exec Executor, flags config.TableFlags, chunkSizes map[string]int,
	logger *logging.ComponentLogger, m *metrics.Collector,
) *Sink {
	return &Sink{
		exec:       exec,
		flags:      flags,
		chunkSizes: chunkSizes,
		logger:     logger,
		metrics:    m,
	}
}

type chunkJob struct {
	spec TableSpec
	rows []model.Row
}

// Store writes every table of one batch. All chunks across all tables run
// concurrently and the call fails if any single chunk fails.
func (s *Sink) Store(ctx context.Context, startVersion, endVersion uint64, rows model.RowSet) error {
	rows = FilterRows(s.flags, rows)

	tables := make([]string, 0, len(rows))
	for table := range rows {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var jobs []chunkJob
	written := make(map[string]int, len(tables))
	for _, table := range tables {
		spec, err := LookupTable(table)
		if err != nil {
			return &StoreError{StartVersion: startVersion, EndVersion: endVersion, Table: table, Err: err}
		}
		deduped := Dedup(rows[table])
		written[table] = len(deduped)
		for _, chunk := range Chunk(deduped, ChunkSize(spec, s.chunkSizes)) {
			jobs = append(jobs, chunkJob{spec: spec, rows: chunk})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			if err := s.writeChunk(gctx, job); err != nil {
				return &StoreError{StartVersion: startVersion, EndVersion: endVersion, Table: job.spec.Name, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error().
			Err(err).
			Uint64("start_version", startVersion).
			Uint64("end_version", endVersion).
			Msg("Failed to store batch")
		return err
	}

	for table, n := range written {
		if s.metrics != nil {
			s.metrics.RecordRows(table, n)
		}
	}
	s.logger.Debug().
		Uint64("start_version", startVersion).
		Uint64("end_version", endVersion).
		Int("chunks", len(jobs)).
		Msg("Stored batch")
	return nil
}

func (s *Sink) writeChunk(ctx context.Context, job chunkJob) error {
	args, err := BuildArgs(job.spec, job.rows)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := s.exec.Exec(ctx, BuildUpsert(job.spec, len(job.rows)), args...); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordChunkWrite(job.spec.Name, time.Since(start))
	}
	return nil
}
