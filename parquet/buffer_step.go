package parquet

import (
	"context"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/config"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// covered is the highest batch a table's buffer accounts for.
type covered struct {
	version   uint64
	timestamp time.Time
}

// pendingRows are the rows of one table waiting for upload.
type pendingRows struct {
	rows []model.Row
	size int64
}

// BufferStep buffers transformed rows per table and uploads a table once its
// buffer reaches the size limit or the upload interval elapses. A table's
// checkpoint moves only after its rows are uploaded, or immediately when it
// has nothing buffered.
type BufferStep struct {
	uploader *Uploader
	tracker  *VersionTracker
	metrics  *metrics.Collector
	logger   *logging.ComponentLogger

	tables         []string
	pending        map[string]*pendingRows
	covered        map[string]covered
	lastUpload     map[string]time.Time
	maxBufferSize  int64
	uploadInterval time.Duration
	now            func() time.Time
}

// NewBufferStep creates buffers for the given tables. Rows of other tables
// are dropped.
func NewBufferStep(tables []string, uploader *Uploader, tracker *VersionTracker, cfg config.ParquetConfig,
	collector *metrics.Collector, logger *logging.ComponentLogger,
) (*BufferStep, error) {
	s := &BufferStep{
		uploader:       uploader,
		tracker:        tracker,
		metrics:        collector,
		logger:         logger.With("parquet_buffer"),
		tables:         tables,
		pending:        make(map[string]*pendingRows, len(tables)),
		covered:        make(map[string]covered, len(tables)),
		lastUpload:     make(map[string]time.Time, len(tables)),
		maxBufferSize:  cfg.MaxBufferSize,
		uploadInterval: cfg.UploadInterval,
		now:            time.Now,
	}
	start := s.now()
	for _, table := range tables {
		if _, err := Schema(table); err != nil {
			return nil, err
		}
		s.pending[table] = &pendingRows{}
		s.lastUpload[table] = start
	}
	return s, nil
}

// Process buffers the rows of one committed batch and uploads whatever is due.
func (s *BufferStep) Process(ctx context.Context, batch model.TransactionBatch, rows model.RowSet) error {
	for _, table := range s.tables {
		p := s.pending[table]
		for _, row := range rows[table] {
			p.rows = append(p.rows, row)
			p.size += estimateSize(row)
		}
		s.covered[table] = covered{version: batch.EndVersion, timestamp: batch.EndTimestamp}
		if s.metrics != nil {
			s.metrics.SetBufferedBytes(table, p.size)
		}

		switch {
		case len(p.rows) == 0:
			s.tracker.Update(table, batch.EndVersion, batch.EndTimestamp)
		case s.maxBufferSize > 0 && p.size >= s.maxBufferSize:
			if err := s.flush(ctx, table); err != nil {
				return err
			}
		}
	}
	return s.Tick(ctx)
}

// Tick uploads tables whose upload interval has elapsed and persists tracked
// versions when the status interval is due.
func (s *BufferStep) Tick(ctx context.Context) error {
	now := s.now()
	for _, table := range s.tables {
		if len(s.pending[table].rows) == 0 {
			continue
		}
		if now.Sub(s.lastUpload[table]) < s.uploadInterval {
			continue
		}
		if err := s.flush(ctx, table); err != nil {
			return err
		}
	}
	return s.tracker.MaybeSave(ctx)
}

// FlushAll uploads every non-empty buffer and saves the final checkpoints.
func (s *BufferStep) FlushAll(ctx context.Context) error {
	for _, table := range s.tables {
		if len(s.pending[table].rows) == 0 {
			continue
		}
		if err := s.flush(ctx, table); err != nil {
			return err
		}
	}
	return s.tracker.Save(ctx)
}

// flush hands the table's rows to UploadGeneric. They stay buffered if the
// upload fails.
func (s *BufferStep) flush(ctx context.Context, table string) error {
	p := s.pending[table]
	rows := len(p.rows)
	first, last := versionRange(p.rows)

	objectPath, err := s.uploader.UploadGeneric(ctx, table, p.rows)
	if err != nil {
		return err
	}
	s.pending[table] = &pendingRows{}

	c := s.covered[table]
	s.tracker.Update(table, c.version, c.timestamp)
	s.lastUpload[table] = s.now()
	if s.metrics != nil {
		s.metrics.RecordRows(table, rows)
		s.metrics.SetBufferedBytes(table, 0)
	}

	s.logger.Info().
		Str("table", table).
		Str("path", objectPath).
		Int("rows", rows).
		Int64("first_version", first).
		Int64("last_version", last).
		Uint64("checkpoint_version", c.version).
		Msg("Flushed parquet buffer")
	return nil
}

func versionRange(rows []model.Row) (first, last int64) {
	for i, row := range rows {
		v := row.Version()
		if i == 0 || v < first {
			first = v
		}
		if v > last {
			last = v
		}
	}
	return first, last
}

// Close drops rows that were never uploaded.
func (s *BufferStep) Close() {
	for table := range s.pending {
		s.pending[table] = &pendingRows{}
	}
}
