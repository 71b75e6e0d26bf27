package parquet

import (
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/blobstore"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/resilience"
)

// objectCounter disambiguates objects written in the same millisecond.
var objectCounter atomic.Uint64

// Uploader writes encoded parquet files to a blob store with retries.
type Uploader struct {
	store      blobstore.Store
	bucketRoot string
	processor  string
	runID      string
	retry      *resilience.RetryManager
	metrics    *metrics.Collector
	logger     *logging.ComponentLogger
	now        func() time.Time
}

// NewUploader creates an uploader. A nil retry manager uses the upload
// retry policy.
func NewUploader(store blobstore.Store, bucketRoot, processor, runID string,
	retry *resilience.RetryManager, collector *metrics.Collector, logger *logging.ComponentLogger,
) *Uploader {
	logger = logger.With("parquet_uploader")
	if retry == nil {
		retry = resilience.NewRetryManager(resilience.UploadRetryPolicy(), logger)
	}
	return &Uploader{
		store:      store,
		bucketRoot: bucketRoot,
		processor:  processor,
		runID:      runID,
		retry:      retry,
		metrics:    collector,
		logger:     logger,
		now:        time.Now,
	}
}

// ObjectPath returns {bucket_root}/{table}/{month_start_ms}_{now_ms}_{counter}.parquet.
func (u *Uploader) ObjectPath(table string, now time.Time, counter uint64) string {
	now = now.UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	name := fmt.Sprintf("%d_%d_%d.parquet", monthStart.UnixMilli(), now.UnixMilli(), counter)
	return path.Join(u.bucketRoot, table, name)
}

// Upload puts one encoded file for table and returns its object path. Every
// attempt is retried under the upload policy; exhausting it is fatal for the
// flush.
func (u *Uploader) Upload(ctx context.Context, table string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%s: %w", table, ErrEmptyBuffer)
	}

	objectPath := u.ObjectPath(table, u.now(), objectCounter.Add(1)-1)
	metadata := map[string]string{
		"run-id":    u.runID,
		"processor": u.processor,
		"table":     table,
	}

	err := u.retry.Execute(ctx, "upload "+objectPath, func(ctx context.Context) error {
		err := u.store.Put(ctx, objectPath, data, metadata)
		if u.metrics != nil {
			u.metrics.RecordUploadAttempt(table, err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectPath, err)
	}

	u.logger.Debug().
		Str("table", table).
		Str("path", objectPath).
		Int("bytes", len(data)).
		Msg("Uploaded parquet object")
	return objectPath, nil
}

// UploadGeneric appends rows of one table to a fresh arrow builder, writes
// them as a single row group and uploads the detached file. It returns the
// object path; empty input is a no-op.
func (u *Uploader) UploadGeneric(ctx context.Context, table string, rows []model.Row) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	buf, err := NewBuffer(table, nil)
	if err != nil {
		return "", err
	}
	defer buf.Release()

	if err := buf.Append(rows); err != nil {
		return "", err
	}
	data, err := buf.Flush()
	if err != nil {
		return "", err
	}
	return u.Upload(ctx, table, data)
}
