package parquet

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/checkpoint"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/config"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/resilience"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/storage"
)

const testProcessor = "objects_processor"

var errUnavailable = errors.New("service unavailable")

// recordingStore fails the first `failures` puts and keeps the rest.
type recordingStore struct {
	mu       sync.Mutex
	failures int
	attempts int
	objects  map[string][]byte
	metadata map[string]map[string]string
}

func newRecordingStore(failures int) *recordingStore {
	return &recordingStore{
		failures: failures,
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (s *recordingStore) Put(_ context.Context, objectPath string, data []byte, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return errUnavailable
	}
	s.objects[objectPath] = append([]byte(nil), data...)
	s.metadata[objectPath] = metadata
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// fakeClock is advanced by hand.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func objectRow(version int64, index int64) model.Row {
	return model.Object{
		TransactionVersion:  version,
		WriteSetChangeIndex: index,
		ObjectAddress:       "0x000000000000000000000000000000000000000000000000000000000000000a",
		OwnerAddress:        "0x0000000000000000000000000000000000000000000000000000000000000001",
		StateKeyHash:        "0xabcdef",
		GuidCreationNum:     "1125899906842624",
		BlockTimestamp:      time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	}
}

func testBatch(start, end uint64) model.TransactionBatch {
	return model.TransactionBatch{
		StartVersion:   start,
		EndVersion:     end,
		StartTimestamp: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		EndTimestamp:   time.Date(2024, 3, 15, 10, 0, 1, 0, time.UTC),
	}
}

type harness struct {
	blobs    *recordingStore
	store    *checkpoint.MemoryStore
	uploader *Uploader
	tracker  *VersionTracker
	step     *BufferStep
	clock    *fakeClock
}

func newHarness(t *testing.T, blobs *recordingStore, retry *resilience.RetryManager, cfg config.ParquetConfig, tables ...string) *harness {
	t.Helper()
	logger := logging.NewNopLogger()
	collector := metrics.NewCollector()
	store := checkpoint.NewMemoryStore()
	saver := checkpoint.NewSaver(store, testProcessor, config.ModeConfig{Type: config.ModeDefault}, tables, logger)
	clock := &fakeClock{t: time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)}

	uploader := NewUploader(blobs, "exports", testProcessor, "run-1", retry, collector, logger)
	uploader.now = clock.Now
	tracker := NewVersionTracker(saver, testProcessor, time.Second, collector, logger)
	tracker.now = clock.Now
	tracker.lastSave = clock.Now()

	step, err := NewBufferStep(tables, uploader, tracker, cfg, collector, logger)
	require.NoError(t, err)
	step.now = clock.Now
	for _, table := range tables {
		step.lastUpload[table] = clock.Now()
	}
	t.Cleanup(step.Close)

	return &harness{blobs: blobs, store: store, uploader: uploader, tracker: tracker, step: step, clock: clock}
}

func (h *harness) checkpoint(t *testing.T, table string) *checkpoint.ProcessorStatus {
	t.Helper()
	status, err := h.store.GetProcessorStatus(context.Background(), checkpoint.SinkID(testProcessor, table))
	require.NoError(t, err)
	return status
}

func TestSchemasMatchTableColumns(t *testing.T) {
	for name, spec := range storage.Tables {
		t.Run(name, func(t *testing.T) {
			schema, err := Schema(name)
			require.NoError(t, err)
			var fields []string
			for _, f := range schema.Fields() {
				fields = append(fields, f.Name)
			}
			assert.Equal(t, spec.Columns, fields)
		})
	}

	_, err := Schema("unknown")
	assert.Error(t, err)
}

func TestBufferFlushWritesOneCompressedRowGroup(t *testing.T) {
	buf, err := NewBuffer(model.TableFungibleAssetActivities, nil)
	require.NoError(t, err)
	defer buf.Release()

	rows := []model.Row{
		model.FungibleAssetActivity{TransactionVersion: 5, EventIndex: -1, StorageID: "0x1", Type: "0x1::aptos_coin::GasFeeEvent", IsGasFee: true, Amount: "700"},
		model.FungibleAssetActivity{TransactionVersion: 5, EventIndex: 0, StorageID: "0x2", Type: "0x1::fungible_asset::Deposit", Amount: "10"},
		model.FungibleAssetActivity{TransactionVersion: 6, EventIndex: 0, StorageID: "0x3", Type: "0x1::fungible_asset::Withdraw"},
	}
	require.NoError(t, buf.Append(rows))
	assert.Equal(t, 3, buf.Len())

	data, err := buf.Flush()
	require.NoError(t, err)
	assert.Zero(t, buf.Len())

	reader, err := file.NewParquetReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, 1, reader.NumRowGroups())
	assert.Equal(t, int64(3), reader.NumRows())

	chunk, err := reader.MetaData().RowGroup(0).ColumnChunk(0)
	require.NoError(t, err)
	assert.Equal(t, compress.Codecs.Lz4Raw, chunk.Compression())

	_, err = buf.Flush()
	assert.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestBufferRejectsOtherTables(t *testing.T) {
	buf, err := NewBuffer(model.TableObjects, nil)
	require.NoError(t, err)
	defer buf.Release()

	err = buf.Append([]model.Row{model.FungibleAssetToCoinMapping{FAMetadataAddress: "0xa"}})
	assert.Error(t, err)
}

func TestObjectPath(t *testing.T) {
	u := NewUploader(newRecordingStore(0), "exports", testProcessor, "run-1", nil, metrics.NewCollector(), logging.NewNopLogger())
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	got := u.ObjectPath(model.TableObjects, now, 7)
	assert.Equal(t, "exports/objects/1709251200000_1710496800000_7.parquet", got)
}

func TestUploadEmptyBufferIsError(t *testing.T) {
	blobs := newRecordingStore(0)
	u := NewUploader(blobs, "exports", testProcessor, "run-1", nil, metrics.NewCollector(), logging.NewNopLogger())

	_, err := u.Upload(context.Background(), model.TableObjects, nil)
	assert.ErrorIs(t, err, ErrEmptyBuffer)

	objectPath, err := u.UploadGeneric(context.Background(), model.TableObjects, nil)
	require.NoError(t, err)
	assert.Empty(t, objectPath)
	assert.Zero(t, blobs.attempts)
}

func TestUploadGeneric(t *testing.T) {
	blobs := newRecordingStore(0)
	u := NewUploader(blobs, "exports", testProcessor, "run-1", nil, metrics.NewCollector(), logging.NewNopLogger())

	objectPath, err := u.UploadGeneric(context.Background(), model.TableObjects, []model.Row{objectRow(1, 0), objectRow(2, 0)})
	require.NoError(t, err)
	require.Equal(t, 1, blobs.count())
	assert.Contains(t, blobs.objects, objectPath)

	for objectPath, data := range blobs.objects {
		assert.Contains(t, objectPath, "exports/objects/")
		assert.Equal(t, "run-1", blobs.metadata[objectPath]["run-id"])

		reader, err := file.NewParquetReader(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, int64(2), reader.NumRows())
		reader.Close()
	}
}

func TestUploadRetryBackoff(t *testing.T) {
	ctx := context.Background()
	blobs := newRecordingStore(3)

	var h *harness
	var delays []time.Duration
	retry := resilience.NewRetryManager(resilience.UploadRetryPolicy(), logging.NewNopLogger()).
		WithSleeper(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			assert.Nil(t, h.checkpoint(t, model.TableObjects), "checkpoint advanced before upload succeeded")
			_, tracked := h.tracker.Last(model.TableObjects)
			assert.False(t, tracked)
			return nil
		})
	h = newHarness(t, blobs, retry, config.ParquetConfig{MaxBufferSize: 1, UploadInterval: time.Hour}, model.TableObjects)

	rows := model.RowSet{}
	rows.Add(objectRow(10, 0), objectRow(11, 0), objectRow(12, 1))
	require.NoError(t, h.step.Process(ctx, testBatch(10, 12), rows))

	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, delays)
	assert.Equal(t, 4, blobs.attempts)
	assert.Equal(t, 1, blobs.count())

	version, ok := h.tracker.Last(model.TableObjects)
	require.True(t, ok)
	assert.Equal(t, uint64(12), version)

	require.NoError(t, h.step.FlushAll(ctx))
	status := h.checkpoint(t, model.TableObjects)
	require.NotNil(t, status)
	assert.Equal(t, uint64(12), status.LastSuccessVersion)
}

func TestUploadRetryExhausted(t *testing.T) {
	ctx := context.Background()
	blobs := newRecordingStore(10)
	retry := resilience.NewRetryManager(resilience.UploadRetryPolicy(), logging.NewNopLogger()).
		WithSleeper(func(context.Context, time.Duration) error { return nil })
	h := newHarness(t, blobs, retry, config.ParquetConfig{MaxBufferSize: 1, UploadInterval: time.Hour}, model.TableObjects)

	rows := model.RowSet{}
	rows.Add(objectRow(10, 0))
	err := h.step.Process(ctx, testBatch(10, 10), rows)
	require.Error(t, err)
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 4, blobs.attempts)

	_, tracked := h.tracker.Last(model.TableObjects)
	assert.False(t, tracked)
	require.NoError(t, h.tracker.Save(ctx))
	assert.Nil(t, h.checkpoint(t, model.TableObjects))
}

func TestBufferStepKeepsRowsAfterFailedUpload(t *testing.T) {
	ctx := context.Background()
	blobs := newRecordingStore(4)
	retry := resilience.NewRetryManager(resilience.UploadRetryPolicy(), logging.NewNopLogger()).
		WithSleeper(func(context.Context, time.Duration) error { return nil })
	h := newHarness(t, blobs, retry, config.ParquetConfig{MaxBufferSize: 1, UploadInterval: time.Hour}, model.TableObjects)

	rows := model.RowSet{}
	rows.Add(objectRow(10, 0), objectRow(11, 0))
	require.ErrorIs(t, h.step.Process(ctx, testBatch(10, 11), rows), errUnavailable)
	assert.Zero(t, blobs.count())

	require.NoError(t, h.step.FlushAll(ctx))
	require.Equal(t, 1, blobs.count())
	for _, data := range blobs.objects {
		reader, err := file.NewParquetReader(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, int64(2), reader.NumRows())
		reader.Close()
	}
	assert.Equal(t, uint64(11), h.checkpoint(t, model.TableObjects).LastSuccessVersion)
}

func TestBufferStepWithoutCollector(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewNopLogger()
	blobs := newRecordingStore(0)
	store := checkpoint.NewMemoryStore()
	saver := checkpoint.NewSaver(store, testProcessor, config.ModeConfig{Type: config.ModeDefault},
		[]string{model.TableObjects}, logger)

	uploader := NewUploader(blobs, "exports", testProcessor, "run-1", nil, nil, logger)
	tracker := NewVersionTracker(saver, testProcessor, time.Second, nil, logger)
	step, err := NewBufferStep([]string{model.TableObjects}, uploader, tracker,
		config.ParquetConfig{MaxBufferSize: 1, UploadInterval: time.Hour}, nil, logger)
	require.NoError(t, err)

	rows := model.RowSet{}
	rows.Add(objectRow(3, 0))
	require.NoError(t, step.Process(ctx, testBatch(1, 3), rows))
	require.NoError(t, step.FlushAll(ctx))
	assert.Equal(t, 1, blobs.count())

	status, err := store.GetProcessorStatus(ctx, checkpoint.SinkID(testProcessor, model.TableObjects))
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, uint64(3), status.LastSuccessVersion)
}

func TestBufferStepFlushesOnInterval(t *testing.T) {
	ctx := context.Background()
	blobs := newRecordingStore(0)
	h := newHarness(t, blobs, nil, config.ParquetConfig{MaxBufferSize: 1 << 30, UploadInterval: time.Minute}, model.TableObjects)

	rows := model.RowSet{}
	rows.Add(objectRow(1, 0))
	require.NoError(t, h.step.Process(ctx, testBatch(1, 3), rows))
	assert.Zero(t, blobs.count())
	_, tracked := h.tracker.Last(model.TableObjects)
	assert.False(t, tracked)

	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.step.Tick(ctx))
	assert.Equal(t, 1, blobs.count())

	status := h.checkpoint(t, model.TableObjects)
	require.NotNil(t, status, "tick persists once the status interval elapsed")
	assert.Equal(t, uint64(3), status.LastSuccessVersion)
}

func TestBufferStepIdleTableAdvances(t *testing.T) {
	ctx := context.Background()
	blobs := newRecordingStore(0)
	h := newHarness(t, blobs, nil, config.ParquetConfig{MaxBufferSize: 1 << 30, UploadInterval: time.Hour},
		model.TableObjects, model.TableCurrentObjects)

	rows := model.RowSet{}
	rows.Add(objectRow(7, 0))
	require.NoError(t, h.step.Process(ctx, testBatch(5, 9), rows))

	version, ok := h.tracker.Last(model.TableCurrentObjects)
	require.True(t, ok)
	assert.Equal(t, uint64(9), version)
	_, ok = h.tracker.Last(model.TableObjects)
	assert.False(t, ok)

	require.NoError(t, h.step.FlushAll(ctx))
	assert.Equal(t, 1, blobs.count())
	assert.Equal(t, uint64(9), h.checkpoint(t, model.TableObjects).LastSuccessVersion)
	assert.Equal(t, uint64(9), h.checkpoint(t, model.TableCurrentObjects).LastSuccessVersion)
}

func TestBufferStepDropsInactiveTables(t *testing.T) {
	ctx := context.Background()
	blobs := newRecordingStore(0)
	h := newHarness(t, blobs, nil, config.ParquetConfig{MaxBufferSize: 1, UploadInterval: time.Hour}, model.TableCurrentObjects)

	rows := model.RowSet{}
	rows.Add(objectRow(1, 0))
	require.NoError(t, h.step.Process(ctx, testBatch(1, 1), rows))
	require.NoError(t, h.step.FlushAll(ctx))
	assert.Zero(t, blobs.count())
}

func TestVersionTracker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newRecordingStore(0), nil, config.ParquetConfig{}, model.TableObjects)
	ts := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	h.tracker.Update(model.TableObjects, 20, ts)
	h.tracker.Update(model.TableObjects, 15, ts)
	version, _ := h.tracker.Last(model.TableObjects)
	assert.Equal(t, uint64(20), version)

	require.NoError(t, h.tracker.MaybeSave(ctx))
	assert.Nil(t, h.checkpoint(t, model.TableObjects), "interval not elapsed")

	h.clock.Advance(time.Second)
	require.NoError(t, h.tracker.MaybeSave(ctx))
	status := h.checkpoint(t, model.TableObjects)
	require.NotNil(t, status)
	assert.Equal(t, uint64(20), status.LastSuccessVersion)
	require.NotNil(t, status.LastTransactionTimestamp)
	assert.True(t, ts.Equal(*status.LastTransactionTimestamp))

	writes := h.store.Writes()
	require.NoError(t, h.tracker.Save(ctx))
	assert.Equal(t, writes, h.store.Writes(), "clean versions are not rewritten")
}
