package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/blobstore"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/checkpoint"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/config"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/source"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func u64(v uint64) *uint64 { return &v }

func transactions(from, to uint64) []model.Transaction {
	var txns []model.Transaction
	for v := from; v <= to; v++ {
		txns = append(txns, model.Transaction{
			Version:   v,
			Timestamp: baseTime.Add(time.Duration(v) * time.Second),
			Type:      model.TransactionTypeUser,
			Success:   true,
		})
	}
	return txns
}

func objectTransactions(t *testing.T, from, to uint64) []model.Transaction {
	t.Helper()
	txns := transactions(from, to)
	for i := range txns {
		data, err := json.Marshal(map[string]any{
			"allow_ungated_transfer": true,
			"guid_creation_num":      "1125899906842625",
			"owner":                  "0x1",
		})
		require.NoError(t, err)
		txns[i].Changes = model.Changes{model.WriteResource{
			Address:      fmt.Sprintf("0x%x", 100+txns[i].Version),
			StateKeyHash: fmt.Sprintf("0xhash%d", txns[i].Version),
			TypeStr:      "0x1::object::ObjectCore",
			Data:         data,
		}}
	}
	return txns
}

type transformFunc func(ctx context.Context, batch model.TransactionBatch) (model.RowSet, error)

func (f transformFunc) Transform(ctx context.Context, batch model.TransactionBatch) (model.RowSet, error) {
	return f(ctx, batch)
}

func passThrough(_ context.Context, batch model.TransactionBatch) (model.RowSet, error) {
	rows := model.RowSet{}
	for _, txn := range batch.Transactions {
		rows.Add(model.FungibleAssetToCoinMapping{
			FAMetadataAddress:      fmt.Sprintf("0x%x", txn.Version),
			CoinType:               "0x1::aptos_coin::AptosCoin",
			LastTransactionVersion: int64(txn.Version),
		})
	}
	return rows, nil
}

type recordingSink struct {
	mu      sync.Mutex
	writes  []uint64
	closed  bool
	failAt  uint64
	failErr error
}

func (s *recordingSink) Write(_ context.Context, result *BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil && result.Batch.StartVersion == s.failAt {
		return s.failErr
	}
	s.writes = append(s.writes, result.Batch.EndVersion)
	return nil
}

func (s *recordingSink) Tick(context.Context) error { return nil }

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type recordingCheckpointer struct {
	mu       sync.Mutex
	versions []uint64
}

func (c *recordingCheckpointer) Commit(_ context.Context, result *BatchResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = append(c.versions, result.Batch.EndVersion)
	return nil
}

// countingExecutor records every statement it is given.
type countingExecutor struct {
	mu         sync.Mutex
	statements int
	err        error
}

func (e *countingExecutor) Exec(context.Context, string, ...any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statements++
	return e.err
}

func newTestPipeline(src source.Source, tr transformFunc, sink Sink, cp Checkpointer) *Pipeline {
	return New(Config{Processor: "test_processor", ChannelSize: 1}, src, tr, sink, cp,
		metrics.NewCollector(), nil, logging.NewNopLogger())
}

func TestSequencerRejectsOverlapAndGap(t *testing.T) {
	var committed []uint64
	seq := NewSequencer(u64(0), func(r *BatchResult) error {
		committed = append(committed, r.Batch.StartVersion)
		return nil
	}, logging.NewNopLogger())

	submit := func(start, end uint64) error {
		return seq.Submit(&BatchResult{Batch: model.TransactionBatch{StartVersion: start, EndVersion: end}})
	}

	require.NoError(t, submit(0, 9))
	require.NoError(t, submit(10, 19))
	assert.Error(t, submit(5, 9), "overlapping batch")
	assert.Error(t, submit(30, 39), "gap after committed versions")
	require.NoError(t, submit(20, 29))
	assert.Equal(t, []uint64{0, 10, 20}, committed)
}

func TestSequencerFirstBatchFixesStart(t *testing.T) {
	seq := NewSequencer(nil, func(*BatchResult) error { return nil }, logging.NewNopLogger())
	require.NoError(t, seq.Submit(&BatchResult{Batch: model.TransactionBatch{StartVersion: 5, EndVersion: 9}}))
	assert.Error(t, seq.Submit(&BatchResult{Batch: model.TransactionBatch{StartVersion: 20, EndVersion: 29}}))
}

// lateSource streams its batches unchanged, ignoring the requested start.
type lateSource struct {
	txns []model.Transaction
}

func (s lateSource) Stream(ctx context.Context, _ source.Request) (<-chan model.TransactionBatch, <-chan error) {
	return source.NewMemorySource(s.txns, 3).Stream(ctx, source.Request{})
}

func TestPipelineRejectsStreamStartingLate(t *testing.T) {
	tests := []struct {
		name    string
		src     source.Source
		req     source.Request
		wantErr bool
		wantCP  []uint64
	}{
		{
			name:    "batcher skips nothing",
			src:     source.NewMemorySource(transactions(8, 10), 3),
			req:     source.Request{StartingVersion: u64(5)},
			wantErr: true,
		},
		{
			name:    "source ignoring the request",
			src:     lateSource{txns: transactions(8, 10)},
			req:     source.Request{StartingVersion: u64(5)},
			wantErr: true,
		},
		{
			name:   "committed start may be skipped",
			src:    lateSource{txns: transactions(6, 8)},
			req:    source.Request{StartingVersion: u64(5), StartCommitted: true},
			wantCP: []uint64{8},
		},
		{
			name:    "committed start allows only one version",
			src:     lateSource{txns: transactions(7, 9)},
			req:     source.Request{StartingVersion: u64(5), StartCommitted: true},
			wantErr: true,
		},
		{
			name:   "earlier versions are dropped",
			src:    source.NewMemorySource(transactions(0, 7), 3),
			req:    source.Request{StartingVersion: u64(5)},
			wantCP: []uint64{7},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := &recordingCheckpointer{}
			err := newTestPipeline(tt.src, passThrough, &recordingSink{}, cp).Run(context.Background(), tt.req)
			if tt.wantErr {
				require.ErrorIs(t, err, source.ErrMissingVersions)
				assert.Empty(t, cp.versions)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCP, cp.versions)
		})
	}
}

func TestPipelineCountsErrorOnce(t *testing.T) {
	collector := metrics.NewCollector()
	health := metrics.NewHealthServer(0, collector, logging.NewNopLogger())
	sink := &recordingSink{failAt: 3, failErr: errors.New("connection reset")}
	pipe := New(Config{Processor: "test_processor", ChannelSize: 1}, source.NewMemorySource(transactions(0, 5), 3),
		transformFunc(passThrough), sink, &recordingCheckpointer{}, collector, health, logging.NewNopLogger())

	require.Error(t, pipe.Run(context.Background(), source.Request{}))

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "txn_etl_errors_total 1\n")
}

func TestPipelineCommitsEveryBatchInOrder(t *testing.T) {
	src := source.NewMemorySource(transactions(0, 9), 3)
	sink := &recordingSink{}
	cp := &recordingCheckpointer{}

	err := newTestPipeline(src, passThrough, sink, cp).Run(context.Background(), source.Request{StartingVersion: u64(0)})
	require.NoError(t, err)

	assert.Equal(t, []uint64{2, 5, 8, 9}, sink.writes)
	assert.Equal(t, []uint64{2, 5, 8, 9}, cp.versions)
	assert.True(t, sink.closed)
}

func TestPipelineStopsOnStageError(t *testing.T) {
	tests := []struct {
		name      string
		transform transformFunc
		sink      *recordingSink
		wantCP    []uint64
	}{
		{
			name: "transform error",
			transform: func(ctx context.Context, batch model.TransactionBatch) (model.RowSet, error) {
				if batch.StartVersion == 3 {
					return nil, model.ErrUnknownChangeType
				}
				return passThrough(ctx, batch)
			},
			sink:   &recordingSink{},
			wantCP: []uint64{2},
		},
		{
			name:      "sink error",
			transform: passThrough,
			sink:      &recordingSink{failAt: 6, failErr: errors.New("connection reset")},
			wantCP:    []uint64{2, 5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := &recordingCheckpointer{}
			err := newTestPipeline(source.NewMemorySource(transactions(0, 20), 3), tt.transform, tt.sink, cp).
				Run(context.Background(), source.Request{})
			require.Error(t, err)

			cp.mu.Lock()
			defer cp.mu.Unlock()
			for _, v := range cp.versions {
				assert.Contains(t, tt.wantCP, v, "no batch at or after the failure may be checkpointed")
			}
			assert.False(t, tt.sink.closed)
		})
	}
}

func TestPipelineHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := func(ctx context.Context, batch model.TransactionBatch) (model.RowSet, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	err := newTestPipeline(source.NewMemorySource(transactions(0, 9), 3), tr, &recordingSink{}, &recordingCheckpointer{}).
		Run(ctx, source.Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func objectsConfig(sink string) *config.Config {
	cfg := &config.Config{}
	cfg.Processor = config.ProcessorConfig{
		Type:                 config.ProcessorObjects,
		Sink:                 sink,
		ChannelSize:          2,
		TransformParallelism: 2,
		QueryRetries:         1,
	}
	cfg.Mode = config.ModeConfig{Type: config.ModeDefault}
	cfg.Parquet = config.ParquetConfig{
		Backend:              "local",
		BucketRoot:           "exports",
		UploadInterval:       time.Hour,
		MaxBufferSize:        1 << 20,
		StatusUpdateInterval: time.Second,
	}
	return cfg
}

func TestProcessorPostgres(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	exec := &countingExecutor{}
	cfg := objectsConfig(config.SinkPostgres)

	proc, err := NewProcessor(cfg, Deps{
		Source:      source.NewMemorySource(objectTransactions(t, 0, 7), 4),
		Checkpoints: store,
		Executor:    exec,
		Logger:      logging.NewNopLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, proc.Run(ctx))

	// two batches, two tables, one chunk each
	assert.Equal(t, 4, exec.statements)
	status, err := store.GetProcessorStatus(ctx, "objects_processor")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, uint64(7), status.LastSuccessVersion)
	require.NotNil(t, status.LastTransactionTimestamp)
	assert.True(t, baseTime.Add(7*time.Second).Equal(*status.LastTransactionTimestamp))
}

func TestProcessorPostgresStoreFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	exec := &countingExecutor{err: errors.New("deadlock detected")}

	proc, err := NewProcessor(objectsConfig(config.SinkPostgres), Deps{
		Source:      source.NewMemorySource(objectTransactions(t, 0, 3), 4),
		Checkpoints: store,
		Executor:    exec,
		Logger:      logging.NewNopLogger(),
	})
	require.NoError(t, err)

	err = proc.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store versions 0 to 3")

	status, err := store.GetProcessorStatus(ctx, "objects_processor")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestProcessorLiveResume(t *testing.T) {
	tests := []struct {
		name        string
		from        uint64
		wantErr     bool
		wantVersion uint64
	}{
		{"reprocesses committed version", 3, false, 7},
		{"starts after committed version", 4, false, 7},
		{"missing versions fail", 6, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := checkpoint.NewMemoryStore()
			require.NoError(t, store.UpsertProcessorStatus(ctx, checkpoint.ProcessorStatus{
				Processor:          "objects_processor",
				LastSuccessVersion: 3,
			}))

			proc, err := NewProcessor(objectsConfig(config.SinkPostgres), Deps{
				Source:      source.NewMemorySource(objectTransactions(t, tt.from, 7), 8),
				Checkpoints: store,
				Executor:    &countingExecutor{},
				Logger:      logging.NewNopLogger(),
			})
			require.NoError(t, err)

			err = proc.Run(ctx)
			if tt.wantErr {
				require.ErrorIs(t, err, source.ErrMissingVersions)
			} else {
				require.NoError(t, err)
			}
			status, err := store.GetProcessorStatus(ctx, "objects_processor")
			require.NoError(t, err)
			require.NotNil(t, status)
			assert.Equal(t, tt.wantVersion, status.LastSuccessVersion)
		})
	}
}

func TestProcessorBackfillAlreadyComplete(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.UpsertBackfillStatus(ctx, checkpoint.BackfillStatus{
		Alias:              "objects_processor_bf1",
		Status:             checkpoint.BackfillComplete,
		LastSuccessVersion: 100,
		BackfillEndVersion: u64(100),
	}, false))

	cfg := objectsConfig(config.SinkPostgres)
	cfg.Mode = config.ModeConfig{Type: config.ModeBackfill, BackfillID: "bf1", EndingVersion: u64(100)}
	exec := &countingExecutor{}

	proc, err := NewProcessor(cfg, Deps{
		Source:      source.NewMemorySource(objectTransactions(t, 0, 3), 4),
		Checkpoints: store,
		Executor:    exec,
		Logger:      logging.NewNopLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, proc.Run(ctx))
	assert.Zero(t, exec.statements)
}

func TestProcessorParquet(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := checkpoint.NewMemoryStore()

	proc, err := NewProcessor(objectsConfig(config.SinkParquet), Deps{
		Source:      source.NewMemorySource(objectTransactions(t, 0, 5), 2),
		Checkpoints: store,
		Blobs:       blobstore.NewLocal(dir),
		RunID:       "run-1",
		Logger:      logging.NewNopLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, proc.Run(ctx))

	for _, table := range []string{model.TableObjects, model.TableCurrentObjects} {
		files, err := filepath.Glob(filepath.Join(dir, "exports", table, "*.parquet"))
		require.NoError(t, err)
		assert.Len(t, files, 1, table)

		status, err := store.GetProcessorStatus(ctx, checkpoint.SinkID("objects_processor", table))
		require.NoError(t, err)
		require.NotNil(t, status, table)
		assert.Equal(t, uint64(5), status.LastSuccessVersion)
	}
}

func TestNewProcessorRequiresSinkDeps(t *testing.T) {
	_, err := NewProcessor(objectsConfig(config.SinkParquet), Deps{
		Source:      source.NewMemorySource(nil, 1),
		Checkpoints: checkpoint.NewMemoryStore(),
		Logger:      logging.NewNopLogger(),
	})
	assert.Error(t, err)

	_, err = NewProcessor(objectsConfig(config.SinkPostgres), Deps{
		Source:      source.NewMemorySource(nil, 1),
		Checkpoints: checkpoint.NewMemoryStore(),
		Logger:      logging.NewNopLogger(),
	})
	assert.Error(t, err)
}
