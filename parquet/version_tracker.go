package parquet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/checkpoint"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
	"github.com/withObsrvr/ttp-processor-demo/txn-etl/metrics"
)

type trackedVersion struct {
	version   uint64
	timestamp time.Time
	dirty     bool
}

// VersionTracker remembers the last version whose rows are durable in the
// blob store, per table, and persists it through the checkpoint saver.
type VersionTracker struct {
	saver     *checkpoint.Saver
	processor string
	interval  time.Duration
	metrics   *metrics.Collector
	logger    *logging.ComponentLogger

	mu       sync.Mutex
	versions map[string]*trackedVersion
	lastSave time.Time
	now      func() time.Time
}

func NewVersionTracker(saver *checkpoint.Saver, processor string, interval time.Duration,
	collector *metrics.Collector, logger *logging.ComponentLogger,
) *VersionTracker {
	if interval <= 0 {
		interval = time.Second
	}
	return &VersionTracker{
		saver:     saver,
		processor: processor,
		interval:  interval,
		metrics:   collector,
		logger:    logger.With("parquet_version_tracker"),
		versions:  make(map[string]*trackedVersion),
		lastSave:  time.Now(),
		now:       time.Now,
	}
}

// Update records that table is durable up to version. Lower versions are
// ignored.
func (t *VersionTracker) Update(table string, version uint64, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tv, ok := t.versions[table]
	if !ok {
		t.versions[table] = &trackedVersion{version: version, timestamp: ts, dirty: true}
		return
	}
	if version <= tv.version {
		return
	}
	tv.version = version
	tv.timestamp = ts
	tv.dirty = true
}

// Last returns the tracked version of table.
func (t *VersionTracker) Last(table string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tv, ok := t.versions[table]
	if !ok {
		return 0, false
	}
	return tv.version, true
}

// MaybeSave persists pending versions once the status update interval has
// elapsed since the previous save.
func (t *VersionTracker) MaybeSave(ctx context.Context) error {
	t.mu.Lock()
	due := t.now().Sub(t.lastSave) >= t.interval
	t.mu.Unlock()
	if !due {
		return nil
	}
	return t.Save(ctx)
}

// Save persists every table whose version changed since the last save.
func (t *VersionTracker) Save(ctx context.Context) error {
	t.mu.Lock()
	pending := make(map[string]trackedVersion)
	for table, tv := range t.versions {
		if tv.dirty {
			pending[table] = *tv
		}
	}
	t.lastSave = t.now()
	t.mu.Unlock()

	tables := make([]string, 0, len(pending))
	for table := range pending {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		tv := pending[table]
		ts := tv.timestamp
		sink := checkpoint.SinkID(t.processor, table)
		if err := t.saver.Save(ctx, sink, tv.version, &ts); err != nil {
			return err
		}
		if t.metrics != nil {
			t.metrics.RecordCheckpoint(sink, tv.version)
		}

		t.mu.Lock()
		if cur := t.versions[table]; cur.version == tv.version {
			cur.dirty = false
		}
		t.mu.Unlock()

		t.logger.Debug().
			Str("table", table).
			Uint64("version", tv.version).
			Msg("Saved parquet checkpoint")
	}
	return nil
}
