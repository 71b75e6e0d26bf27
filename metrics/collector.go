package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages all metrics for the processor
type Collector struct {
	// Counters
	batchesProcessed *prometheus.CounterVec
	rowsWritten      *prometheus.CounterVec
	uploadAttempts   *prometheus.CounterVec
	uploadFailures   *prometheus.CounterVec
	errorsTotal      prometheus.Counter

	// Gauges
	lastSuccessVersion *prometheus.GaugeVec
	bufferedBytes      *prometheus.GaugeVec

	// Histograms
	chunkWriteDuration *prometheus.HistogramVec
	batchDuration      prometheus.Histogram

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		batchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txn_etl_batches_processed_total",
			Help: "Total number of transaction batches committed",
		}, []string{"processor"}),

		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txn_etl_rows_written_total",
			Help: "Total rows written per output table after dedup",
		}, []string{"table"}),

		uploadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txn_etl_upload_attempts_total",
			Help: "Total parquet upload attempts per table",
		}, []string{"table"}),

		uploadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txn_etl_upload_failures_total",
			Help: "Total failed parquet upload attempts per table",
		}, []string{"table"}),

		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txn_etl_errors_total",
			Help: "Total number of fatal pipeline errors",
		}),

		lastSuccessVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txn_etl_last_success_version",
			Help: "Last checkpointed transaction version",
		}, []string{"processor"}),

		bufferedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txn_etl_parquet_buffered_bytes",
			Help: "Estimated bytes waiting in a parquet buffer",
		}, []string{"table"}),

		chunkWriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txn_etl_chunk_write_duration_seconds",
			Help:    "Time to execute one chunked upsert",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"table"}),

		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "txn_etl_batch_duration_seconds",
			Help:    "Time from batch receipt to checkpoint",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	registry.MustRegister(
		c.batchesProcessed,
		c.rowsWritten,
		c.uploadAttempts,
		c.uploadFailures,
		c.errorsTotal,
		c.lastSuccessVersion,
		c.bufferedBytes,
		c.chunkWriteDuration,
		c.batchDuration,
	)

	return c
}

// RecordBatch records a committed batch
func (c *Collector) RecordBatch(processor string, endVersion uint64, duration time.Duration) {
	c.batchesProcessed.WithLabelValues(processor).Inc()
	c.lastSuccessVersion.WithLabelValues(processor).Set(float64(endVersion))
	c.batchDuration.Observe(duration.Seconds())
}

// RecordCheckpoint records a persisted checkpoint version
func (c *Collector) RecordCheckpoint(processor string, version uint64) {
	c.lastSuccessVersion.WithLabelValues(processor).Set(float64(version))
}

// RecordRows records rows written to a table
func (c *Collector) RecordRows(table string, rows int) {
	c.rowsWritten.WithLabelValues(table).Add(float64(rows))
}

// RecordChunkWrite records the duration of one chunk upsert
func (c *Collector) RecordChunkWrite(table string, duration time.Duration) {
	c.chunkWriteDuration.WithLabelValues(table).Observe(duration.Seconds())
}

// RecordUploadAttempt records one upload attempt and whether it failed
func (c *Collector) RecordUploadAttempt(table string, err error) {
	c.uploadAttempts.WithLabelValues(table).Inc()
	if err != nil {
		c.uploadFailures.WithLabelValues(table).Inc()
	}
}

// SetBufferedBytes records the estimated size of a parquet buffer
func (c *Collector) SetBufferedBytes(table string, bytes int64) {
	c.bufferedBytes.WithLabelValues(table).Set(float64(bytes))
}

// RecordError records a fatal error
func (c *Collector) RecordError() {
	c.errorsTotal.Inc()
}

// Handler returns the Prometheus HTTP handler for this collector
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
