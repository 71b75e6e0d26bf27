package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
)

// HealthServer provides health and metrics endpoints
type HealthServer struct {
	mu        sync.RWMutex
	port      int
	startTime time.Time
	collector *Collector
	logger    *logging.ComponentLogger
	server    *http.Server

	lastVersion   uint64
	batches       uint64
	lastError     string
	lastErrorTime time.Time
}

// HealthResponse is the JSON response for /health
type HealthResponse struct {
	Status             string `json:"status"`
	Uptime             string `json:"uptime"`
	LastSuccessVersion uint64 `json:"last_success_version"`
	BatchesProcessed   uint64 `json:"batches_processed"`
	LastError          string `json:"last_error,omitempty"`
	LastErrorTime      string `json:"last_error_time,omitempty"`
}

// NewHealthServer creates a new health server
func NewHealthServer(port int, collector *Collector, logger *logging.ComponentLogger) *HealthServer {
	return &HealthServer{
		port:      port,
		startTime: time.Now(),
		collector: collector,
		logger:    logger,
	}
}

// Handler returns the mux serving /health and /metrics
func (hs *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.handleHealth)
	mux.Handle("/metrics", hs.collector.Handler())
	return mux
}

// Start starts the health HTTP server
func (hs *HealthServer) Start() error {
	hs.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", hs.port),
		Handler:           hs.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error().Err(err).Msg("Health server error")
		}
	}()

	return nil
}

// Stop gracefully stops the health server
func (hs *HealthServer) Stop() error {
	if hs.server != nil {
		return hs.server.Close()
	}
	return nil
}

// RecordBatch updates the progress reported by /health
func (hs *HealthServer) RecordBatch(endVersion uint64) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.lastVersion = endVersion
	hs.batches++
}

// RecordError records an error in the health state
func (hs *HealthServer) RecordError(err error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.lastError = err.Error()
	hs.lastErrorTime = time.Now()
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	hs.mu.RLock()
	resp := HealthResponse{
		Status:             "healthy",
		Uptime:             time.Since(hs.startTime).String(),
		LastSuccessVersion: hs.lastVersion,
		BatchesProcessed:   hs.batches,
	}
	if hs.lastError != "" {
		resp.Status = "degraded"
		resp.LastError = hs.lastError
		resp.LastErrorTime = hs.lastErrorTime.Format(time.RFC3339)
	}
	hs.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
