package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/logging"
)

func TestHealthEndpoint(t *testing.T) {
	hs := NewHealthServer(0, NewCollector(), logging.NewNopLogger())
	hs.RecordBatch(42)
	hs.RecordBatch(99)

	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, uint64(99), resp.LastSuccessVersion)
	assert.Equal(t, uint64(2), resp.BatchesProcessed)

	hs.RecordError(errors.New("db down"))
	rec = httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "db down", resp.LastError)
}

func TestMetricsEndpoint(t *testing.T) {
	c := NewCollector()
	c.RecordRows("current_objects", 7)
	c.RecordCheckpoint("objects_processor", 1234)

	hs := NewHealthServer(0, c, logging.NewNopLogger())
	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `txn_etl_rows_written_total{table="current_objects"} 7`))
	assert.True(t, strings.Contains(body, `txn_etl_last_success_version{processor="objects_processor"} 1234`))
}
