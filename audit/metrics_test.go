package audit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeFetch(nil)
		m.observeRetry()
		m.observeReference(RefHTTP)
		m.observeOutcome(OutcomeCompared, time.Second)
		m.observeError(KindDownload, LegOriginal)
		m.observeChunk(NewState(nil, nil))
	})
}

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics()

	m.observeFetch(nil)
	m.observeFetch(&StatusError{URL: "u", StatusCode: 500})
	m.observeFetch(fmt.Errorf("get: %w", context.DeadlineExceeded))
	m.observeFetch(io.ErrUnexpectedEOF)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues("status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues("error")))

	m.observeReference(RefIPFS)
	m.observeReference(RefIPFS)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReferencesTotal.WithLabelValues(RefIPFS.String())))

	m.observeError(KindProcessing, "")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(string(KindProcessing), "none")))

	m.observeOutcome(OutcomeSkipped, time.Second)
	m.observeOutcome(OutcomeCompared, time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.AssetDuration))

	m.observeChunk(NewState([]string{"A1", "A2"}, []string{"A3"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProcessedIDs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorLoggedIDs))
}

func TestMetricsServer_Handlers(t *testing.T) {
	m := NewMetrics()
	m.observeRetry()
	s := NewMetricsServer("127.0.0.1:0", m, zaptest.NewLogger(t))
	srv := httptest.NewServer(s.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "nft_audit_resolver_gateway_retries_total 1")
}

func TestMetricsServer_StartStop(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", NewMetrics(), zaptest.NewLogger(t))
	s.Start()
	assert.NoError(t, s.Stop())
}
