package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveHTTPRequestCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(httpErrors.WithLabelValues("/x", http.MethodGet))
	ObserveHTTPRequest("/x", http.MethodGet, http.StatusBadGateway, 10*time.Millisecond)
	ObserveHTTPRequest("/x", http.MethodGet, http.StatusOK, 10*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(httpErrors.WithLabelValues("/x", http.MethodGet)))
	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequests.WithLabelValues("/x", http.MethodGet, "200")))
}

func TestHandlerExposesSettlementMetrics(t *testing.T) {
	ObserveSettlement("emergency-brake", "completed", time.Second)
	ObserveDecision("emergency-brake", "deterministic")
	ObserveLedgerCall("balance", errors.New("x"), time.Millisecond)
	ObserveEvent("deposited", nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sentinel_settlement_runs_total{agent="emergency-brake",outcome="completed"}`)
	assert.Contains(t, string(body), `sentinel_ledger_call_duration_seconds_count{operation="balance",result="error"}`)
	assert.Contains(t, string(body), "go_goroutines")
}
