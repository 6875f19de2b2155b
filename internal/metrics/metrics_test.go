package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memevault/internal/metrics"
)

func TestCounters(t *testing.T) {
	m := metrics.New()
	m.ObserveSweep("finalization", "ran", time.Second)
	m.ObserveSweep("finalization", "skipped", 0)
	m.FundingCheck("funded")
	m.Transition("activated")
	m.Vote()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRuns.WithLabelValues("finalization", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FundingChecks.WithLabelValues("funded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VotesCast))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "memevault_challenge_transitions_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveSweep("funding", "ran", time.Second)
	m.PayoutAttempt("paid")
	m.Vote()
}
