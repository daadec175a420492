package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Transition("mapped", 2*time.Second)
	m.Transition("mapped", time.Second)
	m.Finished("failed", "test_timeout")
	m.Cost("implemented", 0.25)
	m.Cost("implemented", -1)
	m.Decision("approve")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("mapped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminal.WithLabelValues("failed", "test_timeout")))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.costUSD.WithLabelValues("implemented")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.approvals.WithLabelValues("approve")))
}

func TestInflight(t *testing.T) {
	m := New()
	done1 := m.Started()
	done2 := m.Started()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inflight))
	done1()
	done2()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("mapped", time.Second)
	m.Finished("succeeded", "")
	m.Cost("implemented", 1)
	m.Decision("reject")
	m.Started()()
}

func TestHandler(t *testing.T) {
	m := New()
	m.Transition("tested", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `recdeploy_stage_transitions_total{stage="tested"} 1`), string(body))
}
