package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickgofer/internal/livedata"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Request(livedata.KindSnapshot)
	m.Result(livedata.ResultTimeout)
	m.Result(livedata.ResultTimeout)
	m.Ticks(TickBuffered, 3)
	m.Heartbeat(errors.New("down"))
	m.PendingHandles(2)
	m.PendingHandles(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("SNAPSHOT")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.results.WithLabelValues("TIMEOUT")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ticks.WithLabelValues(TickBuffered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heartbeats.WithLabelValues(OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pendingHandles))

	_, err = New(reg)
	assert.Error(t, err, "duplicate registration")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Request(livedata.KindSnapshot)
		m.Cancel()
		m.Entitlement(nil)
		m.PendingHandles(1)
	})
}
