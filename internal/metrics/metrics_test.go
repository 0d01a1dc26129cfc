package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionsStarted.WithLabelValues("host").Inc()
	m.CandidatesRelayed.Add(3)
	m.ActiveWatches.Set(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStarted.WithLabelValues("host")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CandidatesRelayed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveWatches))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilRegistererIsSafe(t *testing.T) {
	m := New(nil)

	m.SessionsStarted.WithLabelValues("guest").Inc()
	m.StateTransitions.WithLabelValues("closed").Inc()
	m.CandidatesDeduped.Inc()
	m.RPCRequests.WithLabelValues("get").Inc()
	m.RPCErrors.WithLabelValues("occupied").Inc()
	m.ActiveWatches.Inc()
}
