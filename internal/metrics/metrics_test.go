package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Connections.Inc()
	m.AuthResolutions.WithLabelValues(ResultOK).Inc()
	m.Acknowledgements.WithLabelValues(ResultRejected).Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Acknowledgements.WithLabelValues(ResultRejected)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "notifyrelay_connections")
	assert.Contains(t, names, "notifyrelay_auth_resolutions_total")
	assert.Contains(t, names, "notifyrelay_acknowledgements_total")
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestNewUnregistered_Isolated(t *testing.T) {
	a := NewUnregistered()
	b := NewUnregistered()
	a.Delivered.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Delivered))
	assert.Zero(t, testutil.ToFloat64(b.Delivered))
}
