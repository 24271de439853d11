package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Request(OutcomeImage)
	m.Request(OutcomeImage)
	m.Request(OutcomeTimeout)
	m.FramePersisted()
	m.Surfaces(3)
	m.Transition("Active")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OutcomeImage)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesPersisted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SurfacesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTransitions.WithLabelValues("Active")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Request(OutcomeAborted)
	m.FramePersisted()
	m.Surfaces(1)
	m.Transition("Stopped")
}
