package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewClient(reg)

	m.FramesSent.WithLabelValues("message").Inc()
	m.FramesSent.WithLabelValues("message").Inc()
	m.QueueDepth.Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesSent.WithLabelValues("message")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "marketchat_client_frames_sent_total")
	assert.Contains(t, names, "marketchat_client_outbox_depth")
}

func TestNewClient_NilRegistry(t *testing.T) {
	// Two sessions in one process must not collide when unregistered.
	a := NewClient(nil)
	b := NewClient(nil)
	a.ReconnectAttempts.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ReconnectAttempts))
}

func TestNewRelay(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelay(reg)
	m.Connections.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Panics(t, func() { NewRelay(reg) }, "double registration must panic")
}
