package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xsbus"
)

// sample returns the value of the metric family name whose labels include want.
func sample(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestObserverCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := MustNew("", reg)

	o.OnEvent(xsbus.Event{Type: xsbus.Ack, Endpoint: "orders"})
	o.OnEvent(xsbus.Event{Type: xsbus.Ack, Endpoint: "orders"})
	o.OnEvent(xsbus.Event{Type: xsbus.Nack, Endpoint: "orders"})

	assert.Equal(t, 2.0, sample(t, reg, "xsbus_bus_events_total", map[string]string{"type": "ack", "endpoint": "orders"}))
	assert.Equal(t, 1.0, sample(t, reg, "xsbus_bus_events_total", map[string]string{"type": "nack"}))
}

func TestObserverProcessingAndDeadLetters(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := MustNew("app", reg)

	o.OnEvent(xsbus.Event{Type: xsbus.ConsumeDone, Endpoint: "orders", MessageType: "Order", Duration: 20 * time.Millisecond})
	o.OnEvent(xsbus.Event{Type: xsbus.MaxRetriesExceeded, Endpoint: "error", MessageType: "Order"})

	assert.Equal(t, 1.0, sample(t, reg, "app_bus_processing_seconds", map[string]string{"message_type": "Order"}))
	assert.Equal(t, 1.0, sample(t, reg, "app_bus_dead_lettered_total", map[string]string{"error_endpoint": "error"}))
}

func TestObserverWorkersGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := MustNew("", reg)

	o.OnEvent(xsbus.Event{Type: xsbus.WorkerStarted, Endpoint: "orders"})
	o.OnEvent(xsbus.Event{Type: xsbus.WorkerStarted, Endpoint: "orders"})
	o.OnEvent(xsbus.Event{Type: xsbus.WorkerStopped, Endpoint: "orders"})

	assert.Equal(t, 1.0, sample(t, reg, "xsbus_bus_workers", map[string]string{"endpoint": "orders"}))
}

func TestRegisterTwiceIsAllowed(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New("")
	require.NoError(t, o.Register(reg))
	require.NoError(t, o.Register(reg))
}

func TestSecondObserverSharesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNew("p", reg)
	second := MustNew("p", reg)

	second.OnEvent(xsbus.Event{Type: xsbus.MaxRetriesExceeded, Endpoint: "error", MessageType: "Order"})
	first.OnEvent(xsbus.Event{Type: xsbus.MaxRetriesExceeded, Endpoint: "error", MessageType: "Order"})
	second.OnEvent(xsbus.Event{Type: xsbus.WorkerStarted, Endpoint: "orders"})

	assert.Equal(t, 2.0, sample(t, reg, "p_bus_dead_lettered_total", map[string]string{"error_endpoint": "error"}))
	assert.Equal(t, 2.0, sample(t, reg, "p_bus_events_total", map[string]string{"type": string(xsbus.MaxRetriesExceeded)}))
	assert.Equal(t, 1.0, sample(t, reg, "p_bus_workers", map[string]string{"endpoint": "orders"}))
}
