// Package prometheus exports xsbus bus events as Prometheus metrics.
package prometheus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/trickstertwo/xsbus"
)

// Observer is an xsbus.Observer that updates Prometheus collectors.
type Observer struct {
	events       *prometheus.CounterVec
	processing   *prometheus.HistogramVec
	deadLettered *prometheus.CounterVec
	workers      *prometheus.GaugeVec
}

var _ xsbus.Observer = (*Observer)(nil)

// New creates the collectors under the given namespace (default "xsbus").
func New(namespace string) *Observer {
	if namespace == "" {
		namespace = "xsbus"
	}
	return &Observer{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Bus lifecycle events by type and endpoint.",
		}, []string{"type", "endpoint"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "processing_seconds",
			Help:      "Time spent handling a message that was acked.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "message_type"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dead_lettered_total",
			Help:      "Messages moved to the error endpoint after too many failures.",
		}, []string{"error_endpoint", "message_type"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "workers",
			Help:      "Running workers per input endpoint.",
		}, []string{"endpoint"}),
	}
}

// Register adds the collectors to reg. When reg already holds collectors of
// the same names, the observer switches to those so its updates are exported.
func (o *Observer) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var err error
	if o.events, err = register(reg, o.events); err != nil {
		return err
	}
	if o.processing, err = register(reg, o.processing); err != nil {
		return err
	}
	if o.deadLettered, err = register(reg, o.deadLettered); err != nil {
		return err
	}
	o.workers, err = register(reg, o.workers)
	return err
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// MustNew creates an observer and registers it on reg, panicking on error.
func MustNew(namespace string, reg prometheus.Registerer) *Observer {
	o := New(namespace)
	if err := o.Register(reg); err != nil {
		panic(err)
	}
	return o
}

func (o *Observer) OnEvent(e xsbus.Event) {
	endpoint := string(e.Endpoint)
	o.events.WithLabelValues(string(e.Type), endpoint).Inc()

	switch e.Type {
	case xsbus.ConsumeDone:
		o.processing.WithLabelValues(endpoint, e.MessageType).Observe(e.Duration.Seconds())
	case xsbus.MaxRetriesExceeded:
		o.deadLettered.WithLabelValues(endpoint, e.MessageType).Inc()
	case xsbus.WorkerStarted:
		o.workers.WithLabelValues(endpoint).Inc()
	case xsbus.WorkerStopped:
		o.workers.WithLabelValues(endpoint).Dec()
	}
}
