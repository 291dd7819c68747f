// Package metrics exposes Prometheus collectors for the session core.
//
// A nil *Collectors is valid and records nothing, so components can be built without metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/srg/hrlink/internal/device"
)

const namespace = "hrlink"

// Drop reasons reported by SampleDropped
const (
	DropOverflow  = "overflow"
	DropNoSink    = "no_sink"
	DropCancelled = "cancelled"
)

// Collectors groups every metric the session core records
type Collectors struct {
	connectionState     prometheus.Gauge
	subscriptionsActive *prometheus.GaugeVec
	samplesDelivered    *prometheus.CounterVec
	samplesDropped      *prometheus.CounterVec
	streamErrors        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Connection phase: 0 disconnected, 1 connecting, 2 connected.",
		}),
		subscriptionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Live stream subscriptions per kind.",
		}, []string{"kind"}),
		samplesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_delivered_total",
			Help:      "Samples handed to a registered sink.",
		}, []string{"kind"}),
		samplesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Samples discarded before reaching a sink.",
		}, []string{"kind", "reason"}),
		streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Streams terminated by a device error.",
		}, []string{"kind"}),
	}

	if reg == nil {
		return c, nil
	}

	var err error
	if c.connectionState, err = register(reg, c.connectionState); err != nil {
		return nil, err
	}
	if c.subscriptionsActive, err = register(reg, c.subscriptionsActive); err != nil {
		return nil, err
	}
	if c.samplesDelivered, err = register(reg, c.samplesDelivered); err != nil {
		return nil, err
	}
	if c.samplesDropped, err = register(reg, c.samplesDropped); err != nil {
		return nil, err
	}
	if c.streamErrors, err = register(reg, c.streamErrors); err != nil {
		return nil, err
	}
	return c, nil
}

// register adds col to reg, reusing an identical collector that is already registered
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, err
	}
	return col, nil
}

func (c *Collectors) SetConnectionState(phase int) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(phase))
}

func (c *Collectors) SubscriptionOpened(kind device.StreamKind) {
	if c == nil {
		return
	}
	c.subscriptionsActive.WithLabelValues(kind.String()).Inc()
}

func (c *Collectors) SubscriptionClosed(kind device.StreamKind) {
	if c == nil {
		return
	}
	c.subscriptionsActive.WithLabelValues(kind.String()).Dec()
}

func (c *Collectors) SampleDelivered(kind device.StreamKind) {
	if c == nil {
		return
	}
	c.samplesDelivered.WithLabelValues(kind.String()).Inc()
}

func (c *Collectors) SampleDropped(kind device.StreamKind, reason string) {
	if c == nil {
		return
	}
	c.samplesDropped.WithLabelValues(kind.String(), reason).Inc()
}

func (c *Collectors) StreamError(kind device.StreamKind) {
	if c == nil {
		return
	}
	c.streamErrors.WithLabelValues(kind.String()).Inc()
}
