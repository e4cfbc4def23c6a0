package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures observability events emitted by the forwarding pipeline.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the forwarding hot path.
type Collector interface {
	IncAdmitted(destination string)
	IncRejected(destination, reason string)
	IncQueued(destination string)
	IncSucceeded(destination string)
	IncDropped(destination, reason string)
	IncRetried(destination string)
	IncEviction(destination, reason string)
	SetOpenConnections(destination string, count int)
	SetInFlightStreams(destination string, count int)
	SetQueueDepth(destination string, depth int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncAdmitted(string)             {}
func (noopCollector) IncRejected(string, string)     {}
func (noopCollector) IncQueued(string)               {}
func (noopCollector) IncSucceeded(string)            {}
func (noopCollector) IncDropped(string, string)      {}
func (noopCollector) IncRetried(string)              {}
func (noopCollector) IncEviction(string, string)     {}
func (noopCollector) SetOpenConnections(string, int) {}
func (noopCollector) SetInFlightStreams(string, int) {}
func (noopCollector) SetQueueDepth(string, int)      {}

// PrometheusCollector exposes forwarding counters and gauges via Prometheus.
type PrometheusCollector struct {
	admitted   *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	queued     *prometheus.CounterVec
	succeeded  *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	retried    *prometheus.CounterVec
	evictions  *prometheus.CounterVec
	openConns  *prometheus.GaugeVec
	inFlight   *prometheus.GaugeVec
	queueDepth *prometheus.GaugeVec
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{}
	var err error

	if c.admitted, err = registerCounterVec(reg, "lite_txn_sender_admitted_total",
		"Number of forward requests admitted per destination.",
		[]string{"destination"}); err != nil {
		return nil, err
	}
	if c.rejected, err = registerCounterVec(reg, "lite_txn_sender_rejected_total",
		"Number of forward requests rejected synchronously per destination and reason.",
		[]string{"destination", "reason"}); err != nil {
		return nil, err
	}
	if c.queued, err = registerCounterVec(reg, "lite_txn_sender_queued_total",
		"Number of forward requests queued behind a saturated destination.",
		[]string{"destination"}); err != nil {
		return nil, err
	}
	if c.succeeded, err = registerCounterVec(reg, "lite_txn_sender_succeeded_total",
		"Number of forward requests handed to the transport per destination.",
		[]string{"destination"}); err != nil {
		return nil, err
	}
	if c.dropped, err = registerCounterVec(reg, "lite_txn_sender_dropped_total",
		"Number of forward requests dropped per destination and reason.",
		[]string{"destination", "reason"}); err != nil {
		return nil, err
	}
	if c.retried, err = registerCounterVec(reg, "lite_txn_sender_retried_total",
		"Number of retry attempts per destination.",
		[]string{"destination"}); err != nil {
		return nil, err
	}
	if c.evictions, err = registerCounterVec(reg, "lite_txn_sender_evictions_total",
		"Number of connection evictions per destination and reason.",
		[]string{"destination", "reason"}); err != nil {
		return nil, err
	}
	if c.openConns, err = registerGaugeVec(reg, "lite_txn_sender_open_connections",
		"Open QUIC connections per destination.",
		[]string{"destination"}); err != nil {
		return nil, err
	}
	if c.inFlight, err = registerGaugeVec(reg, "lite_txn_sender_in_flight_streams",
		"Streams currently in flight per destination.",
		[]string{"destination"}); err != nil {
		return nil, err
	}
	if c.queueDepth, err = registerGaugeVec(reg, "lite_txn_sender_queue_depth",
		"Requests currently waiting in the inbound queue per destination.",
		[]string{"destination"}); err != nil {
		return nil, err
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, name, help string, labels []string) (*prometheus.CounterVec, error) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	if err := reg.Register(vec); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, name, help string, labels []string) (*prometheus.GaugeVec, error) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	if err := reg.Register(vec); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

// IncAdmitted increments the admission counter for a destination.
func (p *PrometheusCollector) IncAdmitted(destination string) {
	if p == nil || p.admitted == nil {
		return
	}
	p.admitted.WithLabelValues(destination).Inc()
}

// IncRejected records a synchronous rejection with its reason code.
func (p *PrometheusCollector) IncRejected(destination, reason string) {
	if p == nil || p.rejected == nil {
		return
	}
	p.rejected.WithLabelValues(destination, reason).Inc()
}

// IncQueued records a request parked in the inbound queue.
func (p *PrometheusCollector) IncQueued(destination string) {
	if p == nil || p.queued == nil {
		return
	}
	p.queued.WithLabelValues(destination).Inc()
}

// IncSucceeded records a payload handed to the transport.
func (p *PrometheusCollector) IncSucceeded(destination string) {
	if p == nil || p.succeeded == nil {
		return
	}
	p.succeeded.WithLabelValues(destination).Inc()
}

// IncDropped records a terminal drop with its reason code.
func (p *PrometheusCollector) IncDropped(destination, reason string) {
	if p == nil || p.dropped == nil {
		return
	}
	p.dropped.WithLabelValues(destination, reason).Inc()
}

// IncRetried records one retry attempt.
func (p *PrometheusCollector) IncRetried(destination string) {
	if p == nil || p.retried == nil {
		return
	}
	p.retried.WithLabelValues(destination).Inc()
}

// IncEviction records a connection eviction with its reason code.
func (p *PrometheusCollector) IncEviction(destination, reason string) {
	if p == nil || p.evictions == nil {
		return
	}
	p.evictions.WithLabelValues(destination, reason).Inc()
}

// SetOpenConnections updates the open-connection gauge for a destination.
func (p *PrometheusCollector) SetOpenConnections(destination string, count int) {
	if p == nil || p.openConns == nil {
		return
	}
	p.openConns.WithLabelValues(destination).Set(float64(count))
}

// SetInFlightStreams updates the in-flight stream gauge for a destination.
func (p *PrometheusCollector) SetInFlightStreams(destination string, count int) {
	if p == nil || p.inFlight == nil {
		return
	}
	p.inFlight.WithLabelValues(destination).Set(float64(count))
}

// SetQueueDepth updates the inbound queue occupancy gauge for a destination.
func (p *PrometheusCollector) SetQueueDepth(destination string, depth int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.WithLabelValues(destination).Set(float64(depth))
}
