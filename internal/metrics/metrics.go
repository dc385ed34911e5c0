// Package metrics exposes the service's prometheus collectors. A Metrics
// value implements the observer interfaces of the storage, query, sink,
// broadcast and ingest packages; every method is safe on a nil receiver so
// components can run without metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dreamware/twinlogy/internal/sink"
)

const namespace = "twinlogy"

// Metrics holds every collector registered by New.
type Metrics struct {
	ingestTotal      *prometheus.CounterVec
	persistTotal     *prometheus.CounterVec
	readDuration     *prometheus.HistogramVec
	sinkDeliveries   *prometheus.CounterVec
	sinkDuration     *prometheus.HistogramVec
	sinkUnhealthy    *prometheus.CounterVec
	subscribers      prometheus.Gauge
	framesDelivered  prometheus.Counter
	framesDropped    prometheus.Counter
	recordsGauge     prometheus.GaugeFunc
	httpRequestTotal *prometheus.CounterVec
}

// New registers the collectors with reg. records, if non-nil, backs the
// stored-records gauge.
func New(reg prometheus.Registerer, records func() int) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		ingestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Readings submitted for ingest, by outcome.",
		}, []string{"outcome"}),
		persistTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Persistence attempts, by result.",
		}, []string{"result"}),
		readDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_duration_seconds",
			Help:      "Duration of query and export operations.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
		sinkDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_deliveries_total",
			Help:      "Sink delivery attempts, by sink and result.",
		}, []string{"sink", "result"}),
		sinkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_delivery_duration_seconds",
			Help:      "Duration of sink deliveries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sink"}),
		sinkUnhealthy: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_unhealthy_total",
			Help:      "Transitions of a sink to the unhealthy state.",
		}, []string{"sink"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_subscribers",
			Help:      "Currently connected live-feed subscribers.",
		}),
		framesDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_frames_delivered_total",
			Help:      "Live-feed frames queued to subscribers.",
		}),
		framesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_frames_dropped_total",
			Help:      "Live-feed frames dropped because a subscriber queue was full.",
		}),
		httpRequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
	}
	if records != nil {
		m.recordsGauge = f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Records held in the log.",
		}, func() float64 { return float64(records()) })
	}
	return m
}

// ObserveIngest counts an ingest outcome.
func (m *Metrics) ObserveIngest(outcome string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(outcome).Inc()
}

// ObservePersist counts a persistence attempt.
func (m *Metrics) ObservePersist(err error) {
	if m == nil {
		return
	}
	m.persistTotal.WithLabelValues(result(err)).Inc()
}

// ObserveRead records a query or export duration.
func (m *Metrics) ObserveRead(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.readDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveDelivery records a sink delivery.
func (m *Metrics) ObserveDelivery(sinkName string, err error, d time.Duration) {
	if m == nil {
		return
	}
	res := result(err)
	if errors.Is(err, sink.ErrQueueFull) {
		res = "dropped"
	} else {
		m.sinkDuration.WithLabelValues(sinkName).Observe(d.Seconds())
	}
	m.sinkDeliveries.WithLabelValues(sinkName, res).Inc()
}

// ObserveSinkUnhealthy counts a sink becoming unhealthy.
func (m *Metrics) ObserveSinkUnhealthy(sinkName string) {
	if m == nil {
		return
	}
	m.sinkUnhealthy.WithLabelValues(sinkName).Inc()
}

// ObservePublish counts frames delivered and dropped by one publish.
func (m *Metrics) ObservePublish(delivered, dropped int) {
	if m == nil {
		return
	}
	m.framesDelivered.Add(float64(delivered))
	m.framesDropped.Add(float64(dropped))
}

// ObserveSubscribers sets the subscriber gauge.
func (m *Metrics) ObserveSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// ObserveRequest counts an HTTP response.
func (m *Metrics) ObserveRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequestTotal.WithLabelValues(route, statusClass(code)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
