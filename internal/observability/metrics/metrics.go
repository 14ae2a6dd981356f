// Package metrics exposes fire and broker counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"datawatch/internal/broker"
	"datawatch/internal/task/producer"
)

const namespace = "datawatch"

// Metrics owns a private registry so tests and multiple instances never
// collide on the global default registry.
type Metrics struct {
	reg *prometheus.Registry

	fires        *prometheus.CounterVec
	fireDuration *prometheus.HistogramVec
	measurements *prometheus.CounterVec
	pairs        *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec
}

// New creates the metric set. Runtime collectors are included when
// withRuntime is true.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "fires_total",
			Help:      "Finished fires by source and outcome.",
		}, []string{"source", "outcome"}),

		fireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "fire_duration_seconds",
			Help:      "Fire duration including the HTTP round trip.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),

		measurements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "measurements_total",
			Help:      "Measurements published by source.",
		}, []string{"source"}),

		pairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "variables_stored_total",
			Help:      "Variable pairs stored by source.",
		}, []string{"source"}),

		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "producer",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful fire by source.",
		}, []string{"source"}),
	}

	m.reg.MustRegister(m.fires, m.fireDuration, m.measurements, m.pairs, m.lastSuccess)
	if withRuntime {
		m.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveFire implements producer.Observer.
func (m *Metrics) ObserveFire(r producer.Report) {
	if m == nil {
		return
	}
	m.fires.WithLabelValues(r.Source, string(r.Outcome)).Inc()
	m.fireDuration.WithLabelValues(r.Source).Observe(r.Took.Seconds())
	if r.Outcome != producer.OutcomeOK {
		return
	}
	if r.Measurements > 0 {
		m.measurements.WithLabelValues(r.Source).Add(float64(r.Measurements))
	}
	if r.Pairs > 0 {
		m.pairs.WithLabelValues(r.Source).Add(float64(r.Pairs))
	}
	m.lastSuccess.WithLabelValues(r.Source).Set(float64(r.Started.Add(r.Took).Unix()))
}

// RegisterGauge exposes fn as an untyped-label gauge read at scrape time.
func (m *Metrics) RegisterGauge(subsystem, name, help string, fn func() float64) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// RegisterBroker exposes broker counters, read from stats at scrape time.
func (m *Metrics) RegisterBroker(stats func() broker.Stats) error {
	return m.reg.Register(&brokerCollector{stats: stats})
}

// RegisterUptime exposes seconds since start.
func (m *Metrics) RegisterUptime(start time.Time) error {
	return m.RegisterGauge("process", "uptime_seconds", "Seconds since datawatch started.", func() float64 {
		return time.Since(start).Seconds()
	})
}

var (
	brokerPublishedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "broker", "published_total"),
		"Measurements offered to the broker.", nil, nil)
	brokerSentDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "broker", "sent_total"),
		"Measurements accepted into a subscriber buffer.", []string{"subscriber"}, nil)
	brokerDroppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "broker", "dropped_total"),
		"Measurements dropped because a subscriber buffer was full.", []string{"subscriber"}, nil)
	brokerFailedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "broker", "consume_failed_total"),
		"Consume calls that returned an error or panicked.", []string{"subscriber"}, nil)
	brokerQueuedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "broker", "queued"),
		"Measurements waiting in a subscriber buffer.", []string{"subscriber"}, nil)
)

type brokerCollector struct {
	stats func() broker.Stats
}

func (c *brokerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- brokerPublishedDesc
	ch <- brokerSentDesc
	ch <- brokerDroppedDesc
	ch <- brokerFailedDesc
	ch <- brokerQueuedDesc
}

func (c *brokerCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	ch <- prometheus.MustNewConstMetric(brokerPublishedDesc, prometheus.CounterValue, float64(st.Published))
	for _, s := range st.Subscribers {
		ch <- prometheus.MustNewConstMetric(brokerSentDesc, prometheus.CounterValue, float64(s.Sent), s.Name)
		ch <- prometheus.MustNewConstMetric(brokerDroppedDesc, prometheus.CounterValue, float64(s.Dropped), s.Name)
		ch <- prometheus.MustNewConstMetric(brokerFailedDesc, prometheus.CounterValue, float64(s.Failed), s.Name)
		ch <- prometheus.MustNewConstMetric(brokerQueuedDesc, prometheus.GaugeValue, float64(s.Queued), s.Name)
	}
}
