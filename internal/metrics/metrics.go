// Package metrics holds the node's Prometheus collectors.
//
// Every recorder method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	servicesHosted   prometheus.Gauge
	subscribers      prometheus.Gauge
	requests         *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	fanoutSends      *prometheus.CounterVec
	evictions        prometheus.Counter
	pluginDropped    *prometheus.CounterVec
	handlerPanics    *prometheus.CounterVec
	consumerChannels prometheus.Gauge
	consumerUpdates  *prometheus.CounterVec
}

// New registers the collectors on reg (DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		servicesHosted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "servicesync_services_hosted",
			Help: "Services currently hosted on this node.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "servicesync_subscribers",
			Help: "Subscribers summed over every hosted service.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicesync_requests_total",
			Help: "Inbound requests grouped by type and result.",
		}, []string{"type", "result"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "servicesync_request_latency_seconds",
			Help:    "Time spent handling a request inside a service worker.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"type"}),
		fanoutSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicesync_fanout_sends_total",
			Help: "Fan-out publishes grouped by update kind and result.",
		}, []string{"kind", "result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servicesync_presence_evictions_total",
			Help: "Subscribers evicted for missing heartbeats.",
		}),
		pluginDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicesync_plugin_outputs_dropped_total",
			Help: "Plugin outputs dropped by reason.",
		}, []string{"reason"}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicesync_handler_panics_total",
			Help: "Recovered panics grouped by component.",
		}, []string{"component"}),
		consumerChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "servicesync_consumer_channels",
			Help: "Open browser channels on this node.",
		}),
		consumerUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servicesync_consumer_updates_total",
			Help: "Inbound updates routed to consumers grouped by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.servicesHosted,
		m.subscribers,
		m.requests,
		m.requestLatency,
		m.fanoutSends,
		m.evictions,
		m.pluginDropped,
		m.handlerPanics,
		m.consumerChannels,
		m.consumerUpdates,
	)
	return m
}

func (m *Metrics) ServiceAdded() {
	if m == nil {
		return
	}
	m.servicesHosted.Inc()
}

func (m *Metrics) ServiceRemoved(subscribers int) {
	if m == nil {
		return
	}
	m.servicesHosted.Dec()
	m.subscribers.Sub(float64(subscribers))
}

func (m *Metrics) SubscribersDelta(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.subscribers.Add(float64(delta))
}

func (m *Metrics) Request(kind, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(kind, result).Inc()
	if elapsed > 0 {
		m.requestLatency.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) FanoutSend(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "unreachable"
	}
	m.fanoutSends.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) PluginOutputDropped(reason string) {
	if m == nil {
		return
	}
	m.pluginDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Panic(component string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(component).Inc()
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.consumerChannels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.consumerChannels.Dec()
}

func (m *Metrics) ConsumerUpdate(result string) {
	if m == nil {
		return
	}
	m.consumerUpdates.WithLabelValues(result).Inc()
}
