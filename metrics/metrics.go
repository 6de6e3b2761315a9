// Package metrics exports the connectivity core's measurements to Prometheus.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mailbus/internal/rabbitmq"
)

const namespace = "mailbus"

// PrometheusRecorder implements rabbitmq.MetricsRecorder. Collectors are
// created on first use, so every pool metric name maps to exactly one
// series family:
//
//	timers   -> mailbus_<name>_seconds (histogram)
//	counters -> mailbus_<name>_total
//	gauges   -> mailbus_<name>
type PrometheusRecorder struct {
	factory  promauto.Factory
	gatherer prometheus.Gatherer

	mu         sync.Mutex
	histograms map[string]prometheus.Histogram
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge

	connectionUp      prometheus.Gauge
	connectionChanges *prometheus.CounterVec
}

var _ rabbitmq.MetricsRecorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers collectors with reg. A nil reg uses a
// fresh registry, which Handler then serves.
func NewPrometheusRecorder(reg *prometheus.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		factory:    factory,
		gatherer:   reg,
		histograms: make(map[string]prometheus.Histogram),
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		connectionUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "Whether the broker connection is currently established (1) or not (0)",
		}),
		connectionChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_state_changes_total",
			Help:      "Broker connection state transitions",
		}, []string{"state"}),
	}
}

// ObserveTimer records d in seconds.
func (r *PrometheusRecorder) ObserveTimer(name string, d time.Duration) {
	r.mu.Lock()
	h, ok := r.histograms[name]
	if !ok {
		h = r.factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      metricName(name) + "_seconds",
			Help:      help(name, "latency in seconds"),
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		})
		r.histograms[name] = h
	}
	r.mu.Unlock()
	h.Observe(d.Seconds())
}

// IncCounter adds one to the counter.
func (r *PrometheusRecorder) IncCounter(name string) {
	r.mu.Lock()
	c, ok := r.counters[name]
	if !ok {
		c = r.factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      metricName(name) + "_total",
			Help:      help(name, "count"),
		})
		r.counters[name] = c
	}
	r.mu.Unlock()
	c.Inc()
}

// SetGauge sets the gauge to value.
func (r *PrometheusRecorder) SetGauge(name string, value float64) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	if !ok {
		g = r.factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      metricName(name),
			Help:      help(name, "current value"),
		})
		r.gauges[name] = g
	}
	r.mu.Unlock()
	g.Set(value)
}

// ConnectionListener returns a listener that mirrors the resilient
// connection state into mailbus_connection_up.
func (r *PrometheusRecorder) ConnectionListener() rabbitmq.ConnectionStateListener {
	return &connectionListener{recorder: r}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

type connectionListener struct {
	recorder *PrometheusRecorder
}

func (l *connectionListener) OnConnected() {
	l.recorder.connectionUp.Set(1)
	l.recorder.connectionChanges.WithLabelValues("connected").Inc()
}

func (l *connectionListener) OnDisconnected(error) {
	l.recorder.connectionUp.Set(0)
	l.recorder.connectionChanges.WithLabelValues("disconnected").Inc()
}

func (l *connectionListener) OnReconnecting(int) {
	l.recorder.connectionChanges.WithLabelValues("reconnecting").Inc()
}

func metricName(name string) string {
	name = strings.TrimSuffix(name, "_total")
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func help(name, kind string) string {
	return strings.ReplaceAll(name, "_", " ") + " " + kind
}
