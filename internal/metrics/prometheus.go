package metrics

import (
    "fmt"
    "net/http"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/riverside-tel/orange-cti/pkg/logger"
)

// PrometheusMetrics is the single point of contact with client_golang;
// no other package imports prometheus directly. Metrics are updated by
// name through its IncrementCounter/ObserveHistogram/SetGauge methods.
type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    pm.counters["session_logins_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "session_logins_total",
            Help: "Total successful agent logins",
        },
        []string{},
    )

    pm.counters["session_auth_failures_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "session_auth_failures_total",
            Help: "Total failed authentication attempts",
        },
        []string{"reason"},
    )

    pm.counters["session_duplicate_logins_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "session_duplicate_logins_total",
            Help: "Total logins rejected for an already-logged-in username",
        },
        []string{},
    )

    pm.counters["session_heartbeat_timeouts_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "session_heartbeat_timeouts_total",
            Help: "Total sessions dropped for missing heartbeats",
        },
        []string{},
    )

    pm.counters["ami_actions_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "ami_actions_total",
            Help: "Total AMI actions sent",
        },
        []string{"action"},
    )

    pm.counters["ami_events_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "ami_events_total",
            Help: "Total AMI events received",
        },
        []string{"event"},
    )

    pm.counters["ami_reconnects_total"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "ami_reconnects_total",
            Help: "Total AMI reconnect attempts",
        },
        []string{},
    )

    pm.histograms["ami_action_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "ami_action_duration_seconds",
            Help:    "Round-trip time for an AMI action",
            Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
        },
        []string{"action"},
    )

    pm.histograms["session_handling_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "session_handling_duration_seconds",
            Help:    "Time spent handling one client protocol frame",
            Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
        },
        []string{"kind"},
    )

    pm.gauges["sessions_connected"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "sessions_connected",
            Help: "Currently connected client sessions, per worker",
        },
        []string{"worker"},
    )

    pm.gauges["group_members"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "group_members",
            Help: "Current member count per group",
        },
        []string{"group"},
    )

    pm.gauges["ami_connected"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "ami_connected",
            Help: "Whether the AMI client is currently connected (1) or not (0)",
        },
        []string{},
    )

    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("Metrics server started")
    return http.ListenAndServe(addr, nil)
}
