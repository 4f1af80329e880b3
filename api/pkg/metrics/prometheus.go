package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixml/deskpool/api/pkg/types"
)

// PrometheusCollector implements Collector on its own registry
type PrometheusCollector struct {
	stateTransitions    *prometheus.CounterVec
	createDuration      *prometheus.HistogramVec
	terminationDuration *prometheus.HistogramVec
	activeInstances     prometheus.Gauge
	capacity            prometheus.Gauge
	reaped              prometheus.Counter

	registry *prometheus.Registry
}

func NewPrometheusCollector(namespace string, capacity int) *PrometheusCollector {
	if namespace == "" {
		namespace = "deskpool"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_state_transitions_total",
			Help:      "Total number of instance state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// creation includes spawning and the readiness probe, hence the long tail
	pc.createDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_create_duration_seconds",
			Help:      "Duration of instance creation attempts",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	pc.terminationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_termination_duration_seconds",
			Help:      "Duration of instance teardown",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"reason"},
	)

	pc.activeInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_instances",
			Help:      "Number of instances currently holding a resource triple",
		},
	)

	pc.capacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_instances",
			Help:      "Size of the resource pool",
		},
	)
	pc.capacity.Set(float64(capacity))

	pc.reaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_reaped_total",
			Help:      "Total number of idle instances removed by the reaper",
		},
	)

	pc.registry.MustRegister(
		pc.stateTransitions,
		pc.createDuration,
		pc.terminationDuration,
		pc.activeInstances,
		pc.capacity,
		pc.reaped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return pc
}

func (pc *PrometheusCollector) StateTransition(from, to types.InstanceState) {
	pc.stateTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (pc *PrometheusCollector) CreateDuration(outcome string, duration time.Duration) {
	pc.createDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) TerminationDuration(reason string, duration time.Duration) {
	pc.terminationDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) ActiveInstances(count int) {
	pc.activeInstances.Set(float64(count))
}

func (pc *PrometheusCollector) InstancesReaped(count int) {
	pc.reaped.Add(float64(count))
}

// Handler serves the collector's registry in the prometheus text format
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{Registry: pc.registry})
}

// Registry exposes the underlying registry for tests and extra collectors
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}
