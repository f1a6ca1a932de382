package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portbroker",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portbroker",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
	brokerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portbroker",
			Subsystem: "broker",
			Name:      "requests_total",
			Help:      "Supervisor requests by operation and result code.",
		},
		[]string{"op", "result"},
	)
	brokerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portbroker",
			Subsystem: "broker",
			Name:      "request_duration_seconds",
			Help:      "Supervisor request handling duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	registrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portbroker",
			Subsystem: "broker",
			Name:      "registry_services",
			Help:      "Names currently bound in the registry.",
		},
	)
	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portbroker",
			Subsystem: "spawner",
			Name:      "launches_total",
			Help:      "Helper launches by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)
	patches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portbroker",
			Subsystem: "interpose",
			Name:      "patches_total",
			Help:      "Interposition attempts by mechanism and outcome.",
		},
		[]string{"mechanism", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			brokerRequests,
			brokerDuration,
			registrySize,
			spawns,
			patches,
		)
	})
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordBrokerRequest(op string, result int32, duration time.Duration) {
	RegisterMetrics()
	brokerRequests.WithLabelValues(op, strconv.FormatInt(int64(result), 10)).Inc()
	brokerDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func SetRegistrySize(n int) {
	RegisterMetrics()
	registrySize.Set(float64(n))
}

func RecordSpawn(stage string, outcome string) {
	RegisterMetrics()
	spawns.WithLabelValues(stage, outcome).Inc()
}

func RecordPatch(mechanism string, outcome string) {
	RegisterMetrics()
	patches.WithLabelValues(mechanism, outcome).Inc()
}
