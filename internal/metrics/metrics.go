package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the pipeline collectors on a private registry
type Metrics struct {
	Registry *prometheus.Registry

	JobsTotal       *prometheus.CounterVec
	JobsActive      prometheus.Gauge
	JobsPending     prometheus.Gauge
	BytesDownloaded prometheus.Counter
	StageDuration   *prometheus.HistogramVec
	Errors          *prometheus.CounterVec
	SpeedLimit      prometheus.Gauge
}

// New registers the pipeline collectors plus the Go and process collectors
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ytgrab",
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal state, by state.",
		}, []string{"state"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ytgrab",
			Name:      "jobs_active",
			Help:      "Jobs currently resolving, downloading or post-processing.",
		}),
		JobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ytgrab",
			Name:      "jobs_pending",
			Help:      "Jobs waiting in the queue.",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ytgrab",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written by completed transfers.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ytgrab",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 3, 9),
		}, []string{"stage"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ytgrab",
			Name:      "errors_total",
			Help:      "Failed jobs by error kind.",
		}, []string{"kind"}),
		SpeedLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ytgrab",
			Name:      "speed_limit_bytes",
			Help:      "Default per-job speed limit, 0 when unlimited.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsTotal,
		m.JobsActive,
		m.JobsPending,
		m.BytesDownloaded,
		m.StageDuration,
		m.Errors,
		m.SpeedLimit,
	)
	return m
}
