// Package metrics exposes the service's Prometheus collectors. All counters
// and gauges live on a package-level registry served by Handler; call sites
// record through the small helper functions so collector wiring stays here.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reg *prometheus.Registry

	jobsCreated      *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	pipelinesRunning prometheus.Gauge
	queueDepth       prometheus.Gauge
	eventsPublished  prometheus.Counter
	eventsDropped    prometheus.Counter
	wsConnections    prometheus.Gauge
	artifactsReaped  *prometheus.CounterVec
)

func init() {
	reg = prometheus.NewRegistry()

	jobsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repack_jobs_created_total",
		Help: "Jobs admitted, by origin kind.",
	}, []string{"origin"})

	jobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repack_jobs_finished_total",
		Help: "Jobs reaching a terminal status.",
	}, []string{"status"})

	jobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "repack_job_duration_seconds",
		Help:    "Wall time from claim to terminal status.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	pipelinesRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repack_pipelines_running",
		Help: "Repackaging pipelines currently executing.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repack_queue_depth",
		Help: "Jobs waiting in the broker queue.",
	})

	eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repack_events_published_total",
		Help: "Events published to the progress bus.",
	})

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "repack_events_dropped_total",
		Help: "Events dropped on slow subscriber buffers.",
	})

	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "repack_ws_connections",
		Help: "Live WebSocket progress subscriptions.",
	})

	artifactsReaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "repack_artifacts_reaped_total",
		Help: "Files removed by the retention reaper, by kind.",
	}, []string{"kind"})

	reg.MustRegister(
		jobsCreated, jobsFinished, jobDuration, pipelinesRunning,
		queueDepth, eventsPublished, eventsDropped, wsConnections,
		artifactsReaped,
	)
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// JobCreated records an admitted job.
func JobCreated(origin string) { jobsCreated.WithLabelValues(origin).Inc() }

// JobFinished records a terminal transition and the attempt duration.
func JobFinished(status string, d time.Duration) {
	jobsFinished.WithLabelValues(status).Inc()
	jobDuration.Observe(d.Seconds())
}

// PipelineStarted marks one more pipeline running.
func PipelineStarted() { pipelinesRunning.Inc() }

// PipelineDone marks a pipeline finished.
func PipelineDone() { pipelinesRunning.Dec() }

// SetQueueDepth refreshes the broker backlog gauge.
func SetQueueDepth(n int64) { queueDepth.Set(float64(n)) }

// EventPublished counts one bus publish.
func EventPublished() { eventsPublished.Inc() }

// EventDropped counts one slow-subscriber drop.
func EventDropped() { eventsDropped.Inc() }

// WSConnected marks a new gateway subscription.
func WSConnected() { wsConnections.Inc() }

// WSDisconnected marks a closed gateway subscription.
func WSDisconnected() { wsConnections.Dec() }

// ArtifactsReaped counts files removed by the reaper.
func ArtifactsReaped(kind string, n int) {
	if n > 0 {
		artifactsReaped.WithLabelValues(kind).Add(float64(n))
	}
}
