package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the rebroadcaster.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	replaysStartedTotal  prometheus.Counter
	samplesPushedTotal   prometheus.Counter
	lateSamplesTotal     prometheus.Counter
	pushErrorsTotal      prometheus.Counter
	streamsFinishedTotal *prometheus.CounterVec
	activeStreams        prometheus.Gauge
}

// New creates and registers Prometheus metrics for the rebroadcaster.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xdf_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xdf_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	replaysStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xdf_replays_started_total",
		Help: "Total number of replay sessions started",
	})
	samplesPushedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xdf_samples_pushed_total",
		Help: "Total number of samples pushed to broadcast sinks",
	})
	lateSamplesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xdf_samples_late_total",
		Help: "Total number of samples emitted after their target instant",
	})
	pushErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xdf_push_errors_total",
		Help: "Total number of sink push failures",
	})
	streamsFinishedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xdf_streams_finished_total",
		Help: "Total number of stream workers that finished, by outcome",
	}, []string{"status"})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xdf_active_streams",
		Help: "Number of streams in the active replay group",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		replaysStartedTotal,
		samplesPushedTotal,
		lateSamplesTotal,
		pushErrorsTotal,
		streamsFinishedTotal,
		activeStreams,
	)

	return &Metrics{
		registry:             registry,
		requestsTotal:        requestsTotal,
		errorsTotal:          errorsTotal,
		replaysStartedTotal:  replaysStartedTotal,
		samplesPushedTotal:   samplesPushedTotal,
		lateSamplesTotal:     lateSamplesTotal,
		pushErrorsTotal:      pushErrorsTotal,
		streamsFinishedTotal: streamsFinishedTotal,
		activeStreams:        activeStreams,
	}
}

// IncRequests increments the total HTTP request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the HTTP error counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncReplaysStarted increments the replay session counter.
func (m *Metrics) IncReplaysStarted() {
	m.replaysStartedTotal.Inc()
}

// IncSamplesPushed increments the pushed-sample counter.
func (m *Metrics) IncSamplesPushed() {
	m.samplesPushedTotal.Inc()
}

// IncLateSamples increments the late-sample counter.
func (m *Metrics) IncLateSamples() {
	m.lateSamplesTotal.Inc()
}

// IncPushErrors increments the sink push failure counter.
func (m *Metrics) IncPushErrors() {
	m.pushErrorsTotal.Inc()
}

// IncStreamsFinished increments the finished-worker counter for the given
// outcome status ("completed", "cancelled", "failed").
func (m *Metrics) IncStreamsFinished(status string) {
	m.streamsFinishedTotal.WithLabelValues(status).Inc()
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
