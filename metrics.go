package hydradash

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// histogram buckets will be [5ms, ... 60s] -> total 20 buckets +1 prometheus Inf bucket
	durationMsHistogram = prometheus.ExponentialBucketsRange(5, 60000, 20)
)

// transport metrics
var (
	nodeRequestsTotalMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "node_requests_total"),
		Help: "Requests issued to Hydra nodes by operation and outcome",
	}, []string{"op", "outcome"})

	nodeResponseCodeMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "node_response_code"),
		Help: "Response codes observed from Hydra nodes",
	}, []string{"op", "code"})

	nodeRequestDurationMetric = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prometheus.BuildFQName("hydra", "dashboard", "node_request_duration_ms"),
		Help:    "Latency of requests to Hydra nodes in milliseconds",
		Buckets: durationMsHistogram,
	}, []string{"op", "outcome"})

	nodeRequestTimeTraceMetric = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prometheus.BuildFQName("hydra", "dashboard", "node_request_time_trace_ms"),
		Help:    "Lifecycle stages of successful requests to Hydra nodes in milliseconds",
		Buckets: durationMsHistogram,
	}, []string{"op", "lifecycleStage"})

	nodeRequestContextErrorTotalMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "node_request_context_error_total"),
		Help: "Requests abandoned because the caller's context ended",
	}, []string{"op", "isCanceled"})
)

// dispatch metrics
var (
	commandsTotalMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "commands_total"),
		Help: "Commands dispatched to Hydra nodes by tag and outcome",
	}, []string{"tag", "outcome"})

	connectionTestsTotalMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "connection_tests_total"),
		Help: "Connection tests by outcome",
	}, []string{"outcome"})
)

// stream metrics
var (
	streamMessagesTotalMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "stream_messages_total"),
		Help: "Inbound websocket frames by kind",
	}, []string{"kind"})

	streamConnectionsMetric = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "stream_connections"),
		Help: "Open websocket streams",
	})

	activitySubmitErrorsMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "activity_submit_errors"),
		Help: "Failed submissions of activity batches to the logging endpoint",
	})
)

var HydraDashMetrics = prometheus.NewRegistry()

func init() {
	// REGISTRY Metrics
	HydraDashMetrics.MustRegister(registrySizeMetric)
	HydraDashMetrics.MustRegister(registryConnectedMetric)
	HydraDashMetrics.MustRegister(stateAnomaliesTotalMetric)
	HydraDashMetrics.MustRegister(pollRoundsTotalMetric)
	HydraDashMetrics.MustRegister(pollSkippedBusyTotalMetric)
	HydraDashMetrics.MustRegister(pollRefreshErrorMetric)

	HydraDashMetrics.MustRegister(nodeRequestsTotalMetric)
	HydraDashMetrics.MustRegister(nodeResponseCodeMetric)
	HydraDashMetrics.MustRegister(nodeRequestDurationMetric)
	HydraDashMetrics.MustRegister(nodeRequestTimeTraceMetric)
	HydraDashMetrics.MustRegister(nodeRequestContextErrorTotalMetric)

	HydraDashMetrics.MustRegister(commandsTotalMetric)
	HydraDashMetrics.MustRegister(connectionTestsTotalMetric)

	HydraDashMetrics.MustRegister(streamMessagesTotalMetric)
	HydraDashMetrics.MustRegister(streamConnectionsMetric)
	HydraDashMetrics.MustRegister(activitySubmitErrorsMetric)
}
