package hydradash

import "github.com/prometheus/client_golang/prometheus"

// registry metrics
var (
	// The below gauges are updated on every registry mutation
	registrySizeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "registry_size"),
		Help: "Number of registered Hydra nodes",
	})

	registryConnectedMetric = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "registry_connected"),
		Help: "Number of registered Hydra nodes that passed a connection test",
	})

	stateAnomaliesTotalMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "state_anomalies_total"),
		Help: "Fetched head states with contradictory lifecycle flags",
	})

	pollRoundsTotalMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "poll_rounds_total"),
		Help: "Polling rounds run over the registry",
	})

	pollSkippedBusyTotalMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "poll_skipped_busy_total"),
		Help: "Poll refreshes skipped because the node had a request in flight",
	})

	pollRefreshErrorMetric = prometheus.NewCounter(prometheus.CounterOpts{
		Name: prometheus.BuildFQName("hydra", "dashboard", "poll_refresh_errors"),
		Help: "Number of errors refreshing node state from the poller",
	})
)
