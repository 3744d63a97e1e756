package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainwatch"

var (
	// DetectionRunsTotal counts full detection runs by outcome.
	DetectionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_runs_total",
			Help:      "Full detection runs by status (ok, failed, rejected).",
		},
		[]string{"status"},
	)

	// DetectionRunDuration observes wall time of completed runs.
	DetectionRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "detection_run_duration_seconds",
		Help:      "Duration of full detection runs.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// StageStatusTotal counts stage outcomes by stage and status.
	StageStatusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_stage_total",
			Help:      "Pipeline stage outcomes by stage name and status.",
		},
		[]string{"stage", "status"},
	)

	// AlertsTotal counts emitted alerts by type and severity.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts emitted by type and severity.",
		},
		[]string{"type", "severity"},
	)

	// WalletsProfiled is the profile count of the last run.
	WalletsProfiled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "wallets_profiled",
		Help:      "Wallets profiled by the last detection run.",
	})

	// GraphNodes and GraphEdges describe the published interaction graph.
	GraphNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "graph_nodes",
		Help:      "Nodes in the published interaction graph.",
	})
	GraphEdges = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "graph_edges",
		Help:      "Edges in the published interaction graph.",
	})

	// ClusterARI is the adjusted Rand index against the previous run.
	ClusterARI = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cluster_stability_ari",
		Help:      "Adjusted Rand index of wallet clusters against the previous run.",
	})

	// TransactionsIngested counts ingested records by result.
	TransactionsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_ingested_total",
			Help:      "Ingested transaction records by result (inserted, duplicate, rejected).",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks alert stream subscribers.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected alert stream clients.",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status class.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		DetectionRunsTotal,
		DetectionRunDuration,
		StageStatusTotal,
		AlertsTotal,
		WalletsProfiled,
		GraphNodes,
		GraphEdges,
		ClusterARI,
		TransactionsIngested,
		ActiveWebSocketClients,
		HTTPRequestsTotal,
	)
}

// Middleware records request counts per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler serves the default registry for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
