package explorer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FetchTotal counts relationship-service fetches by mode and outcome.
	FetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciexplorer_fetch_total",
			Help: "Total number of relationship fetches",
		},
		[]string{"mode", "outcome"},
	)

	// GraphNodes tracks the node count of the assembled graph.
	GraphNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ciexplorer_graph_nodes",
			Help: "Nodes in the assembled graph",
		},
	)

	// GraphEdges tracks the visible edge count of the assembled graph.
	GraphEdges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ciexplorer_graph_edges",
			Help: "Edges in the assembled graph",
		},
	)

	// PendingEdges tracks edges held until both endpoints are known.
	PendingEdges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ciexplorer_pending_edges",
			Help: "Edges waiting for an endpoint node",
		},
	)

	// IntegrityWarningsTotal counts data-integrity warnings by kind.
	IntegrityWarningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciexplorer_integrity_warnings_total",
			Help: "Malformed or deferred records seen while merging",
		},
		[]string{"kind"},
	)

	// StaleResponsesTotal counts responses discarded because the graph was reset.
	StaleResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciexplorer_stale_responses_total",
			Help: "Responses discarded after a reset",
		},
	)

	// CacheTotal counts fragment cache lookups by result.
	CacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciexplorer_cache_total",
			Help: "Fragment cache lookups",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(FetchTotal)
	prometheus.MustRegister(GraphNodes)
	prometheus.MustRegister(GraphEdges)
	prometheus.MustRegister(PendingEdges)
	prometheus.MustRegister(IntegrityWarningsTotal)
	prometheus.MustRegister(StaleResponsesTotal)
	prometheus.MustRegister(CacheTotal)
}

// ObserveCache is a redis.CacheObserver feeding CacheTotal.
func ObserveCache(result string) {
	CacheTotal.WithLabelValues(result).Inc()
}
