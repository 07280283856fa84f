package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all Quidditch metrics.
const Namespace = "quidditch"

// MetricsCollector aggregates all metrics for a Quidditch component.
type MetricsCollector struct {
	// Cluster metrics
	ClusterNodes  *prometheus.GaugeVec
	ClusterShards *prometheus.GaugeVec

	// Raft metrics
	RaftLeader       prometheus.Gauge
	RaftTerm         prometheus.Gauge
	RaftCommitIndex  prometheus.Gauge
	RaftAppliedIndex prometheus.Gauge

	// Allocation metrics
	AllocationDecisionsTotal    *prometheus.CounterVec
	AllocationRerouteDuration   prometheus.Histogram
	AllocationUnassignedShards  *prometheus.GaugeVec
	AllocationPrimaryTerm       *prometheus.GaugeVec
	ClusterHealthStatus         prometheus.Gauge
	AllocationRelocations       *prometheus.CounterVec
}

// NewMetricsCollector creates a new metrics collector for a component.
func NewMetricsCollector(component string) *MetricsCollector {
	return &MetricsCollector{
		ClusterNodes: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "cluster_nodes",
				Help:      "Number of nodes in the cluster by role and status",
			},
			[]string{"role", "status"},
		),
		ClusterShards: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "cluster_shards",
				Help:      "Number of shards in the cluster by state",
			},
			[]string{"index", "state"},
		),

		RaftLeader: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "raft_leader",
				Help:      "Whether this node is the Raft leader (1=leader, 0=follower)",
			},
		),
		RaftTerm: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "raft_term",
				Help:      "Current Raft term",
			},
		),
		RaftCommitIndex: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "raft_commit_index",
				Help:      "Current Raft commit index",
			},
		),
		RaftAppliedIndex: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "raft_applied_index",
				Help:      "Current Raft applied index",
			},
		),

		AllocationDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "allocation_decisions_total",
				Help:      "Total number of decider decisions by decider and outcome",
			},
			[]string{"decider", "decision"},
		),
		AllocationRerouteDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "allocation_reroute_duration_seconds",
				Help:      "Wall time of one reroute pass",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		AllocationUnassignedShards: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "allocation_unassigned_shards",
				Help:      "Number of unassigned shards by index and reason",
			},
			[]string{"index", "reason"},
		),
		AllocationPrimaryTerm: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "allocation_primary_term",
				Help:      "Current primary term per shard",
			},
			[]string{"index", "shard"},
		),
		ClusterHealthStatus: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "cluster_health_status",
				Help:      "Cluster health status (0=RED, 1=YELLOW, 2=GREEN)",
			},
		),
		AllocationRelocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: component,
				Name:      "allocation_relocations_total",
				Help:      "Total number of shard relocations initiated, by index",
			},
			[]string{"index"},
		),
	}
}

// RecordRaftState updates the Raft gauges from a node's current view of
// itself, the generalization of the teacher's per-request Record* methods
// to the allocation core's periodic reporting style.
func (m *MetricsCollector) RecordRaftState(isLeader bool, term, commitIndex, appliedIndex uint64) {
	if isLeader {
		m.RaftLeader.Set(1)
	} else {
		m.RaftLeader.Set(0)
	}
	m.RaftTerm.Set(float64(term))
	m.RaftCommitIndex.Set(float64(commitIndex))
	m.RaftAppliedIndex.Set(float64(appliedIndex))
}

// RecordHealth sets the ClusterHealthStatus gauge from an allocation
// health value (0=RED, 1=YELLOW, 2=GREEN per spec §4's ordering).
func (m *MetricsCollector) RecordHealth(status int) {
	m.ClusterHealthStatus.Set(float64(status))
}

// RecordClusterNodes resets the ClusterNodes gauge to the given
// role/status counts, replacing whatever membership it reported before.
func (m *MetricsCollector) RecordClusterNodes(counts map[[2]string]int) {
	m.ClusterNodes.Reset()
	for roleStatus, count := range counts {
		m.ClusterNodes.WithLabelValues(roleStatus[0], roleStatus[1]).Set(float64(count))
	}
}

// RecordClusterShards resets the ClusterShards gauge to the given
// index/state counts.
func (m *MetricsCollector) RecordClusterShards(counts map[[2]string]int) {
	m.ClusterShards.Reset()
	for indexState, count := range counts {
		m.ClusterShards.WithLabelValues(indexState[0], indexState[1]).Set(float64(count))
	}
}

// RecordDecision increments the per-decider decision counter.
func (m *MetricsCollector) RecordDecision(decider, decision string) {
	m.AllocationDecisionsTotal.WithLabelValues(decider, decision).Inc()
}

// RecordRelocation increments the relocations-initiated counter for an
// index.
func (m *MetricsCollector) RecordRelocation(index string) {
	m.AllocationRelocations.WithLabelValues(index).Inc()
}
