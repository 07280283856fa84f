package master

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quidditch/shardmaster/pkg/common/config"
	"github.com/quidditch/shardmaster/pkg/common/metrics"
	"github.com/quidditch/shardmaster/pkg/master/allocation"
	"github.com/quidditch/shardmaster/pkg/master/raft"
)

// nullStoreInfo reports every shard's on-disk store as unknown. Without a
// data-node transport the gateway allocator never learns about existing
// copies, so it always defers to the balancer; wiring a real oracle here
// is future work once a data plane exists.
type nullStoreInfo struct{}

func (nullStoreInfo) StoreInfo(allocation.ShardId) (map[string]allocation.StoreCopy, bool) {
	return nil, false
}

// MasterNode drives cluster membership and shard allocation for a
// Quidditch master. Cluster-membership changes and allocation results
// alike are replicated through Raft; the allocation core itself touches
// neither the network nor disk.
type MasterNode struct {
	cfg      *config.MasterConfig
	logger   *zap.Logger
	raftNode *raft.RaftNode
	fsm      *raft.FSM

	allocator *allocation.AllocationService
	metrics   *metrics.MetricsCollector

	delayTimer *time.Timer
}

// NewMasterNode creates a new master node and wires its AllocationService
// from the configured Settings.
func NewMasterNode(cfg *config.MasterConfig, logger *zap.Logger) (*MasterNode, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	fsm := raft.NewFSM(logger)

	raftCfg := &raft.Config{
		NodeID:    cfg.NodeID,
		RaftAddr:  fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.RaftPort),
		DataDir:   cfg.DataDir,
		Bootstrap: len(cfg.Peers) == 0,
		Peers:     cfg.Peers,
		Logger:    logger,
	}

	raftNode, err := raft.NewRaftNode(raftCfg, fsm)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	clusterInfo := allocation.NewStaticClusterInfo()
	deciders := allocation.NewDeciderStack(
		&allocation.SameShardAllocationDecider{Settings: cfg.Allocation},
		&allocation.ReplicaAfterPrimaryActiveDecider{},
		&allocation.EnableAllocationDecider{Settings: cfg.Allocation},
		&allocation.MaxRetryAllocationDecider{Settings: cfg.Allocation},
		&allocation.AwarenessAllocationDecider{Attributes: cfg.Allocation.AwarenessAttributes},
		&allocation.DiskThresholdDecider{Settings: cfg.Allocation, Info: clusterInfo},
		&allocation.ThrottlingAllocationDecider{Settings: cfg.Allocation},
		&allocation.MaxShardsPerNodeDecider{Settings: cfg.Allocation},
	)

	gateway := allocation.NewGatewayAllocator(nullStoreInfo{}, logger)
	balancer := allocation.NewBalancedShardsAllocator(logger)

	svc := allocation.NewAllocationService(deciders, gateway, balancer, clusterInfo, cfg.Allocation, logger)

	node := &MasterNode{
		cfg:       cfg,
		logger:    logger,
		raftNode:  raftNode,
		fsm:       fsm,
		allocator: svc,
		metrics:   metrics.NewMetricsCollector("master"),
	}

	return node, nil
}

// Metrics returns the node's Prometheus collector, for callers that want
// to expose it on an HTTP /metrics endpoint.
func (m *MasterNode) Metrics() *metrics.MetricsCollector {
	return m.metrics
}

// Start starts the master node: Raft, leader election, and (if leader)
// cluster bootstrap and the delayed-reroute scheduler.
func (m *MasterNode) Start(ctx context.Context) error {
	if err := m.raftNode.Start(ctx); err != nil {
		return fmt.Errorf("failed to start raft: %w", err)
	}

	if err := m.raftNode.WaitForLeader(30 * time.Second); err != nil {
		return fmt.Errorf("failed to elect leader: %w", err)
	}
	m.recordRaftMetrics()

	if m.raftNode.IsLeader() {
		m.logger.Info("this node is the raft leader")
		if err := m.initializeCluster(); err != nil {
			return fmt.Errorf("failed to initialize cluster: %w", err)
		}
		m.scheduleDelayedReroute()
	} else {
		m.logger.Info("this node is a raft follower", zap.String("leader", m.raftNode.Leader()))
	}

	return nil
}

// Stop stops the master node.
func (m *MasterNode) Stop(ctx context.Context) error {
	m.logger.Info("stopping master node")
	if m.delayTimer != nil {
		m.delayTimer.Stop()
	}
	if err := m.raftNode.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop raft: %w", err)
	}
	return nil
}

func (m *MasterNode) initializeCluster() error {
	state := m.fsm.GetState()
	if state.ClusterUUID != "" {
		return nil
	}
	m.logger.Info("initializing cluster", zap.String("cluster_uuid", uuid.New().String()))
	return nil
}

// CreateIndex creates a new index and immediately attempts to allocate
// its shards.
func (m *MasterNode) CreateIndex(ctx context.Context, indexName string, numShards, numReplicas int32) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}

	index := &allocation.IndexMeta{
		Index: allocation.Index{Name: indexName, UUID: uuid.New().String()},
		Settings: allocation.IndexSettings{
			NumShards:            numShards,
			NumReplicas:          numReplicas,
			DelayedNodeLeftNanos: m.cfg.Allocation.DefaultDelayedTimeoutNano,
		},
		State:               "open",
		ActiveAllocationIDs: make(map[int32][]string),
		PrimaryTerms:        make(map[int32]int64),
	}
	for s := int32(0); s < numShards; s++ {
		index.PrimaryTerms[s] = 1
	}

	payload, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	if err := m.raftNode.Apply(raft.Command{Type: raft.CommandCreateIndex, Payload: payload}, 5*time.Second); err != nil {
		return fmt.Errorf("failed to apply create index command: %w", err)
	}
	m.logger.Info("created index", zap.String("index", indexName))

	if _, err := m.reroute(ctx, "index created"); err != nil {
		m.logger.Error("failed to allocate shards for new index",
			zap.String("index", indexName), zap.Error(err))
		// The index exists without shard assignments; the next reroute
		// (node registration, delay timer, or admin command) will retry.
	}

	return nil
}

// DeleteIndex deletes an index from the cluster.
func (m *MasterNode) DeleteIndex(ctx context.Context, indexName string) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}

	req := struct {
		IndexName string `json:"index_name"`
	}{IndexName: indexName}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := m.raftNode.Apply(raft.Command{Type: raft.CommandDeleteIndex, Payload: payload}, 5*time.Second); err != nil {
		return fmt.Errorf("failed to apply delete index command: %w", err)
	}
	m.logger.Info("deleted index", zap.String("index", indexName))
	return nil
}

// RegisterNode registers a new node in the cluster.
func (m *MasterNode) RegisterNode(ctx context.Context, nodeID, bindAddr string, roles allocation.NodeRoles, attrs map[string]string) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}

	node := &raft.NodeMeta{
		NodeID:     nodeID,
		BindAddr:   bindAddr,
		Roles:      roles,
		Attributes: attrs,
		Status:     "healthy",
		JoinedAt:   time.Now().Unix(),
		LastSeen:   time.Now().Unix(),
	}
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	if err := m.raftNode.Apply(raft.Command{Type: raft.CommandRegisterNode, Payload: payload}, 5*time.Second); err != nil {
		return fmt.Errorf("failed to apply register node command: %w", err)
	}
	m.logger.Info("registered node", zap.String("node_id", nodeID))

	if _, err := m.reroute(ctx, "node joined"); err != nil {
		m.logger.Error("failed to reroute after node join", zap.Error(err))
	}
	return nil
}

// ApplyStartedShard reports that one INITIALIZING copy has completed
// recovery and is now serving traffic.
func (m *MasterNode) ApplyStartedShard(ctx context.Context, ref allocation.StartedShardRef) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}
	state := m.fsm.GetState().ToAllocationState()
	result, err := m.allocator.ApplyStartedShards(state, []allocation.StartedShardRef{ref}, true, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to apply started shard: %w", err)
	}
	return m.commitResult(result)
}

// ApplyFailedShard reports that one shard copy failed and should be
// reassigned elsewhere.
func (m *MasterNode) ApplyFailedShard(ctx context.Context, ref allocation.FailedShardRef) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}
	state := m.fsm.GetState().ToAllocationState()
	result, err := m.allocator.ApplyFailedShards(state, []allocation.FailedShardRef{ref}, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to apply failed shard: %w", err)
	}
	return m.commitResult(result)
}

// DeassociateDeadNodes removes nodes no longer present in cluster
// membership from the routing table, failing their shards.
func (m *MasterNode) DeassociateDeadNodes(ctx context.Context, reason string) error {
	if !m.raftNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}
	state := m.fsm.GetState().ToAllocationState()
	result, err := m.allocator.DeassociateDeadNodes(state, true, reason, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to deassociate dead nodes: %w", err)
	}
	return m.commitResult(result)
}

// Reroute runs an administrative reroute with an explicit command batch,
// returning the resulting explanations for debug output.
func (m *MasterNode) Reroute(ctx context.Context, commands []allocation.AllocationCommand, explain, atomic bool) (*allocation.RoutingExplanations, error) {
	if !m.raftNode.IsLeader() {
		return nil, fmt.Errorf("not the leader, redirect to %s", m.raftNode.Leader())
	}
	state := m.fsm.GetState().ToAllocationState()
	result, err := m.allocator.Reroute(state, commands, explain, false, atomic, time.Now().UnixNano())
	if err != nil {
		return result.Explanations, fmt.Errorf("failed to reroute: %w", err)
	}
	if err := m.commitResult(result); err != nil {
		return result.Explanations, err
	}
	return result.Explanations, nil
}

// reroute runs a no-command reroute pass and commits the result, the
// path CreateIndex/RegisterNode use to place shards without an explicit
// admin command batch.
func (m *MasterNode) reroute(ctx context.Context, reason string) (allocation.Result, error) {
	state := m.fsm.GetState().ToAllocationState()
	result, err := m.allocator.RerouteReason(state, reason, false, time.Now().UnixNano())
	if err != nil {
		return result, fmt.Errorf("failed to reroute: %w", err)
	}
	return result, m.commitResult(result)
}

// commitResult replicates a committed AllocationService result through
// Raft, skipping the round trip entirely when nothing changed.
func (m *MasterNode) commitResult(result allocation.Result) error {
	if !result.Changed {
		return nil
	}

	payload, err := json.Marshal(struct {
		RoutingTable allocation.RoutingTable          `json:"routing_table"`
		MetaData     map[string]*allocation.IndexMeta `json:"meta_data"`
	}{RoutingTable: result.RoutingTable, MetaData: result.MetaData})
	if err != nil {
		return fmt.Errorf("failed to marshal routing result: %w", err)
	}

	if err := m.raftNode.Apply(raft.Command{Type: raft.CommandApplyRoutingResult, Payload: payload}, 5*time.Second); err != nil {
		return fmt.Errorf("failed to apply routing result: %w", err)
	}

	if result.HealthChanged {
		m.logger.Info("cluster health changed",
			zap.String("from", result.HealthBefore.String()),
			zap.String("to", result.HealthAfter.String()))
	}
	m.recordResultMetrics(result)
	m.recordRaftMetrics()

	m.scheduleDelayedReroute()
	return nil
}

// recordRaftMetrics refreshes the Raft leadership/term/index gauges.
func (m *MasterNode) recordRaftMetrics() {
	term, commitIndex, appliedIndex := m.raftNode.Stats()
	m.metrics.RecordRaftState(m.raftNode.IsLeader(), term, commitIndex, appliedIndex)
}

// recordResultMetrics updates the Prometheus gauges/counters from a
// committed AllocationService result.
func (m *MasterNode) recordResultMetrics(result allocation.Result) {
	m.metrics.RecordHealth(healthMetricValue(result.HealthAfter))

	shardCounts := make(map[[2]string]int)
	for index, irt := range result.RoutingTable {
		unassigned := make(map[string]int)
		for shardNum, group := range irt.Shards {
			for _, sr := range group {
				if sr.IsUnassigned() && sr.UnassignedInfo != nil {
					unassigned[sr.UnassignedInfo.Reason.String()]++
				}
				if sr.State == allocation.Relocating {
					m.metrics.RecordRelocation(index)
				}
				shardCounts[[2]string{index, sr.State.String()}]++
			}
			if meta, ok := result.MetaData[index]; ok {
				if term, ok := meta.PrimaryTerms[shardNum]; ok {
					m.metrics.AllocationPrimaryTerm.WithLabelValues(index, fmt.Sprintf("%d", shardNum)).Set(float64(term))
				}
			}
		}
		for reason, count := range unassigned {
			m.metrics.AllocationUnassignedShards.WithLabelValues(index, reason).Set(float64(count))
		}
	}
	m.metrics.RecordClusterShards(shardCounts)
	m.recordClusterNodeMetrics()

	if result.Explanations == nil {
		return
	}
	for _, entry := range result.Explanations.Entries {
		for _, d := range entry.Decisions {
			m.metrics.RecordDecision(d.Decider, d.Decision.String())
		}
	}
}

// recordClusterNodeMetrics refreshes the ClusterNodes gauge from current
// cluster membership, bucketed by role and the RaftTerm-style liveness
// status this node currently sees (the FSM only tracks live members, so
// every counted node is "up").
func (m *MasterNode) recordClusterNodeMetrics() {
	nodes := m.fsm.GetState().ToAllocationState().Nodes
	counts := make(map[[2]string]int)
	for _, n := range nodes {
		if n.Roles.Data {
			counts[[2]string{"data", "up"}]++
		}
		if n.Roles.Master {
			counts[[2]string{"master", "up"}]++
		}
		if n.Roles.Ingest {
			counts[[2]string{"ingest", "up"}]++
		}
	}
	m.metrics.RecordClusterNodes(counts)
}

// healthMetricValue maps ClusterHealthStatus onto the metric's documented
// scale (0=RED, 1=YELLOW, 2=GREEN), which runs opposite the enum's own
// zero-value-is-GREEN ordering.
func healthMetricValue(status allocation.ClusterHealthStatus) int {
	switch status {
	case allocation.Red:
		return 0
	case allocation.Yellow:
		return 1
	default:
		return 2
	}
}

// scheduleDelayedReroute arms a one-shot timer for the nearest
// node-left delay expiry, so a delayed UNASSIGNED shard gets its forced
// reroute without waiting on unrelated cluster activity (spec §4.8).
func (m *MasterNode) scheduleDelayedReroute() {
	if !m.raftNode.IsLeader() {
		return
	}
	if m.delayTimer != nil {
		m.delayTimer.Stop()
	}

	state := m.fsm.GetState().ToAllocationState()
	delay := m.allocator.NextDelayNanos(state, time.Now().UnixNano())
	if delay < 0 {
		return
	}

	m.delayTimer = time.AfterFunc(time.Duration(delay), func() {
		if _, err := m.reroute(context.Background(), "delayed allocation timeout"); err != nil {
			m.logger.Error("delayed reroute failed", zap.Error(err))
		}
	})
}

// GetClusterState returns the current cluster state.
func (m *MasterNode) GetClusterState(ctx context.Context) (*raft.ClusterState, error) {
	return m.fsm.GetState(), nil
}

// IsLeader returns whether this node is the Raft leader.
func (m *MasterNode) IsLeader() bool {
	return m.raftNode.IsLeader()
}

// Leader returns the current leader address.
func (m *MasterNode) Leader() string {
	return m.raftNode.Leader()
}
