package allocation

import "go.uber.org/zap"

// RoutingAllocation is the transaction context constructed at the start
// of every public AllocationService operation (spec §4.2). It carries the
// mutable working copy and everything a decider or the balancer needs to
// make reproducible decisions.
type RoutingAllocation struct {
	Routing     *RoutingNodes
	State       *ClusterState
	Settings    Settings
	ClusterInfo ClusterInfoProvider
	Logger      *zap.Logger

	// CurrentNanoTime is captured once per pass; every decider and delay
	// calculation must read it from here, never from a wall clock (spec
	// §4.2, §5).
	CurrentNanoTime int64

	// ignoreShards is additive within a pass and discarded at commit
	// (spec §4.2): a node a shard just failed allocation to is refused
	// again for the rest of this pass.
	ignoreShards map[string]map[ShardId]bool

	DebugDecision bool
	IgnoreDisable bool
	RetryFailed   bool

	// CommandMode is true while executing an administrative reroute
	// command batch: the unassigned queue must not be shuffled and
	// IgnoreDisable is typically set by the caller (spec §4.1, §4.5).
	CommandMode bool

	Explanations *RoutingExplanations
}

// NewRoutingAllocation constructs the transaction context for one pass.
func NewRoutingAllocation(routing *RoutingNodes, state *ClusterState, settings Settings, info ClusterInfoProvider, now int64, logger *zap.Logger) *RoutingAllocation {
	return &RoutingAllocation{
		Routing:      routing,
		State:        state,
		Settings:     settings,
		ClusterInfo:  info,
		Logger:       logger,
		CurrentNanoTime: now,
		ignoreShards: make(map[string]map[ShardId]bool),
		Explanations: NewRoutingExplanations(),
	}
}

// AddIgnoreShardForNode records that sr must not be placed on nodeID again
// during this pass (spec §4.1's applyFailedShards contract).
func (a *RoutingAllocation) AddIgnoreShardForNode(nodeID string, id ShardId) {
	if a.ignoreShards[nodeID] == nil {
		a.ignoreShards[nodeID] = make(map[ShardId]bool)
	}
	a.ignoreShards[nodeID][id] = true
}

// IsIgnored reports whether id was marked ignored on nodeID this pass.
func (a *RoutingAllocation) IsIgnored(nodeID string, id ShardId) bool {
	return a.ignoreShards[nodeID] != nil && a.ignoreShards[nodeID][id]
}

// IndexMeta looks up metadata for a shard's index.
func (a *RoutingAllocation) IndexMeta(indexName string) *IndexMeta {
	return a.State.Metadata[indexName]
}

// CanAllocate runs the decider stack's CanAllocate check, respecting
// IgnoreDisable-driven decider bypass at the call sites that set it.
func (a *RoutingAllocation) CanAllocate(ds *DeciderStack, sr *ShardRouting, node *Node) (Decision, []DeciderExplanation) {
	if a.IsIgnored(node.ID, sr.ShardID) {
		return No, []DeciderExplanation{{Decider: "IgnoreShardsDecider", Decision: No, Message: "shard failed allocation to this node earlier this pass"}}
	}
	return ds.CanAllocate(sr, node, a)
}
