package allocation

import (
	"sort"

	"go.uber.org/zap"
)

// ShardsAllocator is the balancer strategy contract of spec §4.5. It is
// injected so the balancing *policy* stays external to the core (spec §1
// Non-goals).
type ShardsAllocator interface {
	Allocate(alloc *RoutingAllocation, deciders *DeciderStack) (changed bool)
}

// BalancedShardsAllocator is a weight-by-shard-count balancer, the
// generalization of the teacher's selectNodeForShard/selectNodeForReplica/
// findOverloadedNode/findUnderloadedNode heuristics (allocator.go) routed
// through the decider stack instead of a bare sort.
type BalancedShardsAllocator struct {
	Logger *zap.Logger
	// MaxRebalanceMoves caps how many relocations one pass will schedule,
	// so a pathological cluster can't spin the balancer forever in one
	// synchronous call (spec §5: a pass must complete synchronously).
	MaxRebalanceMoves int
}

// NewBalancedShardsAllocator returns a balancer with sane defaults.
func NewBalancedShardsAllocator(logger *zap.Logger) *BalancedShardsAllocator {
	return &BalancedShardsAllocator{Logger: logger, MaxRebalanceMoves: 64}
}

// Allocate runs the 3-phase procedure of spec §4.5: primary placement,
// replica placement, then rebalance.
func (b *BalancedShardsAllocator) Allocate(alloc *RoutingAllocation, deciders *DeciderStack) bool {
	changed := false
	if b.allocateUnassigned(alloc, deciders, true) {
		changed = true
	}
	if b.allocateUnassigned(alloc, deciders, false) {
		changed = true
	}
	if b.rebalance(alloc, deciders) {
		changed = true
	}
	return changed
}

func shardCounts(rn *RoutingNodes) map[string]int {
	counts := make(map[string]int)
	for _, id := range rn.NodeIDs() {
		counts[id] = len(rn.NodeShards(id))
	}
	return counts
}

// allocateUnassigned places every UNASSIGNED shard matching wantPrimary,
// in queue order, picking the decider-accepted node with the fewest
// shards (tie-broken by node id), per spec §4.5 step 1/2.
func (b *BalancedShardsAllocator) allocateUnassigned(alloc *RoutingAllocation, deciders *DeciderStack, wantPrimary bool) bool {
	changed := false
	for _, sr := range alloc.Routing.Unassigned() {
		if sr.Primary != wantPrimary {
			continue
		}
		if !wantPrimary {
			primary := alloc.Routing.Primary(sr.ShardID)
			if primary == nil || primary.State != Started {
				continue
			}
		}
		if sr.UnassignedInfo != nil && sr.UnassignedInfo.Delayed {
			continue
		}

		best, status, explanations := b.bestNode(alloc, deciders, sr)
		alloc.Explanations.Add(sr.ShardID.String(), explanations)

		if best != nil {
			alloc.Routing.Initialize(sr, best.ID, b.expectedSize(alloc, sr))
			changed = true
			if b.Logger != nil {
				b.Logger.Debug("allocated shard",
					zap.String("shard", sr.ShardID.String()),
					zap.Bool("primary", sr.Primary),
					zap.String("node", best.ID))
			}
			continue
		}
		alloc.Routing.UpdateUnassignedInfo(sr, withStatus(sr.UnassignedInfo, status))
	}
	return changed
}

func withStatus(info *UnassignedInfo, status AllocationStatus) *UnassignedInfo {
	if info == nil {
		info = &UnassignedInfo{}
	}
	cp := *info
	cp.LastAllocationStatus = status
	return &cp
}

// bestNode picks the argmax-by-fewest-shards node accepted YES by the
// decider stack; if none is YES but at least one is THROTTLE, it reports
// StatusThrottled; otherwise StatusDecidersNo.
func (b *BalancedShardsAllocator) bestNode(alloc *RoutingAllocation, deciders *DeciderStack, sr *ShardRouting) (*Node, AllocationStatus, []DeciderExplanation) {
	counts := shardCounts(alloc.Routing)
	nodeIDs := alloc.Routing.NodeIDs()

	var yes []*Node
	var anyThrottle bool
	var allExplanations []DeciderExplanation

	for _, id := range nodeIDs {
		node := alloc.State.Nodes[id]
		if node == nil || !node.Roles.Data {
			continue
		}
		decision, explanations := alloc.CanAllocate(deciders, sr, node)
		allExplanations = append(allExplanations, explanations...)
		switch decision {
		case Yes:
			yes = append(yes, node)
		case Throttle:
			anyThrottle = true
		}
	}

	if len(yes) == 0 {
		if anyThrottle {
			return nil, StatusThrottled, allExplanations
		}
		return nil, StatusDecidersNo, allExplanations
	}

	sort.Slice(yes, func(i, j int) bool {
		if counts[yes[i].ID] != counts[yes[j].ID] {
			return counts[yes[i].ID] < counts[yes[j].ID]
		}
		return yes[i].ID < yes[j].ID
	})
	return yes[0], StatusNoAttempt, allExplanations
}

func (b *BalancedShardsAllocator) expectedSize(alloc *RoutingAllocation, sr *ShardRouting) int64 {
	if alloc.ClusterInfo != nil {
		if size, ok := alloc.ClusterInfo.ShardSize(sr.ShardID); ok {
			return size
		}
	}
	return sr.ExpectedShardSize
}

// rebalance repeatedly looks for a (shard, source, target) move that
// strictly reduces the imbalance between the most- and least-loaded
// nodes, until no such move exists, a node rejects the decider check, or
// MaxRebalanceMoves is hit (spec §4.5 step 3).
func (b *BalancedShardsAllocator) rebalance(alloc *RoutingAllocation, deciders *DeciderStack) bool {
	changed := false
	moves := 0
	for moves < b.MaxRebalanceMoves {
		moved := b.rebalanceOnce(alloc, deciders)
		if !moved {
			break
		}
		changed = true
		moves++
	}
	return changed
}

func (b *BalancedShardsAllocator) rebalanceOnce(alloc *RoutingAllocation, deciders *DeciderStack) bool {
	counts := shardCounts(alloc.Routing)
	if len(counts) < 2 {
		return false
	}

	maxNode, minNode := "", ""
	for id, c := range counts {
		if maxNode == "" || c > counts[maxNode] || (c == counts[maxNode] && id < maxNode) {
			maxNode = id
		}
		if minNode == "" || c < counts[minNode] || (c == counts[minNode] && id < minNode) {
			minNode = id
		}
	}
	if maxNode == "" || minNode == "" || counts[maxNode]-counts[minNode] < 2 {
		return false
	}

	target := alloc.State.Nodes[minNode]
	if target == nil {
		return false
	}

	for _, sr := range alloc.Routing.NodeShards(maxNode) {
		if sr.State != Started {
			continue
		}
		decision, explanations := alloc.CanAllocate(deciders, sr, target)
		alloc.Explanations.Add(sr.ShardID.String()+" rebalance", explanations)
		if decision != Yes {
			continue
		}
		alloc.Routing.Relocate(sr, minNode, b.expectedSize(alloc, sr))
		if b.Logger != nil {
			b.Logger.Info("rebalancing shard",
				zap.String("shard", sr.ShardID.String()),
				zap.String("from", maxNode),
				zap.String("to", minNode))
		}
		return true
	}
	return false
}
