package allocation

import (
	"sort"

	"go.uber.org/zap"
)

// StoreCopy describes one node's on-disk copy of a shard, as reported by
// the asynchronous shard-store fetcher (spec §4.6). Legacy is set when the
// copy predates allocation-id tracking and can only serve as a stale
// primary, never a replica promotion source.
type StoreCopy struct {
	AllocationID string
	Legacy       bool
	Corrupt      bool
}

// StoreInfoProvider is the synchronous oracle the gateway allocator
// consults for on-disk copies of a shard. A real implementation gathers
// this asynchronously and caches it; per spec §5 a pass must never block,
// so an oracle that hasn't heard back from a node yet reports "unknown"
// rather than blocking (ok=false).
type StoreInfoProvider interface {
	StoreInfo(id ShardId) (copies map[string]StoreCopy, ok bool)
}

// GatewayAllocator places unassigned shards that already have usable
// on-disk data on a specific node, before the general balancer runs (spec
// §4.6). Shards with no known store data fall through untouched, for the
// balancer to place fresh.
type GatewayAllocator struct {
	Store  StoreInfoProvider
	Logger *zap.Logger

	// fetched caches the store copies the oracle has reported this
	// "session" (invalidated by ApplyStartedShards/ApplyFailedShards), so
	// a pass doesn't re-treat a prior success as "still fetching" forever
	// if the oracle later stalls or temporarily reports unknown.
	fetched map[ShardId]map[string]StoreCopy
}

// NewGatewayAllocator wires a store oracle into a gateway allocator.
func NewGatewayAllocator(store StoreInfoProvider, logger *zap.Logger) *GatewayAllocator {
	return &GatewayAllocator{Store: store, Logger: logger, fetched: make(map[ShardId]map[string]StoreCopy)}
}

// AllocateUnassigned places every unassigned shard with a decider-accepted
// on-disk copy. Returns whether anything changed.
func (g *GatewayAllocator) AllocateUnassigned(alloc *RoutingAllocation, deciders *DeciderStack) bool {
	changed := false
	for _, sr := range alloc.Routing.Unassigned() {
		if sr.UnassignedInfo != nil && sr.UnassignedInfo.Delayed {
			continue
		}
		if !sr.Primary {
			primary := alloc.Routing.Primary(sr.ShardID)
			if primary == nil || primary.State != Started {
				continue
			}
		}

		copies, ok := g.storeInfo(sr.ShardID)
		if !ok {
			alloc.Routing.UpdateUnassignedInfo(sr, withStatus(sr.UnassignedInfo, StatusFetchingShardData))
			continue
		}
		if len(copies) == 0 {
			continue // no preexisting data anywhere; let the balancer place it fresh.
		}

		node, explanations := g.bestCopyNode(alloc, deciders, sr, copies)
		alloc.Explanations.Add(sr.ShardID.String()+" gateway", explanations)
		if node == nil {
			continue
		}

		alloc.Routing.Initialize(sr, node.ID, sr.ExpectedShardSize)
		changed = true
		if g.Logger != nil {
			g.Logger.Debug("gateway allocated shard from existing copy",
				zap.String("shard", sr.ShardID.String()),
				zap.String("node", node.ID))
		}
	}
	return changed
}

func (g *GatewayAllocator) storeInfo(id ShardId) (map[string]StoreCopy, bool) {
	if g.Store == nil {
		return nil, true // no oracle wired: treat as "known empty", matching a fresh cluster.
	}
	if cached, ok := g.fetched[id]; ok {
		return cached, true
	}
	copies, ok := g.Store.StoreInfo(id)
	if !ok {
		return nil, false
	}
	g.fetched[id] = copies
	return copies, true
}

// bestCopyNode prefers a non-legacy, non-corrupt copy whose allocation id
// matches one recorded as active in metadata (an exact, safe match);
// falling back to any non-corrupt copy, deterministically tie-broken by
// node id, subject to the decider stack.
func (g *GatewayAllocator) bestCopyNode(alloc *RoutingAllocation, deciders *DeciderStack, sr *ShardRouting, copies map[string]StoreCopy) (*Node, []DeciderExplanation) {
	meta := alloc.IndexMeta(sr.ShardID.Index.Name)
	var active map[string]bool
	if meta != nil {
		active = make(map[string]bool)
		for _, id := range meta.ActiveAllocationIDs[sr.ShardID.ShardNum] {
			active[id] = true
		}
	}

	nodeIDs := make([]string, 0, len(copies))
	for nodeID := range copies {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Slice(nodeIDs, func(i, j int) bool {
		ci, cj := copies[nodeIDs[i]], copies[nodeIDs[j]]
		iActive, jActive := active[ci.AllocationID], active[cj.AllocationID]
		if iActive != jActive {
			return iActive
		}
		if ci.Legacy != cj.Legacy {
			return !ci.Legacy
		}
		return nodeIDs[i] < nodeIDs[j]
	})

	var allExplanations []DeciderExplanation
	for _, nodeID := range nodeIDs {
		sc := copies[nodeID]
		if sc.Corrupt {
			continue
		}
		node := alloc.State.Nodes[nodeID]
		if node == nil || !node.Roles.Data {
			continue
		}
		decision, explanations := alloc.CanAllocate(deciders, sr, node)
		allExplanations = append(allExplanations, explanations...)
		if decision == Yes {
			return node, allExplanations
		}
	}
	return nil, allExplanations
}

// ApplyStartedShards invalidates the fetch cache for shards that just
// started, so a future failure re-fetches fresh store data instead of
// trusting store copies cached before the start (spec §4.6's
// cache-invalidation contract).
func (g *GatewayAllocator) ApplyStartedShards(shards []*ShardRouting) {
	for _, sr := range shards {
		delete(g.fetched, sr.ShardID)
	}
}

// ApplyFailedShards invalidates the fetch cache for shards that just
// failed, for the same reason.
func (g *GatewayAllocator) ApplyFailedShards(shards []*ShardRouting) {
	for _, sr := range shards {
		delete(g.fetched, sr.ShardID)
	}
}
