package allocation

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of one AllocationService operation (spec §4.1).
// When Changed is false, RoutingTable and MetaData are the same object
// identities as the input, so callers can short-circuit a commit.
type Result struct {
	Changed         bool
	RoutingTable    RoutingTable
	MetaData        map[string]*IndexMeta
	Explanations    *RoutingExplanations
	HealthBefore    ClusterHealthStatus
	HealthAfter     ClusterHealthStatus
	HealthChanged   bool
}

// StartedShardRef and FailedShardRef identify one shard copy by its
// current node, for applyStartedShards/applyFailedShards (spec §4.1).
type StartedShardRef struct {
	ShardID ShardId
	Primary bool
	NodeID  string
}

type FailedShardRef struct {
	ShardID ShardId
	Primary bool
	NodeID  string
	Message string
}

// AllocationService is the stateless orchestrator façade of spec §4.1: it
// holds references to the decider stack, gateway allocator, shards
// allocator, and cluster-info provider, and exposes the public operations
// that mutate a ClusterState snapshot into a new one.
type AllocationService struct {
	Deciders    *DeciderStack
	Gateway     *GatewayAllocator
	Balancer    ShardsAllocator
	ClusterInfo ClusterInfoProvider
	Reconciler  *MetaDataReconciler
	Settings    Settings
	Logger      *zap.Logger
}

// NewAllocationService wires the collaborators the façade needs.
func NewAllocationService(deciders *DeciderStack, gateway *GatewayAllocator, balancer ShardsAllocator, info ClusterInfoProvider, settings Settings, logger *zap.Logger) *AllocationService {
	return &AllocationService{
		Deciders:    deciders,
		Gateway:     gateway,
		Balancer:    balancer,
		ClusterInfo: info,
		Reconciler:  NewMetaDataReconciler(),
		Settings:    settings,
		Logger:      logger,
	}
}

func (s *AllocationService) newAllocation(state *ClusterState, now int64) *RoutingNodes {
	nodeIDs := make([]string, 0, len(state.Nodes))
	for id := range state.Nodes {
		nodeIDs = append(nodeIDs, id)
	}
	return NewRoutingNodes(state.RoutingTable, nodeIDs)
}

// ApplyStartedShards marks listed INITIALIZING shards STARTED (spec
// §4.1). Every ref must name an INITIALIZING shard present in the table
// and refs must not repeat a (shardId, primary) pair; violating either is
// an InvalidInputError and no shard is touched.
func (s *AllocationService) ApplyStartedShards(state *ClusterState, started []StartedShardRef, withReroute bool, now int64) (Result, error) {
	routing := s.newAllocation(state, now)
	seen := make(map[ShardId]map[bool]bool)

	var touched []*ShardRouting
	for _, ref := range started {
		if seen[ref.ShardID] == nil {
			seen[ref.ShardID] = make(map[bool]bool)
		}
		if seen[ref.ShardID][ref.Primary] {
			return Result{}, &InvalidInputError{Detail: fmt.Sprintf("duplicate started-shard entry for %s", ref.ShardID)}
		}
		seen[ref.ShardID][ref.Primary] = true

		sr := findShard(&RoutingAllocation{Routing: routing}, ref.ShardID, ref.Primary)
		if sr == nil || sr.State != Initializing || sr.CurrentNodeID != ref.NodeID {
			return Result{}, &InvalidInputError{Detail: fmt.Sprintf("%s is not initializing on %s", ref.ShardID, ref.NodeID)}
		}
		routing.StartShard(sr)
		touched = append(touched, sr)
	}

	if s.Gateway != nil {
		s.Gateway.ApplyStartedShards(touched)
	}

	return s.commit(state, routing, now, withReroute, false, "started shards applied")
}

// ApplyFailedShards marks listed shards UNASSIGNED with reason
// ALLOCATION_FAILED, increments their failure counters, records a per-pass
// ignore set, cascades primary failures to INITIALIZING replicas, and
// always reroutes (spec §4.1).
func (s *AllocationService) ApplyFailedShards(state *ClusterState, failed []FailedShardRef, now int64) (Result, error) {
	routing := s.newAllocation(state, now)
	ignore := make(map[string]map[ShardId]bool)
	var allTouched []*ShardRouting

	for _, ref := range failed {
		sr := findShard(&RoutingAllocation{Routing: routing}, ref.ShardID, ref.Primary)
		if sr == nil || sr.State == Unassigned || sr.CurrentNodeID != ref.NodeID {
			return Result{}, &InvalidInputError{Detail: fmt.Sprintf("%s is not assigned on %s", ref.ShardID, ref.NodeID)}
		}
		nodeID := sr.CurrentNodeID
		info := &UnassignedInfo{
			Reason:               ReasonAllocationFailed,
			Message:              ref.Message,
			NumFailedAllocations: failedCount(sr) + 1,
			UnassignedSinceNanos: now,
		}
		touched := routing.FailShard(sr, info, now)
		allTouched = append(allTouched, touched...)
		for _, t := range touched {
			if ignore[nodeID] == nil {
				ignore[nodeID] = make(map[ShardId]bool)
			}
			ignore[nodeID][t.ShardID] = true
		}
	}

	if s.Gateway != nil {
		s.Gateway.ApplyFailedShards(allTouched)
	}

	alloc := NewRoutingAllocation(routing, state, s.Settings, s.ClusterInfo, now, s.Logger)
	for nodeID, ids := range ignore {
		for id := range ids {
			alloc.AddIgnoreShardForNode(nodeID, id)
		}
	}
	return s.runPass(state, alloc, now, "failed shards applied")
}

func failedCount(sr *ShardRouting) int {
	if sr.UnassignedInfo == nil {
		return 0
	}
	return sr.UnassignedInfo.NumFailedAllocations
}

// DeassociateDeadNodes fails every shard on a node that is no longer in
// state's live data-node set, flags the resulting unassigned shards
// delayed if the index configures delayed_node_left_timeout>0, and
// removes the dead node (spec §4.1).
func (s *AllocationService) DeassociateDeadNodes(state *ClusterState, reroute bool, reason string, now int64) (Result, error) {
	routing := s.newAllocation(state, now)
	liveNodes := make(map[string]bool, len(state.Nodes))
	for id := range state.Nodes {
		liveNodes[id] = true
	}

	for _, nodeID := range routing.NodeIDs() {
		if liveNodes[nodeID] {
			continue
		}
		for _, sr := range routing.NodeShards(nodeID) {
			meta := state.Metadata[sr.ShardID.Index.Name]
			delayed := meta != nil && meta.Settings.DelayedNodeLeftNanos > 0
			info := &UnassignedInfo{
				Reason:               ReasonNodeLeft,
				Message:              reason,
				NumFailedAllocations: failedCount(sr),
				UnassignedSinceNanos: now,
				Delayed:              delayed,
			}
			routing.FailShard(sr, info, now)
		}
	}

	return s.commit(state, routing, now, reroute, false, "dead nodes deassociated")
}

// Reroute executes an administrative command batch against a working
// copy: the unassigned queue is not shuffled and ignoreDisable is set for
// the duration of command execution (spec §4.1 reroute-with-commands).
// Deciders run in debug mode only when explain is true; command mode does
// not switch debug mode on by itself. If atomic and any command fails,
// none are applied.
func (s *AllocationService) Reroute(state *ClusterState, commands []AllocationCommand, explain bool, retryFailed bool, atomic bool, now int64) (Result, error) {
	routing := s.newAllocation(state, now)
	alloc := NewRoutingAllocation(routing, state, s.Settings, s.ClusterInfo, now, s.Logger)
	alloc.DebugDecision = explain
	alloc.IgnoreDisable = true
	alloc.RetryFailed = retryFailed
	alloc.CommandMode = true

	if atomic {
		// Dry-run against a scratch copy first so a mid-batch rejection
		// never leaves a partial mutation visible.
		scratch := s.newAllocation(state, now)
		scratchAlloc := NewRoutingAllocation(scratch, state, s.Settings, s.ClusterInfo, now, s.Logger)
		scratchAlloc.DebugDecision = explain
		scratchAlloc.IgnoreDisable = true
		scratchAlloc.RetryFailed = retryFailed
		scratchAlloc.CommandMode = true
		for _, cmd := range commands {
			if err := cmd.Execute(scratchAlloc, s.Deciders); err != nil {
				return Result{Explanations: scratchAlloc.Explanations}, err
			}
		}
	}

	for _, cmd := range commands {
		if err := cmd.Execute(alloc, s.Deciders); err != nil {
			return Result{Explanations: alloc.Explanations}, err
		}
	}

	return s.runPass(state, alloc, now, "administrative reroute")
}

// RerouteReason triggers a no-command reroute pass, e.g. after a settings
// change or on the periodic delay timer (spec §4.1 reroute-no-command).
func (s *AllocationService) RerouteReason(state *ClusterState, reason string, debug bool, now int64) (Result, error) {
	routing := s.newAllocation(state, now)
	alloc := NewRoutingAllocation(routing, state, s.Settings, s.ClusterInfo, now, s.Logger)
	alloc.DebugDecision = debug
	return s.runPass(state, alloc, now, reason)
}

// commit wraps the common applyX postlude: optionally run a no-command
// reroute pass, then finish the commit protocol.
func (s *AllocationService) commit(state *ClusterState, routing *RoutingNodes, now int64, withReroute bool, debug bool, reason string) (Result, error) {
	if !withReroute {
		return s.finish(state, routing, now)
	}
	alloc := NewRoutingAllocation(routing, state, s.Settings, s.ClusterInfo, now, s.Logger)
	alloc.DebugDecision = debug
	return s.runPass(state, alloc, now, reason)
}

// runPass runs removeDelayMarkers, the gateway allocator, then the
// balancer, and finishes the commit protocol (spec §2's data flow).
func (s *AllocationService) runPass(state *ClusterState, alloc *RoutingAllocation, now int64, reason string) (Result, error) {
	if !alloc.CommandMode {
		alloc.Routing.ShuffleUnassigned(now)
	}
	removeDelayMarkers(alloc)

	if s.Gateway != nil {
		s.Gateway.AllocateUnassigned(alloc, s.Deciders)
	}
	if s.Balancer != nil {
		s.Balancer.Allocate(alloc, s.Deciders)
	}

	if s.Logger != nil {
		s.Logger.Debug("reroute pass complete", zap.String("reason", reason))
	}

	result, err := s.finish(state, alloc.Routing, now)
	if err == nil {
		result.Explanations = alloc.Explanations
	}
	return result, err
}

// finish implements the commit protocol of spec §4.1: build the new
// routing table, reconcile metadata, assert invariants, compute health,
// and short-circuit on no-op with the original object identities.
func (s *AllocationService) finish(state *ClusterState, routing *RoutingNodes, now int64) (Result, error) {
	if err := routing.AssertInvariants(); err != nil {
		return Result{}, err
	}

	newRT := routing.BuildRoutingTable()
	newMeta, err := s.Reconciler.Reconcile(state.Metadata, state.RoutingTable, newRT)
	if err != nil {
		return Result{}, err
	}

	healthBefore := ComputeHealth(state.RoutingTable)
	healthAfter := ComputeHealth(newRT)

	if routingTablesEqual(state.RoutingTable, newRT) && metaEqual(state.Metadata, newMeta) {
		return Result{
			Changed:       false,
			RoutingTable:  state.RoutingTable,
			MetaData:      state.Metadata,
			HealthBefore:  healthBefore,
			HealthAfter:   healthBefore,
			HealthChanged: false,
		}, nil
	}

	if s.Logger != nil && healthAfter != healthBefore {
		s.Logger.Info("cluster health changed",
			zap.String("from", healthBefore.String()),
			zap.String("to", healthAfter.String()))
	}

	return Result{
		Changed:       true,
		RoutingTable:  newRT,
		MetaData:      newMeta,
		HealthBefore:  healthBefore,
		HealthAfter:   healthAfter,
		HealthChanged: healthAfter != healthBefore,
	}, nil
}

// NextDelayNanos exposes spec §4.8's forced-reroute scheduling hint for a
// given snapshot: min(remainingDelay) across delayed shards, or -1 if
// nothing is delayed.
func (s *AllocationService) NextDelayNanos(state *ClusterState, now int64) int64 {
	routing := s.newAllocation(state, now)
	alloc := NewRoutingAllocation(routing, state, s.Settings, s.ClusterInfo, now, s.Logger)
	return nextDelayNanos(alloc)
}

// routingTablesEqual ignores index entries without shards: BuildRoutingTable
// never emits one, so their absence on one side is not a change.
func routingTablesEqual(a, b RoutingTable) bool {
	for name, birt := range b {
		if _, ok := a[name]; !ok && len(birt.Shards) > 0 {
			return false
		}
	}
	for name, airt := range a {
		birt, ok := b[name]
		if !ok {
			if len(airt.Shards) == 0 {
				continue
			}
			return false
		}
		if len(airt.Shards) != len(birt.Shards) {
			return false
		}
		for num, ag := range airt.Shards {
			bg, ok := birt.Shards[num]
			if !ok || len(ag) != len(bg) {
				return false
			}
			for i := range ag {
				if !shardRoutingEqual(ag[i], bg[i]) {
					return false
				}
			}
		}
	}
	return true
}

func shardRoutingEqual(a, b *ShardRouting) bool {
	if a.State != b.State || a.CurrentNodeID != b.CurrentNodeID || a.RelocatingNodeID != b.RelocatingNodeID || a.Primary != b.Primary {
		return false
	}
	aID, bID := "", ""
	if a.AllocationID != nil {
		aID = a.AllocationID.ID
	}
	if b.AllocationID != nil {
		bID = b.AllocationID.ID
	}
	return aID == bID
}

func metaEqual(a, b map[string]*IndexMeta) bool {
	if len(a) != len(b) {
		return false
	}
	for name, am := range a {
		bm, ok := b[name]
		if !ok {
			return false
		}
		if !sameStringSet(flattenAllocIDs(am.ActiveAllocationIDs), flattenAllocIDs(bm.ActiveAllocationIDs)) {
			return false
		}
		for shard, term := range am.PrimaryTerms {
			if bm.PrimaryTerms[shard] != term {
				return false
			}
		}
	}
	return true
}

func flattenAllocIDs(m map[int32][]string) []string {
	var out []string
	for _, v := range m {
		out = append(out, v...)
	}
	return out
}

// delayedRerouteHook is grounded in the teacher's polling-loop style
// (raft.go's WaitForLeader): it schedules a one-shot timer that fires a
// no-command reroute when the soonest delay elapses. Nothing calls it:
// MasterNode.scheduleDelayedReroute calls time.AfterFunc itself.
func delayedRerouteHook(delay time.Duration, fire func()) *time.Timer {
	return time.AfterFunc(delay, fire)
}
