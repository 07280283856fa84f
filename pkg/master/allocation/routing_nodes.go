package allocation

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// RoutingNodes is the mutable, per-pass working copy of the routing table
// described in spec §3/§4.3. All ShardRouting values live in a single
// arena (rn.shards); per-node and per-shard-id views are auxiliary
// indices over that arena, rebuilt incrementally as mutations happen, so
// there is never a ShardRouting <-> node back-reference cycle (spec §9).
type RoutingNodes struct {
	shards     []*ShardRouting
	nodes      map[string][]*ShardRouting // nodeID -> shards currently on it
	unassigned []*ShardRouting            // ordered queue
	byShardID  map[ShardId][]*ShardRouting
}

// NewRoutingNodes builds a mutable working copy from an immutable routing
// table. Every ShardRouting is cloned so mutation never aliases the input.
func NewRoutingNodes(rt RoutingTable, nodeIDs []string) *RoutingNodes {
	rn := &RoutingNodes{
		nodes:     make(map[string][]*ShardRouting),
		byShardID: make(map[ShardId][]*ShardRouting),
	}
	for _, id := range nodeIDs {
		rn.nodes[id] = nil
	}
	for _, sr := range rt.AllShards() {
		rn.add(sr.Clone())
	}
	return rn
}

func (rn *RoutingNodes) add(sr *ShardRouting) {
	rn.shards = append(rn.shards, sr)
	rn.byShardID[sr.ShardID] = append(rn.byShardID[sr.ShardID], sr)
	switch sr.State {
	case Unassigned:
		rn.unassigned = append(rn.unassigned, sr)
	default:
		rn.nodes[sr.CurrentNodeID] = append(rn.nodes[sr.CurrentNodeID], sr)
	}
}

func removeFrom(list []*ShardRouting, sr *ShardRouting) []*ShardRouting {
	for i, e := range list {
		if e == sr {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (rn *RoutingNodes) removeFromArena(sr *ShardRouting) {
	rn.shards = removeFrom(rn.shards, sr)
	rn.byShardID[sr.ShardID] = removeFrom(rn.byShardID[sr.ShardID], sr)
	rn.unassigned = removeFrom(rn.unassigned, sr)
	for id, list := range rn.nodes {
		rn.nodes[id] = removeFrom(list, sr)
	}
}

// Unassigned returns the ordered queue of UNASSIGNED shards.
func (rn *RoutingNodes) Unassigned() []*ShardRouting { return append([]*ShardRouting(nil), rn.unassigned...) }

// ShuffleUnassigned reorders the unassigned queue deterministically from a
// seed, used outside command mode to avoid poison-shard starvation (spec
// §4.5). Command mode must not call this.
func (rn *RoutingNodes) ShuffleUnassigned(seed int64) {
	r := newDeterministicRand(seed)
	for i := len(rn.unassigned) - 1; i > 0; i-- {
		j := int(r.next() % int64(i+1))
		rn.unassigned[i], rn.unassigned[j] = rn.unassigned[j], rn.unassigned[i]
	}
}

// NodeShards returns every shard currently assigned to a node.
func (rn *RoutingNodes) NodeShards(nodeID string) []*ShardRouting {
	return append([]*ShardRouting(nil), rn.nodes[nodeID]...)
}

// NodeIDs returns the known node ids (including those with zero shards).
func (rn *RoutingNodes) NodeIDs() []string {
	ids := make([]string, 0, len(rn.nodes))
	for id := range rn.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ShardsByID returns all copies (any state) of a given shard id.
func (rn *RoutingNodes) ShardsByID(id ShardId) []*ShardRouting {
	return append([]*ShardRouting(nil), rn.byShardID[id]...)
}

// AllShardIDs returns the distinct shard ids currently tracked, sorted.
func (rn *RoutingNodes) AllShardIDs() []ShardId {
	ids := make([]ShardId, 0, len(rn.byShardID))
	for id := range rn.byShardID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Index.Name != ids[j].Index.Name {
			return ids[i].Index.Name < ids[j].Index.Name
		}
		return ids[i].ShardNum < ids[j].ShardNum
	})
	return ids
}

// Primary returns the primary copy for a shard id, or nil if unassigned
// and no primary routing exists yet (should not happen: an unassigned
// primary is still present, just with State=Unassigned).
func (rn *RoutingNodes) Primary(id ShardId) *ShardRouting {
	for _, sr := range rn.byShardID[id] {
		if sr.Primary {
			return sr
		}
	}
	return nil
}

func newAllocationID() *AllocationId {
	return &AllocationId{ID: uuid.New().String()}
}

// Initialize transitions an UNASSIGNED shard to INITIALIZING on nodeID
// with a fresh allocation id (spec §4.3).
func (rn *RoutingNodes) Initialize(sr *ShardRouting, nodeID string, expectedSize int64) {
	if sr.State != Unassigned {
		panic(fmt.Sprintf("Initialize called on non-unassigned shard %s", sr))
	}
	rn.unassigned = removeFrom(rn.unassigned, sr)
	sr.State = Initializing
	sr.CurrentNodeID = nodeID
	sr.AllocationID = newAllocationID()
	sr.ExpectedShardSize = expectedSize
	rn.nodes[nodeID] = append(rn.nodes[nodeID], sr)
}

// Relocate transitions a STARTED shard to RELOCATING on its current node
// and creates the paired INITIALIZING target copy on targetNodeID (spec
// §4.3). Returns the (source, target) pair.
func (rn *RoutingNodes) Relocate(sr *ShardRouting, targetNodeID string, expectedSize int64) (source, target *ShardRouting) {
	if sr.State != Started {
		panic(fmt.Sprintf("Relocate called on non-started shard %s", sr))
	}
	sourceNode := sr.CurrentNodeID
	sr.State = Relocating
	sr.RelocatingNodeID = targetNodeID
	sr.AllocationID.RelocationID = uuid.New().String()

	tgt := &ShardRouting{
		ShardID:           sr.ShardID,
		Primary:           sr.Primary,
		State:             Initializing,
		CurrentNodeID:     targetNodeID,
		RelocatingNodeID:  sourceNode,
		AllocationID:      &AllocationId{ID: sr.AllocationID.RelocationID},
		ExpectedShardSize: expectedSize,
	}
	rn.add(tgt)
	return sr, tgt
}

// StartShard transitions an INITIALIZING shard to STARTED. If it is the
// target half of a relocation, the paired RELOCATING source is removed
// atomically (spec §4.3).
func (rn *RoutingNodes) StartShard(sr *ShardRouting) {
	if sr.State != Initializing {
		panic(fmt.Sprintf("StartShard called on non-initializing shard %s", sr))
	}
	sr.State = Started
	sr.UnassignedInfo = nil

	if sr.RelocatingNodeID != "" {
		if source := rn.findRelocationSource(sr); source != nil {
			rn.removeFromArena(source)
		}
		sr.RelocatingNodeID = ""
	}
}

func (rn *RoutingNodes) findRelocationSource(target *ShardRouting) *ShardRouting {
	for _, sr := range rn.byShardID[target.ShardID] {
		if sr.State == Relocating && sr.CurrentNodeID == target.RelocatingNodeID && sr.RelocatingNodeID == target.CurrentNodeID {
			return sr
		}
	}
	return nil
}

// CancelRelocation transitions a RELOCATING shard back to STARTED and
// removes the paired INITIALIZING target (spec §4.3).
func (rn *RoutingNodes) CancelRelocation(sr *ShardRouting) {
	if sr.State != Relocating {
		panic(fmt.Sprintf("CancelRelocation called on non-relocating shard %s", sr))
	}
	for _, other := range rn.byShardID[sr.ShardID] {
		if other.State == Initializing && other.CurrentNodeID == sr.RelocatingNodeID && other.RelocatingNodeID == sr.CurrentNodeID {
			rn.removeFromArena(other)
			break
		}
	}
	sr.State = Started
	sr.RelocatingNodeID = ""
	sr.AllocationID.RelocationID = ""
}

// FailShard transitions any non-UNASSIGNED shard to UNASSIGNED (spec
// §4.3). A failed STARTED primary cascades: INITIALIZING replicas of the
// same shard id are also failed, and if a STARTED replica exists it is
// promoted to primary in the same call (tie-broken by allocation id
// lexicographic order, per the Open Question decision in DESIGN.md) and
// the failed copy becomes an unassigned replica; the MetaDataReconciler
// then bumps the primary term because the new primary's allocation id
// differs from the old one. Returns every
// ShardRouting touched by the call (the failed shard, any cascaded
// replica failures, and a promoted replica if one occurred).
func (rn *RoutingNodes) FailShard(sr *ShardRouting, info *UnassignedInfo, now int64) []*ShardRouting {
	if sr.State == Unassigned {
		panic(fmt.Sprintf("FailShard called on already-unassigned shard %s", sr))
	}
	touched := []*ShardRouting{}
	wasPrimary := sr.Primary
	wasStarted := sr.State == Started

	if sr.State == Relocating {
		rn.CancelRelocation(sr)
	} else if sr.State == Initializing && sr.RelocatingNodeID != "" {
		if source := rn.findRelocationSource(sr); source != nil {
			source.State = Started
			source.RelocatingNodeID = ""
			if source.AllocationID != nil {
				source.AllocationID.RelocationID = ""
			}
		}
	}

	rn.nodes[sr.CurrentNodeID] = removeFrom(rn.nodes[sr.CurrentNodeID], sr)
	sr.CurrentNodeID = ""
	sr.RelocatingNodeID = ""
	sr.AllocationID = nil
	sr.State = Unassigned
	sr.UnassignedInfo = info
	rn.unassigned = append(rn.unassigned, sr)
	touched = append(touched, sr)

	if wasPrimary && wasStarted {
		if promoted := rn.promoteReplica(sr.ShardID); promoted != nil {
			sr.Primary = false
			touched = append(touched, promoted)
		}
		// Cascade: fail any still-INITIALIZING replicas of this shard id.
		for _, other := range append([]*ShardRouting(nil), rn.byShardID[sr.ShardID]...) {
			if other == sr || other.Primary || other.State != Initializing {
				continue
			}
			cascadeInfo := &UnassignedInfo{
				Reason:               ReasonPrimaryFailed,
				Message:              "primary failed while replica was initializing",
				UnassignedSinceNanos: now,
			}
			touched = append(touched, rn.FailShard(other, cascadeInfo, now)...)
		}
	}
	return touched
}

// promoteReplica promotes the highest-priority STARTED replica of id to
// primary, in place (same ShardRouting object, so its allocation id is
// preserved). Returns the promoted routing, or nil if no STARTED replica
// exists.
func (rn *RoutingNodes) promoteReplica(id ShardId) *ShardRouting {
	var candidates []*ShardRouting
	for _, sr := range rn.byShardID[id] {
		if !sr.Primary && sr.State == Started {
			candidates = append(candidates, sr)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].AllocationID.ID < candidates[j].AllocationID.ID
	})
	winner := candidates[0]
	winner.Primary = true
	return winner
}

// ReinitShadowPrimary is an Open Question in spec §9: shadow-replica
// indexes are not modeled by this cluster's IndexMeta, so this is a
// documented no-op that refuses rather than fabricating behavior for a
// feature nothing else in the spec exercises.
func (rn *RoutingNodes) ReinitShadowPrimary(sr *ShardRouting) error {
	return &InvalidInputError{Detail: "shadow-replica primaries are not supported"}
}

// UpdateUnassignedInfo replaces the UnassignedInfo of an unassigned shard
// in place, used by removeDelayMarkers and by the balancer and gateway
// allocator recording lastAllocationStatus.
func (rn *RoutingNodes) UpdateUnassignedInfo(sr *ShardRouting, info *UnassignedInfo) {
	if sr.State != Unassigned {
		panic(fmt.Sprintf("UpdateUnassignedInfo called on assigned shard %s", sr))
	}
	sr.UnassignedInfo = info
}

// BuildRoutingTable materializes an immutable RoutingTable snapshot from
// the current working copy.
func (rn *RoutingNodes) BuildRoutingTable() RoutingTable {
	rt := make(RoutingTable)
	for _, sr := range rn.shards {
		irt, ok := rt[sr.ShardID.Index.Name]
		if !ok {
			irt = &IndexRoutingTable{Index: sr.ShardID.Index, Shards: make(map[int32][]*ShardRouting)}
			rt[sr.ShardID.Index.Name] = irt
		}
		irt.Shards[sr.ShardID.ShardNum] = append(irt.Shards[sr.ShardID.ShardNum], sr.Clone())
	}
	return rt
}

// AssertInvariants checks the invariants of spec §3 that must hold at the
// start and end of every public operation. AllocationService calls it on
// every commit, in every build; a violation is an InvariantViolationError
// (programming error, not a normal Result). The INITIALIZING target of a
// relocating primary is not counted as a second primary.
func (rn *RoutingNodes) AssertInvariants() error {
	primaries := make(map[ShardId]int)
	allocIDs := make(map[ShardId]map[string]bool)
	perNode := make(map[string]map[ShardId]int)

	for _, sr := range rn.shards {
		if sr.Primary && !(sr.State == Initializing && sr.RelocatingNodeID != "") {
			primaries[sr.ShardID]++
		}

		switch sr.State {
		case Unassigned:
			if sr.CurrentNodeID != "" || sr.RelocatingNodeID != "" {
				return &InvariantViolationError{ShardID: sr.ShardID, Detail: "unassigned shard carries a node id"}
			}
		case Initializing:
			if sr.CurrentNodeID == "" {
				return &InvariantViolationError{ShardID: sr.ShardID, Detail: "initializing shard has no current node"}
			}
			if !sr.Primary {
				if primary := rn.Primary(sr.ShardID); primary != nil && primary.State != Started && sr.RelocatingNodeID == "" {
					return &InvariantViolationError{ShardID: sr.ShardID, Detail: "replica initializing while primary is not started"}
				}
			}
		case Started:
			if sr.CurrentNodeID == "" {
				return &InvariantViolationError{ShardID: sr.ShardID, Detail: "started shard has no current node"}
			}
		case Relocating:
			if sr.CurrentNodeID == "" || sr.RelocatingNodeID == "" || sr.CurrentNodeID == sr.RelocatingNodeID {
				return &InvariantViolationError{ShardID: sr.ShardID, Detail: "relocating shard has inconsistent node ids"}
			}
		}

		if sr.State != Unassigned {
			if allocIDs[sr.ShardID] == nil {
				allocIDs[sr.ShardID] = make(map[string]bool)
			}
			if sr.AllocationID == nil {
				return &InvariantViolationError{ShardID: sr.ShardID, Detail: "assigned shard has no allocation id"}
			}
			if allocIDs[sr.ShardID][sr.AllocationID.ID] {
				return &InvariantViolationError{ShardID: sr.ShardID, Detail: "duplicate allocation id"}
			}
			allocIDs[sr.ShardID][sr.AllocationID.ID] = true

			if perNode[sr.CurrentNodeID] == nil {
				perNode[sr.CurrentNodeID] = make(map[ShardId]int)
			}
			perNode[sr.CurrentNodeID][sr.ShardID]++
			if perNode[sr.CurrentNodeID][sr.ShardID] > 1 {
				return &InvariantViolationError{ShardID: sr.ShardID, Detail: "two copies of the same shard on one node"}
			}
		}
	}

	for id, count := range primaries {
		if count != 1 {
			return &InvariantViolationError{ShardID: id, Detail: fmt.Sprintf("expected exactly one primary, found %d", count)}
		}
	}
	return nil
}

// deterministicRand is a tiny, package-local xorshift so ShuffleUnassigned
// never depends on the real clock or math/rand's global state: a pass
// must be pure given (state, seed) (spec §5).
type deterministicRand struct{ state uint64 }

func newDeterministicRand(seed int64) *deterministicRand {
	s := uint64(seed)
	if s == 0 {
		s = 0x9E3779B97F4A7C15
	}
	return &deterministicRand{state: s}
}

func (r *deterministicRand) next() int64 {
	r.state ^= r.state << 13
	r.state ^= r.state >> 7
	r.state ^= r.state << 17
	if r.state&0x7FFFFFFFFFFFFFFF == 0 {
		return 1
	}
	v := int64(r.state & 0x7FFFFFFFFFFFFFFF)
	if v < 0 {
		v = -v
	}
	return v
}
