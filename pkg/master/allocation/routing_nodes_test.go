package allocation

import (
	"fmt"
	"testing"
)

func sid(index string, shard int32) ShardId {
	return ShardId{Index: Index{Name: index}, ShardNum: shard}
}

func unassignedPrimary(index string, shard int32) *ShardRouting {
	return &ShardRouting{ShardID: sid(index, shard), Primary: true, State: Unassigned}
}

func TestRoutingTableAllShardsIsStablyOrdered(t *testing.T) {
	// Multiple indices and shard numbers keyed into real maps, the exact
	// shape NewRoutingNodes feeds from, so this exercises Go's
	// intentionally-randomized map iteration rather than a fixed slice.
	rt := rtWith(
		&ShardRouting{ShardID: sid("zeta", 1), Primary: false, State: Started},
		&ShardRouting{ShardID: sid("zeta", 1), Primary: true, State: Started},
		&ShardRouting{ShardID: sid("zeta", 0), Primary: true, State: Started},
		&ShardRouting{ShardID: sid("alpha", 2), Primary: false, State: Started},
		&ShardRouting{ShardID: sid("alpha", 2), Primary: true, State: Started},
	)

	want := []string{
		"alpha/2 primary", "alpha/2 replica",
		"zeta/0 primary",
		"zeta/1 primary", "zeta/1 replica",
	}

	for attempt := 0; attempt < 5; attempt++ {
		got := make([]string, 0, len(want))
		for _, sr := range rt.AllShards() {
			role := "replica"
			if sr.Primary {
				role = "primary"
			}
			got = append(got, fmt.Sprintf("%s/%d %s", sr.ShardID.Index.Name, sr.ShardID.ShardNum, role))
		}
		if len(got) != len(want) {
			t.Fatalf("attempt %d: expected %d shards, got %d: %v", attempt, len(want), len(got), got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("attempt %d: expected order %v, got %v", attempt, want, got)
			}
		}
	}
}

func TestRoutingNodesInitialize(t *testing.T) {
	rt := RoutingTable{}
	rn := NewRoutingNodes(rt, []string{"node-1"})
	sr := unassignedPrimary("idx", 0)
	rn.add(sr)

	rn.Initialize(sr, "node-1", 1024)

	if sr.State != Initializing {
		t.Fatalf("expected Initializing, got %s", sr.State)
	}
	if sr.CurrentNodeID != "node-1" {
		t.Errorf("expected node-1, got %s", sr.CurrentNodeID)
	}
	if sr.AllocationID == nil || sr.AllocationID.ID == "" {
		t.Error("expected a fresh allocation id")
	}
	if len(rn.Unassigned()) != 0 {
		t.Error("shard should have left the unassigned queue")
	}
	if len(rn.NodeShards("node-1")) != 1 {
		t.Error("shard should now appear on node-1")
	}
}

func TestRoutingNodesInitializePanicsOnAssigned(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic initializing an already-assigned shard")
		}
	}()
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	sr := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	rn.add(sr)
	rn.Initialize(sr, "node-2", 0)
}

func TestRoutingNodesRelocate(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	sr := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	rn.add(sr)

	source, target := rn.Relocate(sr, "node-2", 2048)

	if source.State != Relocating {
		t.Errorf("expected source Relocating, got %s", source.State)
	}
	if source.RelocatingNodeID != "node-2" {
		t.Errorf("expected source pointed at node-2, got %s", source.RelocatingNodeID)
	}
	if target.State != Initializing || target.CurrentNodeID != "node-2" || target.RelocatingNodeID != "node-1" {
		t.Errorf("unexpected target shape: %+v", target)
	}
	if target.AllocationID.ID != source.AllocationID.RelocationID {
		t.Error("target allocation id should match source's relocation id")
	}
	if len(rn.ShardsByID(sr.ShardID)) != 2 {
		t.Error("expected two copies tracked during relocation")
	}
}

func TestRoutingNodesStartShardCompletesRelocation(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	sr := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	rn.add(sr)
	_, target := rn.Relocate(sr, "node-2", 0)

	rn.StartShard(target)

	if target.State != Started {
		t.Errorf("expected target Started, got %s", target.State)
	}
	if len(rn.ShardsByID(sr.ShardID)) != 1 {
		t.Errorf("expected relocation source removed, got %d copies", len(rn.ShardsByID(sr.ShardID)))
	}
	if len(rn.NodeShards("node-1")) != 0 {
		t.Error("node-1 should no longer carry the shard")
	}
}

func TestRoutingNodesCancelRelocation(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	sr := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	rn.add(sr)
	rn.Relocate(sr, "node-2", 0)

	rn.CancelRelocation(sr)

	if sr.State != Started || sr.RelocatingNodeID != "" {
		t.Errorf("expected source back to Started with no relocation target: %+v", sr)
	}
	if len(rn.ShardsByID(sr.ShardID)) != 1 {
		t.Error("expected the initializing target to be removed")
	}
}

func TestRoutingNodesFailShardPromotesReplica(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	primary := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "zzz"}}
	replica := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Started, CurrentNodeID: "node-2", AllocationID: &AllocationId{ID: "aaa"}}
	rn.add(primary)
	rn.add(replica)

	touched := rn.FailShard(primary, &UnassignedInfo{Reason: ReasonAllocationFailed}, 42)

	if primary.State != Unassigned {
		t.Errorf("expected failed primary Unassigned, got %s", primary.State)
	}
	if !replica.Primary {
		t.Error("expected surviving replica promoted to primary")
	}
	if len(touched) != 2 {
		t.Errorf("expected 2 touched routings, got %d", len(touched))
	}
}

func TestRoutingNodesFailShardPromotionTieBreak(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2", "node-3"})
	primary := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "m"}}
	replicaA := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Started, CurrentNodeID: "node-2", AllocationID: &AllocationId{ID: "bbb"}}
	replicaB := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Started, CurrentNodeID: "node-3", AllocationID: &AllocationId{ID: "aaa"}}
	rn.add(primary)
	rn.add(replicaA)
	rn.add(replicaB)

	rn.FailShard(primary, &UnassignedInfo{Reason: ReasonAllocationFailed}, 0)

	if !replicaB.Primary || replicaA.Primary {
		t.Error("expected the lexicographically smaller allocation id to win promotion")
	}
}

func TestRoutingNodesFailShardCascadesInitializingReplicas(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	primary := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	initReplica := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Initializing, CurrentNodeID: "node-2", AllocationID: &AllocationId{ID: "a2"}}
	rn.add(primary)
	rn.add(initReplica)

	touched := rn.FailShard(primary, &UnassignedInfo{Reason: ReasonAllocationFailed}, 7)

	if initReplica.State != Unassigned {
		t.Errorf("expected initializing replica cascaded to Unassigned, got %s", initReplica.State)
	}
	if len(touched) != 2 {
		t.Errorf("expected primary + cascaded replica touched, got %d", len(touched))
	}
}

func TestRoutingNodesFailShardPanicsOnUnassigned(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic failing an already-unassigned shard")
		}
	}()
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	sr := unassignedPrimary("idx", 0)
	rn.add(sr)
	rn.FailShard(sr, &UnassignedInfo{}, 0)
}

func TestRoutingNodesReinitShadowPrimaryRefuses(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, nil)
	sr := unassignedPrimary("idx", 0)
	if err := rn.ReinitShadowPrimary(sr); err == nil {
		t.Fatal("expected an error; shadow primaries are not modeled")
	}
}

func TestRoutingNodesBuildRoutingTableRoundTrips(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	sr := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	rn.add(sr)

	rt := rn.BuildRoutingTable()

	irt, ok := rt["idx"]
	if !ok {
		t.Fatal("expected idx present in built routing table")
	}
	if len(irt.Shards[0]) != 1 || irt.Shards[0][0].CurrentNodeID != "node-1" {
		t.Errorf("unexpected built shard: %+v", irt.Shards[0])
	}
	// Mutating the built copy must not affect the working set.
	irt.Shards[0][0].CurrentNodeID = "mutated"
	if sr.CurrentNodeID != "node-1" {
		t.Error("BuildRoutingTable should clone, not alias, shard routings")
	}
}

func TestRoutingNodesAssertInvariantsCatchesDuplicatePrimary(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	a := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	b := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-2", AllocationID: &AllocationId{ID: "a2"}}
	rn.add(a)
	rn.add(b)

	if err := rn.AssertInvariants(); err == nil {
		t.Fatal("expected invariant violation for two primaries of the same shard")
	}
}

func TestRoutingNodesAssertInvariantsAllowsDifferentShardsOnSameNode(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	a := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	b := &ShardRouting{ShardID: sid("idx", 1), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a2"}}
	rn.add(a)
	rn.add(b)

	if err := rn.AssertInvariants(); err != nil {
		t.Errorf("expected no violation for two different shards on one node, got %v", err)
	}
}

func TestRoutingNodesAssertInvariantsPasses(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	a := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	rn.add(a)

	if err := rn.AssertInvariants(); err != nil {
		t.Errorf("expected no violation, got %v", err)
	}
}

func TestRoutingNodesShuffleUnassignedIsDeterministic(t *testing.T) {
	build := func() *RoutingNodes {
		rn := NewRoutingNodes(RoutingTable{}, nil)
		for i := int32(0); i < 5; i++ {
			rn.add(unassignedPrimary("idx", i))
		}
		return rn
	}

	rn1 := build()
	rn1.ShuffleUnassigned(42)
	rn2 := build()
	rn2.ShuffleUnassigned(42)

	for i := range rn1.unassigned {
		if rn1.unassigned[i].ShardID != rn2.unassigned[i].ShardID {
			t.Fatalf("expected the same seed to produce the same order at index %d", i)
		}
	}
}
