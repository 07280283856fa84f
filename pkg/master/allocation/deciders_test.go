package allocation

import "testing"

func newTestAllocation(rn *RoutingNodes, settings Settings) *RoutingAllocation {
	state := &ClusterState{Nodes: map[string]*Node{}}
	return NewRoutingAllocation(rn, state, settings, nil, 0, nil)
}

func TestSameShardAllocationDeciderRefusesCollocation(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	existing := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	candidate := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Unassigned}
	rn.add(existing)
	rn.add(candidate)

	alloc := newTestAllocation(rn, DefaultSettings())
	d := &SameShardAllocationDecider{}
	decision, _ := d.CanAllocate(candidate, &Node{ID: "node-1"}, alloc)
	if decision != No {
		t.Errorf("expected No, got %s", decision)
	}
}

func TestSameShardAllocationDeciderAllowsDistinctNode(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	existing := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	candidate := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Unassigned}
	rn.add(existing)
	rn.add(candidate)

	alloc := newTestAllocation(rn, DefaultSettings())
	d := &SameShardAllocationDecider{}
	decision, _ := d.CanAllocate(candidate, &Node{ID: "node-2"}, alloc)
	if decision != Yes {
		t.Errorf("expected Yes, got %s", decision)
	}
}

func TestReplicaAfterPrimaryActiveDecider(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	primary := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Initializing, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	replica := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Unassigned}
	rn.add(primary)
	rn.add(replica)

	alloc := newTestAllocation(rn, DefaultSettings())
	d := &ReplicaAfterPrimaryActiveDecider{}

	decision, _ := d.CanAllocate(replica, &Node{ID: "node-2"}, alloc)
	if decision != No {
		t.Errorf("expected No while primary is still initializing, got %s", decision)
	}

	primary.State = Started
	decision, _ = d.CanAllocate(replica, &Node{ID: "node-2"}, alloc)
	if decision != Yes {
		t.Errorf("expected Yes once primary is started, got %s", decision)
	}

	decisionPrimary, _ := d.CanAllocate(primary, &Node{ID: "node-1"}, alloc)
	if decisionPrimary != Yes {
		t.Error("primaries should never be gated by this decider")
	}
}

func TestEnableAllocationDecider(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	primary := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Unassigned}
	replica := &ShardRouting{ShardID: sid("idx", 1), Primary: false, State: Unassigned}
	rn.add(primary)
	rn.add(replica)

	settings := DefaultSettings()
	settings.Enable = EnablePrimaries
	alloc := newTestAllocation(rn, settings)
	d := &EnableAllocationDecider{Settings: settings}

	if decision, _ := d.CanAllocate(primary, &Node{ID: "node-1"}, alloc); decision != Yes {
		t.Errorf("expected primaries allowed, got %s", decision)
	}
	if decision, _ := d.CanAllocate(replica, &Node{ID: "node-1"}, alloc); decision != No {
		t.Errorf("expected replicas refused under EnablePrimaries, got %s", decision)
	}

	alloc.IgnoreDisable = true
	if decision, _ := d.CanAllocate(replica, &Node{ID: "node-1"}, alloc); decision != Yes {
		t.Errorf("expected IgnoreDisable to bypass the gate, got %s", decision)
	}
}

func TestEnableAllocationDeciderNone(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	primary := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Unassigned}
	rn.add(primary)

	settings := DefaultSettings()
	settings.Enable = EnableNone
	alloc := newTestAllocation(rn, settings)
	d := &EnableAllocationDecider{Settings: settings}

	if decision, _ := d.CanAllocate(primary, &Node{ID: "node-1"}, alloc); decision != No {
		t.Errorf("expected allocation disabled cluster-wide, got %s", decision)
	}
}

func TestMaxRetryAllocationDecider(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	sr := &ShardRouting{
		ShardID: sid("idx", 0), Primary: true, State: Unassigned,
		UnassignedInfo: &UnassignedInfo{NumFailedAllocations: 5},
	}
	rn.add(sr)

	settings := DefaultSettings()
	settings.MaxRetries = 5
	alloc := newTestAllocation(rn, settings)
	d := &MaxRetryAllocationDecider{Settings: settings}

	if decision, _ := d.CanAllocate(sr, &Node{ID: "node-1"}, alloc); decision != No {
		t.Errorf("expected refusal at the retry limit, got %s", decision)
	}

	alloc.RetryFailed = true
	if decision, _ := d.CanAllocate(sr, &Node{ID: "node-1"}, alloc); decision != Yes {
		t.Errorf("expected RetryFailed to bypass the limit, got %s", decision)
	}
}

func TestAwarenessAllocationDeciderThrottlesSameZone(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	state := &ClusterState{Nodes: map[string]*Node{
		"node-1": {ID: "node-1", Attributes: map[string]string{"zone": "a"}},
		"node-2": {ID: "node-2", Attributes: map[string]string{"zone": "a"}},
	}}
	existing := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	candidate := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Unassigned}
	rn.add(existing)
	rn.add(candidate)

	alloc := NewRoutingAllocation(rn, state, DefaultSettings(), nil, 0, nil)
	d := &AwarenessAllocationDecider{Attributes: []string{"zone"}}

	decision, _ := d.CanAllocate(candidate, state.Nodes["node-2"], alloc)
	if decision != Throttle {
		t.Errorf("expected Throttle for same-zone placement, got %s", decision)
	}
}

func TestAwarenessAllocationDeciderAllowsDistinctZone(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	state := &ClusterState{Nodes: map[string]*Node{
		"node-1": {ID: "node-1", Attributes: map[string]string{"zone": "a"}},
		"node-2": {ID: "node-2", Attributes: map[string]string{"zone": "b"}},
	}}
	existing := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	candidate := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Unassigned}
	rn.add(existing)
	rn.add(candidate)

	alloc := NewRoutingAllocation(rn, state, DefaultSettings(), nil, 0, nil)
	d := &AwarenessAllocationDecider{Attributes: []string{"zone"}}

	decision, _ := d.CanAllocate(candidate, state.Nodes["node-2"], alloc)
	if decision != Yes {
		t.Errorf("expected Yes across distinct zones, got %s", decision)
	}
}

func TestFilterAllocationDeciderRequire(t *testing.T) {
	d := &FilterAllocationDecider{ClusterRequire: map[string]string{"tier": "hot"}}
	hot := &Node{ID: "n1", Attributes: map[string]string{"tier": "hot"}}
	cold := &Node{ID: "n2", Attributes: map[string]string{"tier": "cold"}}
	sr := &ShardRouting{ShardID: sid("idx", 0)}

	if decision, _ := d.CanAllocate(sr, hot, nil); decision != Yes {
		t.Errorf("expected hot node to satisfy require filter, got %s", decision)
	}
	if decision, _ := d.CanAllocate(sr, cold, nil); decision != No {
		t.Errorf("expected cold node to fail require filter, got %s", decision)
	}
}

func TestFilterAllocationDeciderExclude(t *testing.T) {
	d := &FilterAllocationDecider{ClusterExclude: map[string]string{"tier": "cold"}}
	cold := &Node{ID: "n2", Attributes: map[string]string{"tier": "cold"}}
	sr := &ShardRouting{ShardID: sid("idx", 0)}

	if decision, _ := d.CanAllocate(sr, cold, nil); decision != No {
		t.Errorf("expected cold node excluded, got %s", decision)
	}
}

type fakeClusterInfo struct {
	usage map[string][2]uint64
}

func (f *fakeClusterInfo) DiskUsage(nodeID string) (used, total uint64, ok bool) {
	v, ok := f.usage[nodeID]
	return v[0], v[1], ok
}
func (f *fakeClusterInfo) ShardSize(id ShardId) (int64, bool) { return 0, false }

func TestDiskThresholdDeciderWatermarks(t *testing.T) {
	info := &fakeClusterInfo{usage: map[string][2]uint64{
		"low":    {50, 100},
		"medium": {87, 100},
		"high":   {92, 100},
		"flood":  {96, 100},
	}}
	settings := DefaultSettings()
	d := &DiskThresholdDecider{Settings: settings, Info: info}
	rn := NewRoutingNodes(RoutingTable{}, nil)
	alloc := newTestAllocation(rn, settings)
	sr := &ShardRouting{ShardID: sid("idx", 0)}

	cases := []struct {
		node string
		want Decision
	}{
		{"low", Yes},
		{"medium", Throttle},
		{"high", No},
		{"flood", No},
	}
	for _, c := range cases {
		decision, _ := d.CanAllocate(sr, &Node{ID: c.node}, alloc)
		if decision != c.want {
			t.Errorf("node %s: expected %s, got %s", c.node, c.want, decision)
		}
	}
}

func TestDiskThresholdDeciderCanRemainOnlyFloodBlocks(t *testing.T) {
	info := &fakeClusterInfo{usage: map[string][2]uint64{
		"high":  {92, 100},
		"flood": {96, 100},
	}}
	settings := DefaultSettings()
	d := &DiskThresholdDecider{Settings: settings, Info: info}
	rn := NewRoutingNodes(RoutingTable{}, nil)
	alloc := newTestAllocation(rn, settings)
	sr := &ShardRouting{ShardID: sid("idx", 0)}

	if decision, _ := d.CanRemain(sr, &Node{ID: "high"}, alloc); decision != Yes {
		t.Errorf("expected CanRemain to tolerate the high watermark, got %s", decision)
	}
	if decision, _ := d.CanRemain(sr, &Node{ID: "flood"}, alloc); decision != No {
		t.Errorf("expected CanRemain to refuse at flood stage, got %s", decision)
	}
}

func TestThrottlingAllocationDecider(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	for i := int32(0); i < 2; i++ {
		rn.add(&ShardRouting{ShardID: sid("idx", i), Primary: true, State: Initializing, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a"}})
	}
	settings := DefaultSettings()
	settings.NodeConcurrentRecoveries = 2
	alloc := newTestAllocation(rn, settings)
	d := &ThrottlingAllocationDecider{Settings: settings}
	candidate := &ShardRouting{ShardID: sid("idx", 2), Primary: true, State: Unassigned}

	decision, _ := d.CanAllocate(candidate, &Node{ID: "node-1"}, alloc)
	if decision != Throttle {
		t.Errorf("expected Throttle at the concurrency cap, got %s", decision)
	}
}

func TestDeciderStackAggregatesWorstDecision(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	sr := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Unassigned}
	rn.add(sr)

	settings := DefaultSettings()
	settings.Enable = EnableNone
	alloc := newTestAllocation(rn, settings)
	alloc.DebugDecision = true

	stack := NewDeciderStack(&SameShardAllocationDecider{}, &EnableAllocationDecider{Settings: settings})
	decision, explanations := stack.CanAllocate(sr, &Node{ID: "node-1"}, alloc)
	if decision != No {
		t.Errorf("expected No overall, got %s", decision)
	}
	if len(explanations) != 2 {
		t.Errorf("expected an explanation per decider in debug mode, got %d", len(explanations))
	}
}

func TestDeciderStackShortCircuitsWithoutDebug(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	sr := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Unassigned}
	rn.add(sr)

	settings := DefaultSettings()
	settings.Enable = EnableNone
	alloc := newTestAllocation(rn, settings)
	alloc.DebugDecision = false

	stack := NewDeciderStack(&EnableAllocationDecider{Settings: settings}, &SameShardAllocationDecider{})
	decision, explanations := stack.CanAllocate(sr, &Node{ID: "node-1"}, alloc)
	if decision != No {
		t.Errorf("expected No, got %s", decision)
	}
	if len(explanations) != 0 {
		t.Errorf("expected no explanations recorded outside debug mode, got %d", len(explanations))
	}
}

func TestWorseDominance(t *testing.T) {
	if Worse(Yes, No) != No {
		t.Error("No should dominate Yes")
	}
	if Worse(Yes, Throttle) != Throttle {
		t.Error("Throttle should dominate Yes")
	}
	if Worse(Throttle, No) != No {
		t.Error("No should dominate Throttle")
	}
	if Worse(Yes, Yes) != Yes {
		t.Error("Yes should dominate only Yes")
	}
}

func TestSameShardAllocationDeciderHostWidensCollocationCheck(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	existing := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	candidate := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Unassigned}
	rn.add(existing)
	rn.add(candidate)

	node1 := &Node{ID: "node-1", Attributes: map[string]string{"host": "box-1"}}
	node2 := &Node{ID: "node-2", Attributes: map[string]string{"host": "box-1"}}
	state := &ClusterState{Nodes: map[string]*Node{"node-1": node1, "node-2": node2}}

	settings := DefaultSettings()
	settings.SameShardHost = true
	alloc := NewRoutingAllocation(rn, state, settings, nil, 0, nil)

	d := &SameShardAllocationDecider{Settings: settings}
	decision, _ := d.CanAllocate(candidate, node2, alloc)
	if decision != No {
		t.Errorf("expected same_shard_host to refuse a second node on the same host, got %s", decision)
	}
}

func TestSameShardAllocationDeciderHostDisabledAllowsDistinctNodeSameHost(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1", "node-2"})
	existing := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}}
	candidate := &ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Unassigned}
	rn.add(existing)
	rn.add(candidate)

	node1 := &Node{ID: "node-1", Attributes: map[string]string{"host": "box-1"}}
	node2 := &Node{ID: "node-2", Attributes: map[string]string{"host": "box-1"}}
	state := &ClusterState{Nodes: map[string]*Node{"node-1": node1, "node-2": node2}}

	alloc := NewRoutingAllocation(rn, state, DefaultSettings(), nil, 0, nil)

	d := &SameShardAllocationDecider{}
	decision, _ := d.CanAllocate(candidate, node2, alloc)
	if decision != Yes {
		t.Errorf("expected distinct nodes allowed when same_shard_host is off, got %s", decision)
	}
}

func TestMaxShardsPerNodeDeciderRefusesAtCap(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	rn.add(&ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started, CurrentNodeID: "node-1", AllocationID: &AllocationId{ID: "a1"}})
	candidate := &ShardRouting{ShardID: sid("idx", 1), Primary: true, State: Unassigned}
	rn.add(candidate)

	settings := DefaultSettings()
	settings.MaxShardsPerNode = 1
	alloc := newTestAllocation(rn, settings)

	d := &MaxShardsPerNodeDecider{Settings: settings}
	decision, _ := d.CanAllocate(candidate, &Node{ID: "node-1"}, alloc)
	if decision != No {
		t.Errorf("expected No at the per-node shard cap, got %s", decision)
	}
}

func TestMaxShardsPerNodeDeciderUnlimitedWhenZero(t *testing.T) {
	rn := NewRoutingNodes(RoutingTable{}, []string{"node-1"})
	candidate := &ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Unassigned}
	rn.add(candidate)

	settings := DefaultSettings()
	settings.MaxShardsPerNode = 0
	alloc := newTestAllocation(rn, settings)

	d := &MaxShardsPerNodeDecider{Settings: settings}
	decision, _ := d.CanAllocate(candidate, &Node{ID: "node-1"}, alloc)
	if decision != Yes {
		t.Errorf("expected Yes when no cap is configured, got %s", decision)
	}
}
