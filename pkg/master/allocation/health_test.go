package allocation

import "testing"

func rtWith(shards ...*ShardRouting) RoutingTable {
	rt := RoutingTable{}
	for _, sr := range shards {
		irt, ok := rt[sr.ShardID.Index.Name]
		if !ok {
			irt = &IndexRoutingTable{Index: sr.ShardID.Index, Shards: make(map[int32][]*ShardRouting)}
			rt[sr.ShardID.Index.Name] = irt
		}
		irt.Shards[sr.ShardID.ShardNum] = append(irt.Shards[sr.ShardID.ShardNum], sr)
	}
	return rt
}

func TestComputeHealthGreen(t *testing.T) {
	rt := rtWith(
		&ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started},
		&ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Started},
	)
	if got := ComputeHealth(rt); got != Green {
		t.Errorf("expected Green, got %s", got)
	}
}

func TestComputeHealthYellowOnUnassignedReplica(t *testing.T) {
	rt := rtWith(
		&ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Started},
		&ShardRouting{ShardID: sid("idx", 0), Primary: false, State: Unassigned},
	)
	if got := ComputeHealth(rt); got != Yellow {
		t.Errorf("expected Yellow, got %s", got)
	}
}

func TestComputeHealthRedDominates(t *testing.T) {
	rt := rtWith(
		&ShardRouting{ShardID: sid("idx", 0), Primary: true, State: Unassigned},
		&ShardRouting{ShardID: sid("idx", 1), Primary: false, State: Unassigned},
	)
	if got := ComputeHealth(rt); got != Red {
		t.Errorf("expected Red to dominate Yellow, got %s", got)
	}
}
