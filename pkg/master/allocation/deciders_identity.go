package allocation

import "fmt"

// SameShardAllocationDecider enforces invariant §3.4: no two copies of the
// same shard id may share a node. When Settings.SameShardHost is set, the
// check widens to every node sharing the candidate's "host" attribute, so
// two nodes that are really VMs on one physical host still count as
// collocated (spec §6.3's cluster.routing.allocation.same_shard.host).
type SameShardAllocationDecider struct {
	Settings Settings
}

func (d *SameShardAllocationDecider) Name() string { return "SameShardAllocationDecider" }

// hostPeers returns the node ids that count as "the same place" as node for
// collocation purposes: just node itself, unless same_shard.host widens that
// to every node sharing its host attribute.
func (d *SameShardAllocationDecider) hostPeers(node *Node, alloc *RoutingAllocation) []string {
	if !d.Settings.SameShardHost {
		return []string{node.ID}
	}
	host := node.Attributes["host"]
	if host == "" {
		return []string{node.ID}
	}
	var ids []string
	for _, n := range alloc.State.Nodes {
		if n.Attributes["host"] == host {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

func (d *SameShardAllocationDecider) CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	for _, peerID := range d.hostPeers(node, alloc) {
		for _, other := range alloc.Routing.NodeShards(peerID) {
			if other == sr {
				continue
			}
			if other.ShardID == sr.ShardID {
				return No, fmt.Sprintf("a copy of %s already exists on node %s", sr.ShardID, peerID)
			}
		}
	}
	return Yes, "no other copy of this shard is on the node"
}

func (d *SameShardAllocationDecider) CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	count := 0
	for _, peerID := range d.hostPeers(node, alloc) {
		for _, other := range alloc.Routing.NodeShards(peerID) {
			if other.ShardID == sr.ShardID {
				count++
			}
		}
	}
	if count > 1 {
		return No, fmt.Sprintf("more than one copy of %s on node %s", sr.ShardID, node.ID)
	}
	return Yes, "only one copy of this shard is on the node"
}

// ReplicaAfterPrimaryActiveDecider enforces invariant §3.3: a replica may
// only initialize once its primary is STARTED, except when the replica is
// itself the target half of a primary relocation handshake.
type ReplicaAfterPrimaryActiveDecider struct{}

func (d *ReplicaAfterPrimaryActiveDecider) Name() string { return "ReplicaAfterPrimaryActiveDecider" }

func (d *ReplicaAfterPrimaryActiveDecider) CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	if sr.Primary {
		return Yes, "primaries are not subject to this decider"
	}
	if sr.RelocatingNodeID != "" {
		return Yes, "replica is the target of a relocation handshake"
	}
	primary := alloc.Routing.Primary(sr.ShardID)
	if primary == nil || primary.State != Started {
		return No, fmt.Sprintf("primary for %s is not started", sr.ShardID)
	}
	return Yes, "primary is started"
}

func (d *ReplicaAfterPrimaryActiveDecider) CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	return Yes, "remaining is always allowed once initialized"
}

// EnableAllocationDecider respects cluster.routing.allocation.enable,
// bypassed when RoutingAllocation.IgnoreDisable is set (explicit admin
// commands, spec §4.4 item 7).
type EnableAllocationDecider struct {
	Settings Settings
}

func (d *EnableAllocationDecider) Name() string { return "EnableAllocationDecider" }

func (d *EnableAllocationDecider) CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	if alloc.IgnoreDisable {
		return Yes, "allocation gate bypassed for explicit command"
	}
	switch alloc.Settings.Enable {
	case EnableAll:
		return Yes, "allocation enabled for all shards"
	case EnablePrimaries:
		if sr.Primary {
			return Yes, "allocation enabled for primaries"
		}
		return No, "allocation restricted to primaries"
	case EnableNewPrimaries:
		if sr.Primary && sr.UnassignedInfo != nil && sr.UnassignedInfo.Reason == ReasonIndexCreated {
			return Yes, "allocation enabled for new primaries"
		}
		return No, "allocation restricted to new primaries"
	case EnableNone:
		return No, "allocation disabled cluster-wide"
	default:
		return Yes, "unknown enable setting treated as all"
	}
}

func (d *EnableAllocationDecider) CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	return Yes, "enable setting only gates new allocation, not remaining"
}

// MaxRetryAllocationDecider refuses shards that have failed allocation
// max_retries times, unless RoutingAllocation.RetryFailed is set (spec
// §4.4 item 8).
type MaxRetryAllocationDecider struct {
	Settings Settings
}

func (d *MaxRetryAllocationDecider) Name() string { return "MaxRetryAllocationDecider" }

func (d *MaxRetryAllocationDecider) CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	if alloc.RetryFailed {
		return Yes, "retry explicitly requested"
	}
	if sr.UnassignedInfo == nil {
		return Yes, "no prior allocation failures"
	}
	if sr.UnassignedInfo.NumFailedAllocations >= alloc.Settings.MaxRetries && alloc.Settings.MaxRetries > 0 {
		return No, fmt.Sprintf("shard has failed allocation %d times (max_retries=%d)", sr.UnassignedInfo.NumFailedAllocations, alloc.Settings.MaxRetries)
	}
	return Yes, "under the retry limit"
}

func (d *MaxRetryAllocationDecider) CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	return Yes, "retry limit only gates new allocation"
}
