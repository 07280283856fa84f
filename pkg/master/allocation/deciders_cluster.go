package allocation

import "fmt"

// AwarenessAllocationDecider spreads copies of the same shard id across
// distinct values of one or more failure-domain attributes (rack, zone).
type AwarenessAllocationDecider struct {
	Attributes []string
}

func (d *AwarenessAllocationDecider) Name() string { return "AwarenessAllocationDecider" }

func (d *AwarenessAllocationDecider) CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	if len(d.Attributes) == 0 {
		return Yes, "no awareness attributes configured"
	}
	for _, attr := range d.Attributes {
		nodeValue := node.Attributes[attr]
		if nodeValue == "" {
			continue
		}
		// Count how many copies of this shard id already sit on nodes
		// sharing this node's attribute value.
		for _, other := range alloc.Routing.ShardsByID(sr.ShardID) {
			if other == sr || other.CurrentNodeID == "" {
				continue
			}
			otherNode := alloc.State.Nodes[other.CurrentNodeID]
			if otherNode != nil && otherNode.Attributes[attr] == nodeValue {
				return Throttle, fmt.Sprintf("another copy of %s already lives in %s=%s", sr.ShardID, attr, nodeValue)
			}
		}
	}
	return Yes, "distributes across failure domains"
}

func (d *AwarenessAllocationDecider) CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	return Yes, "awareness only throttles new placement"
}

// FilterAllocationDecider respects cluster- and index-level
// include/exclude/require filters.
type FilterAllocationDecider struct {
	ClusterRequire map[string]string
	ClusterInclude map[string]string
	ClusterExclude map[string]string
	IndexRequire   map[string]map[string]string // indexName -> attr -> value
	IndexInclude   map[string]map[string]string
	IndexExclude   map[string]map[string]string
}

func matchesAll(attrs map[string]string, filter map[string]string) bool {
	for k, v := range filter {
		if attrs[k] != v {
			return false
		}
	}
	return true
}

func matchesAny(attrs map[string]string, filter map[string]string) bool {
	if len(filter) == 0 {
		return false
	}
	for k, v := range filter {
		if attrs[k] == v {
			return true
		}
	}
	return false
}

func (d *FilterAllocationDecider) decide(sr *ShardRouting, node *Node) (Decision, string) {
	if !matchesAll(node.Attributes, d.ClusterRequire) {
		return No, "node does not satisfy cluster.routing.allocation.require"
	}
	if len(d.ClusterInclude) > 0 && !matchesAny(node.Attributes, d.ClusterInclude) {
		return No, "node does not satisfy cluster.routing.allocation.include"
	}
	if matchesAny(node.Attributes, d.ClusterExclude) {
		return No, "node matches cluster.routing.allocation.exclude"
	}
	indexName := sr.ShardID.Index.Name
	if req, ok := d.IndexRequire[indexName]; ok && !matchesAll(node.Attributes, req) {
		return No, "node does not satisfy index.routing.allocation.require"
	}
	if inc, ok := d.IndexInclude[indexName]; ok && len(inc) > 0 && !matchesAny(node.Attributes, inc) {
		return No, "node does not satisfy index.routing.allocation.include"
	}
	if exc, ok := d.IndexExclude[indexName]; ok && matchesAny(node.Attributes, exc) {
		return No, "node matches index.routing.allocation.exclude"
	}
	return Yes, "node satisfies all configured filters"
}

func (d *FilterAllocationDecider) Name() string { return "FilterAllocationDecider" }

func (d *FilterAllocationDecider) CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	return d.decide(sr, node)
}

func (d *FilterAllocationDecider) CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	return d.decide(sr, node)
}

// DiskThresholdDecider refuses or throttles allocation to nodes whose disk
// usage is above the configured watermarks (spec §4.4 item 4).
type DiskThresholdDecider struct {
	Settings Settings
	Info     ClusterInfoProvider
}

func (d *DiskThresholdDecider) Name() string { return "DiskThresholdDecider" }

func (d *DiskThresholdDecider) usageFraction(nodeID string) (float64, bool) {
	if d.Info == nil {
		return 0, false
	}
	used, total, ok := d.Info.DiskUsage(nodeID)
	if !ok || total == 0 {
		return 0, false
	}
	return float64(used) / float64(total), true
}

func (d *DiskThresholdDecider) CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	frac, ok := d.usageFraction(node.ID)
	if !ok {
		return Yes, "no disk usage information available yet"
	}
	if frac >= d.Settings.DiskWatermarkFloodStage {
		return No, fmt.Sprintf("node %s is above the flood-stage watermark (%.1f%%)", node.ID, frac*100)
	}
	if frac >= d.Settings.DiskWatermarkHigh {
		return No, fmt.Sprintf("node %s is above the high watermark (%.1f%%)", node.ID, frac*100)
	}
	if frac >= d.Settings.DiskWatermarkLow {
		return Throttle, fmt.Sprintf("node %s is above the low watermark (%.1f%%)", node.ID, frac*100)
	}
	return Yes, "node has sufficient free disk space"
}

func (d *DiskThresholdDecider) CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	frac, ok := d.usageFraction(node.ID)
	if !ok {
		return Yes, "no disk usage information available yet"
	}
	if frac >= d.Settings.DiskWatermarkFloodStage {
		return No, fmt.Sprintf("node %s is above the flood-stage watermark (%.1f%%)", node.ID, frac*100)
	}
	return Yes, "node is below the flood-stage watermark"
}

// ThrottlingAllocationDecider caps concurrent incoming recoveries per node
// (spec §4.4 item 5).
type ThrottlingAllocationDecider struct {
	Settings Settings
}

func (d *ThrottlingAllocationDecider) Name() string { return "ThrottlingAllocationDecider" }

func (d *ThrottlingAllocationDecider) CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	if d.Settings.NodeConcurrentRecoveries <= 0 {
		return Yes, "no recovery concurrency cap configured"
	}
	incoming := 0
	for _, other := range alloc.Routing.NodeShards(node.ID) {
		if other.State == Initializing {
			incoming++
		}
	}
	if incoming >= d.Settings.NodeConcurrentRecoveries {
		return Throttle, fmt.Sprintf("node %s already has %d concurrent incoming recoveries", node.ID, incoming)
	}
	return Yes, "under the concurrent recovery cap"
}

func (d *ThrottlingAllocationDecider) CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	return Yes, "throttling only gates new recoveries"
}

// MaxShardsPerNodeDecider caps how many shard copies, of any index, may sit
// on one node (spec §6.3's cluster.max_shards_per_node).
type MaxShardsPerNodeDecider struct {
	Settings Settings
}

func (d *MaxShardsPerNodeDecider) Name() string { return "MaxShardsPerNodeDecider" }

func (d *MaxShardsPerNodeDecider) CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	if d.Settings.MaxShardsPerNode <= 0 {
		return Yes, "no per-node shard cap configured"
	}
	count := int32(len(alloc.Routing.NodeShards(node.ID)))
	if count >= d.Settings.MaxShardsPerNode {
		return No, fmt.Sprintf("node %s already holds %d shards (max_shards_per_node=%d)", node.ID, count, d.Settings.MaxShardsPerNode)
	}
	return Yes, "under the per-node shard cap"
}

func (d *MaxShardsPerNodeDecider) CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string) {
	return Yes, "the shard cap only gates new allocation, not remaining"
}
