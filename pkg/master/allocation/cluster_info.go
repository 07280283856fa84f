package allocation

// ClusterInfoProvider is the synchronous oracle spec §6 names but does
// not type: per-node disk usage and per-shard size estimates, supplied by
// the caller so a reroute pass never performs blocking I/O itself (spec
// §5's "no suspension points" rule).
type ClusterInfoProvider interface {
	// DiskUsage returns the used and total bytes on nodeID's data path.
	// ok is false if no usage has been collected yet for that node.
	DiskUsage(nodeID string) (used, total uint64, ok bool)
	// ShardSize returns an estimate, in bytes, of the on-disk size of a
	// shard copy. ok is false if no estimate is available.
	ShardSize(id ShardId) (size int64, ok bool)
}

// StaticClusterInfo is a trivial, map-backed ClusterInfoProvider, used in
// tests and as a safe default when no live oracle is wired in.
type StaticClusterInfo struct {
	Usage map[string][2]uint64 // nodeID -> [used, total]
	Sizes map[ShardId]int64
}

// NewStaticClusterInfo returns an empty oracle reporting "unknown" for
// every node and shard.
func NewStaticClusterInfo() *StaticClusterInfo {
	return &StaticClusterInfo{Usage: make(map[string][2]uint64), Sizes: make(map[ShardId]int64)}
}

func (s *StaticClusterInfo) DiskUsage(nodeID string) (used, total uint64, ok bool) {
	v, ok := s.Usage[nodeID]
	if !ok {
		return 0, 0, false
	}
	return v[0], v[1], true
}

func (s *StaticClusterInfo) ShardSize(id ShardId) (int64, bool) {
	v, ok := s.Sizes[id]
	return v, ok
}

// SetDiskUsage records usage for a node, for tests.
func (s *StaticClusterInfo) SetDiskUsage(nodeID string, used, total uint64) {
	s.Usage[nodeID] = [2]uint64{used, total}
}
