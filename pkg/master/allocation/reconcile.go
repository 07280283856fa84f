package allocation

import "fmt"

// MetaDataReconciler derives the allocation-tracking fields of MetaData
// (active allocation ids, primary terms) from an old and new routing
// table, per spec §4.7. It holds no state of its own.
type MetaDataReconciler struct{}

// NewMetaDataReconciler constructs a reconciler.
func NewMetaDataReconciler() *MetaDataReconciler { return &MetaDataReconciler{} }

// Reconcile computes the metadata a commit should persist. It returns the
// same map (by identity) when nothing changed for any index, matching the
// teacher's habit of returning the original ClusterState unchanged on a
// no-op pass.
func (r *MetaDataReconciler) Reconcile(oldMeta map[string]*IndexMeta, oldRouting, newRouting RoutingTable) (map[string]*IndexMeta, error) {
	changed := false
	cloned := false
	result := oldMeta

	for indexName, newIRT := range newRouting {
		oldMetaEntry, ok := oldMeta[indexName]
		if !ok {
			return nil, fmt.Errorf("reconcile metadata: %w: no metadata for index %q", ErrInvariantViolation, indexName)
		}

		var newEntry *IndexMeta
		for shardNum := range newIRT.Shards {
			id := ShardId{Index: newIRT.Index, ShardNum: shardNum}

			active := activeAllocationIDs(newIRT.Shards[shardNum])
			stored := oldMetaEntry.ActiveAllocationIDs[shardNum]
			if !sameStringSet(active, stored) && len(active) > 0 {
				if newEntry == nil {
					newEntry = oldMetaEntry.Clone()
				}
				newEntry.ActiveAllocationIDs[shardNum] = active
				changed = true
			}

			oldIRT := oldRouting[indexName]
			var oldPrimary, newPrimary *ShardRouting
			if oldIRT != nil {
				oldPrimary = findPrimary(oldIRT.Shards[shardNum])
			}
			newPrimary = findPrimary(newIRT.Shards[shardNum])
			if newPrimary == nil {
				return nil, fmt.Errorf("reconcile metadata: %w: shard %s has no primary entry", ErrInvariantViolation, id)
			}

			if bumpPrimaryTerm(oldPrimary, newPrimary) {
				if newEntry == nil {
					newEntry = oldMetaEntry.Clone()
				}
				newEntry.PrimaryTerms[shardNum] = oldMetaEntry.PrimaryTerms[shardNum] + 1
				changed = true
			}
		}

		if newEntry != nil {
			if !cloned {
				result = cloneMetaMap(oldMeta)
				cloned = true
			}
			result[indexName] = newEntry
		}
	}

	if !changed {
		return oldMeta, nil
	}
	return result, nil
}

func activeAllocationIDs(shards []*ShardRouting) []string {
	var ids []string
	for _, sr := range shards {
		if sr.State == Started && sr.AllocationID != nil {
			ids = append(ids, sr.AllocationID.ID)
		}
	}
	return ids
}

func findPrimary(shards []*ShardRouting) *ShardRouting {
	for _, sr := range shards {
		if sr.Primary {
			return sr
		}
	}
	return nil
}

// bumpPrimaryTerm implements the three exception conditions of spec §4.7:
// the term does NOT bump if the new primary is unassigned, if it is the
// same allocation as the old primary, or if it is the relocation target of
// the old primary (a completed primary relocation). It bumps in every
// other case, including a fresh index with no old primary.
func bumpPrimaryTerm(oldPrimary, newPrimary *ShardRouting) bool {
	if newPrimary.IsUnassigned() {
		return false
	}
	if oldPrimary == nil {
		return true
	}
	if newPrimary.IsSameAllocation(oldPrimary) {
		return false
	}
	if oldPrimary.State == Relocating && oldPrimary.AllocationID != nil &&
		newPrimary.AllocationID != nil && oldPrimary.AllocationID.RelocationID == newPrimary.AllocationID.ID {
		return false
	}
	return true
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			return false
		}
	}
	return true
}

func cloneMetaMap(m map[string]*IndexMeta) map[string]*IndexMeta {
	out := make(map[string]*IndexMeta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
