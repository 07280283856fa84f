package allocation

// removeDelayMarkers scans the unassigned queue and clears the delayed
// flag on any shard whose delay has elapsed, recomputing remaining delay
// from alloc.CurrentNanoTime (spec §4.8). It never blocks and never reads
// the wall clock directly.
func removeDelayMarkers(alloc *RoutingAllocation) {
	for _, sr := range alloc.Routing.Unassigned() {
		info := sr.UnassignedInfo
		if info == nil || !info.Delayed {
			continue
		}
		timeout := delayTimeoutNanos(alloc, sr)
		if timeout <= 0 {
			continue
		}
		remaining := remainingDelayNanos(alloc.CurrentNanoTime, info, timeout)
		if remaining <= 0 {
			cp := info.Clone()
			cp.Delayed = false
			alloc.Routing.UpdateUnassignedInfo(sr, cp)
		}
	}
}

func delayTimeoutNanos(alloc *RoutingAllocation, sr *ShardRouting) int64 {
	meta := alloc.IndexMeta(sr.ShardID.Index.Name)
	if meta != nil && meta.Settings.DelayedNodeLeftNanos > 0 {
		return meta.Settings.DelayedNodeLeftNanos
	}
	return alloc.Settings.DefaultDelayedTimeoutNano
}

func remainingDelayNanos(now int64, info *UnassignedInfo, timeout int64) int64 {
	elapsed := now - info.UnassignedSinceNanos
	remaining := timeout - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// nextDelayNanos computes min(remainingDelay) across every still-delayed
// unassigned shard, or -1 if none are delayed (spec §4.8: the orchestrator
// uses this to schedule the next forced reroute).
func nextDelayNanos(alloc *RoutingAllocation) int64 {
	min := int64(-1)
	for _, sr := range alloc.Routing.Unassigned() {
		info := sr.UnassignedInfo
		if info == nil || !info.Delayed {
			continue
		}
		timeout := delayTimeoutNanos(alloc, sr)
		if timeout <= 0 {
			continue
		}
		remaining := remainingDelayNanos(alloc.CurrentNanoTime, info, timeout)
		if min < 0 || remaining < min {
			min = remaining
		}
	}
	return min
}
