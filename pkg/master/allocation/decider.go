package allocation

import "go.uber.org/zap"

// Decision is the verdict a Decider returns for one (shard, node) pair.
type Decision int

const (
	Yes Decision = iota
	No
	Throttle
)

func (d Decision) String() string {
	switch d {
	case Yes:
		return "YES"
	case Throttle:
		return "THROTTLE"
	default:
		return "NO"
	}
}

// Worse returns the more restrictive of two decisions: NO dominates
// THROTTLE dominates YES (spec §4.4's aggregation rule).
func Worse(a, b Decision) Decision {
	if a == No || b == No {
		return No
	}
	if a == Throttle || b == Throttle {
		return Throttle
	}
	return Yes
}

// DeciderExplanation is one decider's verdict, recorded when debug mode is
// on (spec §4.4, §6's RoutingExplanations).
type DeciderExplanation struct {
	Decider  string
	Decision Decision
	Message  string
}

// Decider is a pure constraint function from (shard, node, allocation) to
// a Decision with an optional message (spec §4.4). Implementations must
// not mutate alloc or sr.
type Decider interface {
	Name() string
	CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string)
	CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, string)
}

// DeciderStack is an ordered list of Deciders, evaluated by short-circuit
// in non-debug mode and exhaustively (recording every verdict) in debug
// mode.
type DeciderStack struct {
	deciders []Decider
}

// NewDeciderStack builds a stack from an ordered list of deciders. Order
// matters only for which explanation is recorded first in debug mode;
// the aggregate decision is order-independent (spec §4.4).
func NewDeciderStack(deciders ...Decider) *DeciderStack {
	return &DeciderStack{deciders: deciders}
}

// DefaultDeciderStack returns the decider categories spec §4.4/§6.3 name,
// in the order the teacher's log statements imply it cares about them
// most: identity/safety constraints first, capacity/throttling last.
func DefaultDeciderStack(settings Settings, info ClusterInfoProvider) *DeciderStack {
	return NewDeciderStack(
		&SameShardAllocationDecider{Settings: settings},
		&ReplicaAfterPrimaryActiveDecider{},
		&EnableAllocationDecider{Settings: settings},
		&MaxRetryAllocationDecider{Settings: settings},
		&AwarenessAllocationDecider{Attributes: settings.AwarenessAttributes},
		&FilterAllocationDecider{},
		&DiskThresholdDecider{Settings: settings, Info: info},
		&ThrottlingAllocationDecider{Settings: settings},
		&MaxShardsPerNodeDecider{Settings: settings},
	)
}

// CanAllocate aggregates every decider's CanAllocate verdict for placing
// sr on node.
func (ds *DeciderStack) CanAllocate(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, []DeciderExplanation) {
	return ds.run(sr, node, alloc, Decider.CanAllocate)
}

// CanRemain aggregates every decider's CanRemain verdict for sr staying
// on node.
func (ds *DeciderStack) CanRemain(sr *ShardRouting, node *Node, alloc *RoutingAllocation) (Decision, []DeciderExplanation) {
	return ds.run(sr, node, alloc, Decider.CanRemain)
}

func (ds *DeciderStack) run(sr *ShardRouting, node *Node, alloc *RoutingAllocation, f func(Decider, *ShardRouting, *Node, *RoutingAllocation) (Decision, string)) (Decision, []DeciderExplanation) {
	overall := Yes
	var explanations []DeciderExplanation
	for _, d := range ds.deciders {
		decision, msg := f(d, sr, node, alloc)
		if alloc.DebugDecision {
			explanations = append(explanations, DeciderExplanation{Decider: d.Name(), Decision: decision, Message: msg})
			logDecision(alloc.Logger, d.Name(), decision, msg)
		}
		overall = Worse(overall, decision)
		if decision == No && !alloc.DebugDecision {
			return No, explanations
		}
	}
	return overall, explanations
}

func logDecision(logger *zap.Logger, decider string, decision Decision, msg string) {
	if logger == nil {
		return
	}
	logger.Debug("decider verdict",
		zap.String("decider", decider),
		zap.String("decision", decision.String()),
		zap.String("message", msg))
}
