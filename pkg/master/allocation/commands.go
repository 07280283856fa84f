package allocation

import "fmt"

// AllocationCommand is one administrative reroute instruction (spec §6,
// §4's command-mode reroute). Execute mutates the working RoutingNodes and
// returns a CommandRejectedError if a precondition or decider refuses it;
// it must not partially mutate on rejection.
type AllocationCommand interface {
	Execute(alloc *RoutingAllocation, deciders *DeciderStack) error
	Describe() string
}

func findShard(alloc *RoutingAllocation, id ShardId, primary bool) *ShardRouting {
	for _, sr := range alloc.Routing.ShardsByID(id) {
		if sr.Primary == primary {
			return sr
		}
	}
	return nil
}

// AllocateReplicaCommand assigns an UNASSIGNED replica to a node,
// requiring canAllocate=YES unless ignoreDisable was set by the caller
// (spec §6 allocate_replica).
type AllocateReplicaCommand struct {
	ShardID ShardId
	NodeID  string
}

func (c *AllocateReplicaCommand) Describe() string {
	return fmt.Sprintf("allocate_replica(%s -> %s)", c.ShardID, c.NodeID)
}

func (c *AllocateReplicaCommand) Execute(alloc *RoutingAllocation, deciders *DeciderStack) error {
	sr := findShard(alloc, c.ShardID, false)
	if sr == nil {
		return &CommandRejectedError{Detail: fmt.Sprintf("no replica routing for %s", c.ShardID)}
	}
	if sr.State != Unassigned {
		return &CommandRejectedError{Detail: fmt.Sprintf("replica %s is not unassigned", c.ShardID)}
	}
	node := alloc.State.Nodes[c.NodeID]
	if node == nil {
		return &CommandRejectedError{Detail: fmt.Sprintf("unknown node %s", c.NodeID)}
	}
	decision, explanations := alloc.CanAllocate(deciders, sr, node)
	alloc.Explanations.Add(c.Describe(), explanations)
	if decision != Yes {
		return &CommandRejectedError{Detail: fmt.Sprintf("deciders refused %s on %s", c.ShardID, c.NodeID)}
	}
	alloc.Routing.Initialize(sr, c.NodeID, sr.ExpectedShardSize)
	return nil
}

// AllocateStalePrimaryCommand assigns an UNASSIGNED primary to a node and
// leaves it INITIALIZING there; it does not mark the primary STARTED and
// does not check that the node holds a copy of the shard. The primary
// term is bumped implicitly through the reconciler (since the new
// allocation id differs from the old). Requires explicit
// AcceptDataLoss (spec §6 allocate_stale_primary).
type AllocateStalePrimaryCommand struct {
	ShardID       ShardId
	NodeID        string
	AcceptDataLoss bool
}

func (c *AllocateStalePrimaryCommand) Describe() string {
	return fmt.Sprintf("allocate_stale_primary(%s -> %s)", c.ShardID, c.NodeID)
}

func (c *AllocateStalePrimaryCommand) Execute(alloc *RoutingAllocation, deciders *DeciderStack) error {
	if !c.AcceptDataLoss {
		return &CommandRejectedError{Detail: "allocate_stale_primary requires accept_data_loss"}
	}
	sr := findShard(alloc, c.ShardID, true)
	if sr == nil {
		return &CommandRejectedError{Detail: fmt.Sprintf("no primary routing for %s", c.ShardID)}
	}
	if sr.State != Unassigned {
		return &CommandRejectedError{Detail: fmt.Sprintf("primary %s is not unassigned", c.ShardID)}
	}
	node := alloc.State.Nodes[c.NodeID]
	if node == nil {
		return &CommandRejectedError{Detail: fmt.Sprintf("unknown node %s", c.NodeID)}
	}
	decision, explanations := alloc.CanAllocate(deciders, sr, node)
	alloc.Explanations.Add(c.Describe(), explanations)
	if decision != Yes {
		return &CommandRejectedError{Detail: fmt.Sprintf("deciders refused %s on %s", c.ShardID, c.NodeID)}
	}
	alloc.Routing.Initialize(sr, c.NodeID, sr.ExpectedShardSize)
	return nil
}

// AllocateEmptyPrimaryCommand forces an empty primary, discarding all
// known copies (spec §6 allocate_empty_primary).
type AllocateEmptyPrimaryCommand struct {
	ShardID        ShardId
	NodeID         string
	AcceptDataLoss bool
}

func (c *AllocateEmptyPrimaryCommand) Describe() string {
	return fmt.Sprintf("allocate_empty_primary(%s -> %s)", c.ShardID, c.NodeID)
}

func (c *AllocateEmptyPrimaryCommand) Execute(alloc *RoutingAllocation, deciders *DeciderStack) error {
	if !c.AcceptDataLoss {
		return &CommandRejectedError{Detail: "allocate_empty_primary requires accept_data_loss"}
	}
	sr := findShard(alloc, c.ShardID, true)
	if sr == nil {
		return &CommandRejectedError{Detail: fmt.Sprintf("no primary routing for %s", c.ShardID)}
	}
	if sr.State != Unassigned {
		return &CommandRejectedError{Detail: fmt.Sprintf("primary %s is not unassigned", c.ShardID)}
	}
	node := alloc.State.Nodes[c.NodeID]
	if node == nil {
		return &CommandRejectedError{Detail: fmt.Sprintf("unknown node %s", c.NodeID)}
	}
	decision, explanations := alloc.CanAllocate(deciders, sr, node)
	alloc.Explanations.Add(c.Describe(), explanations)
	if decision != Yes {
		return &CommandRejectedError{Detail: fmt.Sprintf("deciders refused %s on %s", c.ShardID, c.NodeID)}
	}
	alloc.Routing.Initialize(sr, c.NodeID, sr.ExpectedShardSize)
	return nil
}

// MoveCommand initiates relocation of a STARTED shard from one node to
// another; both ends must be in a usable state (spec §6 move).
type MoveCommand struct {
	ShardID  ShardId
	FromNode string
	ToNode   string
	Primary  bool
}

func (c *MoveCommand) Describe() string {
	return fmt.Sprintf("move(%s %s -> %s)", c.ShardID, c.FromNode, c.ToNode)
}

func (c *MoveCommand) Execute(alloc *RoutingAllocation, deciders *DeciderStack) error {
	sr := findShard(alloc, c.ShardID, c.Primary)
	if sr == nil {
		return &CommandRejectedError{Detail: fmt.Sprintf("no routing for %s", c.ShardID)}
	}
	if sr.State != Started {
		return &CommandRejectedError{Detail: fmt.Sprintf("%s is not started", c.ShardID)}
	}
	if sr.CurrentNodeID != c.FromNode {
		return &CommandRejectedError{Detail: fmt.Sprintf("%s is not on %s", c.ShardID, c.FromNode)}
	}
	target := alloc.State.Nodes[c.ToNode]
	if target == nil {
		return &CommandRejectedError{Detail: fmt.Sprintf("unknown node %s", c.ToNode)}
	}
	decision, explanations := alloc.CanAllocate(deciders, sr, target)
	alloc.Explanations.Add(c.Describe(), explanations)
	if decision != Yes {
		return &CommandRejectedError{Detail: fmt.Sprintf("deciders refused moving %s to %s", c.ShardID, c.ToNode)}
	}
	alloc.Routing.Relocate(sr, c.ToNode, sr.ExpectedShardSize)
	return nil
}

// CancelCommand cancels an INITIALIZING or RELOCATING shard copy on a
// node, reverting it to its prior state (unassigned, or back to STARTED
// for a cancelled relocation). Cancelling a primary requires
// AllowPrimary=true (spec §6 cancel).
type CancelCommand struct {
	ShardID      ShardId
	NodeID       string
	Primary      bool
	AllowPrimary bool
}

func (c *CancelCommand) Describe() string {
	return fmt.Sprintf("cancel(%s on %s)", c.ShardID, c.NodeID)
}

func (c *CancelCommand) Execute(alloc *RoutingAllocation, deciders *DeciderStack) error {
	sr := findShard(alloc, c.ShardID, c.Primary)
	if sr == nil || sr.CurrentNodeID != c.NodeID {
		return &CommandRejectedError{Detail: fmt.Sprintf("no routing for %s on %s", c.ShardID, c.NodeID)}
	}
	if sr.Primary && !c.AllowPrimary {
		return &CommandRejectedError{Detail: fmt.Sprintf("cancelling primary %s requires allow_primary", c.ShardID)}
	}
	switch sr.State {
	case Relocating:
		alloc.Routing.CancelRelocation(sr)
	case Initializing:
		info := &UnassignedInfo{Reason: ReasonRerouteCancelled, Message: "cancelled by administrative command", UnassignedSinceNanos: alloc.CurrentNanoTime}
		alloc.Routing.FailShard(sr, info, alloc.CurrentNanoTime)
	default:
		return &CommandRejectedError{Detail: fmt.Sprintf("%s is not initializing or relocating", c.ShardID)}
	}
	return nil
}
