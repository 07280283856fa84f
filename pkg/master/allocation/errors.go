package allocation

import "errors"

// Error kinds per spec §7. InvalidInput and InvariantViolation escape
// public AllocationService methods as Go errors, and so does
// CommandRejected: AllocationService.Reroute returns the rejected
// command's error instead of a normal Result. Unavailable and Throttled
// have no error value; they are recorded only as a shard's
// LastAllocationStatus.
var (
	// ErrInvalidInput marks a batch that referenced a shard not present in
	// the routing table, duplicated an entry, or named an unknown index.
	// The whole batch is rejected; no partial mutation is visible.
	ErrInvalidInput = errors.New("allocation: invalid input")

	// ErrInvariantViolation marks a post-pass assertion failure. This is a
	// programming error: the caller must reject and roll back the
	// cluster-state update that produced it.
	ErrInvariantViolation = errors.New("allocation: invariant violation")

	// ErrCommandRejected marks an administrative command that failed a
	// precondition or was refused by a decider.
	ErrCommandRejected = errors.New("allocation: command rejected")

	// ErrNotLeader marks a mutating call that reached a non-leader node.
	// The core never returns it, and the not-leader errors pkg/master
	// returns are plain formatted errors that do not wrap it.
	ErrNotLeader = errors.New("allocation: not the leader")
)

// InvalidInputError wraps ErrInvalidInput with a human-readable detail.
type InvalidInputError struct {
	Detail string
}

func (e *InvalidInputError) Error() string { return "allocation: invalid input: " + e.Detail }
func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// InvariantViolationError wraps ErrInvariantViolation with the invariant
// that failed and the shard it failed on, if known.
type InvariantViolationError struct {
	Detail  string
	ShardID ShardId
}

func (e *InvariantViolationError) Error() string {
	if e.ShardID.Index.Name == "" {
		return "allocation: invariant violation: " + e.Detail
	}
	return "allocation: invariant violation on " + e.ShardID.String() + ": " + e.Detail
}
func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// CommandRejectedError wraps ErrCommandRejected with the command and the
// reason a decider or precondition refused it.
type CommandRejectedError struct {
	Detail string
}

func (e *CommandRejectedError) Error() string { return "allocation: command rejected: " + e.Detail }
func (e *CommandRejectedError) Unwrap() error  { return ErrCommandRejected }
