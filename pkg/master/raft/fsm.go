package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/quidditch/shardmaster/pkg/master/allocation"
)

// CommandType represents the type of command replicated through Raft.
type CommandType string

const (
	CommandCreateIndex    CommandType = "create_index"
	CommandDeleteIndex    CommandType = "delete_index"
	CommandRegisterNode   CommandType = "register_node"
	CommandUnregisterNode CommandType = "unregister_node"
	CommandUpdateNode     CommandType = "update_node"
	CommandHeartbeat      CommandType = "heartbeat"

	// CommandApplyRoutingResult replicates the output of one
	// AllocationService operation: a new routing table and metadata,
	// already validated by the allocation core on the leader.
	CommandApplyRoutingResult CommandType = "apply_routing_result"
)

// Command is a state-change command, the unit Raft replicates.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NodeMeta stores cluster-membership metadata for one node, the
// generalization of the teacher's NodeMeta to carry the allocation
// package's NodeRoles/Attributes instead of a single NodeType string.
type NodeMeta struct {
	NodeID      string               `json:"node_id"`
	BindAddr    string               `json:"bind_addr"`
	Roles       allocation.NodeRoles `json:"roles"`
	Attributes  map[string]string    `json:"attributes"`
	StorageTier string               `json:"storage_tier"`
	MaxShards   int32                `json:"max_shards"`
	Status      string               `json:"status"` // healthy, degraded, offline
	JoinedAt    int64                `json:"joined_at"`
	LastSeen    int64                `json:"last_seen"`
}

// ToAllocationNode projects the metadata the allocation core actually
// reads out of the fuller NodeMeta record.
func (n *NodeMeta) ToAllocationNode() *allocation.Node {
	return &allocation.Node{ID: n.NodeID, Roles: n.Roles, Attributes: n.Attributes}
}

// ClusterState is the entire replicated state of the master.
type ClusterState struct {
	Version      int64                            `json:"version"`
	ClusterName  string                           `json:"cluster_name"`
	ClusterUUID  string                           `json:"cluster_uuid"`
	Indices      map[string]*allocation.IndexMeta `json:"indices"`
	Nodes        map[string]*NodeMeta             `json:"nodes"`
	RoutingTable allocation.RoutingTable          `json:"routing_table"`
}

// ToAllocationState builds the immutable snapshot the allocation core
// consumes from the replicated FSM state.
func (cs *ClusterState) ToAllocationState() *allocation.ClusterState {
	nodes := make(map[string]*allocation.Node, len(cs.Nodes))
	for id, n := range cs.Nodes {
		nodes[id] = n.ToAllocationNode()
	}
	return &allocation.ClusterState{
		ClusterName:  cs.ClusterName,
		ClusterUUID:  cs.ClusterUUID,
		Version:      cs.Version,
		Nodes:        nodes,
		Metadata:     cs.Indices,
		RoutingTable: cs.RoutingTable,
	}
}

func (cs *ClusterState) clone() *ClusterState {
	out := &ClusterState{
		Version:      cs.Version,
		ClusterName:  cs.ClusterName,
		ClusterUUID:  cs.ClusterUUID,
		Indices:      make(map[string]*allocation.IndexMeta, len(cs.Indices)),
		Nodes:        make(map[string]*NodeMeta, len(cs.Nodes)),
		RoutingTable: cs.RoutingTable,
	}
	for k, v := range cs.Indices {
		out.Indices[k] = v
	}
	for k, v := range cs.Nodes {
		out.Nodes[k] = v
	}
	return out
}

// FSM implements raft.FSM over a ClusterState, handing immutable
// snapshots to the allocation core and replaying its committed results
// back into the log (the master node is the external driver; the
// allocation core never touches the Raft log, a socket, or a disk
// directly).
type FSM struct {
	mu     sync.RWMutex
	state  *ClusterState
	logger *zap.Logger
}

// NewFSM creates an empty FSM.
func NewFSM(logger *zap.Logger) *FSM {
	return &FSM{
		state: &ClusterState{
			Indices:      make(map[string]*allocation.IndexMeta),
			Nodes:        make(map[string]*NodeMeta),
			RoutingTable: make(allocation.RoutingTable),
		},
		logger: logger,
	}
}

// Apply applies one Raft log entry to the FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		f.logger.Error("failed to unmarshal command", zap.Error(err))
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.state.Version++

	switch cmd.Type {
	case CommandCreateIndex:
		return f.applyCreateIndex(cmd.Payload)
	case CommandDeleteIndex:
		return f.applyDeleteIndex(cmd.Payload)
	case CommandRegisterNode:
		return f.applyRegisterNode(cmd.Payload)
	case CommandUnregisterNode:
		return f.applyUnregisterNode(cmd.Payload)
	case CommandUpdateNode:
		return f.applyUpdateNode(cmd.Payload)
	case CommandHeartbeat:
		return f.applyHeartbeat(cmd.Payload)
	case CommandApplyRoutingResult:
		return f.applyRoutingResult(cmd.Payload)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// Snapshot returns a point-in-time snapshot of the FSM for Raft's
// compaction machinery.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{state: f.state.clone()}, nil
}

// Restore replaces the FSM's state from a previously-persisted snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state ClusterState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.state = &state
	f.logger.Info("restored FSM from snapshot", zap.Int64("version", state.Version))
	return nil
}

// GetState returns a defensive copy of the current replicated state.
func (f *FSM) GetState() *ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.clone()
}

func (f *FSM) applyCreateIndex(payload json.RawMessage) error {
	var index allocation.IndexMeta
	if err := json.Unmarshal(payload, &index); err != nil {
		return fmt.Errorf("failed to unmarshal index: %w", err)
	}
	if _, exists := f.state.Indices[index.Index.Name]; exists {
		return fmt.Errorf("index %s already exists", index.Index.Name)
	}
	if index.ActiveAllocationIDs == nil {
		index.ActiveAllocationIDs = make(map[int32][]string)
	}
	if index.PrimaryTerms == nil {
		index.PrimaryTerms = make(map[int32]int64)
	}
	f.state.Indices[index.Index.Name] = &index
	f.logger.Info("created index", zap.String("index", index.Index.Name))
	return nil
}

func (f *FSM) applyDeleteIndex(payload json.RawMessage) error {
	var req struct {
		IndexName string `json:"index_name"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to unmarshal request: %w", err)
	}
	delete(f.state.Indices, req.IndexName)
	delete(f.state.RoutingTable, req.IndexName)
	f.logger.Info("deleted index", zap.String("index", req.IndexName))
	return nil
}

func (f *FSM) applyRegisterNode(payload json.RawMessage) error {
	var node NodeMeta
	if err := json.Unmarshal(payload, &node); err != nil {
		return fmt.Errorf("failed to unmarshal node: %w", err)
	}
	f.state.Nodes[node.NodeID] = &node
	f.logger.Info("registered node", zap.String("node_id", node.NodeID))
	return nil
}

func (f *FSM) applyUnregisterNode(payload json.RawMessage) error {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to unmarshal request: %w", err)
	}
	delete(f.state.Nodes, req.NodeID)
	f.logger.Info("unregistered node", zap.String("node_id", req.NodeID))
	return nil
}

func (f *FSM) applyUpdateNode(payload json.RawMessage) error {
	var node NodeMeta
	if err := json.Unmarshal(payload, &node); err != nil {
		return fmt.Errorf("failed to unmarshal node: %w", err)
	}
	if _, exists := f.state.Nodes[node.NodeID]; !exists {
		return fmt.Errorf("node %s does not exist", node.NodeID)
	}
	f.state.Nodes[node.NodeID] = &node
	f.logger.Info("updated node", zap.String("node_id", node.NodeID))
	return nil
}

func (f *FSM) applyHeartbeat(payload json.RawMessage) error {
	var heartbeat struct {
		NodeID   string `json:"node_id"`
		LastSeen int64  `json:"last_seen"`
	}
	if err := json.Unmarshal(payload, &heartbeat); err != nil {
		return fmt.Errorf("failed to unmarshal heartbeat: %w", err)
	}
	node, exists := f.state.Nodes[heartbeat.NodeID]
	if !exists {
		return fmt.Errorf("node %s does not exist", heartbeat.NodeID)
	}
	node.LastSeen = heartbeat.LastSeen
	f.logger.Debug("heartbeat received", zap.String("node_id", heartbeat.NodeID))
	return nil
}

// routingResultPayload is the wire shape of a committed
// AllocationService.Result: the leader already ran the pass and validated
// invariants, so followers simply replace their view.
type routingResultPayload struct {
	RoutingTable allocation.RoutingTable          `json:"routing_table"`
	MetaData     map[string]*allocation.IndexMeta `json:"meta_data"`
}

func (f *FSM) applyRoutingResult(payload json.RawMessage) error {
	var r routingResultPayload
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("failed to unmarshal routing result: %w", err)
	}
	f.state.RoutingTable = r.RoutingTable
	f.state.Indices = r.MetaData
	f.logger.Info("applied routing result",
		zap.Int64("version", f.state.Version),
		zap.String("health", allocation.ComputeHealth(r.RoutingTable).String()))
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot over one ClusterState copy.
type fsmSnapshot struct {
	state *ClusterState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		data, err := json.Marshal(s.state)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		if _, err := sink.Write(data); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return nil
}

func (s *fsmSnapshot) Release() {}
