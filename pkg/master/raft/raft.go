package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"go.uber.org/zap"
)

const (
	retainSnapshotCount = 2
	raftTimeout         = 10 * time.Second
)

// RaftNode wraps the Hashicorp Raft library and provides cluster
// consensus for the master's ClusterState (spec.md §1's "external
// collaborator" — the allocation core never sees this type).
type RaftNode struct {
	raft       *raft.Raft
	fsm        *FSM
	transport  *raft.NetworkTransport
	logger     *zap.Logger
	config     *Config
	shutdownCh chan struct{}
}

// Config holds Raft configuration.
type Config struct {
	NodeID    string
	RaftAddr  string
	DataDir   string
	Bootstrap bool
	Peers     []string
	Logger    *zap.Logger
}

// NewRaftNode creates a new Raft node backed by boltdb log/stable stores
// and a file snapshot store, matching the teacher's on-disk layout.
func NewRaftNode(cfg *Config, fsm *FSM) (*RaftNode, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.SnapshotThreshold = 1024
	raftConfig.Logger = &zapRaftLogger{logger: cfg.Logger.Named("raft")}

	addr, err := net.ResolveTCPAddr("tcp", cfg.RaftAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft addr: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.RaftAddr, addr, 3, raftTimeout, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create raft dir: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(raftDir, retainSnapshotCount, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	ra, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	node := &RaftNode{
		raft:       ra,
		fsm:        fsm,
		transport:  transport,
		logger:     cfg.Logger,
		config:     cfg,
		shutdownCh: make(chan struct{}),
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raft.ServerID(cfg.NodeID),
					Address: transport.LocalAddr(),
				},
			},
		}
		ra.BootstrapCluster(configuration)
		cfg.Logger.Info("bootstrapped raft cluster", zap.String("node_id", cfg.NodeID))
	}

	return node, nil
}

// Start starts the Raft node.
func (r *RaftNode) Start(ctx context.Context) error {
	r.logger.Info("starting raft node",
		zap.String("node_id", r.config.NodeID),
		zap.String("addr", r.config.RaftAddr),
	)

	if len(r.config.Peers) > 0 && !r.config.Bootstrap {
		r.logger.Info("peers configured, will join cluster", zap.Strings("peers", r.config.Peers))
	}

	return nil
}

// Stop stops the Raft node.
func (r *RaftNode) Stop(ctx context.Context) error {
	r.logger.Info("stopping raft node")
	close(r.shutdownCh)

	if err := r.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("failed to shutdown raft: %w", err)
	}
	return nil
}

// IsLeader returns true if this node is the Raft leader.
func (r *RaftNode) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// Leader returns the current leader address.
func (r *RaftNode) Leader() string {
	addr, _ := r.raft.LeaderWithID()
	return string(addr)
}

// Stats returns the current term, commit index, and applied index from
// the underlying Raft instance's stats snapshot.
func (r *RaftNode) Stats() (term, commitIndex, appliedIndex uint64) {
	stats := r.raft.Stats()
	term = parseStatUint(stats["term"])
	commitIndex = parseStatUint(stats["commit_index"])
	appliedIndex = parseStatUint(stats["applied_index"])
	return
}

func parseStatUint(s string) uint64 {
	var v uint64
	fmt.Sscanf(s, "%d", &v)
	return v
}

// Apply applies a command to the Raft log.
func (r *RaftNode) Apply(cmd Command, timeout time.Duration) error {
	if !r.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := r.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if errResult, ok := future.Response().(error); ok && errResult != nil {
		return fmt.Errorf("command rejected by fsm: %w", errResult)
	}
	return nil
}

// AddVoter adds a new voting member to the cluster.
func (r *RaftNode) AddVoter(id, addr string, timeout time.Duration) error {
	if !r.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := r.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout)
	return future.Error()
}

// RemoveServer removes a server from the cluster.
func (r *RaftNode) RemoveServer(id string, timeout time.Duration) error {
	if !r.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := r.raft.RemoveServer(raft.ServerID(id), 0, timeout)
	return future.Error()
}

// GetState returns the current FSM state.
func (r *RaftNode) GetState() *ClusterState {
	return r.fsm.GetState()
}

// WaitForLeader blocks until a leader is elected.
func (r *RaftNode) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			if r.Leader() != "" {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for leader")
		}
	}
}

// zapRaftLogger bridges a *zap.Logger into hclog.Logger, so Raft's
// internal logging flows through the same structured sink as the rest of
// the master rather than a second, unconfigured logger.
type zapRaftLogger struct {
	logger *zap.Logger
	name   string
}

func (z *zapRaftLogger) toFields(args []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprintf("%v", args[i]), args[i+1]))
	}
	return fields
}

func (z *zapRaftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	fields := z.toFields(args)
	switch level {
	case hclog.Error:
		z.logger.Error(msg, fields...)
	case hclog.Warn:
		z.logger.Warn(msg, fields...)
	case hclog.Info:
		z.logger.Info(msg, fields...)
	default:
		z.logger.Debug(msg, fields...)
	}
}

func (z *zapRaftLogger) Trace(msg string, args ...interface{}) { z.logger.Debug(msg, z.toFields(args)...) }
func (z *zapRaftLogger) Debug(msg string, args ...interface{}) { z.logger.Debug(msg, z.toFields(args)...) }
func (z *zapRaftLogger) Info(msg string, args ...interface{})  { z.logger.Info(msg, z.toFields(args)...) }
func (z *zapRaftLogger) Warn(msg string, args ...interface{})  { z.logger.Warn(msg, z.toFields(args)...) }
func (z *zapRaftLogger) Error(msg string, args ...interface{}) { z.logger.Error(msg, z.toFields(args)...) }
func (z *zapRaftLogger) IsTrace() bool                         { return false }
func (z *zapRaftLogger) IsDebug() bool                         { return true }
func (z *zapRaftLogger) IsInfo() bool                          { return true }
func (z *zapRaftLogger) IsWarn() bool                          { return true }
func (z *zapRaftLogger) IsError() bool                         { return true }
func (z *zapRaftLogger) ImpliedArgs() []interface{}            { return nil }
func (z *zapRaftLogger) With(args ...interface{}) hclog.Logger { return z }
func (z *zapRaftLogger) Name() string                          { return z.name }
func (z *zapRaftLogger) Named(name string) hclog.Logger {
	return &zapRaftLogger{logger: z.logger.Named(name), name: name}
}
func (z *zapRaftLogger) ResetNamed(name string) hclog.Logger { return z.Named(name) }
func (z *zapRaftLogger) SetLevel(level hclog.Level)          {}
func (z *zapRaftLogger) GetLevel() hclog.Level               { return hclog.Debug }
func (z *zapRaftLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(z.StandardWriter(opts), "", 0)
}
func (z *zapRaftLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return os.Stderr
}
