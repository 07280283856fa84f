package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quidditch/shardmaster/pkg/common/config"
	"github.com/quidditch/shardmaster/pkg/master"
	"github.com/quidditch/shardmaster/pkg/master/allocation"
)

var (
	cfgFile string
	logger  *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quidditch-master",
	Short: "Quidditch Master Node",
	Long: `Quidditch Master Node manages cluster state and shard allocation
using Raft consensus.`,
	RunE: run,
}

var rerouteCmd = &cobra.Command{
	Use:   "reroute",
	Short: "Run one administrative reroute pass and print the decider explanations",
	RunE:  runReroute,
}

var (
	rerouteExplain bool
	rerouteAtomic  bool

	// rerouteCommand and its shared arguments build at most one
	// AllocationCommand per invocation (spec §6's move/cancel/
	// allocate_replica/allocate_stale_primary/allocate_empty_primary).
	rerouteCommand      string
	rerouteIndex        string
	rerouteShard        int32
	reroutePrimary      bool
	rerouteFromNode     string
	rerouteToNode       string
	rerouteNode         string
	rerouteAllowPrimary bool
	rerouteAcceptLoss   bool
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/quidditch/master.yaml)")

	rerouteCmd.Flags().BoolVar(&rerouteExplain, "explain", true, "run deciders in debug mode and print every decision")
	rerouteCmd.Flags().BoolVar(&rerouteAtomic, "atomic", false, "fail the whole reroute if any command would be rejected")
	rerouteCmd.Flags().StringVar(&rerouteCommand, "command", "", "administrative command to run: move, cancel, allocate_replica, allocate_stale_primary, allocate_empty_primary (omit for a plain no-command pass)")
	rerouteCmd.Flags().StringVar(&rerouteIndex, "index", "", "index name the command targets")
	rerouteCmd.Flags().Int32Var(&rerouteShard, "shard", 0, "shard number the command targets")
	rerouteCmd.Flags().BoolVar(&reroutePrimary, "primary", false, "target the primary copy instead of a replica")
	rerouteCmd.Flags().StringVar(&rerouteFromNode, "from-node", "", "source node id (move)")
	rerouteCmd.Flags().StringVar(&rerouteToNode, "to-node", "", "target node id (move, allocate_replica, allocate_stale_primary, allocate_empty_primary)")
	rerouteCmd.Flags().StringVar(&rerouteNode, "node", "", "node id the copy currently sits on (cancel)")
	rerouteCmd.Flags().BoolVar(&rerouteAllowPrimary, "allow-primary", false, "allow cancelling a primary copy (cancel)")
	rerouteCmd.Flags().BoolVar(&rerouteAcceptLoss, "accept-data-loss", false, "required to force a stale or empty primary")
	rootCmd.AddCommand(rerouteCmd)
}

// buildRerouteCommand translates the --command flag and its shared
// arguments into the single AllocationCommand it names, or nil for a
// plain no-command reroute pass.
func buildRerouteCommand() (allocation.AllocationCommand, error) {
	shardID := allocation.ShardId{Index: allocation.Index{Name: rerouteIndex}, ShardNum: rerouteShard}
	switch rerouteCommand {
	case "":
		return nil, nil
	case "move":
		return &allocation.MoveCommand{ShardID: shardID, FromNode: rerouteFromNode, ToNode: rerouteToNode, Primary: reroutePrimary}, nil
	case "cancel":
		return &allocation.CancelCommand{ShardID: shardID, NodeID: rerouteNode, Primary: reroutePrimary, AllowPrimary: rerouteAllowPrimary}, nil
	case "allocate_replica":
		return &allocation.AllocateReplicaCommand{ShardID: shardID, NodeID: rerouteToNode}, nil
	case "allocate_stale_primary":
		return &allocation.AllocateStalePrimaryCommand{ShardID: shardID, NodeID: rerouteToNode, AcceptDataLoss: rerouteAcceptLoss}, nil
	case "allocate_empty_primary":
		return &allocation.AllocateEmptyPrimaryCommand{ShardID: shardID, NodeID: rerouteToNode, AcceptDataLoss: rerouteAcceptLoss}, nil
	default:
		return nil, fmt.Errorf("unknown --command %q", rerouteCommand)
	}
}

func initConfig() {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadMasterConfig(cfgFile)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting quidditch master node",
		zap.String("node_id", cfg.NodeID),
		zap.String("bind_addr", cfg.BindAddr),
		zap.Int("raft_port", cfg.RaftPort),
	)

	masterNode, err := master.NewMasterNode(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create master node", zap.Error(err))
	}

	if err := masterNode.Start(ctx); err != nil {
		logger.Fatal("failed to start master node", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("master node started successfully")

	<-sigCh
	logger.Info("received shutdown signal, stopping master node...")

	if err := masterNode.Stop(ctx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		return err
	}

	logger.Info("master node stopped successfully")
	return nil
}

// runReroute is an administrative entrypoint: it stands up a master node
// against the configured data directory, waits for leadership, runs a
// single reroute pass (optionally carrying the one command --command
// names), and prints what every decider decided.
func runReroute(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadMasterConfig(cfgFile)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	masterNode, err := master.NewMasterNode(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create master node", zap.Error(err))
	}

	if err := masterNode.Start(ctx); err != nil {
		logger.Fatal("failed to start master node", zap.Error(err))
	}
	defer masterNode.Stop(ctx)

	if !masterNode.IsLeader() {
		return fmt.Errorf("not the leader, redirect to %s", masterNode.Leader())
	}

	cmds := []allocation.AllocationCommand{}
	if built, err := buildRerouteCommand(); err != nil {
		return err
	} else if built != nil {
		cmds = append(cmds, built)
	}

	explanations, err := masterNode.Reroute(ctx, cmds, rerouteExplain, rerouteAtomic)
	if err != nil {
		return fmt.Errorf("reroute failed: %w", err)
	}
	if explanations != nil {
		fmt.Println(explanations.String())
	} else {
		fmt.Println("reroute produced no explanations")
	}

	time.Sleep(200 * time.Millisecond) // let the apply settle before shutdown
	return nil
}
