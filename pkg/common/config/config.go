package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/quidditch/shardmaster/pkg/master/allocation"
)

// MasterConfig holds configuration for master nodes.
type MasterConfig struct {
	NodeID      string
	BindAddr    string
	RaftPort    int
	DataDir     string
	Peers       []string
	LogLevel    string
	MetricsPort int

	Allocation allocation.Settings
}

// LoadMasterConfig loads master node configuration from defaults, the
// config file, and the environment (prefix QUIDDITCH_), in that order of
// increasing precedence per Viper's usual resolution.
func LoadMasterConfig(cfgFile string) (*MasterConfig, error) {
	v := viper.New()

	v.SetDefault("node_id", getHostname())
	v.SetDefault("bind_addr", "0.0.0.0")
	v.SetDefault("raft_port", 9300)
	v.SetDefault("data_dir", "/var/lib/quidditch/master")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_port", 9400)

	v.SetDefault("cluster.routing.allocation.enable", "all")
	v.SetDefault("cluster.routing.allocation.node_concurrent_recoveries", 2)
	v.SetDefault("cluster.routing.allocation.disk.watermark.low", 0.85)
	v.SetDefault("cluster.routing.allocation.disk.watermark.high", 0.90)
	v.SetDefault("cluster.routing.allocation.disk.watermark.flood_stage", 0.95)
	v.SetDefault("cluster.routing.allocation.same_shard.host", false)
	v.SetDefault("cluster.routing.allocation.awareness.attributes", []string{})
	v.SetDefault("cluster.max_shards_per_node", 1000)
	v.SetDefault("index.unassigned.node_left.delayed_timeout", "0s")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("master")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/quidditch/")
		v.AddConfigPath("$HOME/.quidditch/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("QUIDDITCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &MasterConfig{
		NodeID:      v.GetString("node_id"),
		BindAddr:    v.GetString("bind_addr"),
		RaftPort:    v.GetInt("raft_port"),
		DataDir:     v.GetString("data_dir"),
		Peers:       v.GetStringSlice("peers"),
		LogLevel:    v.GetString("log_level"),
		MetricsPort: v.GetInt("metrics_port"),
		Allocation: allocation.Settings{
			Enable:                    allocation.EnableAllocation(v.GetString("cluster.routing.allocation.enable")),
			NodeConcurrentRecoveries:  v.GetInt("cluster.routing.allocation.node_concurrent_recoveries"),
			DiskWatermarkLow:          v.GetFloat64("cluster.routing.allocation.disk.watermark.low"),
			DiskWatermarkHigh:         v.GetFloat64("cluster.routing.allocation.disk.watermark.high"),
			DiskWatermarkFloodStage:   v.GetFloat64("cluster.routing.allocation.disk.watermark.flood_stage"),
			SameShardHost:             v.GetBool("cluster.routing.allocation.same_shard.host"),
			AwarenessAttributes:       v.GetStringSlice("cluster.routing.allocation.awareness.attributes"),
			MaxShardsPerNode:          int32(v.GetInt("cluster.max_shards_per_node")),
			MaxRetries:                5,
			DefaultDelayedTimeoutNano: v.GetDuration("index.unassigned.node_left.delayed_timeout").Nanoseconds(),
		},
	}

	return cfg, nil
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
