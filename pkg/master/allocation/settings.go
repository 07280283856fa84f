package allocation

// EnableAllocation is the cluster.routing.allocation.enable setting.
type EnableAllocation string

const (
	EnableAll          EnableAllocation = "all"
	EnablePrimaries    EnableAllocation = "primaries"
	EnableNewPrimaries EnableAllocation = "new_primaries"
	EnableNone         EnableAllocation = "none"
)

// Settings holds the cluster-wide allocation knobs named in spec §6.
// MasterConfig builds one of these from Viper; defaults here match the
// teacher's defaulting style (sane values, never a zero struct in
// production).
type Settings struct {
	Enable                    EnableAllocation
	NodeConcurrentRecoveries  int
	DiskWatermarkLow          float64 // fraction used, e.g. 0.85
	DiskWatermarkHigh         float64
	DiskWatermarkFloodStage   float64
	SameShardHost             bool
	AwarenessAttributes       []string
	MaxShardsPerNode          int32
	MaxRetries                int
	DefaultDelayedTimeoutNano int64
}

// DefaultSettings returns the settings a fresh cluster starts with.
func DefaultSettings() Settings {
	return Settings{
		Enable:                    EnableAll,
		NodeConcurrentRecoveries:  2,
		DiskWatermarkLow:          0.85,
		DiskWatermarkHigh:         0.90,
		DiskWatermarkFloodStage:   0.95,
		SameShardHost:             false,
		MaxShardsPerNode:          1000,
		MaxRetries:                5,
		DefaultDelayedTimeoutNano: 0,
	}
}
