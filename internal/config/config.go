// Package config holds the typed configuration structs for every core
// component. The core packages themselves never read a file - config is
// always injected by a collaborator, preserving the decision-engine
// non-goal. cmd/orchestrator loads a Config from YAML via sigs.k8s.io/yaml,
// mirroring the teacher's own config-loading idiom.
package config

import (
	"os"

	v1 "github.com/clawbernetes/core/api/v1"
	"sigs.k8s.io/yaml"
)

// SchedulerConfig tunes the Advanced Scheduler.
type SchedulerConfig struct {
	// Reserved for future tuning (score weights are currently fixed by
	// spec); present so the YAML schema has a stable top-level key.
	Enabled bool `json:"enabled"`
}

// MeshConfig tunes a Mesh Integration instance.
type MeshConfig struct {
	NetworkCIDR   string          `json:"networkCidr"`
	ListenPort    uint16          `json:"listenPort"`
	KeepaliveSecs uint16          `json:"keepaliveSecs"`
	Topology      v1.MeshTopology `json:"topology"`
}

// GossipConfig tunes a Gossip Broadcaster instance.
type GossipConfig struct {
	Fanout               int `json:"fanout"`
	MaxTTLHops           uint8 `json:"maxTtlHops"`
	MessageCacheCapacity int `json:"messageCacheCapacity"`
}

// EscrowConfig tunes default escrow creation parameters.
type EscrowConfig struct {
	DefaultFeeRateBps uint32 `json:"defaultFeeRateBps"`
	DefaultDurationHours int `json:"defaultDurationHours"`
}

// LoadBalancerConfig tunes the default strategy for a load-balancer pool.
type LoadBalancerConfig struct {
	DefaultStrategy v1.LoadBalancerStrategy `json:"defaultStrategy"`
}

// MaintenanceConfig tunes the periodic cron-driven sweep.
type MaintenanceConfig struct {
	// SweepCron is a standard 5-field cron expression, e.g. "*/30 * * * *".
	SweepCron string `json:"sweepCron"`
	HeartbeatTimeoutSecs int `json:"heartbeatTimeoutSecs"`
}

// Config is the top-level configuration for the orchestrator process.
type Config struct {
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Mesh          MeshConfig          `json:"mesh"`
	Gossip        GossipConfig        `json:"gossip"`
	Escrow        EscrowConfig        `json:"escrow"`
	LoadBalancer  LoadBalancerConfig  `json:"loadBalancer"`
	Maintenance   MaintenanceConfig   `json:"maintenance"`
	HTTPPort      int                 `json:"httpPort"`
}

// Default returns sane defaults matching the spec's worked examples.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{Enabled: true},
		Mesh: MeshConfig{
			NetworkCIDR:   "10.100.0.0/16",
			ListenPort:    51820,
			KeepaliveSecs: 25,
			Topology:      v1.TopologyFullMesh,
		},
		Gossip: GossipConfig{
			Fanout:               3,
			MaxTTLHops:           5,
			MessageCacheCapacity: 4096,
		},
		Escrow: EscrowConfig{
			DefaultFeeRateBps:    500,
			DefaultDurationHours: 24,
		},
		LoadBalancer: LoadBalancerConfig{DefaultStrategy: v1.StrategyRoundRobin},
		Maintenance: MaintenanceConfig{
			SweepCron:            "*/1 * * * *",
			HeartbeatTimeoutSecs: 30,
		},
		HTTPPort: 9100,
	}
}

// Load reads and parses a YAML config file at path, starting from Default
// and overlaying whatever fields the file sets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
