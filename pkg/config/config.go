// Package config loads the orchestrator configuration from a YAML file with
// environment overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full orchestrator configuration.
type Config struct {
	DataDir string     `yaml:"dataDir"`
	Domain  string     `yaml:"domain"` // base domain for VM subdomains, e.g. vms.decloud.io
	Log     Log        `yaml:"log"`
	API     API        `yaml:"api"`
	Chain   Chain      `yaml:"chain"`
	Billing Billing    `yaml:"billing"`
	Settle  Settlement `yaml:"settlement"`
	Sched   Scheduler  `yaml:"scheduler"`
	Relay   Relay      `yaml:"relay"`
	Proxy   Proxy      `yaml:"proxy"`
	Nodes   Nodes      `yaml:"nodes"`
}

// Log configures the global logger.
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// API configures the HTTP listener and authentication.
type API struct {
	ListenAddr  string `yaml:"listenAddr"`
	TokenSecret string `yaml:"tokenSecret"`
}

// Chain configures the escrow adapter and deposit monitor.
type Chain struct {
	RPCURL                string        `yaml:"rpcUrl"`
	ContractAddress       string        `yaml:"contractAddress"`
	ChainID               uint64        `yaml:"chainId"`
	PrivateKey            string        `yaml:"privateKey"` // orchestrator settlement key, hex
	RequiredConfirmations uint64        `yaml:"requiredConfirmations"`
	RPCTimeout            time.Duration `yaml:"rpcTimeout"`
	ScanInterval          time.Duration `yaml:"scanInterval"`
	ScanChunk             uint64        `yaml:"scanChunk"`
	PlatformFeeBps        int           `yaml:"platformFeeBps"`
}

// Billing configures the billing ticker.
type Billing struct {
	Interval    time.Duration `yaml:"interval"`
	GraceCycles int           `yaml:"graceCycles"` // failed cycles before StopVm out-of-funds
}

// Settlement configures the settlement ticker.
type Settlement struct {
	Interval  time.Duration `yaml:"interval"`
	MinAmount float64       `yaml:"minAmount"`
	Batch     bool          `yaml:"batch"` // gas-optimized batch path
}

// Scheduler holds placement weights and tier minimum benchmarks. Weights are
// applied to normalized per-node factors; tiers gate candidate nodes.
type Scheduler struct {
	WeightLatency    float64 `yaml:"weightLatency"`
	WeightLoad       float64 `yaml:"weightLoad"`
	WeightReputation float64 `yaml:"weightReputation"`
	WeightPrice      float64 `yaml:"weightPrice"`
	WeightPerf       float64 `yaml:"weightPerf"`

	BaselineBenchmark float64 `yaml:"baselineBenchmark"`
	MaxPerfMultiplier float64 `yaml:"maxPerfMultiplier"`

	TierMinBenchmark map[string]float64 `yaml:"tierMinBenchmark"`
	TierOvercommit   map[string]float64 `yaml:"tierOvercommit"`
}

// Relay configures relay VM selection and tunnel allocation.
type Relay struct {
	TunnelSubnetBase string `yaml:"tunnelSubnetBase"` // first /16 handed to relays, e.g. 10.20.0.0
	DefaultCapacity  int    `yaml:"defaultCapacity"`
}

// Proxy configures the reverse proxy layer.
type Proxy struct {
	UpstreamDialTimeout time.Duration `yaml:"upstreamDialTimeout"`
}

// Nodes configures fleet health tracking.
type Nodes struct {
	HeartbeatDeadline time.Duration `yaml:"heartbeatDeadline"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/decloud",
		Domain:  "vms.decloud.local",
		Log:     Log{Level: "info"},
		API:     API{ListenAddr: ":8080"},
		Chain: Chain{
			RequiredConfirmations: 20,
			RPCTimeout:            10 * time.Second,
			ScanInterval:          30 * time.Second,
			ScanChunk:             100,
			PlatformFeeBps:        1500,
		},
		Billing: Billing{
			Interval:    5 * time.Minute,
			GraceCycles: 3,
		},
		Settle: Settlement{
			Interval:  6 * time.Hour,
			MinAmount: 1.0,
			Batch:     true,
		},
		Sched: Scheduler{
			WeightLatency:     0.15,
			WeightLoad:        0.25,
			WeightReputation:  0.15,
			WeightPrice:       0.20,
			WeightPerf:        0.25,
			BaselineBenchmark: 2500,
			MaxPerfMultiplier: 3,
			TierMinBenchmark: map[string]float64{
				"guaranteed": 4000,
				"standard":   2500,
				"balanced":   1500,
				"burstable":  1000,
			},
			TierOvercommit: map[string]float64{
				"guaranteed": 1.0,
				"standard":   2.0,
				"balanced":   3.0,
				"burstable":  4.0,
			},
		},
		Relay: Relay{
			TunnelSubnetBase: "10.20.0.0",
			DefaultCapacity:  64,
		},
		Proxy: Proxy{
			UpstreamDialTimeout: 30 * time.Second,
		},
		Nodes: Nodes{
			HeartbeatDeadline: 90 * time.Second,
			SweepInterval:     15 * time.Second,
		},
	}
}

// Load reads the YAML file at path (if any) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints that should not live in files.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DECLOUD_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("DECLOUD_CONTRACT_ADDRESS"); v != "" {
		cfg.Chain.ContractAddress = v
	}
	if v := os.Getenv("DECLOUD_PRIVATE_KEY"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("DECLOUD_TOKEN_SECRET"); v != "" {
		cfg.API.TokenSecret = v
	}
	if v := os.Getenv("DECLOUD_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Chain.ChainID = id
		}
	}
	if v := os.Getenv("DECLOUD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.Chain.ScanChunk == 0 || c.Chain.ScanChunk > 100 {
		return fmt.Errorf("chain.scanChunk must be in (0, 100], got %d", c.Chain.ScanChunk)
	}
	if c.Chain.PlatformFeeBps < 0 || c.Chain.PlatformFeeBps > 10000 {
		return fmt.Errorf("chain.platformFeeBps must be in [0, 10000], got %d", c.Chain.PlatformFeeBps)
	}
	if c.Billing.Interval < time.Minute {
		return fmt.Errorf("billing.interval must be at least 1m, got %s", c.Billing.Interval)
	}
	return nil
}
