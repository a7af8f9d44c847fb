// Package config loads the tagged configuration struct for every component
// of the delegation control plane. Unlike the dynamic config blobs the
// source framework used, every field is named and typed; unknown keys in a
// supplied file are rejected at load (spec §9 re-architecture note).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config aggregates every component's tunables in one tagged struct.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`

	Contract       ContractConfig       `yaml:"contract"`
	Chain          ChainConfig          `yaml:"chain"`
	Security       SecurityConfig       `yaml:"security"`
	Firebreak      FirebreakConfig      `yaml:"firebreak"`
	Reputation     ReputationConfig     `yaml:"reputation"`
	Capability     CapabilityConfig     `yaml:"capability"`
	MCPHealth      MCPHealthConfig      `yaml:"mcp_health"`
}

type ContractConfig struct {
	MaxDelegationDepth int `yaml:"max_delegation_depth"`
}

type ChainConfig struct {
	MaxChainDepth int `yaml:"max_chain_depth"`
}

type SecurityConfig struct {
	MaxChainDepth              int     `yaml:"max_chain_depth"`
	ReputationGamingWindowHours int    `yaml:"reputation_gaming_window_hours"`
	ReputationGamingPairThreshold int  `yaml:"reputation_gaming_pair_threshold"`
	MaxMemoryMB                int     `yaml:"max_memory_mb"`
	MaxCPUCores                float64 `yaml:"max_cpu_cores"`
	MaxDiskMB                  int     `yaml:"max_disk_mb"`
	MaxContractsPerHour        int     `yaml:"max_contracts_per_hour"`
	AnomalyBaselineWindow      int     `yaml:"anomaly_baseline_window"`
	AnomalyMultiplier          float64 `yaml:"anomaly_multiplier"`
}

type FirebreakConfig struct {
	SupervisorThreshold int     `yaml:"supervisor_threshold"`
	ManagerThreshold    int     `yaml:"manager_threshold"`
	ExecutiveThreshold  int     `yaml:"executive_threshold"`
	EmergencyThreshold  int     `yaml:"emergency_threshold"`
	HighValueLimit      float64 `yaml:"high_value_limit"`
	ExternalDelegationRequiresExecutive bool `yaml:"external_delegation_requires_executive"`
}

type ReputationConfig struct {
	TargetCompletionMS int64 `yaml:"target_completion_ms"`
}

type CapabilityConfig struct {
	MinimumKeywordMatches int      `yaml:"minimum_keyword_matches"`
	MandatoryCapabilities []string `yaml:"mandatory_capabilities"`
	CompletionsForProven  int      `yaml:"completions_for_proven"`
	FuzzyMatching         bool     `yaml:"fuzzy_matching"`
}

type MCPHealthConfig struct {
	DiscoveryPaths      []string `yaml:"discovery_paths"`
	HealthCheckInterval int      `yaml:"health_check_interval_seconds"`
	ProbeTimeoutSeconds int      `yaml:"probe_timeout_seconds"`
}

// Default returns the out-of-the-box configuration, matching the defaults
// named throughout spec §4.
func Default() Config {
	return Config{
		DataDir:  "./data",
		LogLevel: "info",
		Contract: ContractConfig{MaxDelegationDepth: 5},
		Chain:    ChainConfig{MaxChainDepth: 5},
		Security: SecurityConfig{
			MaxChainDepth:                 5,
			ReputationGamingWindowHours:   24,
			ReputationGamingPairThreshold: 4,
			MaxMemoryMB:                   8192,
			MaxCPUCores:                   8,
			MaxDiskMB:                     100000,
			MaxContractsPerHour:           60,
			AnomalyBaselineWindow:         20,
			AnomalyMultiplier:             10,
		},
		Firebreak: FirebreakConfig{
			SupervisorThreshold: 3,
			ManagerThreshold:    5,
			ExecutiveThreshold:  7,
			EmergencyThreshold:  10,
			HighValueLimit:      50000,
			ExternalDelegationRequiresExecutive: true,
		},
		Reputation: ReputationConfig{TargetCompletionMS: 60000},
		Capability: CapabilityConfig{
			MinimumKeywordMatches: 2,
			MandatoryCapabilities: []string{"pattern_enforcement"},
			CompletionsForProven:  10,
			FuzzyMatching:         true,
		},
		MCPHealth: MCPHealthConfig{
			DiscoveryPaths:      []string{"./mcp.config.yaml", "./.mcp.yaml"},
			HealthCheckInterval: 60,
			ProbeTimeoutSeconds: 5,
		},
	}
}

// Load reads and strictly decodes a YAML config file over the defaults.
// Unknown keys cause a load error (yaml.v3's KnownFields(true) behavior).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}
