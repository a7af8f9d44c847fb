// Package types defines the shared data model of the delegation control
// plane: capability manifests, permission tokens, delegation contracts,
// reputation records, and audit events (spec §3). Components own their
// entities and mutate them only through the owning component's methods;
// this package holds shapes, not behavior.
package types

import "time"

// TLP is the traffic-light-protocol-style classification used both for
// agent clearance and contract/task sensitivity. Ordered least to most
// restrictive: CLEAR < GREEN < AMBER < RED.
type TLP string

const (
	TLPClear TLP = "CLEAR"
	TLPGreen TLP = "GREEN"
	TLPAmber TLP = "AMBER"
	TLPRed   TLP = "RED"
)

// tlpRank gives the TLP a total order; higher is more restrictive.
var tlpRank = map[TLP]int{
	TLPClear: 0,
	TLPGreen: 1,
	TLPAmber: 2,
	TLPRed:   3,
}

// Dominates reports whether t is at least as high a clearance as required,
// i.e. t's rank is >= required's rank. An unrecognized TLP never
// dominates anything.
func (t TLP) Dominates(required TLP) bool {
	tr, ok := tlpRank[t]
	if !ok {
		return false
	}
	rr, ok := tlpRank[required]
	if !ok {
		return false
	}
	return tr >= rr
}

// Valid reports whether t is one of the four recognized levels.
func (t TLP) Valid() bool {
	_, ok := tlpRank[t]
	return ok
}

// Availability is an agent's current readiness to accept work.
type Availability string

const (
	AvailabilityAvailable   Availability = "available"
	AvailabilityBusy        Availability = "busy"
	AvailabilityOffline     Availability = "offline"
	AvailabilityMaintenance Availability = "maintenance"
)

// ResourceRequirements describes what a capability or task needs to run.
type ResourceRequirements struct {
	MemoryMB     int      `json:"memory_mb"`
	CPUCores     float64  `json:"cpu_cores"`
	NetworkMbps  float64  `json:"network_mbps"`
	DiskMB       int      `json:"disk_mb"`
	EnvVars      []string `json:"env_vars,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Capability is a single declared skill of an agent.
type Capability struct {
	CapabilityID              string                `json:"capability_id"`
	Name                      string                `json:"name"`
	Description               string                `json:"description"`
	ConfidenceLevel           float64               `json:"confidence_level"`
	CompletionTimeEstimateMS  int64                 `json:"completion_time_estimate_ms"`
	SuccessRate               *float64              `json:"success_rate,omitempty"`
	SuccessfulCompletions     int                   `json:"successful_completions"`
	ResourceRequirements      *ResourceRequirements `json:"resource_requirements,omitempty"`
	SupportedPatterns         []string              `json:"supported_patterns,omitempty"`
	Limitations               []string              `json:"limitations,omitempty"`
	TLPClearance              TLP                   `json:"tlp_clearance"`
	Tags                      []string              `json:"tags,omitempty"`
	LastUpdated               time.Time             `json:"last_updated"`
}

// AgentCapabilityManifest is what an agent claims to do (spec §3, §4.1).
type AgentCapabilityManifest struct {
	AgentID             string       `json:"agent_id"`
	AgentName           string       `json:"agent_name"`
	Version             string       `json:"version"`
	Capabilities        []Capability `json:"capabilities"`
	OverallConfidence   float64      `json:"overall_confidence"`
	Availability        Availability `json:"availability"`
	CurrentWorkload     int          `json:"current_workload"`
	MaxConcurrentTasks  int          `json:"max_concurrent_tasks"`
	Specializations     []string     `json:"specializations,omitempty"`
	PreferredTaskTypes  []string     `json:"preferred_task_types,omitempty"`
	AvoidedTaskTypes    []string     `json:"avoided_task_types,omitempty"`
	ReputationScore     float64      `json:"reputation_score"`
	TotalCompletions    int          `json:"total_completions"`
	AvgCompletionTimeMS int64        `json:"avg_completion_time_ms"`
}

// RecomputeOverallConfidence sets OverallConfidence to the arithmetic mean
// of ConfidenceLevel across all capabilities (spec §3: "derived").
func (m *AgentCapabilityManifest) RecomputeOverallConfidence() {
	if len(m.Capabilities) == 0 {
		m.OverallConfidence = 0
		return
	}
	var sum float64
	for _, c := range m.Capabilities {
		sum += c.ConfidenceLevel
	}
	m.OverallConfidence = sum / float64(len(m.Capabilities))
}

// MaxClearance returns the highest TLP level any declared capability grants.
// Used by the classification enforcer: an agent's effective clearance is
// the maximum over its capabilities, or "no clearance" if it has none.
func (m *AgentCapabilityManifest) MaxClearance() (TLP, bool) {
	best := -1
	var bestTLP TLP
	for _, c := range m.Capabilities {
		if r, ok := tlpRank[c.TLPClearance]; ok && r > best {
			best = r
			bestTLP = c.TLPClearance
		}
	}
	if best < 0 {
		return "", false
	}
	return bestTLP, true
}
