// Package metrics exposes Prometheus instrumentation for the control
// plane. Ambient observability is carried regardless of the spec's
// Non-goals, which exclude features, not plumbing (SPEC_FULL.md §1).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ContractsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "control_plane_contracts_created_total",
		Help: "Delegation contracts successfully admitted and persisted.",
	})

	GateRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "control_plane_gate_rejections_total",
		Help: "Admission-gate rejections by gate name.",
	}, []string{"gate"})

	ContractStatusTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "control_plane_contract_status_transitions_total",
		Help: "Contract status transitions by resulting status.",
	}, []string{"status"})

	ReputationUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "control_plane_reputation_updates_total",
		Help: "Reputation EMA updates applied.",
	})

	MCPHealthCheckDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "control_plane_mcp_health_check_duration_seconds",
		Help:    "MCP server health probe duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport"})

	SecurityThreatsDetectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "control_plane_security_threats_detected_total",
		Help: "Security threats detected by type and severity.",
	}, []string{"threat_type", "severity"})
)

// Registry is the process-wide collector registry. This package's init()
// registers every collector declared above into it via MustRegister.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ContractsCreatedTotal,
		GateRejectionsTotal,
		ContractStatusTransitionsTotal,
		ReputationUpdatesTotal,
		MCPHealthCheckDuration,
		SecurityThreatsDetectedTotal,
	)
}
