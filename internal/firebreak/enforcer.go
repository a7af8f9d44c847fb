// Package firebreak implements the liability-firebreak enforcer (spec
// §4.8): an admission gate independent of the security validator, plus an
// authority-override and emergency-escalation workflow.
//
// Grounded on the teacher repo's AdaptiveTrigger/RaiseTrigger machinery in
// engine.go, which escalates a running task to a higher-authority
// reviewer when a threshold condition fires. This package generalizes
// that single-trigger escalation into the fixed trigger table spec.md
// §4.8 defines, evaluated once per admission rather than via a
// pub/sub trigger channel.
package firebreak

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
)

// Authority is an ordered rank of who may approve a delegation.
type Authority string

const (
	AuthorityAgent      Authority = "agent"
	AuthoritySupervisor Authority = "supervisor"
	AuthorityManager    Authority = "manager"
	AuthorityExecutive  Authority = "executive"
	AuthorityEmergency  Authority = "emergency"
)

var authorityRank = map[Authority]int{
	AuthorityAgent: 0, AuthoritySupervisor: 1, AuthorityManager: 2, AuthorityExecutive: 3, AuthorityEmergency: 4,
}

// Dominates reports whether a is at least as high-ranked as required.
func (a Authority) Dominates(required Authority) bool {
	return authorityRank[a] >= authorityRank[required]
}

// LiabilityLevel is how much accountability the delegator retains.
type LiabilityLevel string

const (
	LiabilityNone      LiabilityLevel = "none"
	LiabilityLimited   LiabilityLevel = "limited"
	LiabilityShared    LiabilityLevel = "shared"
	LiabilityFull      LiabilityLevel = "full"
	LiabilityUnchanged LiabilityLevel = "unchanged"
)

// Thresholds configures the depth bands in spec §4.8's trigger table.
type Thresholds struct {
	SupervisorThreshold int
	ManagerThreshold    int
	ExecutiveThreshold   int
	EmergencyThreshold  int
	HighValueLimit      float64
	ExternalDelegationFlagEnabled bool
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SupervisorThreshold: 3,
		ManagerThreshold:    5,
		ExecutiveThreshold:  7,
		EmergencyThreshold:  10,
		HighValueLimit:      10_000,
		ExternalDelegationFlagEnabled: true,
	}
}

// Context is the evaluation input (spec §4.8).
type Context struct {
	DelegationDepth        int
	EstimatedValue         float64
	InvolvesCriticalSystems bool
	IsExternalDelegation   bool
	ChainAgents            []string
}

// Result carries the full evaluation trace, not just a pass/fail.
type Result struct {
	FirebreaksPassed          bool
	BlockingFirebreaks        []string
	LiabilityLevel            LiabilityLevel
	ChainLength               int
	ManualOverrideAvailable   bool
	RequiredAuthority         Authority
	ValidationTimestamp       time.Time
}

// Enforcer evaluates the fixed trigger table and tracks pending overrides.
type Enforcer struct {
	thresholds Thresholds

	overrides map[string]Override
}

func New(thresholds Thresholds) *Enforcer {
	return &Enforcer{thresholds: thresholds, overrides: make(map[string]Override)}
}

// Evaluate runs spec §4.8's trigger table in priority order, the first
// matching row determining required authority and liability level.
func (e *Enforcer) Evaluate(ctx Context) Result {
	t := e.thresholds
	required := AuthorityAgent
	liability := LiabilityLimited
	var blocking []string

	switch {
	case ctx.DelegationDepth > t.ExecutiveThreshold:
		required = AuthorityEmergency
		liability = LiabilityUnchanged
		blocking = append(blocking, fmt.Sprintf("delegation_depth %d exceeds executive_threshold %d", ctx.DelegationDepth, t.ExecutiveThreshold))
	case ctx.EstimatedValue > t.HighValueLimit:
		required = AuthorityManager
		liability = LiabilityFull
		blocking = append(blocking, fmt.Sprintf("estimated_value %.2f exceeds high_value_limit %.2f", ctx.EstimatedValue, t.HighValueLimit))
	case ctx.InvolvesCriticalSystems:
		required = AuthorityManager
		liability = LiabilityFull
		blocking = append(blocking, "involves_critical_systems")
	case ctx.IsExternalDelegation && t.ExternalDelegationFlagEnabled:
		required = AuthorityExecutive
		liability = LiabilityFull
		blocking = append(blocking, "is_external_delegation with flag enabled")
	case ctx.DelegationDepth >= 4:
		required = AuthorityAgent
		liability = LiabilityShared
	case ctx.DelegationDepth == 1 && ctx.EstimatedValue <= 100:
		required = AuthorityAgent
		liability = LiabilityNone
	case ctx.DelegationDepth >= 1 && ctx.DelegationDepth <= 3:
		required = AuthorityAgent
		liability = LiabilityLimited
	}

	return Result{
		FirebreaksPassed:        len(blocking) == 0,
		BlockingFirebreaks:      blocking,
		LiabilityLevel:          liability,
		ChainLength:             len(ctx.ChainAgents),
		ManualOverrideAvailable: true,
		RequiredAuthority:       required,
		ValidationTimestamp:     time.Now(),
	}
}

// Override is a pending grant of elevated authority for a specific
// delegation (spec §4.8's Override API).
type Override struct {
	OverrideID      string
	RequestingAgent string
	TargetAgent     string
	AuthorityLevel  Authority
	Reason          string
	Justification   string
	Context         Context
	ExpiresAt       time.Time
	GrantedAt       time.Time
}

// OverrideRequest is what a caller submits to RequestOverride.
type OverrideRequest struct {
	RequestingAgent string
	TargetAgent     string
	AuthorityLevel  Authority
	Reason          string
	Justification   string
	Context         Context
	ExpiresAt       time.Time
}

// RequestOverride grants an override only if AuthorityLevel dominates the
// authority the context actually requires; otherwise it is rejected.
func (e *Enforcer) RequestOverride(req OverrideRequest) (Override, error) {
	required := e.Evaluate(req.Context).RequiredAuthority
	if !req.AuthorityLevel.Dominates(required) {
		return Override{}, cerrors.NewFirebreakBlocked(
			[]string{string(required)},
			fmt.Sprintf("Insufficient authority level. Required: %s", required))
	}

	o := Override{
		OverrideID:      "ovr_" + uuid.NewString(),
		RequestingAgent: req.RequestingAgent,
		TargetAgent:     req.TargetAgent,
		AuthorityLevel:  req.AuthorityLevel,
		Reason:          req.Reason,
		Justification:   req.Justification,
		Context:         req.Context,
		ExpiresAt:       req.ExpiresAt,
		GrantedAt:       time.Now(),
	}
	e.overrides[o.OverrideID] = o
	return o, nil
}

// EmergencyEscalation is the record produced by EscalateEmergency: human
// approval is always required, bypass_granted is never true.
type EmergencyEscalation struct {
	EscalationID    string
	Status          string
	EmergencyContact string
	Timestamp       time.Time
	BypassGranted   bool
}

// EscalateEmergency records an emergency escalation request. It never
// grants an implicit bypass (spec §4.8: "human approval required").
func (e *Enforcer) EscalateEmergency(emergencyContact string) EmergencyEscalation {
	return EmergencyEscalation{
		EscalationID:     "esc_" + uuid.NewString(),
		Status:           "escalated",
		EmergencyContact: emergencyContact,
		Timestamp:        time.Now(),
		BypassGranted:    false,
	}
}

// PendingOverrides returns every override currently stored.
func (e *Enforcer) PendingOverrides() []Override {
	out := make([]Override, 0, len(e.overrides))
	for _, o := range e.overrides {
		out = append(out, o)
	}
	return out
}
