// Package security implements the security-threat validator (spec §4.6):
// four independent detectors run on every admission request, the worst
// severity finding wins.
//
// Grounded on the teacher repo's security.go: ThreatType taxonomy,
// CircuitBreaker state machine, and ScreenTask heuristic red-flagging are
// all carried forward, generalized into the spec's four named detectors.
// The teacher's hand-rolled CircuitBreaker is replaced by sony/gobreaker,
// one instance per unordered delegator/delegatee pair, used by the
// reputation-gaming detector to flag mutual back-and-forth delegation
// loops the way the teacher's breaker flagged repeated agent failures.
package security

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dataparency-dev/delegation-control-plane/internal/metrics"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

// ThreatType categorizes what a detector found.
type ThreatType string

const (
	ThreatPermissionEscalation ThreatType = "permission_escalation"
	ThreatReputationGaming     ThreatType = "reputation_gaming"
	ThreatAbusePattern         ThreatType = "abuse_pattern"
	ThreatAnomaly              ThreatType = "anomaly"
)

// Severity is ranked low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2, SeverityCritical: 3}

// Action is what the validator recommends the contract manager do.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionAllowWarn Action = "allow_warn"
	ActionBlock     Action = "block"
)

// Finding is one detector's result. A nil Finding means that detector saw
// nothing worth reporting.
type Finding struct {
	ThreatType ThreatType
	Severity   Severity
	Reason     string
	Evidence   string
}

// Verdict is the validator's overall decision for one admission request:
// the worst finding across all four detectors, plus the mapped action.
type Verdict struct {
	Findings []Finding
	Worst    *Finding
	Action   Action
}

// Request is the evaluation context a contract-creation attempt supplies.
type Request struct {
	DelegatorID        string
	DelegateeID        string
	Scopes             []string
	Actions            []string
	DeclaredDepth       int
	MaxChainDepth       int
	ParentTLP          types.TLP
	ChildTLP           types.TLP
	TLPEscalationJustified bool
	ResourceRequirements *types.ResourceRequirements
	ContractsLastHour   int
	MaxContractsPerHour int
	EstimatedDurationMS int64
	DelegatorBaselineTLPRank    float64
	DelegatorBaselineDurationMS float64
	DelegateeSuccessRate      float64
	DelegateeTotalCompletions int
}

// ResourceCaps bounds the abuse-pattern detector. Zero means unbounded.
type ResourceCaps struct {
	MaxMemoryMB int
	MaxCPUCores float64
	MaxDiskMB   int
}

func DefaultResourceCaps() ResourceCaps {
	return ResourceCaps{MaxMemoryMB: 8192, MaxCPUCores: 8, MaxDiskMB: 100_000}
}

var escalationKeywords = []string{"admin", "root", "execute", "delete", "manage", "modify_system"}

// Validator runs the four detectors and tracks per-pair delegation
// frequency for the reputation-gaming detector.
type Validator struct {
	caps ResourceCaps

	mu          sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker
	pairWindow  map[string][]time.Time
	windowSpan  time.Duration
	pairThreshold int

	stats Stats
}

// Stats accumulates the validator's running totals (spec §4.6).
type Stats struct {
	TotalValidations  int
	ThreatsDetected   int
	ThreatTypeCounts  map[ThreatType]int
	SeverityCounts    map[Severity]int
	ActionCounts      map[Action]int
	RecentThreats     []Finding // ring buffer, most recent last
}

const recentThreatsCapacity = 50

// New builds a Validator. windowHours and pairThreshold configure the
// reputation-gaming detector's sliding window (spec §4.6 detector 2); a
// zero windowHours falls back to 24h and a zero pairThreshold falls back
// to 4, matching config.Default()'s values.
func New(caps ResourceCaps, windowHours int, pairThreshold int) *Validator {
	if windowHours <= 0 {
		windowHours = 24
	}
	if pairThreshold <= 0 {
		pairThreshold = 4
	}
	return &Validator{
		caps:          caps,
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		pairWindow:    make(map[string][]time.Time),
		windowSpan:    time.Duration(windowHours) * time.Hour,
		pairThreshold: pairThreshold,
		stats: Stats{
			ThreatTypeCounts: make(map[ThreatType]int),
			SeverityCounts:   make(map[Severity]int),
			ActionCounts:     make(map[Action]int),
		},
	}
}

// Evaluate runs all four detectors against req and returns the combined
// verdict (spec §4.6: "all run; the worst-severity finding wins").
func (v *Validator) Evaluate(req Request) Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stats.TotalValidations++

	var findings []Finding
	if f := detectPermissionEscalation(req); f != nil {
		findings = append(findings, *f)
	}
	if f := v.detectReputationGaming(req); f != nil {
		findings = append(findings, *f)
	}
	if f := detectAbusePattern(req, v.caps); f != nil {
		findings = append(findings, *f)
	}
	if f := detectAnomaly(req); f != nil {
		findings = append(findings, *f)
	}

	var worst *Finding
	for i := range findings {
		if worst == nil || severityRank[findings[i].Severity] > severityRank[worst.Severity] {
			worst = &findings[i]
		}
	}

	action := ActionAllow
	if worst != nil {
		action = actionFor(worst.Severity)
		v.stats.ThreatsDetected++
		v.stats.ThreatTypeCounts[worst.ThreatType]++
		v.stats.SeverityCounts[worst.Severity]++
		v.stats.RecentThreats = append(v.stats.RecentThreats, *worst)
		if len(v.stats.RecentThreats) > recentThreatsCapacity {
			v.stats.RecentThreats = v.stats.RecentThreats[len(v.stats.RecentThreats)-recentThreatsCapacity:]
		}
		metrics.SecurityThreatsDetectedTotal.WithLabelValues(string(worst.ThreatType), string(worst.Severity)).Inc()
	}
	v.stats.ActionCounts[action]++

	return Verdict{Findings: findings, Worst: worst, Action: action}
}

func actionFor(s Severity) Action {
	switch s {
	case SeverityHigh, SeverityCritical:
		return ActionBlock
	default:
		return ActionAllowWarn
	}
}

// detectPermissionEscalation implements spec §4.6 detector 1.
func detectPermissionEscalation(req Request) *Finding {
	var fired int
	var reasons []string

	for _, s := range append(append([]string{}, req.Scopes...), req.Actions...) {
		for _, kw := range escalationKeywords {
			if containsFold(s, kw) {
				fired++
				reasons = append(reasons, "privileged term \""+kw+"\" in \""+s+"\"")
				break
			}
		}
	}
	if len(req.Actions) > 5 {
		fired++
		reasons = append(reasons, fmt.Sprintf("action count %d exceeds 5", len(req.Actions)))
	}
	if req.MaxChainDepth > 0 && req.DeclaredDepth > req.MaxChainDepth {
		fired++
		reasons = append(reasons, fmt.Sprintf("declared depth %d exceeds max_chain_depth %d", req.DeclaredDepth, req.MaxChainDepth))
	}
	if tlpEscalated(req.ParentTLP, req.ChildTLP) && !req.TLPEscalationJustified {
		fired++
		reasons = append(reasons, "TLP escalation without justification")
	}

	if fired == 0 {
		return nil
	}
	sev := SeverityLow
	switch {
	case fired >= 3:
		sev = SeverityCritical
	case fired == 2:
		sev = SeverityMedium
	}
	return &Finding{
		ThreatType: ThreatPermissionEscalation,
		Severity:   sev,
		Reason:     fmt.Sprintf("%d escalation sub-conditions fired", fired),
		Evidence:   joinReasons(reasons),
	}
}

func tlpEscalated(parent, child types.TLP) bool {
	rank := map[types.TLP]int{types.TLPClear: 0, types.TLPGreen: 1, types.TLPAmber: 2, types.TLPRed: 3}
	return rank[child] > rank[parent]
}

// detectReputationGaming implements spec §4.6 detector 2, tracking
// mutual A<->B delegation counts in a sliding window via a per-pair
// gobreaker circuit breaker that trips once the pair exceeds threshold.
func (v *Validator) detectReputationGaming(req Request) *Finding {
	key := pairKey(req.DelegatorID, req.DelegateeID)
	now := time.Now()

	window := v.pairWindow[key]
	cutoff := now.Add(-v.windowSpan)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	v.pairWindow[key] = kept

	cb := v.breakerFor(key)
	if len(kept) > v.pairThreshold {
		_, _ = cb.Execute(func() (any, error) {
			return nil, fmt.Errorf("pair %s exceeded %d delegations in %s", key, v.pairThreshold, v.windowSpan)
		})
		return &Finding{
			ThreatType: ThreatReputationGaming,
			Severity:   SeverityMedium,
			Reason:     fmt.Sprintf("mutual delegation pair exceeded %d in %s", v.pairThreshold, v.windowSpan),
			Evidence:   fmt.Sprintf("%d delegations observed for %s", len(kept), key),
		}
	}
	if FlagsPerfectNewcomer(req.DelegateeSuccessRate, req.DelegateeTotalCompletions) {
		return &Finding{
			ThreatType: ThreatReputationGaming,
			Severity:   SeverityLow,
			Reason:     "delegatee has a perfect record with too little history to trust",
			Evidence:   fmt.Sprintf("success_rate %.2f over %d completions", req.DelegateeSuccessRate, req.DelegateeTotalCompletions),
		}
	}
	return nil
}

func (v *Validator) breakerFor(key string) *gobreaker.CircuitBreaker {
	if cb, ok := v.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reputation-gaming-" + key,
		MaxRequests: 1,
		Interval:    24 * time.Hour,
		Timeout:     30 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
	v.breakers[key] = cb
	return cb
}

// FlagsPerfectNewcomer reports the second reputation-gaming sub-condition:
// a suspiciously perfect record with too little history to trust.
func FlagsPerfectNewcomer(successRate float64, totalCompletions int) bool {
	return successRate == 1.0 && totalCompletions < 10
}

func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// detectAbusePattern implements spec §4.6 detector 3.
func detectAbusePattern(req Request, caps ResourceCaps) *Finding {
	var reasons []string
	if req.ResourceRequirements != nil {
		rr := req.ResourceRequirements
		if caps.MaxMemoryMB > 0 && rr.MemoryMB > caps.MaxMemoryMB {
			reasons = append(reasons, fmt.Sprintf("memory_mb %d exceeds cap %d", rr.MemoryMB, caps.MaxMemoryMB))
		}
		if caps.MaxCPUCores > 0 && rr.CPUCores > caps.MaxCPUCores {
			reasons = append(reasons, fmt.Sprintf("cpu_cores %.1f exceeds cap %.1f", rr.CPUCores, caps.MaxCPUCores))
		}
		if caps.MaxDiskMB > 0 && rr.DiskMB > caps.MaxDiskMB {
			reasons = append(reasons, fmt.Sprintf("disk_mb %d exceeds cap %d", rr.DiskMB, caps.MaxDiskMB))
		}
	}
	if req.MaxContractsPerHour > 0 && req.ContractsLastHour > req.MaxContractsPerHour {
		reasons = append(reasons, fmt.Sprintf("contract rate %d/hr exceeds max %d/hr", req.ContractsLastHour, req.MaxContractsPerHour))
	}
	if len(reasons) == 0 {
		return nil
	}
	return &Finding{
		ThreatType: ThreatAbusePattern,
		Severity:   SeverityHigh,
		Reason:     "resource or rate cap exceeded",
		Evidence:   joinReasons(reasons),
	}
}

// detectAnomaly implements spec §4.6 detector 4: a per-delegator baseline
// over recent contracts, flagging requests more than 10x the baseline.
func detectAnomaly(req Request) *Finding {
	rank := map[types.TLP]float64{types.TLPClear: 0, types.TLPGreen: 1, types.TLPAmber: 2, types.TLPRed: 3}
	childRank := rank[req.ChildTLP]

	if req.DelegatorBaselineTLPRank > 0 && childRank > 10*req.DelegatorBaselineTLPRank {
		return &Finding{
			ThreatType: ThreatAnomaly,
			Severity:   SeverityMedium,
			Reason:     "TLP level far exceeds delegator baseline",
			Evidence:   fmt.Sprintf("requested rank %.0f vs baseline %.2f", childRank, req.DelegatorBaselineTLPRank),
		}
	}
	if req.DelegatorBaselineDurationMS > 0 && float64(req.EstimatedDurationMS) > 10*req.DelegatorBaselineDurationMS {
		return &Finding{
			ThreatType: ThreatAnomaly,
			Severity:   SeverityMedium,
			Reason:     "estimated duration far exceeds delegator baseline",
			Evidence:   fmt.Sprintf("estimated %dms vs baseline %.0fms", req.EstimatedDurationMS, req.DelegatorBaselineDurationMS),
		}
	}
	return nil
}

// Stats returns a snapshot of the validator's running statistics.
func (v *Validator) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := v.stats
	cp.ThreatTypeCounts = copyCounts(v.stats.ThreatTypeCounts)
	cp.SeverityCounts = copySeverity(v.stats.SeverityCounts)
	cp.ActionCounts = copyAction(v.stats.ActionCounts)
	cp.RecentThreats = append([]Finding(nil), v.stats.RecentThreats...)
	return cp
}

func copyCounts(m map[ThreatType]int) map[ThreatType]int {
	out := make(map[ThreatType]int, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}

func copySeverity(m map[Severity]int) map[Severity]int {
	out := make(map[Severity]int, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}

func copyAction(m map[Action]int) map[Action]int {
	out := make(map[Action]int, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
