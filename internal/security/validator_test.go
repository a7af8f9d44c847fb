package security

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

func TestEvaluateAllowsBenignRequest(t *testing.T) {
	v := New(DefaultResourceCaps(), 24, 4)
	verdict := v.Evaluate(Request{
		DelegatorID: "agent_a", DelegateeID: "agent_b",
		Scopes: []string{"repo.read"}, Actions: []string{"read"},
	})
	require.Equal(t, ActionAllow, verdict.Action)
	require.Nil(t, verdict.Worst)
}

func TestDetectPermissionEscalationKeyword(t *testing.T) {
	v := New(DefaultResourceCaps(), 24, 4)
	verdict := v.Evaluate(Request{
		DelegatorID: "agent_a", DelegateeID: "agent_b",
		Scopes: []string{"system.admin"}, Actions: []string{"execute"},
	})
	require.NotNil(t, verdict.Worst)
	require.Equal(t, ThreatPermissionEscalation, verdict.Worst.ThreatType)
}

func TestDetectPermissionEscalationDepthExceeded(t *testing.T) {
	v := New(DefaultResourceCaps(), 24, 4)
	verdict := v.Evaluate(Request{
		DelegatorID: "agent_a", DelegateeID: "agent_b",
		DeclaredDepth: 8, MaxChainDepth: 5,
	})
	require.NotNil(t, verdict.Worst)
	require.Equal(t, ThreatPermissionEscalation, verdict.Worst.ThreatType)
}

func TestDetectPermissionEscalationTLPWithoutJustification(t *testing.T) {
	v := New(DefaultResourceCaps(), 24, 4)
	verdict := v.Evaluate(Request{
		DelegatorID: "agent_a", DelegateeID: "agent_b",
		ParentTLP: types.TLPClear, ChildTLP: types.TLPRed,
	})
	require.NotNil(t, verdict.Worst)
}

func TestDetectReputationGamingTripsAfterThreshold(t *testing.T) {
	v := New(DefaultResourceCaps(), 24, 2)
	var verdict Verdict
	for i := 0; i < 4; i++ {
		verdict = v.Evaluate(Request{DelegatorID: "agent_a", DelegateeID: "agent_b"})
	}
	require.NotNil(t, verdict.Worst)
	require.Equal(t, ThreatReputationGaming, verdict.Worst.ThreatType)
}

func TestDetectAbusePatternExceedsMemoryCap(t *testing.T) {
	v := New(ResourceCaps{MaxMemoryMB: 1024}, 24, 4)
	verdict := v.Evaluate(Request{
		DelegatorID: "agent_a", DelegateeID: "agent_b",
		ResourceRequirements: &types.ResourceRequirements{MemoryMB: 4096},
	})
	require.NotNil(t, verdict.Worst)
	require.Equal(t, ThreatAbusePattern, verdict.Worst.ThreatType)
	require.Equal(t, ActionBlock, verdict.Action)
}

func TestDetectAbusePatternExceedsContractRate(t *testing.T) {
	v := New(DefaultResourceCaps(), 24, 4)
	verdict := v.Evaluate(Request{
		DelegatorID: "agent_a", DelegateeID: "agent_b",
		ContractsLastHour: 100, MaxContractsPerHour: 60,
	})
	require.NotNil(t, verdict.Worst)
	require.Equal(t, ThreatAbusePattern, verdict.Worst.ThreatType)
}

func TestDetectAnomalyTLPFarExceedsBaseline(t *testing.T) {
	v := New(DefaultResourceCaps(), 24, 4)
	verdict := v.Evaluate(Request{
		DelegatorID: "agent_a", DelegateeID: "agent_b",
		ChildTLP: types.TLPRed, DelegatorBaselineTLPRank: 0.1,
	})
	require.NotNil(t, verdict.Worst)
	require.Equal(t, ThreatAnomaly, verdict.Worst.ThreatType)
}

func TestFlagsPerfectNewcomer(t *testing.T) {
	require.True(t, FlagsPerfectNewcomer(1.0, 3))
	require.False(t, FlagsPerfectNewcomer(1.0, 50))
	require.False(t, FlagsPerfectNewcomer(0.9, 3))
}

func TestDetectReputationGamingFlagsPerfectNewcomer(t *testing.T) {
	v := New(DefaultResourceCaps(), 24, 4)
	verdict := v.Evaluate(Request{
		DelegatorID: "agent_a", DelegateeID: "agent_b",
		DelegateeSuccessRate: 1.0, DelegateeTotalCompletions: 2,
	})
	require.NotNil(t, verdict.Worst)
	require.Equal(t, ThreatReputationGaming, verdict.Worst.ThreatType)
}

func TestStatsAccumulate(t *testing.T) {
	v := New(DefaultResourceCaps(), 24, 4)
	v.Evaluate(Request{DelegatorID: "agent_a", DelegateeID: "agent_b"})
	v.Evaluate(Request{DelegatorID: "agent_a", DelegateeID: "agent_b", Scopes: []string{"root"}})
	stats := v.Stats()
	require.Equal(t, 2, stats.TotalValidations)
	require.GreaterOrEqual(t, stats.ThreatsDetected, 1)
}
