package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/delegation-control-plane/internal/capability"
	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/chain"
	"github.com/dataparency-dev/delegation-control-plane/internal/classification"
	"github.com/dataparency-dev/delegation-control-plane/internal/eventbus"
	"github.com/dataparency-dev/delegation-control-plane/internal/firebreak"
	"github.com/dataparency-dev/delegation-control-plane/internal/permission"
	"github.com/dataparency-dev/delegation-control-plane/internal/reputation"
	"github.com/dataparency-dev/delegation-control-plane/internal/scheduler"
	"github.com/dataparency-dev/delegation-control-plane/internal/security"
	"github.com/dataparency-dev/delegation-control-plane/internal/storage"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bus, err := eventbus.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	sched := scheduler.New()
	t.Cleanup(sched.Stop)

	contractStore := storage.NewContractStore(db)
	capStore := storage.NewCapabilityStore(db)
	repStore := storage.NewReputationStore(db)
	clsStore := storage.NewClassificationDecisionStore(db)

	capRegistry, err := capability.New(capStore)
	require.NoError(t, err)

	attenuator, err := permission.New()
	require.NoError(t, err)

	return New(Deps{
		Store:              contractStore,
		Audit:              storage.NewAuditStore(db),
		Bus:                bus,
		Scheduler:          sched,
		Capability:         capRegistry,
		Classify:           classification.New(clsStore),
		Security:           security.New(security.DefaultResourceCaps(), 24, 4),
		Reputation:         reputation.New(repStore),
		Firebreak:          firebreak.New(firebreak.DefaultThresholds()),
		Chain:              chain.New(contractStore),
		Attenuator:         attenuator,
		MaxDelegationDepth: 10,
		MaxChainDepth:      10,
	})
}

func baseRequest() types.DelegationRequest {
	return types.DelegationRequest{
		TaskID:               "task_1",
		DelegatorID:          "agent_delegator",
		PreferredDelegateeID: "agent_delegatee",
		RequiredCapabilities: []string{"code_review"},
		VerificationPolicy:   types.VerificationDirectInspection,
		TLPClassification:    types.TLPClear,
	}
}

func TestCreateContractAdmitsBenignRequest(t *testing.T) {
	m := newTestManager(t)
	c, err := m.CreateContract(baseRequest())
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, c.Status)
	require.Equal(t, 5, c.Priority, "zero priority defaults to 5")
}

func TestCreateContractRejectsMissingCapabilities(t *testing.T) {
	m := newTestManager(t)
	req := baseRequest()
	req.RequiredCapabilities = nil
	_, err := m.CreateContract(req)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindInvalidRequest))
}

func TestCreateContractBindsDelegateeViaCapabilityRegistry(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.caps.RegisterManifest(types.AgentCapabilityManifest{
		AgentID:      "agent_reviewer",
		Availability: types.AvailabilityAvailable,
		Capabilities: []types.Capability{
			{CapabilityID: "code_review", ConfidenceLevel: 0.9, TLPClearance: types.TLPGreen},
		},
	}))

	req := baseRequest()
	req.PreferredDelegateeID = ""
	c, err := m.CreateContract(req)
	require.NoError(t, err)
	require.Equal(t, "agent_reviewer", c.Delegatee.AgentID)
}

func TestCreateContractRejectsWhenNoAgentMatchesCapabilities(t *testing.T) {
	m := newTestManager(t)
	req := baseRequest()
	req.PreferredDelegateeID = ""
	_, err := m.CreateContract(req)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindNotFound))
}

func TestCreateContractBlocksInsufficientClearance(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.caps.RegisterManifest(types.AgentCapabilityManifest{
		AgentID: "agent_delegatee",
		Capabilities: []types.Capability{
			{CapabilityID: "code_review", ConfidenceLevel: 0.8, TLPClearance: types.TLPGreen},
		},
	}))

	req := baseRequest()
	req.TLPClassification = types.TLPRed
	_, err := m.CreateContract(req)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindClearanceInsufficient))
}

func TestCreateContractBlocksSecurityThreat(t *testing.T) {
	m := newTestManager(t)
	req := baseRequest()
	req.RequestedToken = &types.PermissionToken{
		Scopes:  []string{"system.admin", "system.root"},
		Actions: []string{"execute"},
	}
	_, err := m.CreateContract(req)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindSecurityThreat))

	rec, err := m.rep.Get(req.PreferredDelegateeID)
	require.NoError(t, err)
	require.Less(t, rec.Dimensions.Security, 0.5, "security-gate block must record a 0.0 security observation")
	require.Equal(t, 0, rec.TotalCompletions, "a security-gate block is not a terminal outcome")
}

func TestCreateContractBlocksFirebreak(t *testing.T) {
	m := newTestManager(t)
	req := baseRequest()
	req.EstimatedValue = 50_000
	_, err := m.CreateContract(req)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindFirebreakBlocked))
}

func TestCreateContractRejectsDepthAtMax(t *testing.T) {
	m := newTestManager(t)
	m.maxDelegationDepth = 0
	_, err := m.CreateContract(baseRequest())
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindMaxDepthExceeded))
}

func TestUpdateContractStatusEnforcesStateMachine(t *testing.T) {
	m := newTestManager(t)
	c, err := m.CreateContract(baseRequest())
	require.NoError(t, err)

	_, err = m.UpdateContractStatus(c.ContractID, types.StatusCompleted, UpdateStatusExtras{})
	require.Error(t, err, "pending cannot jump directly to completed")

	updated, err := m.UpdateContractStatus(c.ContractID, types.StatusActive, UpdateStatusExtras{})
	require.NoError(t, err)
	require.Equal(t, types.StatusActive, updated.Status)
	require.NotNil(t, updated.ActivatedAt)

	updated, err = m.UpdateContractStatus(c.ContractID, types.StatusCompleted, UpdateStatusExtras{})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)
}

func TestCancelContractIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	c, err := m.CreateContract(baseRequest())
	require.NoError(t, err)

	_, err = m.CancelContract(c.ContractID, "no longer needed")
	require.NoError(t, err)
	_, err = m.CancelContract(c.ContractID, "called again")
	require.NoError(t, err)

	got, err := m.GetContract(c.ContractID)
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, got.Status)
}

func TestGetStatisticsComputesSuccessRate(t *testing.T) {
	m := newTestManager(t)
	c1, err := m.CreateContract(baseRequest())
	require.NoError(t, err)
	_, err = m.UpdateContractStatus(c1.ContractID, types.StatusActive, UpdateStatusExtras{})
	require.NoError(t, err)
	_, err = m.UpdateContractStatus(c1.ContractID, types.StatusCompleted, UpdateStatusExtras{})
	require.NoError(t, err)

	req2 := baseRequest()
	req2.TaskID = "task_2"
	c2, err := m.CreateContract(req2)
	require.NoError(t, err)
	_, err = m.UpdateContractStatus(c2.ContractID, types.StatusActive, UpdateStatusExtras{})
	require.NoError(t, err)
	_, err = m.UpdateContractStatus(c2.ContractID, types.StatusFailed, UpdateStatusExtras{})
	require.NoError(t, err)

	stats, err := m.GetStatistics("agent_delegatee")
	require.NoError(t, err)
	require.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
}

func TestWouldLoopBlocksRepeatedDelegateeInChain(t *testing.T) {
	m := newTestManager(t)

	first := baseRequest()
	first.TaskID = "task_first"
	first.PreferredDelegateeID = "agent_b"
	c1, err := m.CreateContract(first)
	require.NoError(t, err)

	second := baseRequest()
	second.TaskID = "task_second"
	second.ParentContractID = &c1.ContractID
	second.PreferredDelegateeID = "agent_c"
	c2, err := m.CreateContract(second)
	require.NoError(t, err)

	third := baseRequest()
	third.TaskID = "task_third"
	third.ParentContractID = &c2.ContractID
	third.PreferredDelegateeID = "agent_b"
	_, err = m.CreateContract(third)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindLoopDetected))
}

func TestTimeoutScheduledOnActivation(t *testing.T) {
	m := newTestManager(t)
	req := baseRequest()
	req.TimeoutMS = 50
	c, err := m.CreateContract(req)
	require.NoError(t, err)

	_, err = m.UpdateContractStatus(c.ContractID, types.StatusActive, UpdateStatusExtras{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.GetContract(c.ContractID)
		return err == nil && got.Status == types.StatusTimeout
	}, 2*time.Second, 20*time.Millisecond)
}
