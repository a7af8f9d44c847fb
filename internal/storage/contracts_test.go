package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

func newTestContractStore(t *testing.T) *ContractStore {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewContractStore(db)
}

func sampleContract(id string) *types.DelegationContract {
	return &types.DelegationContract{
		ContractID:           id,
		TaskID:                "task_1",
		Delegator:             types.AgentRef{AgentID: "agent_a"},
		Delegatee:             types.AgentRef{AgentID: "agent_b"},
		RequiredCapabilities:  []string{"code_review"},
		VerificationPolicy:    types.VerificationDirectInspection,
		Status:                types.StatusPending,
		CreatedAt:             time.Now(),
		Priority:              5,
		TLPClassification:     types.TLPClear,
	}
}

func TestContractCreateAndGetRoundTrip(t *testing.T) {
	s := newTestContractStore(t)
	c := sampleContract("con_1")
	require.NoError(t, s.Create(c))

	got, err := s.Get("con_1")
	require.NoError(t, err)
	require.Equal(t, "agent_a", got.Delegator.AgentID)
	require.Equal(t, types.StatusPending, got.Status)
}

func TestContractGetMissingReturnsNotFound(t *testing.T) {
	s := newTestContractStore(t)
	_, err := s.Get("con_missing")
	require.True(t, cerrors.Is(err, cerrors.KindNotFound))
}

func TestContractUpdateMissingReturnsNotFound(t *testing.T) {
	s := newTestContractStore(t)
	c := sampleContract("con_ghost")
	err := s.Update(c)
	require.True(t, cerrors.Is(err, cerrors.KindNotFound))
}

func TestContractUpdatePersistsStatusChange(t *testing.T) {
	s := newTestContractStore(t)
	c := sampleContract("con_2")
	require.NoError(t, s.Create(c))

	c.Status = types.StatusActive
	now := time.Now()
	c.ActivatedAt = &now
	require.NoError(t, s.Update(c))

	got, err := s.Get("con_2")
	require.NoError(t, err)
	require.Equal(t, types.StatusActive, got.Status)
	require.NotNil(t, got.ActivatedAt)
}

func TestContractQueryFiltersByStatusAndDelegatee(t *testing.T) {
	s := newTestContractStore(t)
	c1 := sampleContract("con_3")
	c2 := sampleContract("con_4")
	c2.Delegatee.AgentID = "agent_c"
	c2.Status = types.StatusActive
	require.NoError(t, s.Create(c1))
	require.NoError(t, s.Create(c2))

	results, err := s.Query(QueryFilter{DelegateeID: "agent_b"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "con_3", results[0].ContractID)

	results, err = s.Query(QueryFilter{Status: []types.ContractStatus{types.StatusActive}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "con_4", results[0].ContractID)
}

func TestContractQueryRespectsLimit(t *testing.T) {
	s := newTestContractStore(t)
	for i := 0; i < 3; i++ {
		id := "con_limit_" + string(rune('a'+i))
		require.NoError(t, s.Create(sampleContract(id)))
	}
	results, err := s.Query(QueryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
}
