package classification

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/storage"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

func newTestEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(storage.NewClassificationDecisionStore(db))
}

func TestEvaluateAllowsDominatingClearance(t *testing.T) {
	e := newTestEnforcer(t)
	clearance := types.TLPRed
	err := e.Evaluate("agent_a", &clearance, types.TLPAmber, "con_1")
	require.NoError(t, err)
}

func TestEvaluateBlocksInsufficientClearance(t *testing.T) {
	e := newTestEnforcer(t)
	clearance := types.TLPGreen
	err := e.Evaluate("agent_a", &clearance, types.TLPRed, "con_2")
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindClearanceInsufficient))
}

func TestEvaluateNoClearanceBlocksNonClear(t *testing.T) {
	e := newTestEnforcer(t)
	err := e.Evaluate("agent_a", nil, types.TLPGreen, "con_3")
	require.Error(t, err)
}

func TestEvaluateNoClearanceAllowsClear(t *testing.T) {
	e := newTestEnforcer(t)
	err := e.Evaluate("agent_a", nil, types.TLPClear, "con_4")
	require.NoError(t, err)
}

func TestEvaluateAlwaysAppendsDecision(t *testing.T) {
	e := newTestEnforcer(t)
	clearance := types.TLPGreen
	_ = e.Evaluate("agent_x", &clearance, types.TLPRed, "con_5")
	_ = e.Evaluate("agent_x", &clearance, types.TLPClear, "con_6")

	decisions, err := e.Query(storage.ClassificationFilter{AgentID: "agent_x"})
	require.NoError(t, err)
	require.Len(t, decisions, 2)
}
