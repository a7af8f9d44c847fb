// Package classification implements the TLP classification gate
// (spec §4.5): the first admission gate in the contract manager's pipeline.
//
// Grounded on the teacher repo's lack of a clearance model at all — the
// teacher trusts agent profiles implicitly — generalized here the way
// ODSapper's monitor packages append-only audit every admission decision:
// every allow or block is appended to a durable decision log via
// internal/storage.ClassificationDecisionStore, queryable with filters.
package classification

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/storage"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

// Enforcer gates contract admission on TLP dominance between the
// delegatee's declared clearance and the contract's classification.
type Enforcer struct {
	decisions *storage.ClassificationDecisionStore
}

func New(decisions *storage.ClassificationDecisionStore) *Enforcer {
	return &Enforcer{decisions: decisions}
}

// Evaluate checks whether delegateeClearance dominates required, appends
// the decision to the audit log regardless of outcome, and returns a
// typed ClearanceInsufficient error on block.
func (e *Enforcer) Evaluate(agentID string, delegateeClearance *types.TLP, required types.TLP, contractID string) error {
	decision := "allow"
	reason := ""
	var clearanceStr string

	switch {
	case delegateeClearance == nil:
		if required != types.TLPClear {
			decision = "block"
			reason = "agent has no registered clearance"
		}
		clearanceStr = "none"
	case !delegateeClearance.Dominates(required):
		decision = "block"
		reason = fmt.Sprintf("clearance %s does not dominate required %s", *delegateeClearance, required)
		clearanceStr = string(*delegateeClearance)
	default:
		clearanceStr = string(*delegateeClearance)
	}

	appendErr := e.decisions.Append(storage.ClassificationDecision{
		DecisionID: "cls_" + uuid.NewString(),
		AgentID:    agentID,
		TLPLevel:   string(required),
		Decision:   decision,
		Reason:     reason,
		ContractID: contractID,
		Timestamp:  time.Now().Format(time.RFC3339Nano),
	})
	if appendErr != nil {
		return appendErr
	}

	if decision == "block" {
		return cerrors.NewClearanceInsufficient(clearanceStr, string(required))
	}
	return nil
}

// Query proxies filtered decision-log reads to the store.
func (e *Enforcer) Query(f storage.ClassificationFilter) ([]storage.ClassificationDecision, error) {
	return e.decisions.Query(f)
}
