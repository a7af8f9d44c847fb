// Package chain implements the delegation-chain tracker (spec §4.4):
// walking a contract's ancestry to its root and detecting loops and
// depth-bound violations before a child contract is ever persisted.
//
// Grounded on the teacher repo's re-delegation walk in engine.go
// (reDelegate follows a task's lineage to decide whether to re-bid or
// escalate); this package generalizes that ancestry walk into the
// arena+index pattern spec §9 calls for: contracts keyed by ID, chain
// walks taking a read-only borrow of the contract store rather than
// mutating shared state.
package chain

import (
	"fmt"

	"github.com/dataparency-dev/delegation-control-plane/internal/storage"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

// ContractReader is the read-only surface the tracker needs from the
// contract store; satisfied by *storage.ContractStore.
type ContractReader interface {
	Get(contractID string) (*types.DelegationContract, error)
}

var _ ContractReader = (*storage.ContractStore)(nil)

// Tracker walks delegation ancestry via a ContractReader borrow; it holds
// no mutable state of its own.
type Tracker struct {
	reader ContractReader
}

func New(reader ContractReader) *Tracker {
	return &Tracker{reader: reader}
}

// BuildChain walks parent_contract_id upward to the root, returning the
// ordered ancestry from root to contractID inclusive.
func (t *Tracker) BuildChain(contractID string) ([]*types.DelegationContract, error) {
	var chain []*types.DelegationContract
	cur := contractID
	seen := make(map[string]bool)
	for cur != "" {
		if seen[cur] {
			break // defensive: a cycle already persisted should not hang the walk
		}
		seen[cur] = true

		c, err := t.reader.Get(cur)
		if err != nil {
			return nil, err
		}
		chain = append([]*types.DelegationContract{c}, chain...)
		if c.ParentContractID == nil {
			break
		}
		cur = *c.ParentContractID
	}
	return chain, nil
}

// Analysis is the result of AnalyzeChain.
type Analysis struct {
	Depth              int
	ContractIDs        []string
	HasLoops           bool
	Loops              []string
	FirebreakContracts []string
	Valid              bool
	Errors             []string
}

// AnalyzeChain builds the chain rooted at contractID and validates it
// against loop-freedom and maxChainDepth (spec §4.4).
func (t *Tracker) AnalyzeChain(contractID string, maxChainDepth int) (Analysis, error) {
	chain, err := t.BuildChain(contractID)
	if err != nil {
		return Analysis{}, err
	}

	delegatees := make([]string, 0, len(chain))
	ids := make([]string, 0, len(chain))
	for _, c := range chain {
		delegatees = append(delegatees, c.Delegatee.AgentID)
		ids = append(ids, c.ContractID)
	}

	hasLoop, loop := detectLoop(delegatees)

	a := Analysis{
		Depth:       len(chain) - 1,
		ContractIDs: ids,
		HasLoops:    hasLoop,
		Loops:       loop,
		Valid:       true,
	}
	if hasLoop {
		a.Valid = false
		a.Errors = append(a.Errors, fmt.Sprintf("loop detected in delegation chain: %v", loop))
	}
	if a.Depth > maxChainDepth {
		a.Valid = false
		a.Errors = append(a.Errors, fmt.Sprintf("chain depth %d exceeds max chain depth %d", a.Depth, maxChainDepth))
	}
	return a, nil
}

// WouldLoop checks whether appending candidateDelegatee to the chain ended
// by parentContractID (or the empty chain, if parentContractID is "")
// would introduce a repeated agent ID. Used by the contract manager before
// a child contract is ever persisted (spec §8 scenario 3).
func (t *Tracker) WouldLoop(parentContractID, candidateDelegatee string) (bool, []string, error) {
	var delegatees []string
	if parentContractID != "" {
		chain, err := t.BuildChain(parentContractID)
		if err != nil {
			return false, nil, err
		}
		for _, c := range chain {
			delegatees = append(delegatees, c.Delegatee.AgentID)
		}
	}
	delegatees = append(delegatees, candidateDelegatee)
	return detectLoop(delegatees)
}

// detectLoop reports whether any agent ID repeats in the sequence, and if
// so the repeating subsequence from its first occurrence onward.
func detectLoop(agentIDs []string) (bool, []string) {
	seen := make(map[string]int, len(agentIDs))
	for i, id := range agentIDs {
		if firstIdx, ok := seen[id]; ok {
			return true, append([]string(nil), agentIDs[firstIdx:]...)
		}
		seen[id] = i
	}
	return false, nil
}
