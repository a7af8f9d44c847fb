// Package contract implements the contract manager (spec §4.3): the
// orchestrator that runs every admission gate in order, persists admitted
// contracts, and enforces the delegation lifecycle state machine.
//
// Grounded on the teacher repo's engine.go CreateTask/PublishTaskForBidding/
// AcceptBid pipeline, which is the closest analog to an admission flow in
// the source material; generalized here into the fixed, short-circuiting
// gate order (Classification -> Security -> Reputation -> Firebreak) spec
// §4.3 requires, with persistence moved from the teacher's NATS KV
// storeData calls to internal/storage.ContractStore.
package contract

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataparency-dev/delegation-control-plane/internal/capability"
	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/chain"
	"github.com/dataparency-dev/delegation-control-plane/internal/classification"
	"github.com/dataparency-dev/delegation-control-plane/internal/eventbus"
	"github.com/dataparency-dev/delegation-control-plane/internal/firebreak"
	"github.com/dataparency-dev/delegation-control-plane/internal/metrics"
	"github.com/dataparency-dev/delegation-control-plane/internal/permission"
	"github.com/dataparency-dev/delegation-control-plane/internal/reputation"
	"github.com/dataparency-dev/delegation-control-plane/internal/scheduler"
	"github.com/dataparency-dev/delegation-control-plane/internal/security"
	"github.com/dataparency-dev/delegation-control-plane/internal/storage"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
	"github.com/dataparency-dev/delegation-control-plane/internal/validation"
)

// Manager owns delegation contracts end to end: admission, persistence,
// lifecycle transitions, and the scheduled timeout that follows
// activation.
type Manager struct {
	store     *storage.ContractStore
	audit     *storage.AuditStore
	bus       *eventbus.Bus
	sched     *scheduler.Scheduler
	caps      *capability.Registry
	classify  *classification.Enforcer
	secval    *security.Validator
	rep       *reputation.Engine
	fb        *firebreak.Enforcer
	chains    *chain.Tracker
	attenuate *permission.Attenuator

	maxDelegationDepth int
	maxChainDepth      int
}

// Deps bundles every collaborator the manager needs. All fields required.
type Deps struct {
	Store      *storage.ContractStore
	Audit      *storage.AuditStore
	Bus        *eventbus.Bus
	Scheduler  *scheduler.Scheduler
	Capability *capability.Registry
	Classify   *classification.Enforcer
	Security   *security.Validator
	Reputation *reputation.Engine
	Firebreak  *firebreak.Enforcer
	Chain      *chain.Tracker
	Attenuator *permission.Attenuator

	MaxDelegationDepth int
	MaxChainDepth      int
}

func New(d Deps) *Manager {
	return &Manager{
		store: d.Store, audit: d.Audit, bus: d.Bus, sched: d.Scheduler,
		caps: d.Capability, classify: d.Classify, secval: d.Security,
		rep: d.Reputation, fb: d.Firebreak, chains: d.Chain, attenuate: d.Attenuator,
		maxDelegationDepth: d.MaxDelegationDepth, maxChainDepth: d.MaxChainDepth,
	}
}

// CreateContract runs the request through every admission gate, in order,
// short-circuiting on the first rejection, and persists only if every gate
// allows (spec §4.3).
func (m *Manager) CreateContract(req types.DelegationRequest) (*types.DelegationContract, error) {
	if req.Priority == 0 {
		req.Priority = 5
	}
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	depth := 0
	var parentDepth int
	if req.ParentContractID != nil {
		parent, err := m.store.Get(*req.ParentContractID)
		if err != nil {
			return nil, err
		}
		parentDepth = parent.DelegationDepth
		depth = parentDepth + 1
	}
	if depth >= m.maxDelegationDepth {
		return nil, cerrors.NewMaxDepthExceeded(
			fmt.Sprintf("delegation depth %d would reach or exceed max_delegation_depth %d", depth, m.maxDelegationDepth))
	}

	parentContractID := ""
	if req.ParentContractID != nil {
		parentContractID = *req.ParentContractID
	}
	required := req.TLPClassification
	if required == "" {
		required = types.TLPClear
	}

	delegateeID := req.PreferredDelegateeID
	if delegateeID == "" {
		matches := m.caps.MatchAgents(capability.MatchQuery{
			RequiredCategories:   req.RequiredCapabilities,
			RequiredTLPClearance: required,
			OnlyAvailable:        true,
		})
		if len(matches) == 0 {
			return nil, cerrors.NewNotFound("capability registry has no available agent matching the required capabilities")
		}
		delegateeID = matches[0].AgentID
	}
	if hasLoop, loop, err := m.chains.WouldLoop(parentContractID, delegateeID); err != nil {
		return nil, err
	} else if hasLoop {
		metrics.GateRejectionsTotal.WithLabelValues("chain").Inc()
		return nil, cerrors.NewLoopDetected(loop, fmt.Sprintf("delegation loop detected: %v", loop))
	}

	delegateeManifest, manifestErr := m.caps.Get(delegateeID)
	var delegateeClearance *types.TLP
	if manifestErr == nil {
		if clr, ok := delegateeManifest.MaxClearance(); ok {
			delegateeClearance = &clr
		}
	}
	contractIDForAudit := "pending_" + uuid.NewString()
	if err := m.classify.Evaluate(delegateeID, delegateeClearance, required, contractIDForAudit); err != nil {
		metrics.GateRejectionsTotal.WithLabelValues("classification").Inc()
		return nil, err
	}

	delegateeRep, repErr := m.rep.Get(delegateeID)
	var successRate float64
	if repErr == nil {
		successRate = delegateeRep.Dimensions.Reliability
	}

	secVerdict := m.secval.Evaluate(security.Request{
		DelegatorID:   req.DelegatorID,
		DelegateeID:   delegateeID,
		Scopes:        scopesOf(req.RequestedToken),
		Actions:       actionsOf(req.RequestedToken),
		DeclaredDepth: depth,
		MaxChainDepth: m.maxChainDepth,
		ChildTLP:      required,
		ResourceRequirements: req.ResourceRequirements,
		EstimatedDurationMS:  req.TimeoutMS,
		DelegateeSuccessRate:      successRate,
		DelegateeTotalCompletions: delegateeRep.TotalCompletions,
	})
	if secVerdict.Action == security.ActionBlock {
		metrics.GateRejectionsTotal.WithLabelValues("security").Inc()
		reason := "security threat detected"
		if secVerdict.Worst != nil {
			reason = secVerdict.Worst.Reason
		}
		threatType, severity := "unknown", "high"
		if secVerdict.Worst != nil {
			threatType = string(secVerdict.Worst.ThreatType)
			severity = string(secVerdict.Worst.Severity)
		}
		_ = m.bus.Publish(eventbus.SubjectSecurityThreat, secVerdict)
		if _, err := m.rep.ApplySecurityViolation(delegateeID); err == nil {
			metrics.ReputationUpdatesTotal.Inc()
		}
		return nil, cerrors.NewSecurityThreat(threatType, severity, reason)
	}
	if secVerdict.Worst != nil {
		_ = m.bus.Publish(eventbus.SubjectSecurityThreat, secVerdict)
	}

	if req.ReputationRequirements != nil {
		rec, err := m.rep.Get(delegateeID)
		if err != nil {
			return nil, err
		}
		if ok, reason := reputation.Meets(rec, req.ReputationRequirements); !ok {
			metrics.GateRejectionsTotal.WithLabelValues("reputation").Inc()
			return nil, cerrors.NewReputationInsufficient(reason)
		}
	}

	fbResult := m.fb.Evaluate(firebreak.Context{
		DelegationDepth:         depth,
		EstimatedValue:          req.EstimatedValue,
		InvolvesCriticalSystems: req.InvolvesCriticalSystems,
		IsExternalDelegation:    req.IsExternalDelegation,
	})
	if !fbResult.FirebreaksPassed {
		metrics.GateRejectionsTotal.WithLabelValues("firebreak").Inc()
		return nil, cerrors.NewFirebreakBlocked(fbResult.BlockingFirebreaks,
			fmt.Sprintf("firebreak requires authority %s", fbResult.RequiredAuthority))
	}

	var token *types.PermissionToken
	if req.RequestedToken != nil {
		if req.ParentContractID != nil {
			parent, err := m.store.Get(*req.ParentContractID)
			if err != nil {
				return nil, err
			}
			if parent.PermissionToken != nil {
				child, err := m.attenuate.Attenuate(*parent.PermissionToken, permission.Request{
					Scopes: req.RequestedToken.Scopes, Actions: req.RequestedToken.Actions,
					Resources: req.RequestedToken.Resources, ExpiresAt: req.RequestedToken.ExpiresAt,
				})
				if err != nil {
					return nil, err
				}
				token = &child
			}
		}
		if token == nil {
			root := m.attenuate.Root(permission.Request{
				Scopes: req.RequestedToken.Scopes, Actions: req.RequestedToken.Actions,
				Resources: req.RequestedToken.Resources, ExpiresAt: req.RequestedToken.ExpiresAt,
			})
			token = &root
		}
	}

	now := time.Now()
	c := &types.DelegationContract{
		ContractID:           "con_" + uuid.NewString(),
		TaskID:               req.TaskID,
		TaskDescription:      req.TaskDescription,
		Delegator:            types.AgentRef{AgentID: req.DelegatorID, Name: req.DelegatorName},
		Delegatee:            types.AgentRef{AgentID: delegateeID},
		RequiredCapabilities: req.RequiredCapabilities,
		VerificationPolicy:   req.VerificationPolicy,
		SuccessCriteria:      req.SuccessCriteria,
		PermissionToken:      token,
		ResourceRequirements: req.ResourceRequirements,
		RetryPolicy:          req.RetryPolicy,
		Priority:             req.Priority,
		TimeoutMS:            req.TimeoutMS,
		TLPClassification:    required,
		ParentContractID:     req.ParentContractID,
		DelegationDepth:      depth,
		Firebreak:            req.Firebreak,
		ReputationRequirements: req.ReputationRequirements,
		Status:               types.StatusPending,
		CreatedAt:            now,
		Metadata:             req.Metadata,
	}

	if err := m.store.Create(c); err != nil {
		return nil, err
	}
	metrics.ContractsCreatedTotal.Inc()
	m.appendAudit("delegation_created", c, nil)
	_ = m.bus.Publish(eventbus.SubjectContractCreated, c)

	return c, nil
}

func scopesOf(t *types.PermissionToken) []string {
	if t == nil {
		return nil
	}
	return t.Scopes
}

func actionsOf(t *types.PermissionToken) []string {
	if t == nil {
		return nil
	}
	return t.Actions
}

// GetContract fetches one contract by ID.
func (m *Manager) GetContract(id string) (*types.DelegationContract, error) {
	return m.store.Get(id)
}

// QueryContracts lists contracts matching f.
func (m *Manager) QueryContracts(f storage.QueryFilter) ([]*types.DelegationContract, error) {
	return m.store.Query(f)
}

// UpdateStatusExtras carries optional fields a status transition may set.
type UpdateStatusExtras struct {
	VerificationResult *types.VerificationResult
}

// UpdateContractStatus enforces the state machine and the activated_at/
// completed_at semantics, applying a reputation update on terminal
// transitions and emitting delegation_verified (spec §4.3, §8 scenario 1).
func (m *Manager) UpdateContractStatus(id string, next types.ContractStatus, extras UpdateStatusExtras) (*types.DelegationContract, error) {
	c, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	old := c.Status
	if !types.CanTransition(old, next) {
		return nil, cerrors.NewStateMachineViolation(fmt.Sprintf("cannot transition contract %s from %s to %s", id, old, next))
	}

	now := time.Now()
	switch next {
	case types.StatusActive:
		c.ActivatedAt = &now
		if c.TimeoutMS > 0 {
			m.sched.Schedule(c.ContractID, now.Add(time.Duration(c.TimeoutMS)*time.Millisecond), func() {
				_, _ = m.UpdateContractStatus(c.ContractID, types.StatusTimeout, UpdateStatusExtras{})
			})
		}
	case types.StatusCompleted, types.StatusFailed, types.StatusTimeout, types.StatusCancelled, types.StatusRevoked:
		c.CompletedAt = &now
		m.sched.Cancel(c.ContractID)
	}
	c.Status = next
	if extras.VerificationResult != nil {
		c.VerificationResult = extras.VerificationResult
	}

	if err := m.store.Update(c); err != nil {
		return nil, err
	}
	metrics.ContractStatusTransitionsTotal.WithLabelValues(string(next)).Inc()

	if next.Terminal() {
		m.applyReputationOutcome(c, next)
	}

	m.appendAudit("delegation_verified", c, map[string]any{"old_status": string(old), "new_status": string(next)})
	_ = m.bus.Publish(eventbus.SubjectContractStatusChanged, c)
	return c, nil
}

func (m *Manager) applyReputationOutcome(c *types.DelegationContract, final types.ContractStatus) {
	var actualMS int64
	if c.ActivatedAt != nil && c.CompletedAt != nil {
		actualMS = c.CompletedAt.Sub(*c.ActivatedAt).Milliseconds()
	}
	var quality *float64
	if c.VerificationResult != nil {
		q := c.VerificationResult.Score
		quality = &q
	}
	outcome := reputation.Outcome{
		AgentID:          c.Delegatee.AgentID,
		Success:          final == types.StatusCompleted,
		ActualDurationMS: actualMS,
		TargetDurationMS: c.TimeoutMS,
		QualityScore:     quality,
	}
	if _, err := m.rep.ApplyOutcome(outcome); err == nil {
		metrics.ReputationUpdatesTotal.Inc()
	}
}

// CancelContract transitions a contract to cancelled. Repeated cancels
// after the first are a no-op (spec §8 round-trip property).
func (m *Manager) CancelContract(id, reason string) (*types.DelegationContract, error) {
	c, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if c.Status == types.StatusCancelled {
		return c, nil
	}
	updated, err := m.UpdateContractStatus(id, types.StatusCancelled, UpdateStatusExtras{})
	if err != nil {
		return nil, err
	}
	m.appendAudit("contract_cancelled", updated, map[string]any{"reason": reason})
	_ = m.bus.Publish(eventbus.SubjectContractCancelled, updated)
	return updated, nil
}

// DeleteContract soft-revokes a contract by transitioning it to revoked.
func (m *Manager) DeleteContract(id string) (*types.DelegationContract, error) {
	return m.UpdateContractStatus(id, types.StatusRevoked, UpdateStatusExtras{})
}

// GetActiveContracts returns pending/active contracts for a delegatee.
func (m *Manager) GetActiveContracts(delegateeID string) ([]*types.DelegationContract, error) {
	return m.store.Query(storage.QueryFilter{
		Status:      []types.ContractStatus{types.StatusPending, types.StatusActive},
		DelegateeID: delegateeID,
	})
}

// Statistics summarizes contract outcomes, optionally scoped to one agent.
type Statistics struct {
	CountByStatus map[types.ContractStatus]int
	SuccessRate   float64
}

// GetStatistics computes counts per status and success_rate =
// completed/(completed+failed+timeout) (spec §4.3).
func (m *Manager) GetStatistics(delegateeID string) (Statistics, error) {
	f := storage.QueryFilter{}
	if delegateeID != "" {
		f.DelegateeID = delegateeID
	}
	contracts, err := m.store.Query(f)
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{CountByStatus: make(map[types.ContractStatus]int)}
	for _, c := range contracts {
		stats.CountByStatus[c.Status]++
	}
	completed := stats.CountByStatus[types.StatusCompleted]
	failed := stats.CountByStatus[types.StatusFailed]
	timeout := stats.CountByStatus[types.StatusTimeout]
	denom := completed + failed + timeout
	if denom > 0 {
		stats.SuccessRate = float64(completed) / float64(denom)
	}
	return stats, nil
}

func (m *Manager) appendAudit(eventType string, c *types.DelegationContract, data map[string]any) {
	cid := c.ContractID
	_ = m.audit.Append(types.AuditEvent{
		EventID:              "evt_" + uuid.NewString(),
		EventType:            eventType,
		Timestamp:            time.Now(),
		AgentID:              c.Delegatee.AgentID,
		AgentName:            c.Delegatee.Name,
		EventData:            data,
		DelegationContractID: &cid,
		SourceSystem:         "contract_manager",
	})
}
