package types

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// VerificationPolicy is how the delegator validates the delegatee's output.
type VerificationPolicy string

const (
	VerificationDirectInspection VerificationPolicy = "direct_inspection"
	VerificationThirdPartyAudit  VerificationPolicy = "third_party_audit"
	VerificationCryptoProof      VerificationPolicy = "cryptographic_proof"
	VerificationHumanRequired    VerificationPolicy = "human_required"
	VerificationNone             VerificationPolicy = "none"
)

// SuccessCriteria describes what "done" means for a contract.
type SuccessCriteria struct {
	RequiredChecks  []string `json:"required_checks"`
	QualityThreshold *float64 `json:"quality_threshold,omitempty"`
}

// RetryPolicy controls re-delegation on failure.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMultiple float64       `json:"backoff_multiple"`
}

// FirebreakLimits carries per-contract liability-firebreak limits. They are
// stored with the contract; the firebreak enforcer evaluates admission with
// its own configured thresholds and does not read them.
type FirebreakLimits struct {
	MaxValue               *float64 `json:"max_value,omitempty"`
	ForbidCriticalSystems  bool     `json:"forbid_critical_systems,omitempty"`
	ForbidExternal         bool     `json:"forbid_external,omitempty"`
}

// ReputationRequirements gates admission on minimum reputation dimensions.
// A nil field means "no requirement on this dimension".
type ReputationRequirements struct {
	MinReliability *float64 `json:"min_reliability,omitempty"`
	MinSpeed       *float64 `json:"min_speed,omitempty"`
	MinQuality     *float64 `json:"min_quality,omitempty"`
	MinSecurity    *float64 `json:"min_security,omitempty"`
	MinAggregate   *float64 `json:"min_aggregate,omitempty"`
}

// ContractStatus is the delegation contract's lifecycle state.
type ContractStatus string

const (
	StatusPending   ContractStatus = "pending"
	StatusActive    ContractStatus = "active"
	StatusCompleted ContractStatus = "completed"
	StatusFailed    ContractStatus = "failed"
	StatusTimeout   ContractStatus = "timeout"
	StatusCancelled ContractStatus = "cancelled"
	StatusRevoked   ContractStatus = "revoked"
)

// Terminal reports whether s is a terminal lifecycle state.
func (s ContractStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusRevoked:
		return true
	default:
		return false
	}
}

// transitions enumerates every legal edge in the contract state machine.
var transitions = map[ContractStatus]map[ContractStatus]bool{
	StatusPending: {
		StatusActive:    true,
		StatusCancelled: true,
		StatusRevoked:   true,
	},
	StatusActive: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimeout:   true,
		StatusCancelled: true,
		StatusRevoked:   true,
	},
}

// CanTransition reports whether the move from s to next is legal.
func CanTransition(from, next ContractStatus) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[next]
}

// AgentRef identifies a participant in a delegation contract.
type AgentRef struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// DelegationContract is the atomic unit of accountability (spec §3).
type DelegationContract struct {
	ContractID           string                   `json:"contract_id"`
	TaskID               string                   `json:"task_id"`
	TaskDescription      string                   `json:"task_description"`
	Delegator            AgentRef                 `json:"delegator"`
	Delegatee            AgentRef                 `json:"delegatee"`
	RequiredCapabilities []string                 `json:"required_capabilities"`
	VerificationPolicy   VerificationPolicy        `json:"verification_policy"`
	SuccessCriteria      SuccessCriteria          `json:"success_criteria"`
	PermissionToken      *PermissionToken          `json:"permission_token,omitempty"`
	ResourceRequirements *ResourceRequirements     `json:"resource_requirements,omitempty"`
	RetryPolicy          *RetryPolicy              `json:"retry_policy,omitempty"`
	Priority             int                       `json:"priority"`
	TimeoutMS            int64                     `json:"timeout_ms"`
	TLPClassification    TLP                       `json:"tlp_classification"`
	ParentContractID     *string                   `json:"parent_contract_id,omitempty"`
	DelegationDepth      int                       `json:"delegation_depth"`
	Firebreak            *FirebreakLimits          `json:"firebreak,omitempty"`
	ReputationRequirements *ReputationRequirements `json:"reputation_requirements,omitempty"`
	Status               ContractStatus            `json:"status"`
	CreatedAt            time.Time                 `json:"created_at"`
	ActivatedAt          *time.Time                `json:"activated_at,omitempty"`
	CompletedAt          *time.Time                `json:"completed_at,omitempty"`
	VerificationResult   *VerificationResult       `json:"verification_result,omitempty"`
	Metadata             map[string]any            `json:"metadata,omitempty"`
}

// VerificationResult records the outcome of verifying a contract's output.
type VerificationResult struct {
	Verified bool    `json:"verified"`
	Score    float64 `json:"score,omitempty"`
	Notes    string  `json:"notes,omitempty"`
}

// DelegationRequest is the wire-level request to create a contract.
// Unknown top-level fields are preserved in Metadata (spec §6).
type DelegationRequest struct {
	TaskID               string                  `json:"task_id" validate:"required"`
	TaskDescription      string                  `json:"task_description"`
	DelegatorID          string                  `json:"delegator_id" validate:"required"`
	DelegatorName        string                  `json:"delegator_name"`
	RequiredCapabilities []string                `json:"required_capabilities" validate:"required,min=1"`
	PreferredDelegateeID string                  `json:"preferred_delegatee_id,omitempty"`
	VerificationPolicy   VerificationPolicy       `json:"verification_policy" validate:"required"`
	SuccessCriteria      SuccessCriteria          `json:"success_criteria"`
	RequestedToken       *PermissionToken         `json:"requested_token,omitempty"`
	ResourceRequirements *ResourceRequirements    `json:"resource_requirements,omitempty"`
	RetryPolicy          *RetryPolicy             `json:"retry_policy,omitempty"`
	Priority             int                      `json:"priority" validate:"min=1,max=10"`
	TimeoutMS            int64                    `json:"timeout_ms" validate:"min=0"`
	TLPClassification    TLP                      `json:"tlp_classification"`
	ParentContractID     *string                  `json:"parent_contract_id,omitempty"`
	Firebreak            *FirebreakLimits         `json:"firebreak,omitempty"`
	ReputationRequirements *ReputationRequirements `json:"reputation_requirements,omitempty"`
	EstimatedValue       float64                  `json:"estimated_value,omitempty"`
	InvolvesCriticalSystems bool                  `json:"involves_critical_systems,omitempty"`
	IsExternalDelegation bool                     `json:"is_external_delegation,omitempty"`
	Metadata             map[string]any           `json:"metadata,omitempty"`
}

// delegationRequestAlias has DelegationRequest's fields without its
// UnmarshalJSON method, so decoding into it doesn't recurse.
type delegationRequestAlias DelegationRequest

var delegationRequestKnownKeys = knownJSONKeys(reflect.TypeOf(DelegationRequest{}))

// knownJSONKeys collects a struct type's top-level `json` tag names, for
// diffing a wire payload's keys against the fields a struct declares.
func knownJSONKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if comma := strings.IndexByte(tag, ','); comma >= 0 {
			tag = tag[:comma]
		}
		keys[tag] = true
	}
	return keys
}

// UnmarshalJSON preserves any field not named by DelegationRequest's own
// json tags into Metadata (spec §6: "unknown fields preserved in
// metadata"), merging them alongside any explicit "metadata" object.
func (r *DelegationRequest) UnmarshalJSON(data []byte) error {
	var alias delegationRequestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*r = DelegationRequest(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		if delegationRequestKnownKeys[key] {
			continue
		}
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return err
		}
		if r.Metadata == nil {
			r.Metadata = make(map[string]any)
		}
		r.Metadata[key] = decoded
	}
	return nil
}
