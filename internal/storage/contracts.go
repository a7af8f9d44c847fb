package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

// ContractStore persists DelegationContract rows to the delegation_contracts
// table described in spec §6.
type ContractStore struct {
	db *sqlx.DB
}

func NewContractStore(db *sqlx.DB) *ContractStore { return &ContractStore{db: db} }

type contractRow struct {
	ContractID             string         `db:"contract_id"`
	DelegatorAgentID        string         `db:"delegator_agent_id"`
	DelegateeAgentID        string         `db:"delegatee_agent_id"`
	TaskID                  string         `db:"task_id"`
	TaskDescription         string         `db:"task_description"`
	VerificationPolicy      string         `db:"verification_policy"`
	SuccessCriteria         string         `db:"success_criteria"`
	TimeoutMS               int64          `db:"timeout_ms"`
	PermissionTokens        sql.NullString `db:"permission_tokens"`
	Status                  string         `db:"status"`
	CreatedAt               string         `db:"created_at"`
	ActivatedAt             sql.NullString `db:"activated_at"`
	CompletedAt             sql.NullString `db:"completed_at"`
	VerificationResult      sql.NullString `db:"verification_result"`
	ParentContractID        sql.NullString `db:"parent_contract_id"`
	DelegationDepth         int            `db:"delegation_depth"`
	TLPClassification       sql.NullString `db:"tlp_classification"`
	Priority                int            `db:"priority"`
	RequiredCapabilities    sql.NullString `db:"required_capabilities"`
	ResourceRequirements    sql.NullString `db:"resource_requirements"`
	RetryPolicy             sql.NullString `db:"retry_policy"`
	Firebreak               sql.NullString `db:"firebreak"`
	ReputationRequirements  sql.NullString `db:"reputation_requirements"`
	Metadata                sql.NullString `db:"metadata"`
	DelegatorName            string        `db:"delegator_name"`
	DelegateeName            string        `db:"delegatee_name"`
}

func toRow(c *types.DelegationContract) (contractRow, error) {
	marshal := func(v any) (sql.NullString, error) {
		if v == nil {
			return sql.NullString{}, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return sql.NullString{}, err
		}
		return sql.NullString{String: string(b), Valid: true}, nil
	}

	sc, err := json.Marshal(c.SuccessCriteria)
	if err != nil {
		return contractRow{}, err
	}
	tok, err := marshal(c.PermissionToken)
	if err != nil {
		return contractRow{}, err
	}
	vr, err := marshal(c.VerificationResult)
	if err != nil {
		return contractRow{}, err
	}
	rc, err := marshal(c.RequiredCapabilities)
	if err != nil {
		return contractRow{}, err
	}
	rr, err := marshal(c.ResourceRequirements)
	if err != nil {
		return contractRow{}, err
	}
	rp, err := marshal(c.RetryPolicy)
	if err != nil {
		return contractRow{}, err
	}
	fb, err := marshal(c.Firebreak)
	if err != nil {
		return contractRow{}, err
	}
	repreq, err := marshal(c.ReputationRequirements)
	if err != nil {
		return contractRow{}, err
	}
	md, err := marshal(c.Metadata)
	if err != nil {
		return contractRow{}, err
	}

	row := contractRow{
		ContractID:             c.ContractID,
		DelegatorAgentID:       c.Delegator.AgentID,
		DelegateeAgentID:       c.Delegatee.AgentID,
		DelegatorName:          c.Delegator.Name,
		DelegateeName:          c.Delegatee.Name,
		TaskID:                 c.TaskID,
		TaskDescription:        c.TaskDescription,
		VerificationPolicy:     string(c.VerificationPolicy),
		SuccessCriteria:        string(sc),
		TimeoutMS:              c.TimeoutMS,
		PermissionTokens:       tok,
		Status:                 string(c.Status),
		CreatedAt:              c.CreatedAt.UTC().Format(time.RFC3339Nano),
		VerificationResult:     vr,
		DelegationDepth:        c.DelegationDepth,
		TLPClassification:      sql.NullString{String: string(c.TLPClassification), Valid: c.TLPClassification != ""},
		Priority:               c.Priority,
		RequiredCapabilities:   rc,
		ResourceRequirements:   rr,
		RetryPolicy:            rp,
		Firebreak:              fb,
		ReputationRequirements: repreq,
		Metadata:               md,
	}
	if c.ActivatedAt != nil {
		row.ActivatedAt = sql.NullString{String: c.ActivatedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if c.CompletedAt != nil {
		row.CompletedAt = sql.NullString{String: c.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if c.ParentContractID != nil {
		row.ParentContractID = sql.NullString{String: *c.ParentContractID, Valid: true}
	}
	return row, nil
}

func fromRow(row contractRow) (*types.DelegationContract, error) {
	c := &types.DelegationContract{
		ContractID:         row.ContractID,
		Delegator:          types.AgentRef{AgentID: row.DelegatorAgentID, Name: row.DelegatorName},
		Delegatee:          types.AgentRef{AgentID: row.DelegateeAgentID, Name: row.DelegateeName},
		TaskID:             row.TaskID,
		TaskDescription:    row.TaskDescription,
		VerificationPolicy: types.VerificationPolicy(row.VerificationPolicy),
		TimeoutMS:          row.TimeoutMS,
		Status:             types.ContractStatus(row.Status),
		DelegationDepth:    row.DelegationDepth,
		Priority:           row.Priority,
	}
	if err := json.Unmarshal([]byte(row.SuccessCriteria), &c.SuccessCriteria); err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = createdAt

	if row.TLPClassification.Valid {
		c.TLPClassification = types.TLP(row.TLPClassification.String)
	}
	if row.ParentContractID.Valid {
		v := row.ParentContractID.String
		c.ParentContractID = &v
	}
	if row.ActivatedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, row.ActivatedAt.String)
		if err != nil {
			return nil, err
		}
		c.ActivatedAt = &t
	}
	if row.CompletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, row.CompletedAt.String)
		if err != nil {
			return nil, err
		}
		c.CompletedAt = &t
	}
	if row.PermissionTokens.Valid {
		var tok types.PermissionToken
		if err := json.Unmarshal([]byte(row.PermissionTokens.String), &tok); err != nil {
			return nil, err
		}
		c.PermissionToken = &tok
	}
	if row.VerificationResult.Valid {
		var vr types.VerificationResult
		if err := json.Unmarshal([]byte(row.VerificationResult.String), &vr); err != nil {
			return nil, err
		}
		c.VerificationResult = &vr
	}
	if row.RequiredCapabilities.Valid {
		if err := json.Unmarshal([]byte(row.RequiredCapabilities.String), &c.RequiredCapabilities); err != nil {
			return nil, err
		}
	}
	if row.ResourceRequirements.Valid {
		if err := json.Unmarshal([]byte(row.ResourceRequirements.String), &c.ResourceRequirements); err != nil {
			return nil, err
		}
	}
	if row.RetryPolicy.Valid {
		if err := json.Unmarshal([]byte(row.RetryPolicy.String), &c.RetryPolicy); err != nil {
			return nil, err
		}
	}
	if row.Firebreak.Valid {
		if err := json.Unmarshal([]byte(row.Firebreak.String), &c.Firebreak); err != nil {
			return nil, err
		}
	}
	if row.ReputationRequirements.Valid {
		if err := json.Unmarshal([]byte(row.ReputationRequirements.String), &c.ReputationRequirements); err != nil {
			return nil, err
		}
	}
	if row.Metadata.Valid {
		if err := json.Unmarshal([]byte(row.Metadata.String), &c.Metadata); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Create inserts a new contract row. Fails if the contract_id already exists.
func (s *ContractStore) Create(c *types.DelegationContract) error {
	row, err := toRow(c)
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}
	return withRetry("create contract", func() error {
		_, err := s.db.NamedExec(`
			INSERT INTO delegation_contracts (
				contract_id, delegator_agent_id, delegatee_agent_id, delegator_name, delegatee_name,
				task_id, task_description, verification_policy, success_criteria, timeout_ms,
				permission_tokens, status, created_at, activated_at, completed_at,
				verification_result, parent_contract_id, delegation_depth, tlp_classification,
				priority, required_capabilities, resource_requirements, retry_policy, firebreak,
				reputation_requirements, metadata
			) VALUES (
				:contract_id, :delegator_agent_id, :delegatee_agent_id, :delegator_name, :delegatee_name,
				:task_id, :task_description, :verification_policy, :success_criteria, :timeout_ms,
				:permission_tokens, :status, :created_at, :activated_at, :completed_at,
				:verification_result, :parent_contract_id, :delegation_depth, :tlp_classification,
				:priority, :required_capabilities, :resource_requirements, :retry_policy, :firebreak,
				:reputation_requirements, :metadata
			)`, row)
		return err
	})
}

// Update overwrites an existing contract row in place.
func (s *ContractStore) Update(c *types.DelegationContract) error {
	row, err := toRow(c)
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}
	var n int64
	if err := withRetry("update contract", func() error {
		res, err := s.db.NamedExec(`
			UPDATE delegation_contracts SET
				status = :status, activated_at = :activated_at, completed_at = :completed_at,
				verification_result = :verification_result, metadata = :metadata
			WHERE contract_id = :contract_id`, row)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	}); err != nil {
		return err
	}
	if n == 0 {
		return cerrors.NewNotFound(fmt.Sprintf("contract %s not found", c.ContractID))
	}
	return nil
}

// Get retrieves a contract by ID.
func (s *ContractStore) Get(contractID string) (*types.DelegationContract, error) {
	var row contractRow
	err := s.db.Get(&row, `SELECT * FROM delegation_contracts WHERE contract_id = ?`, contractID)
	if err == sql.ErrNoRows {
		return nil, cerrors.NewNotFound(fmt.Sprintf("contract %s not found", contractID))
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// QueryFilter narrows a contract listing (spec §4.3 query_contracts).
type QueryFilter struct {
	Status           []types.ContractStatus
	DelegatorID      string
	DelegateeID      string
	TaskID           string
	DelegationDepth  *int
	ParentContractID *string
	Priority         *int
	SortBy           string // "created_at", "priority"
	SortOrder        string // "asc", "desc"
	Limit            int
	Offset           int
}

// Query lists contracts matching filter.
func (s *ContractStore) Query(f QueryFilter) ([]*types.DelegationContract, error) {
	var clauses []string
	var args []any

	if len(f.Status) > 0 {
		placeholders := make([]string, len(f.Status))
		for i, st := range f.Status {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.DelegatorID != "" {
		clauses = append(clauses, "delegator_agent_id = ?")
		args = append(args, f.DelegatorID)
	}
	if f.DelegateeID != "" {
		clauses = append(clauses, "delegatee_agent_id = ?")
		args = append(args, f.DelegateeID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.DelegationDepth != nil {
		clauses = append(clauses, "delegation_depth = ?")
		args = append(args, *f.DelegationDepth)
	}
	if f.ParentContractID != nil {
		clauses = append(clauses, "parent_contract_id = ?")
		args = append(args, *f.ParentContractID)
	}
	if f.Priority != nil {
		clauses = append(clauses, "priority = ?")
		args = append(args, *f.Priority)
	}

	query := "SELECT * FROM delegation_contracts"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	sortBy := "created_at"
	switch f.SortBy {
	case "priority", "created_at":
		sortBy = f.SortBy
	}
	sortOrder := "ASC"
	if strings.EqualFold(f.SortOrder, "desc") {
		sortOrder = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, sortOrder)

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	var rows []contractRow
	if err := s.db.Select(&rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*types.DelegationContract, 0, len(rows))
	for _, r := range rows {
		c, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
