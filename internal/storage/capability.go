package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/dataparency-dev/delegation-control-plane/internal/cerrors"
	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

// CapabilityStore durably persists agent capability manifests so the
// registry's in-memory arena can be rebuilt after a restart.
type CapabilityStore struct {
	db *sqlx.DB
}

func NewCapabilityStore(db *sqlx.DB) *CapabilityStore { return &CapabilityStore{db: db} }

func (s *CapabilityStore) Upsert(m types.AgentCapabilityManifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return withRetry("upsert manifest", func() error {
		_, err := s.db.Exec(`
			INSERT INTO capability_manifests (agent_id, manifest) VALUES (?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET manifest = excluded.manifest`,
			m.AgentID, string(b))
		return err
	})
}

func (s *CapabilityStore) Delete(agentID string) error {
	return withRetry("delete manifest", func() error {
		_, err := s.db.Exec(`DELETE FROM capability_manifests WHERE agent_id = ?`, agentID)
		return err
	})
}

func (s *CapabilityStore) Get(agentID string) (types.AgentCapabilityManifest, error) {
	var raw string
	err := s.db.Get(&raw, `SELECT manifest FROM capability_manifests WHERE agent_id = ?`, agentID)
	if err == sql.ErrNoRows {
		return types.AgentCapabilityManifest{}, cerrors.NewNotFound("manifest " + agentID + " not found")
	}
	if err != nil {
		return types.AgentCapabilityManifest{}, err
	}
	var m types.AgentCapabilityManifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return types.AgentCapabilityManifest{}, err
	}
	return m, nil
}

func (s *CapabilityStore) All() ([]types.AgentCapabilityManifest, error) {
	var raws []string
	if err := s.db.Select(&raws, `SELECT manifest FROM capability_manifests`); err != nil {
		return nil, err
	}
	out := make([]types.AgentCapabilityManifest, 0, len(raws))
	for _, raw := range raws {
		var m types.AgentCapabilityManifest
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ReputationStore persists ReputationRecord rows.
type ReputationStore struct {
	db *sqlx.DB
}

func NewReputationStore(db *sqlx.DB) *ReputationStore { return &ReputationStore{db: db} }

func (s *ReputationStore) Upsert(r types.ReputationRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return withRetry("upsert reputation", func() error {
		_, err := s.db.Exec(`
			INSERT INTO reputation_records (agent_id, record) VALUES (?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET record = excluded.record`,
			r.AgentID, string(b))
		return err
	})
}

func (s *ReputationStore) Get(agentID string) (types.ReputationRecord, bool, error) {
	var raw string
	err := s.db.Get(&raw, `SELECT record FROM reputation_records WHERE agent_id = ?`, agentID)
	if err == sql.ErrNoRows {
		return types.ReputationRecord{}, false, nil
	}
	if err != nil {
		return types.ReputationRecord{}, false, err
	}
	var r types.ReputationRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return types.ReputationRecord{}, false, err
	}
	return r, true, nil
}

// ClassificationDecisionStore persists the classification enforcer's
// append-only allow/block audit log (spec §4.5).
type ClassificationDecisionStore struct {
	db *sqlx.DB
}

func NewClassificationDecisionStore(db *sqlx.DB) *ClassificationDecisionStore {
	return &ClassificationDecisionStore{db: db}
}

type ClassificationDecision struct {
	DecisionID string
	AgentID    string
	TLPLevel   string
	Decision   string
	Reason     string
	ContractID string
	Timestamp  string
}

func (s *ClassificationDecisionStore) Append(d ClassificationDecision) error {
	return withRetry("append classification decision", func() error {
		_, err := s.db.Exec(`
			INSERT INTO classification_decisions
				(decision_id, agent_id, tlp_level, decision, reason, contract_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.DecisionID, d.AgentID, d.TLPLevel, d.Decision, d.Reason, d.ContractID, d.Timestamp)
		return err
	})
}

// ClassificationFilter narrows a decision-log query.
type ClassificationFilter struct {
	AgentID  string
	TLPLevel string
	Decision string
	Limit    int
}

func (s *ClassificationDecisionStore) Query(f ClassificationFilter) ([]ClassificationDecision, error) {
	query := `SELECT decision_id, agent_id, tlp_level, decision, reason, contract_id, timestamp FROM classification_decisions WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.TLPLevel != "" {
		query += " AND tlp_level = ?"
		args = append(args, f.TLPLevel)
	}
	if f.Decision != "" {
		query += " AND decision = ?"
		args = append(args, f.Decision)
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClassificationDecision
	for rows.Next() {
		var d ClassificationDecision
		var contractID sql.NullString
		if err := rows.Scan(&d.DecisionID, &d.AgentID, &d.TLPLevel, &d.Decision, &d.Reason, &contractID, &d.Timestamp); err != nil {
			return nil, err
		}
		d.ContractID = contractID.String
		out = append(out, d)
	}
	return out, rows.Err()
}
