package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dataparency-dev/delegation-control-plane/internal/types"
)

// AuditStore appends to and queries the reputation_audit_log table.
// The log is append-only; Append never updates an existing row.
type AuditStore struct {
	db *sqlx.DB
}

func NewAuditStore(db *sqlx.DB) *AuditStore { return &AuditStore{db: db} }

type auditRow struct {
	EventID             string         `db:"event_id"`
	EventType           string         `db:"event_type"`
	Timestamp           string         `db:"timestamp"`
	AgentID             sql.NullString `db:"agent_id"`
	AgentName           sql.NullString `db:"agent_name"`
	EventData           sql.NullString `db:"event_data"`
	DelegationContractID sql.NullString `db:"delegation_contract_id"`
	SourceSystem        string         `db:"source_system"`
}

// Append persists a new audit event. Concurrent writers are safe: SQLite
// serializes writers and each row has a unique event_id (spec §5).
func (s *AuditStore) Append(e types.AuditEvent) error {
	var data sql.NullString
	if e.EventData != nil {
		b, err := json.Marshal(e.EventData)
		if err != nil {
			return err
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	row := auditRow{
		EventID:      e.EventID,
		EventType:    e.EventType,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		AgentID:      sql.NullString{String: e.AgentID, Valid: e.AgentID != ""},
		AgentName:    sql.NullString{String: e.AgentName, Valid: e.AgentName != ""},
		EventData:    data,
		SourceSystem: e.SourceSystem,
	}
	if e.DelegationContractID != nil {
		row.DelegationContractID = sql.NullString{String: *e.DelegationContractID, Valid: true}
	}
	return withRetry("append audit event", func() error {
		_, err := s.db.NamedExec(`
			INSERT INTO reputation_audit_log (
				event_id, event_type, timestamp, agent_id, agent_name,
				event_data, delegation_contract_id, source_system
			) VALUES (
				:event_id, :event_type, :timestamp, :agent_id, :agent_name,
				:event_data, :delegation_contract_id, :source_system
			)`, row)
		return err
	})
}

// ForAgent returns every audit event recorded for agentID, oldest first.
func (s *AuditStore) ForAgent(agentID string) ([]types.AuditEvent, error) {
	var rows []auditRow
	if err := s.db.Select(&rows, `SELECT * FROM reputation_audit_log WHERE agent_id = ? ORDER BY timestamp ASC`, agentID); err != nil {
		return nil, err
	}
	return toAuditEvents(rows)
}

// ForContract returns every audit event recorded against a contract, oldest first.
func (s *AuditStore) ForContract(contractID string) ([]types.AuditEvent, error) {
	var rows []auditRow
	if err := s.db.Select(&rows, `SELECT * FROM reputation_audit_log WHERE delegation_contract_id = ? ORDER BY timestamp ASC`, contractID); err != nil {
		return nil, err
	}
	return toAuditEvents(rows)
}

func toAuditEvents(rows []auditRow) ([]types.AuditEvent, error) {
	out := make([]types.AuditEvent, 0, len(rows))
	for _, r := range rows {
		ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return nil, err
		}
		e := types.AuditEvent{
			EventID:      r.EventID,
			EventType:    r.EventType,
			Timestamp:    ts,
			AgentID:      r.AgentID.String,
			AgentName:    r.AgentName.String,
			SourceSystem: r.SourceSystem,
		}
		if r.EventData.Valid {
			if err := json.Unmarshal([]byte(r.EventData.String), &e.EventData); err != nil {
				return nil, err
			}
		}
		if r.DelegationContractID.Valid {
			v := r.DelegationContractID.String
			e.DelegationContractID = &v
		}
		out = append(out, e)
	}
	return out, nil
}
