package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

// RecordAudit appends an AuditLog entry. Audit rows are never updated or
// deleted (spec §4.10). When tx is non-nil the write joins the caller's
// transaction, so an identity merge's audit record commits atomically with
// the rebind it describes.
func (s *Store) RecordAudit(ctx context.Context, tx *sqlx.Tx, a *model.AuditLog) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return apperr.Validation("marshal audit metadata: %v", err)
	}
	const q = `INSERT INTO audit_logs (id, org_id, actor_type, actor_id, action, resource_type, resource_id, metadata, created_at)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now()) RETURNING created_at`
	exec := s.execer(tx)
	if err := exec.QueryRowxContext(ctx, q, a.ID, a.OrgID, a.ActorType, a.ActorID, a.Action, a.ResourceType,
		a.ResourceID, meta).Scan(&a.CreatedAt); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, orgID string, limit int) ([]model.AuditLog, error) {
	var rows []struct {
		model.AuditLog
		Metadata []byte `db:"metadata"`
	}
	const q = `SELECT id, org_id, actor_type, actor_id, action, resource_type, resource_id, metadata, created_at
	           FROM audit_logs WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2`
	if err := s.db.SelectContext(ctx, &rows, q, orgID, limit); err != nil {
		return nil, apperr.Transient("store", err)
	}
	out := make([]model.AuditLog, 0, len(rows))
	for _, r := range rows {
		a := r.AuditLog
		_ = json.Unmarshal(r.Metadata, &a.Metadata)
		out = append(out, a)
	}
	return out, nil
}
