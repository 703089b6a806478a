package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

func (s *Store) ListAlertConfigurations(ctx context.Context, orgID string) ([]model.AlertConfiguration, error) {
	var rows []struct {
		model.AlertConfiguration
		SeverityFilter []byte `db:"severity_filter"`
		IssueTypes     []byte `db:"issue_types"`
	}
	const q = `SELECT id, org_id, channel, enabled, severity_filter, issue_types, target, signing_secret, created_at
	           FROM alert_configurations WHERE org_id = $1 AND enabled = true`
	if err := s.db.SelectContext(ctx, &rows, q, orgID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	out := make([]model.AlertConfiguration, 0, len(rows))
	for _, r := range rows {
		c := r.AlertConfiguration
		_ = json.Unmarshal(r.SeverityFilter, &c.SeverityFilter)
		_ = json.Unmarshal(r.IssueTypes, &c.IssueTypes)
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) CreateAlertConfiguration(ctx context.Context, c *model.AlertConfiguration) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	sev, _ := json.Marshal(c.SeverityFilter)
	types, _ := json.Marshal(c.IssueTypes)
	const q = `INSERT INTO alert_configurations (id, org_id, channel, enabled, severity_filter, issue_types, target, signing_secret, created_at)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now()) RETURNING created_at`
	if err := s.db.QueryRowxContext(ctx, q, c.ID, c.OrgID, c.Channel, c.Enabled, sev, types, c.Target, c.SigningSecret).
		Scan(&c.CreatedAt); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

func (s *Store) LogAlertDelivery(ctx context.Context, l *model.AlertDeliveryLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	const q = `INSERT INTO alert_delivery_logs (id, org_id, issue_id, config_id, channel, success, response_status, error, attempt, created_at)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now()) RETURNING created_at`
	if err := s.db.QueryRowxContext(ctx, q, l.ID, l.OrgID, l.IssueID, l.ConfigID, l.Channel, l.Success,
		l.ResponseStatus, l.Error, l.Attempt).Scan(&l.CreatedAt); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}
