package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

func (s *Store) UpsertBillingConnection(ctx context.Context, c *model.BillingConnection) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO billing_connections (id, org_id, source, encrypted_credentials, active, sync_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (org_id, source) DO UPDATE SET
			encrypted_credentials = EXCLUDED.encrypted_credentials,
			active = EXCLUDED.active,
			updated_at = now()
		RETURNING id, created_at, updated_at`
	if err := s.db.QueryRowxContext(ctx, q, c.ID, c.OrgID, c.Source, c.EncryptedCredentials, c.Active, c.SyncStatus).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

func (s *Store) GetBillingConnection(ctx context.Context, orgID string, source model.BillingSource) (*model.BillingConnection, error) {
	var c model.BillingConnection
	const q = `SELECT id, org_id, source, encrypted_credentials, active, last_webhook_at, last_sync_at, sync_status, created_at, updated_at
	           FROM billing_connections WHERE org_id = $1 AND source = $2`
	if err := s.db.GetContext(ctx, &c, q, orgID, source); err != nil {
		if err == ErrNoRows {
			return nil, apperr.NotFound("billing_connection", string(source))
		}
		return nil, apperr.Transient("store", err)
	}
	return &c, nil
}

func (s *Store) ListBillingConnections(ctx context.Context, orgID string) ([]model.BillingConnection, error) {
	var out []model.BillingConnection
	const q = `SELECT id, org_id, source, encrypted_credentials, active, last_webhook_at, last_sync_at, sync_status, created_at, updated_at
	           FROM billing_connections WHERE org_id = $1`
	if err := s.db.SelectContext(ctx, &out, q, orgID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	return out, nil
}

func (s *Store) TouchBillingConnectionWebhook(ctx context.Context, orgID string, source model.BillingSource) error {
	const q = `UPDATE billing_connections SET last_webhook_at = now(), updated_at = now() WHERE org_id = $1 AND source = $2`
	if _, err := s.db.ExecContext(ctx, q, orgID, source); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

func (s *Store) UpsertProduct(ctx context.Context, p *model.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	externalIDs, err := json.Marshal(p.ExternalIDs)
	if err != nil {
		return apperr.Validation("marshal product external_ids: %v", err)
	}
	const q = `
		INSERT INTO products (id, org_id, display_name, external_ids, active, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, external_ids = EXCLUDED.external_ids, active = EXCLUDED.active
		RETURNING created_at`
	if err := s.db.QueryRowxContext(ctx, q, p.ID, p.OrgID, p.DisplayName, externalIDs, p.Active).Scan(&p.CreatedAt); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

func (s *Store) FindProductByExternalID(ctx context.Context, orgID string, source model.BillingSource, externalID string) (*model.Product, error) {
	var rows []struct {
		model.Product
		ExternalIDs []byte `db:"external_ids"`
	}
	const q = `SELECT id, org_id, display_name, external_ids, active, created_at FROM products WHERE org_id = $1`
	if err := s.db.SelectContext(ctx, &rows, q, orgID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	for _, r := range rows {
		var ids map[model.BillingSource]string
		if err := json.Unmarshal(r.ExternalIDs, &ids); err != nil {
			continue
		}
		if ids[source] == externalID {
			p := r.Product
			p.ExternalIDs = ids
			return &p, nil
		}
	}
	return nil, apperr.NotFound("product", externalID)
}
