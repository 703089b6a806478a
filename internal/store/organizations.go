package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

func (s *Store) CreateOrganization(ctx context.Context, org *model.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	settings, err := json.Marshal(org.Settings)
	if err != nil {
		return apperr.Validation("marshal organization settings: %v", err)
	}
	const q = `INSERT INTO organizations (id, slug, name, settings, created_at)
	           VALUES ($1, $2, $3, $4, now()) RETURNING created_at`
	if err := s.db.QueryRowxContext(ctx, q, org.ID, org.Slug, org.Name, settings).Scan(&org.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("organization", org.Slug, err)
		}
		return apperr.Transient("store", err)
	}
	return nil
}

// ListOrganizations returns every tenant, used by the scheduler to enumerate
// (tenant, detector) cron pairs on server start (spec §4.8).
func (s *Store) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	var rows []struct {
		model.Organization
		Settings []byte `db:"settings"`
	}
	const q = `SELECT id, slug, name, settings, created_at FROM organizations`
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, apperr.Transient("store", err)
	}
	out := make([]model.Organization, 0, len(rows))
	for _, r := range rows {
		org := r.Organization
		if len(r.Settings) > 0 {
			_ = json.Unmarshal(r.Settings, &org.Settings)
		}
		out = append(out, org)
	}
	return out, nil
}

func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*model.Organization, error) {
	var row struct {
		model.Organization
		Settings []byte `db:"settings"`
	}
	const q = `SELECT id, slug, name, settings, created_at FROM organizations WHERE slug = $1`
	if err := s.db.GetContext(ctx, &row, q, slug); err != nil {
		if err == ErrNoRows {
			return nil, apperr.NotFound("organization", slug)
		}
		return nil, apperr.Transient("store", err)
	}
	org := row.Organization
	if len(row.Settings) > 0 {
		_ = json.Unmarshal(row.Settings, &org.Settings)
	}
	return &org, nil
}

func (s *Store) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var row struct {
		model.Organization
		Settings []byte `db:"settings"`
	}
	const q = `SELECT id, slug, name, settings, created_at FROM organizations WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if err == ErrNoRows {
			return nil, apperr.NotFound("organization", id)
		}
		return nil, apperr.Transient("store", err)
	}
	org := row.Organization
	if len(row.Settings) > 0 {
		_ = json.Unmarshal(row.Settings, &org.Settings)
	}
	return &org, nil
}

func (s *Store) CreateApiKey(ctx context.Context, key *model.ApiKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	const q = `INSERT INTO api_keys (id, org_id, name, secret_hash, prefix, scopes, expires_at, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, now()) RETURNING created_at`
	scopes, _ := json.Marshal(key.Scopes)
	if err := s.db.QueryRowxContext(ctx, q, key.ID, key.OrgID, key.Name, key.SecretHash, key.Prefix, scopes, key.ExpiresAt).
		Scan(&key.CreatedAt); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

func (s *Store) GetApiKeyByPrefix(ctx context.Context, prefix string) (*model.ApiKey, error) {
	var row struct {
		model.ApiKey
		Scopes []byte `db:"scopes"`
	}
	const q = `SELECT id, org_id, name, secret_hash, prefix, scopes, expires_at, revoked_at, created_at
	           FROM api_keys WHERE prefix = $1`
	if err := s.db.GetContext(ctx, &row, q, prefix); err != nil {
		if err == ErrNoRows {
			return nil, apperr.NotFound("api_key", prefix)
		}
		return nil, apperr.Transient("store", err)
	}
	key := row.ApiKey
	_ = json.Unmarshal(row.Scopes, &key.Scopes)
	return &key, nil
}
