package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	return s.createUser(ctx, s.db, u)
}

// CreateUserTx is CreateUser scoped to an already-open transaction, so a
// caller can create a user and bind its identities atomically.
func (s *Store) CreateUserTx(ctx context.Context, tx *sqlx.Tx, u *model.User) error {
	return s.createUser(ctx, tx, u)
}

func (s *Store) createUser(ctx context.Context, q sqlx.QueryerContext, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	meta, _ := json.Marshal(u.Metadata)
	const stmt = `INSERT INTO users (id, org_id, external_user_id, email, metadata, created_at)
	           VALUES ($1, $2, $3, $4, $5, now()) RETURNING created_at`
	row := q.QueryRowxContext(ctx, stmt, u.ID, u.OrgID, u.ExternalUserID, u.Email, meta)
	if err := row.Scan(&u.CreatedAt); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, orgID, userID string) (*model.User, error) {
	var u model.User
	const q = `SELECT id, org_id, external_user_id, email, created_at FROM users WHERE org_id = $1 AND id = $2`
	if err := s.db.GetContext(ctx, &u, q, orgID, userID); err != nil {
		if err == ErrNoRows {
			return nil, apperr.NotFound("user", userID)
		}
		return nil, apperr.Transient("store", err)
	}
	return &u, nil
}

// FindIdentity resolves a (source, id_type, external_id) triple to its bound
// user within a tenant, per spec §4.2.
func (s *Store) FindIdentity(ctx context.Context, orgID string, source model.BillingSource, idType, externalID string) (*model.UserIdentity, error) {
	var id model.UserIdentity
	const q = `SELECT id, user_id, org_id, source, external_id, id_type, created_at
	           FROM user_identities WHERE org_id = $1 AND source = $2 AND id_type = $3 AND external_id = $4`
	if err := s.db.GetContext(ctx, &id, q, orgID, source, idType, externalID); err != nil {
		if err == ErrNoRows {
			return nil, apperr.NotFound("user_identity", externalID)
		}
		return nil, apperr.Transient("store", err)
	}
	return &id, nil
}

// BindIdentity associates externalID with userID idempotently: a second bind
// of the same (source, id_type, external_id) to the same user is a no-op.
func (s *Store) BindIdentity(ctx context.Context, tx *sqlx.Tx, ident *model.UserIdentity) error {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO user_identities (id, user_id, org_id, source, external_id, id_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (org_id, source, id_type, external_id) DO NOTHING
		RETURNING created_at`
	exec := s.execer(tx)
	if err := exec.QueryRowxContext(ctx, q, ident.ID, ident.UserID, ident.OrgID, ident.Source, ident.ExternalID, ident.IDType).
		Scan(&ident.CreatedAt); err != nil && err != ErrNoRows {
		return apperr.Transient("store", err)
	}
	return nil
}

// ListIdentitiesByUser returns every provider-issued identifier bound to a user.
func (s *Store) ListIdentitiesByUser(ctx context.Context, orgID, userID string) ([]model.UserIdentity, error) {
	var out []model.UserIdentity
	const q = `SELECT id, user_id, org_id, source, external_id, id_type, created_at
	           FROM user_identities WHERE org_id = $1 AND user_id = $2`
	if err := s.db.SelectContext(ctx, &out, q, orgID, userID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	return out, nil
}

// ListUsersWithMultipleIdentitySources returns the ids of every user whose
// identities span two or more distinct BillingSources, used by the
// cross_platform_mismatch scan.
func (s *Store) ListUsersWithMultipleIdentitySources(ctx context.Context, orgID string) ([]string, error) {
	var out []string
	const q = `SELECT user_id FROM user_identities WHERE org_id = $1
	           GROUP BY user_id HAVING count(DISTINCT source) >= 2`
	if err := s.db.SelectContext(ctx, &out, q, orgID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	return out, nil
}

// RebindIdentities moves every identity row owned by fromUserID onto
// toUserID, used by identity merges (spec §4.2).
func (s *Store) RebindIdentities(ctx context.Context, tx *sqlx.Tx, orgID, fromUserID, toUserID string) error {
	const q = `UPDATE user_identities SET user_id = $1 WHERE org_id = $2 AND user_id = $3`
	exec := s.execer(tx)
	if _, err := exec.ExecContext(ctx, q, toUserID, orgID, fromUserID); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

// RebindUserOwnedRecords re-parents every row across the domain that
// references fromUserID onto toUserID, as part of an identity merge
// (spec §4.2). Identities are rebound separately via RebindIdentities so the
// caller can bind new hints first.
func (s *Store) RebindUserOwnedRecords(ctx context.Context, tx *sqlx.Tx, orgID, fromUserID, toUserID string) error {
	exec := s.execer(tx)
	stmts := []string{
		`UPDATE canonical_events SET user_id = $1 WHERE org_id = $2 AND user_id = $3`,
		`UPDATE entitlements SET user_id = $1 WHERE org_id = $2 AND user_id = $3`,
		`UPDATE issues SET user_id = $1 WHERE org_id = $2 AND user_id = $3`,
		`UPDATE access_checks SET user_id = $1 WHERE org_id = $2 AND user_id = $3`,
	}
	for _, q := range stmts {
		if _, err := exec.ExecContext(ctx, q, toUserID, orgID, fromUserID); err != nil {
			return apperr.Transient("store", err)
		}
	}
	return nil
}

// DeleteUser removes a user row outright, used to retire the losing side of
// an identity merge once every owned record has been rebound.
func (s *Store) DeleteUser(ctx context.Context, tx *sqlx.Tx, orgID, userID string) error {
	exec := s.execer(tx)
	const q = `DELETE FROM users WHERE org_id = $1 AND id = $2`
	if _, err := exec.ExecContext(ctx, q, orgID, userID); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

// queryExecer is the subset of sqlx.DB/sqlx.Tx used by BindIdentity/RebindIdentities,
// letting repository methods run either standalone or inside a caller-managed transaction.
type queryExecer struct {
	db *sqlx.DB
	tx *sqlx.Tx
}

func (q queryExecer) ExecContext(ctx context.Context, query string, args ...any) (sqlResult, error) {
	if q.tx != nil {
		return q.tx.ExecContext(ctx, query, args...)
	}
	return q.db.ExecContext(ctx, query, args...)
}

func (q queryExecer) QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row {
	if q.tx != nil {
		return q.tx.QueryRowxContext(ctx, query, args...)
	}
	return q.db.QueryRowxContext(ctx, query, args...)
}

type sqlResult interface {
	RowsAffected() (int64, error)
}

func (s *Store) execer(tx *sqlx.Tx) queryExecer {
	return queryExecer{db: s.db, tx: tx}
}
