package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

// GetEntitlementForUpdate loads the entitlement for (org, user, product,
// source) within tx, locking the row so the caller can apply a transition
// and persist it with CompareAndSwapEntitlement without racing a concurrent
// webhook for the same subscription.
func (s *Store) GetEntitlementForUpdate(ctx context.Context, tx *sqlx.Tx, orgID, userID, productID string, source model.BillingSource) (*model.Entitlement, error) {
	var e model.Entitlement
	const q = `SELECT id, org_id, user_id, product_id, source, state, external_subscription_id,
	                  current_period_start, current_period_end, cancel_at, trial_end, billing_interval,
	                  plan_tier, last_event_id, created_at, updated_at
	           FROM entitlements
	           WHERE org_id = $1 AND user_id = $2 AND product_id = $3 AND source = $4
	           FOR UPDATE`
	if err := tx.GetContext(ctx, &e, q, orgID, userID, productID, source); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.NotFound("entitlement", userID+"/"+productID)
		}
		return nil, apperr.Transient("store", err)
	}
	return &e, nil
}

// CreateEntitlement inserts the initial entitlement row for a subscription
// the platform has not seen before.
func (s *Store) CreateEntitlement(ctx context.Context, tx *sqlx.Tx, e *model.Entitlement) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO entitlements (id, org_id, user_id, product_id, source, state, external_subscription_id,
			current_period_start, current_period_end, trial_end, billing_interval, plan_tier, last_event_id,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now(), now())
		RETURNING created_at, updated_at`
	if err := tx.QueryRowxContext(ctx, q, e.ID, e.OrgID, e.UserID, e.ProductID, e.Source, e.State,
		e.ExternalSubscriptionID, e.CurrentPeriodStart, e.CurrentPeriodEnd, e.TrialEnd, e.BillingInterval,
		e.PlanTier, e.LastEventID).Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("entitlement", e.ID, err)
		}
		return apperr.Transient("store", err)
	}
	return nil
}

// CompareAndSwapEntitlement persists a state transition using optimistic
// locking: the UPDATE only matches the row still in fromState, so a
// concurrent writer that already advanced it loses the race cleanly
// (invariant I4). ok=false means the caller must re-read and retry.
func (s *Store) CompareAndSwapEntitlement(ctx context.Context, tx *sqlx.Tx, e *model.Entitlement, fromState model.EntitlementState) (ok bool, err error) {
	const q = `
		UPDATE entitlements SET
			state = $1, current_period_start = $2, current_period_end = $3, cancel_at = $4,
			trial_end = $5, billing_interval = $6, plan_tier = $7, last_event_id = $8, updated_at = now()
		WHERE id = $9 AND state = $10`
	res, err := tx.ExecContext(ctx, q, e.State, e.CurrentPeriodStart, e.CurrentPeriodEnd, e.CancelAt,
		e.TrialEnd, e.BillingInterval, e.PlanTier, e.LastEventID, e.ID, fromState)
	if err != nil {
		return false, apperr.Transient("store", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Transient("store", err)
	}
	return n == 1, nil
}

// AppendStateTransition records one entry in an entitlement's append-only history.
func (s *Store) AppendStateTransition(ctx context.Context, tx *sqlx.Tx, entitlementID string, t model.StateTransition) error {
	const q = `INSERT INTO entitlement_state_history (id, entitlement_id, from_state, to_state, event_type, event_id, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.ExecContext(ctx, q, uuid.NewString(), entitlementID, t.From, t.To, t.EventType, t.EventID, t.Timestamp); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, orgID, userID, productID string, source model.BillingSource) (*model.Entitlement, error) {
	var e model.Entitlement
	const q = `SELECT id, org_id, user_id, product_id, source, state, external_subscription_id,
	                  current_period_start, current_period_end, cancel_at, trial_end, billing_interval,
	                  plan_tier, last_event_id, created_at, updated_at
	           FROM entitlements
	           WHERE org_id = $1 AND user_id = $2 AND product_id = $3 AND source = $4`
	if err := s.db.GetContext(ctx, &e, q, orgID, userID, productID, source); err != nil {
		if err == ErrNoRows {
			return nil, apperr.NotFound("entitlement", userID+"/"+productID)
		}
		return nil, apperr.Transient("store", err)
	}
	return &e, nil
}

// ListEntitlements returns every entitlement in a tenant, used by the
// detection engine's scheduled scans (entitlement_without_payment,
// silent_renewal_failure, trial_no_conversion).
func (s *Store) ListEntitlements(ctx context.Context, orgID string) ([]model.Entitlement, error) {
	var out []model.Entitlement
	const q = `SELECT id, org_id, user_id, product_id, source, state, external_subscription_id,
	                  current_period_start, current_period_end, cancel_at, trial_end, billing_interval,
	                  plan_tier, last_event_id, created_at, updated_at
	           FROM entitlements WHERE org_id = $1`
	if err := s.db.SelectContext(ctx, &out, q, orgID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	return out, nil
}

// ListEntitlementsByUser returns every entitlement for a user, across products and sources.
func (s *Store) ListEntitlementsByUser(ctx context.Context, orgID, userID string) ([]model.Entitlement, error) {
	var out []model.Entitlement
	const q = `SELECT id, org_id, user_id, product_id, source, state, external_subscription_id,
	                  current_period_start, current_period_end, cancel_at, trial_end, billing_interval,
	                  plan_tier, last_event_id, created_at, updated_at
	           FROM entitlements WHERE org_id = $1 AND user_id = $2`
	if err := s.db.SelectContext(ctx, &out, q, orgID, userID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	return out, nil
}
