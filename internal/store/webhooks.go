package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

func (s *Store) CreateWebhookLog(ctx context.Context, w *model.WebhookLog) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	const q = `INSERT INTO webhook_logs (id, org_id, source, external_event_id, processing_status, http_status, error, body, created_at)
	           VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now()) RETURNING created_at`
	if err := s.db.QueryRowxContext(ctx, q, w.ID, w.OrgID, w.Source, w.ExternalEventID, w.ProcessingStatus,
		w.HTTPStatus, w.Error, w.Body).Scan(&w.CreatedAt); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

func (s *Store) UpdateWebhookLogStatus(ctx context.Context, id string, status model.WebhookProcessingStatus, httpStatus int, errMsg string) error {
	const q = `UPDATE webhook_logs SET processing_status = $1, http_status = $2, error = $3 WHERE id = $4`
	if _, err := s.db.ExecContext(ctx, q, status, httpStatus, errMsg, id); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

// LogProxyForward records the outcome of forwarding a copy of an inbound
// webhook to a tenant-configured URL (spec §4.10), independent of the row's
// own processing_status.
func (s *Store) LogProxyForward(ctx context.Context, webhookLogID string, httpStatus int, errMsg string) error {
	const q = `UPDATE webhook_logs SET http_status = $1, error = $2 WHERE id = $3`
	if _, err := s.db.ExecContext(ctx, q, httpStatus, errMsg, webhookLogID); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

// DeleteOldWebhookLogs removes webhook_logs rows older than cutoff, in
// batches of at most limit rows, as part of the daily retention job
// (spec §4.8). Returns the number of rows deleted.
func (s *Store) DeleteOldWebhookLogs(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	const q = `
		DELETE FROM webhook_logs
		WHERE id IN (SELECT id FROM webhook_logs WHERE created_at < $1 LIMIT $2)`
	res, err := s.db.ExecContext(ctx, q, cutoff, limit)
	if err != nil {
		return 0, apperr.Transient("store", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Transient("store", err)
	}
	return int(n), nil
}

// CountWebhooksSince supports the webhook_delivery_gap detector's baseline
// calculation (spec §4.6).
func (s *Store) CountWebhooksSince(ctx context.Context, orgID string, source model.BillingSource, sinceMinutes int) (int, error) {
	var count int
	const q = `SELECT count(*) FROM webhook_logs
	           WHERE org_id = $1 AND source = $2 AND created_at >= now() - ($3 || ' minutes')::interval`
	if err := s.db.GetContext(ctx, &count, q, orgID, source, sinceMinutes); err != nil {
		return 0, apperr.Transient("store", err)
	}
	return count, nil
}

func (s *Store) CreateAccessCheck(ctx context.Context, a *model.AccessCheck) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	const q = `INSERT INTO access_checks (id, org_id, user_id, product_id, has_access, checked_at)
	           VALUES ($1,$2,$3,$4,$5, now()) RETURNING checked_at`
	if err := s.db.QueryRowxContext(ctx, q, a.ID, a.OrgID, a.UserID, a.ProductID, a.HasAccess).Scan(&a.CheckedAt); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

// LatestAccessCheck returns the most recent AccessCheck for (user, product),
// used to corroborate billing-only detections into app_verified (spec §4.6).
func (s *Store) LatestAccessCheck(ctx context.Context, orgID, userID, productID string) (*model.AccessCheck, error) {
	var a model.AccessCheck
	const q = `SELECT id, org_id, user_id, product_id, has_access, checked_at FROM access_checks
	           WHERE org_id = $1 AND user_id = $2 AND product_id = $3 ORDER BY checked_at DESC LIMIT 1`
	if err := s.db.GetContext(ctx, &a, q, orgID, userID, productID); err != nil {
		if err == ErrNoRows {
			return nil, apperr.NotFound("access_check", userID)
		}
		return nil, apperr.Transient("store", err)
	}
	return &a, nil
}

// ListAccessChecksSince returns every AccessCheck recorded in a tenant no
// earlier than since, used by the verified_access_no_payment scan to find
// app-reported access with no corresponding entitlement.
func (s *Store) ListAccessChecksSince(ctx context.Context, orgID string, since time.Time) ([]model.AccessCheck, error) {
	var out []model.AccessCheck
	const q = `SELECT id, org_id, user_id, product_id, has_access, checked_at FROM access_checks
	           WHERE org_id = $1 AND checked_at >= $2`
	if err := s.db.SelectContext(ctx, &out, q, orgID, since); err != nil {
		return nil, apperr.Transient("store", err)
	}
	return out, nil
}
