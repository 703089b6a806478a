package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

// InsertCanonicalEvent stores ev idempotently keyed on (org_id, idempotency_key)
// (invariant I2). It reports inserted=false without error when the event was
// already recorded, so callers can skip re-running the entitlement/detection
// pipeline for a redelivered webhook.
func (s *Store) InsertCanonicalEvent(ctx context.Context, tx *sqlx.Tx, ev *model.CanonicalEvent) (inserted bool, err error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO canonical_events (
			id, org_id, user_id, product_id, source, event_type, source_event_type, event_time,
			status, amount_cents, currency, proceeds_cents, external_event_id, external_subscription_id,
			original_transaction_id, subscription_group_id, period_type, expiration_time,
			grace_period_expiration, cancellation_reason, billing_interval, plan_tier, trial_started_at,
			environment, country_code, raw_payload, idempotency_key, trusted_source, ingested_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28, now()
		)
		ON CONFLICT (org_id, idempotency_key) DO NOTHING
		RETURNING id, ingested_at`

	exec := s.execer(tx)
	row := exec.QueryRowxContext(ctx, q,
		ev.ID, ev.OrgID, ev.UserID, ev.ProductID, ev.Source, ev.EventType, ev.SourceEventType, ev.EventTime,
		ev.Status, ev.AmountCents, ev.Currency, ev.ProceedsCents, ev.ExternalEventID, ev.ExternalSubscriptionID,
		ev.OriginalTransactionID, ev.SubscriptionGroupID, ev.PeriodType, ev.ExpirationTime,
		ev.GracePeriodExpiration, ev.CancellationReason, ev.BillingInterval, ev.PlanTier, ev.TrialStartedAt,
		ev.Environment, ev.CountryCode, ev.RawPayload, ev.IdempotencyKey, ev.TrustedSource,
	)
	if err := row.Scan(&ev.ID, &ev.IngestedAt); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, apperr.Transient("store", err)
	}
	return true, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) error {
	const q = `UPDATE canonical_events SET processed_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, eventID); err != nil {
		return apperr.Transient("store", err)
	}
	return nil
}

func (s *Store) GetCanonicalEvent(ctx context.Context, orgID, id string) (*model.CanonicalEvent, error) {
	var ev model.CanonicalEvent
	const q = `SELECT * FROM canonical_events WHERE org_id = $1 AND id = $2`
	if err := s.db.GetContext(ctx, &ev, q, orgID, id); err != nil {
		if err == ErrNoRows {
			return nil, apperr.NotFound("canonical_event", id)
		}
		return nil, apperr.Transient("store", err)
	}
	return &ev, nil
}

// ListEventsForSubscription returns every canonical event for a given
// external subscription, ordered by event_time, used by detectors that need
// the full event history (e.g. refund_not_revoked, silent_renewal_failure).
func (s *Store) ListEventsForSubscription(ctx context.Context, orgID string, source model.BillingSource, externalSubscriptionID string) ([]model.CanonicalEvent, error) {
	var out []model.CanonicalEvent
	const q = `SELECT * FROM canonical_events
	           WHERE org_id = $1 AND source = $2 AND external_subscription_id = $3
	           ORDER BY event_time ASC`
	if err := s.db.SelectContext(ctx, &out, q, orgID, source, externalSubscriptionID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	return out, nil
}

// ListRecentEvents returns events ingested for orgID within the given source
// since `since`, used by the webhook_delivery_gap scan.
func (s *Store) ListRecentEvents(ctx context.Context, orgID string, source model.BillingSource, since, until sql.NullTime) ([]model.CanonicalEvent, error) {
	var out []model.CanonicalEvent
	const q = `SELECT * FROM canonical_events
	           WHERE org_id = $1 AND source = $2 AND event_time >= $3 AND event_time < $4
	           ORDER BY event_time ASC`
	if err := s.db.SelectContext(ctx, &out, q, orgID, source, since, until); err != nil {
		return nil, apperr.Transient("store", err)
	}
	return out, nil
}

// RedactOldRawPayloads nulls out canonical_events.raw_payload for events
// older than cutoff, in batches of at most limit rows, as part of the daily
// retention job (spec §4.8). The canonical fields (eventType, amounts,
// state) stay intact; only the raw provider payload (kept for audit) ages
// out. Returns the number of rows redacted.
func (s *Store) RedactOldRawPayloads(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	const q = `
		UPDATE canonical_events SET raw_payload = NULL
		WHERE id IN (
			SELECT id FROM canonical_events
			WHERE event_time < $1 AND raw_payload IS NOT NULL
			LIMIT $2
		)`
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
