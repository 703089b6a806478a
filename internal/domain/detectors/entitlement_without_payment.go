package detectors

import (
	"context"
	"time"

	"github.com/revback/core/internal/model"
)

type paymentHistoryStore interface {
	ListEntitlements(ctx context.Context, orgID string) ([]model.Entitlement, error)
	ListEventsForSubscription(ctx context.Context, orgID string, source model.BillingSource, externalSubscriptionID string) ([]model.CanonicalEvent, error)
}

// EntitlementWithoutPayment flags an active entitlement with no successful
// payment event inside its billing period plus a 14-day grace window
// (spec §4.6).
type EntitlementWithoutPayment struct {
	store paymentHistoryStore
	now   func() time.Time
}

func NewEntitlementWithoutPayment(store paymentHistoryStore) *EntitlementWithoutPayment {
	return &EntitlementWithoutPayment{store: store, now: time.Now}
}

func (d *EntitlementWithoutPayment) ID() string { return "entitlement_without_payment" }

func (d *EntitlementWithoutPayment) CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	return nil, nil // scheduled only
}

func periodMonths(interval string) int {
	switch interval {
	case "year":
		return 12
	case "week":
		return 1
	default:
		return 1
	}
}

func (d *EntitlementWithoutPayment) ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error) {
	entitlements, err := d.store.ListEntitlements(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var out []DetectedIssue
	now := d.now()
	for _, ent := range entitlements {
		if ent.State != model.StateActive || ent.ExternalSubscriptionID == "" {
			continue
		}
		window := time.Duration(periodMonths(ent.BillingInterval)) * 30 * 24 * time.Hour
		window += 14 * 24 * time.Hour
		events, err := d.store.ListEventsForSubscription(ctx, orgID, ent.Source, ent.ExternalSubscriptionID)
		if err != nil {
			continue
		}
		var lastPayment time.Time
		for _, e := range events {
			if e.EventType == model.EventRenewal && e.Status == model.EventStatusSuccess && e.EventTime.After(lastPayment) {
				lastPayment = e.EventTime
			}
		}
		if lastPayment.IsZero() {
			lastPayment = ent.CreatedAt
		}
		if now.Sub(lastPayment) <= window {
			continue
		}
		userID := ent.UserID
		out = append(out, DetectedIssue{
			IssueType: d.ID(), Severity: model.SeverityWarning, Confidence: 0.85,
			Title: "Active entitlement has no recent successful payment", UserID: &userID,
			Evidence: map[string]any{"entitlement_id": ent.ID, "last_payment_at": lastPayment, "window": window.String()},
		})
	}
	return out, nil
}
