package detectors

import (
	"context"
	"time"

	"github.com/revback/core/internal/model"
)

type refundStore interface {
	entitlementStore
	ListEntitlements(ctx context.Context, orgID string) ([]model.Entitlement, error)
	ListEventsForSubscription(ctx context.Context, orgID string, source model.BillingSource, externalSubscriptionID string) ([]model.CanonicalEvent, error)
}

// RefundNotRevoked flags a refund whose entitlement has not moved to a
// revoked/refunded/expired state more than an hour later (spec §4.6).
type RefundNotRevoked struct {
	store refundStore
	now   func() time.Time
}

func NewRefundNotRevoked(store refundStore) *RefundNotRevoked {
	return &RefundNotRevoked{store: store, now: time.Now}
}

func (d *RefundNotRevoked) ID() string { return "refund_not_revoked" }

var refundResolvedStates = map[model.EntitlementState]bool{
	model.StateRefunded: true, model.StateRevoked: true, model.StateExpired: true,
}

func (d *RefundNotRevoked) CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	if ev.EventType != model.EventRefund || ev.UserID == nil || ev.ProductID == nil {
		return nil, nil
	}
	return d.evaluate(ctx, orgID, *ev.UserID, *ev.ProductID, ev.Source, ev)
}

func (d *RefundNotRevoked) evaluate(ctx context.Context, orgID, userID, productID string, source model.BillingSource, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	if d.now().Sub(ev.EventTime) < time.Hour {
		return nil, nil
	}
	ent, err := d.store.GetEntitlement(ctx, orgID, userID, productID, source)
	if err != nil || refundResolvedStates[ent.State] {
		return nil, nil
	}
	return []DetectedIssue{{
		IssueType: d.ID(), Severity: model.SeverityWarning, Confidence: 0.92,
		Title: "Refund issued but entitlement not revoked", UserID: &userID,
		EstimatedRevenueCents: ev.AmountCents,
		Evidence:              map[string]any{"event_id": ev.ID, "entitlement_id": ent.ID, "entitlement_state": ent.State},
	}}, nil
}

func (d *RefundNotRevoked) ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error) {
	entitlements, err := d.store.ListEntitlements(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var out []DetectedIssue
	for _, ent := range entitlements {
		if refundResolvedStates[ent.State] || ent.ExternalSubscriptionID == "" {
			continue
		}
		events, err := d.store.ListEventsForSubscription(ctx, orgID, ent.Source, ent.ExternalSubscriptionID)
		if err != nil {
			continue
		}
		var lastRefund *model.CanonicalEvent
		for i := range events {
			if events[i].EventType == model.EventRefund {
				lastRefund = &events[i]
			}
		}
		if lastRefund == nil {
			continue
		}
		found, err := d.evaluate(ctx, orgID, ent.UserID, ent.ProductID, ent.Source, lastRefund)
		if err != nil {
			continue
		}
		out = append(out, found...)
	}
	return out, nil
}
