package detectors

import (
	"context"

	"github.com/revback/core/internal/model"
)

type entitlementStore interface {
	GetEntitlement(ctx context.Context, orgID, userID, productID string, source model.BillingSource) (*model.Entitlement, error)
}

// PaidNoAccess flags a successful purchase/renewal/trial_conversion whose
// entitlement never reached an access-granting state (spec §4.6).
type PaidNoAccess struct {
	store entitlementStore
}

func NewPaidNoAccess(store entitlementStore) *PaidNoAccess { return &PaidNoAccess{store: store} }

func (d *PaidNoAccess) ID() string { return "paid_no_access" }

var paidEventTypes = map[model.EventType]bool{
	model.EventPurchase:        true,
	model.EventRenewal:         true,
	model.EventTrialConversion: true,
}

var noAccessStates = map[model.EntitlementState]bool{
	model.StateInactive: true,
	model.StateExpired:  true,
	model.StateRevoked:  true,
	model.StateRefunded: true,
}

func (d *PaidNoAccess) CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	if !paidEventTypes[ev.EventType] || ev.Status != model.EventStatusSuccess || ev.UserID == nil || ev.ProductID == nil {
		return nil, nil
	}
	ent, err := d.store.GetEntitlement(ctx, orgID, *ev.UserID, *ev.ProductID, ev.Source)
	if err != nil {
		return nil, nil // no entitlement row yet: the engine hasn't caught up, nothing to flag
	}
	if !noAccessStates[ent.State] {
		return nil, nil
	}
	return []DetectedIssue{{
		IssueType: d.ID(), Severity: model.SeverityCritical, Confidence: 0.95,
		Title: "Payment received but entitlement denies access", UserID: ev.UserID,
		EstimatedRevenueCents: ev.AmountCents,
		Evidence: map[string]any{
			"event_id": ev.ID, "entitlement_id": ent.ID, "entitlement_state": ent.State, "source": ev.Source,
		},
	}}, nil
}

func (d *PaidNoAccess) ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error) {
	return nil, nil // event-triggered only
}
