package detectors

import (
	"context"
	"time"

	"github.com/revback/core/internal/model"
)

type verifiedAccessStore interface {
	ListAccessChecksSince(ctx context.Context, orgID string, since time.Time) ([]model.AccessCheck, error)
	ListEntitlementsByUser(ctx context.Context, orgID, userID string) ([]model.Entitlement, error)
}

var payingOrPendingStates = map[model.EntitlementState]bool{
	model.StateActive: true, model.StateTrial: true, model.StateGracePeriod: true, model.StateBillingRetry: true,
}

// VerifiedAccessNoPayment is a Tier-2 detector (spec §4.6): the customer's
// app reports hasAccess=true for a user/product with no entitlement that
// would justify it in any billing source.
type VerifiedAccessNoPayment struct {
	store verifiedAccessStore
	now   func() time.Time
}

func NewVerifiedAccessNoPayment(store verifiedAccessStore) *VerifiedAccessNoPayment {
	return &VerifiedAccessNoPayment{store: store, now: time.Now}
}

func (d *VerifiedAccessNoPayment) ID() string { return "verified_access_no_payment" }

func (d *VerifiedAccessNoPayment) CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	return nil, nil // scheduled only
}

func (d *VerifiedAccessNoPayment) ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error) {
	checks, err := d.store.ListAccessChecksSince(ctx, orgID, d.now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	var out []DetectedIssue
	for _, check := range checks {
		if !check.HasAccess {
			continue
		}
		entitlements, err := d.store.ListEntitlementsByUser(ctx, orgID, check.UserID)
		if err != nil {
			return nil, err
		}
		justified := false
		for _, ent := range entitlements {
			if ent.ProductID == check.ProductID && payingOrPendingStates[ent.State] {
				justified = true
				break
			}
		}
		if justified {
			continue
		}
		userID := check.UserID
		out = append(out, DetectedIssue{
			IssueType: d.ID(), Severity: model.SeverityWarning, Confidence: 0.95, UserID: &userID,
			DetectionTier: model.TierAppVerified,
			Title:         "App reports access with no supporting entitlement",
			Evidence:      map[string]any{"access_check_id": check.ID, "product_id": check.ProductID, "checked_at": check.CheckedAt},
		})
	}
	return out, nil
}
