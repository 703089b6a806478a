package detectors

import (
	"context"
	"time"

	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

type verifiedPaidStore interface {
	ListEntitlements(ctx context.Context, orgID string) ([]model.Entitlement, error)
	LatestAccessCheck(ctx context.Context, orgID, userID, productID string) (*model.AccessCheck, error)
}

// VerifiedPaidNoAccess is a Tier-2 detector (spec §4.6): an active entitlement
// says the user paid, but the customer's own app reports hasAccess=false
// within the last 24h. Corroborated by AccessCheck, so it runs at higher
// confidence than the billing-only paid_no_access detector.
type VerifiedPaidNoAccess struct {
	store verifiedPaidStore
	now   func() time.Time
}

func NewVerifiedPaidNoAccess(store verifiedPaidStore) *VerifiedPaidNoAccess {
	return &VerifiedPaidNoAccess{store: store, now: time.Now}
}

func (d *VerifiedPaidNoAccess) ID() string { return "verified_paid_no_access" }

func (d *VerifiedPaidNoAccess) CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	return nil, nil // scheduled only
}

func (d *VerifiedPaidNoAccess) ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error) {
	entitlements, err := d.store.ListEntitlements(ctx, orgID)
	if err != nil {
		return nil, err
	}
	cutoff := d.now().Add(-24 * time.Hour)
	var out []DetectedIssue
	for _, ent := range entitlements {
		if ent.State != model.StateActive {
			continue
		}
		check, err := d.store.LatestAccessCheck(ctx, orgID, ent.UserID, ent.ProductID)
		if err != nil {
			if apperr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if check.HasAccess || check.CheckedAt.Before(cutoff) {
			continue
		}
		userID := ent.UserID
		out = append(out, DetectedIssue{
			IssueType: d.ID(), Severity: model.SeverityCritical, Confidence: 0.95, UserID: &userID,
			DetectionTier: model.TierAppVerified,
			Title:         "Active entitlement but app reports no access",
			Evidence: map[string]any{
				"entitlement_id": ent.ID, "access_check_id": check.ID, "checked_at": check.CheckedAt,
			},
		})
	}
	return out, nil
}
