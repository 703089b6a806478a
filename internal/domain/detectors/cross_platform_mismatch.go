package detectors

import (
	"context"

	"github.com/revback/core/internal/model"
)

type crossPlatformStore interface {
	ListUsersWithMultipleIdentitySources(ctx context.Context, orgID string) ([]string, error)
	ListEntitlementsByUser(ctx context.Context, orgID, userID string) ([]model.Entitlement, error)
}

// CrossPlatformMismatch flags a user whose entitlement state disagrees
// across billing sources in a revenue-relevant way (spec §4.6).
type CrossPlatformMismatch struct {
	store crossPlatformStore
}

func NewCrossPlatformMismatch(store crossPlatformStore) *CrossPlatformMismatch {
	return &CrossPlatformMismatch{store: store}
}

func (d *CrossPlatformMismatch) ID() string { return "cross_platform_mismatch" }

func (d *CrossPlatformMismatch) CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	return nil, nil // scheduled only
}

var payingStates = map[model.EntitlementState]bool{model.StateActive: true, model.StateGracePeriod: true, model.StateBillingRetry: true}
var lapsedStates = map[model.EntitlementState]bool{model.StateExpired: true, model.StateRevoked: true, model.StateRefunded: true}

func (d *CrossPlatformMismatch) ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error) {
	userIDs, err := d.store.ListUsersWithMultipleIdentitySources(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var out []DetectedIssue
	for _, userID := range userIDs {
		entitlements, err := d.store.ListEntitlementsByUser(ctx, orgID, userID)
		if err != nil || len(entitlements) < 2 {
			continue
		}
		hasPaying, hasLapsed := false, false
		for _, ent := range entitlements {
			if payingStates[ent.State] {
				hasPaying = true
			}
			if lapsedStates[ent.State] {
				hasLapsed = true
			}
		}
		if !hasPaying || !hasLapsed {
			continue
		}
		userID := userID
		out = append(out, DetectedIssue{
			IssueType: d.ID(), Severity: model.SeverityWarning, Confidence: 0.85, UserID: &userID,
			Title:    "Entitlement state disagrees across billing sources",
			Evidence: map[string]any{"entitlement_count": len(entitlements)},
		})
	}
	return out, nil
}
