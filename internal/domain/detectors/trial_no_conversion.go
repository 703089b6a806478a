package detectors

import (
	"context"
	"time"

	"github.com/revback/core/internal/model"
)

type entitlementListStore interface {
	ListEntitlements(ctx context.Context, orgID string) ([]model.Entitlement, error)
}

// TrialNoConversion flags an entitlement whose trial period ended without
// converting to active (spec §4.6). Severity escalates and confidence
// climbs the longer conversion has not happened:
// confidence = min(0.6 + 0.02*hoursSinceTrialEnd, 0.90).
type TrialNoConversion struct {
	store entitlementListStore
	now   func() time.Time
}

func NewTrialNoConversion(store entitlementListStore) *TrialNoConversion {
	return &TrialNoConversion{store: store, now: time.Now}
}

func (d *TrialNoConversion) ID() string { return "trial_no_conversion" }

func (d *TrialNoConversion) CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	return nil, nil // scheduled only
}

func (d *TrialNoConversion) ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error) {
	entitlements, err := d.store.ListEntitlements(ctx, orgID)
	if err != nil {
		return nil, err
	}
	now := d.now()
	var out []DetectedIssue
	for _, ent := range entitlements {
		if ent.TrialEnd == nil || now.Before(*ent.TrialEnd) || ent.State == model.StateActive {
			continue
		}
		hoursSince := now.Sub(*ent.TrialEnd).Hours()
		confidence := 0.6 + 0.02*hoursSince
		if confidence > 0.90 {
			confidence = 0.90
		}
		severity := model.SeverityInfo
		if hoursSince >= 12 {
			severity = model.SeverityWarning
		}
		userID := ent.UserID
		out = append(out, DetectedIssue{
			IssueType: d.ID(), Severity: severity, Confidence: confidence, UserID: &userID,
			Title:    "Trial ended without converting to a paid entitlement",
			Evidence: map[string]any{"entitlement_id": ent.ID, "trial_end": ent.TrialEnd, "hours_since": hoursSince},
		})
	}
	return out, nil
}
