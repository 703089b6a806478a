package detectors

import (
	"context"
	"time"

	"github.com/revback/core/internal/model"
)

// SilentRenewalFailure flags an entitlement still marked active whose
// currentPeriodEnd lapsed 1-5 days ago with no renewal/cancel/refund/expiration
// event recorded since (spec §4.6).
type SilentRenewalFailure struct {
	store paymentHistoryStore
	now   func() time.Time
}

func NewSilentRenewalFailure(store paymentHistoryStore) *SilentRenewalFailure {
	return &SilentRenewalFailure{store: store, now: time.Now}
}

func (d *SilentRenewalFailure) ID() string { return "silent_renewal_failure" }

func (d *SilentRenewalFailure) CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	return nil, nil // scheduled only
}

var lapseResolvingTypes = map[model.EventType]bool{
	model.EventRenewal: true, model.EventCancellation: true, model.EventRefund: true, model.EventExpiration: true,
}

func (d *SilentRenewalFailure) ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error) {
	entitlements, err := d.store.ListEntitlements(ctx, orgID)
	if err != nil {
		return nil, err
	}
	now := d.now()
	var out []DetectedIssue
	for _, ent := range entitlements {
		if ent.State != model.StateActive || ent.CurrentPeriodEnd == nil || ent.ExternalSubscriptionID == "" {
			continue
		}
		lapse := now.Sub(*ent.CurrentPeriodEnd)
		if lapse < 24*time.Hour || lapse > 5*24*time.Hour {
			continue
		}
		events, err := d.store.ListEventsForSubscription(ctx, orgID, ent.Source, ent.ExternalSubscriptionID)
		if err != nil {
			continue
		}
		resolved := false
		for _, e := range events {
			if lapseResolvingTypes[e.EventType] && e.EventTime.After(*ent.CurrentPeriodEnd) {
				resolved = true
				break
			}
		}
		if resolved {
			continue
		}
		userID := ent.UserID
		out = append(out, DetectedIssue{
			IssueType: d.ID(), Severity: model.SeverityWarning, Confidence: 0.8, UserID: &userID,
			Title:    "Entitlement period lapsed with no renewal, cancellation, or refund",
			Evidence: map[string]any{"entitlement_id": ent.ID, "current_period_end": ent.CurrentPeriodEnd},
		})
	}
	return out, nil
}
