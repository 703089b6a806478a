package detectors

import (
	"context"
	"time"

	"github.com/revback/core/internal/model"
)

type connectionStore interface {
	ListBillingConnections(ctx context.Context, orgID string) ([]model.BillingConnection, error)
}

// gapThreshold is the (warning, critical) latency pair since lastWebhookAt,
// per provider (spec §4.6).
var gapThresholds = map[model.BillingSource][2]time.Duration{
	model.SourceStripe:  {4 * time.Hour, 12 * time.Hour},
	model.SourceApple:   {12 * time.Hour, 48 * time.Hour},
	model.SourceGoogle:  {6 * time.Hour, 24 * time.Hour},
	model.SourceRecurly: {4 * time.Hour, 12 * time.Hour},
}

// WebhookDeliveryGap flags a BillingConnection whose webhooks have gone
// silent beyond its provider's threshold, or that has never received one
// past the connection's first 24 hours (spec §4.6).
type WebhookDeliveryGap struct {
	store connectionStore
	now   func() time.Time
}

func NewWebhookDeliveryGap(store connectionStore) *WebhookDeliveryGap {
	return &WebhookDeliveryGap{store: store, now: time.Now}
}

func (d *WebhookDeliveryGap) ID() string { return "webhook_delivery_gap" }

func (d *WebhookDeliveryGap) CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	return nil, nil // scheduled only
}

func (d *WebhookDeliveryGap) ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error) {
	conns, err := d.store.ListBillingConnections(ctx, orgID)
	if err != nil {
		return nil, err
	}
	thresholds, now := gapThresholds, d.now()
	var out []DetectedIssue
	for _, c := range conns {
		th, ok := thresholds[c.Source]
		if !ok {
			continue
		}
		warn, crit := th[0], th[1]

		if c.LastWebhookAt == nil {
			if now.Sub(c.CreatedAt) > 24*time.Hour {
				out = append(out, DetectedIssue{
					IssueType: d.ID(), Severity: model.SeverityCritical, Confidence: 0.95,
					Title:    "Billing connection has never received a webhook",
					Evidence: map[string]any{"connection_id": c.ID, "source": c.Source, "connected_at": c.CreatedAt},
				})
			}
			continue
		}

		gap := now.Sub(*c.LastWebhookAt)
		switch {
		case gap >= crit:
			out = append(out, DetectedIssue{
				IssueType: d.ID(), Severity: model.SeverityCritical, Confidence: 0.9,
				Title:    "Webhook delivery gap exceeds critical threshold",
				Evidence: map[string]any{"connection_id": c.ID, "source": c.Source, "gap": gap.String(), "threshold": crit.Hours()},
			})
		case gap >= warn:
			out = append(out, DetectedIssue{
				IssueType: d.ID(), Severity: model.SeverityWarning, Confidence: 0.75,
				Title:    "Webhook delivery gap exceeds warning threshold",
				Evidence: map[string]any{"connection_id": c.ID, "source": c.Source, "gap": gap.String(), "threshold": warn.Hours()},
			})
		}
	}
	return out, nil
}
