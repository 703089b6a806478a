package detectors

import (
	"context"
	"testing"
	"time"

	"github.com/revback/core/internal/model"
	"github.com/stretchr/testify/require"
)

type fakePaymentHistoryStore struct {
	ents   []model.Entitlement
	events map[string][]model.CanonicalEvent
}

func (f *fakePaymentHistoryStore) ListEntitlements(ctx context.Context, orgID string) ([]model.Entitlement, error) {
	return f.ents, nil
}

func (f *fakePaymentHistoryStore) ListEventsForSubscription(ctx context.Context, orgID string, source model.BillingSource, externalSubscriptionID string) ([]model.CanonicalEvent, error) {
	return f.events[externalSubscriptionID], nil
}

func TestEntitlementWithoutPayment_FlagsStaleActiveSubscription(t *testing.T) {
	fs := &fakePaymentHistoryStore{
		ents: []model.Entitlement{{
			ID: "ent_1", UserID: "u1", State: model.StateActive, ExternalSubscriptionID: "sub_1",
			BillingInterval: "month", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		events: map[string][]model.CanonicalEvent{
			"sub_1": {{
				EventType: model.EventRenewal, Status: model.EventStatusSuccess,
				EventTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
		},
	}
	d := NewEntitlementWithoutPayment(fs)
	d.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestEntitlementWithoutPayment_SkipsWithinWindow(t *testing.T) {
	fs := &fakePaymentHistoryStore{
		ents: []model.Entitlement{{
			ID: "ent_1", UserID: "u1", State: model.StateActive, ExternalSubscriptionID: "sub_1",
			BillingInterval: "month", CreatedAt: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		}},
		events: map[string][]model.CanonicalEvent{
			"sub_1": {{
				EventType: model.EventRenewal, Status: model.EventStatusSuccess,
				EventTime: time.Date(2025, 12, 15, 0, 0, 0, 0, time.UTC),
			}},
		},
	}
	d := NewEntitlementWithoutPayment(fs)
	d.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestEntitlementWithoutPayment_SkipsNonActiveEntitlement(t *testing.T) {
	fs := &fakePaymentHistoryStore{
		ents: []model.Entitlement{{
			ID: "ent_1", State: model.StateExpired, ExternalSubscriptionID: "sub_1",
			CreatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
	}
	d := NewEntitlementWithoutPayment(fs)
	d.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Empty(t, found)
}
