package detectors

import (
	"context"
	"testing"
	"time"

	"github.com/revback/core/internal/model"
	"github.com/stretchr/testify/require"
)

func TestSilentRenewalFailure_FlagsLapseWithNoResolvingEvent(t *testing.T) {
	periodEnd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakePaymentHistoryStore{
		ents: []model.Entitlement{{
			ID: "ent_1", UserID: "u1", State: model.StateActive,
			ExternalSubscriptionID: "sub_1", CurrentPeriodEnd: &periodEnd,
		}},
		events: map[string][]model.CanonicalEvent{"sub_1": {}},
	}
	d := NewSilentRenewalFailure(fs)
	d.now = func() time.Time { return periodEnd.Add(2 * 24 * time.Hour) }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestSilentRenewalFailure_SkipsWhenRenewalEventFollowsLapse(t *testing.T) {
	periodEnd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakePaymentHistoryStore{
		ents: []model.Entitlement{{
			ID: "ent_1", UserID: "u1", State: model.StateActive,
			ExternalSubscriptionID: "sub_1", CurrentPeriodEnd: &periodEnd,
		}},
		events: map[string][]model.CanonicalEvent{"sub_1": {
			{EventType: model.EventRenewal, EventTime: periodEnd.Add(time.Hour)},
		}},
	}
	d := NewSilentRenewalFailure(fs)
	d.now = func() time.Time { return periodEnd.Add(2 * 24 * time.Hour) }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestSilentRenewalFailure_SkipsOutsideOneToFiveDayWindow(t *testing.T) {
	periodEnd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakePaymentHistoryStore{
		ents: []model.Entitlement{{
			ID: "ent_1", State: model.StateActive,
			ExternalSubscriptionID: "sub_1", CurrentPeriodEnd: &periodEnd,
		}},
	}
	d := NewSilentRenewalFailure(fs)
	d.now = func() time.Time { return periodEnd.Add(10 * time.Hour) }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Empty(t, found)
}
