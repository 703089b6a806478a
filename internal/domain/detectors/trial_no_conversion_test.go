package detectors

import (
	"context"
	"testing"
	"time"

	"github.com/revback/core/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeEntitlementListStore struct {
	ents []model.Entitlement
}

func (f *fakeEntitlementListStore) ListEntitlements(ctx context.Context, orgID string) ([]model.Entitlement, error) {
	return f.ents, nil
}

func TestTrialNoConversion_InfoSeverityJustAfterTrialEnd(t *testing.T) {
	trialEnd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakeEntitlementListStore{ents: []model.Entitlement{{
		ID: "ent_1", UserID: "u1", State: model.StateExpired, TrialEnd: &trialEnd,
	}}}
	d := NewTrialNoConversion(fs)
	d.now = func() time.Time { return trialEnd }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, model.SeverityInfo, found[0].Severity)
	require.InDelta(t, 0.6, found[0].Confidence, 0.0001)
}

func TestTrialNoConversion_WarningSeverityAndCappedConfidenceAfter20Hours(t *testing.T) {
	trialEnd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakeEntitlementListStore{ents: []model.Entitlement{{
		ID: "ent_1", UserID: "u1", State: model.StateExpired, TrialEnd: &trialEnd,
	}}}
	d := NewTrialNoConversion(fs)
	d.now = func() time.Time { return trialEnd.Add(20 * time.Hour) }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, model.SeverityWarning, found[0].Severity)
	require.InDelta(t, 0.90, found[0].Confidence, 0.0001)
}

func TestTrialNoConversion_SkipsActiveEntitlement(t *testing.T) {
	trialEnd := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fs := &fakeEntitlementListStore{ents: []model.Entitlement{{
		ID: "ent_1", State: model.StateActive, TrialEnd: &trialEnd,
	}}}
	d := NewTrialNoConversion(fs)
	d.now = func() time.Time { return trialEnd.Add(time.Hour) }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestTrialNoConversion_SkipsWhenTrialStillRunning(t *testing.T) {
	trialEnd := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	fs := &fakeEntitlementListStore{ents: []model.Entitlement{{
		ID: "ent_1", State: model.StateTrial, TrialEnd: &trialEnd,
	}}}
	d := NewTrialNoConversion(fs)
	d.now = func() time.Time { return trialEnd.Add(-time.Hour) }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Empty(t, found)
}
