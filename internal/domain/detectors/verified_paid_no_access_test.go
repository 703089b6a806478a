package detectors

import (
	"context"
	"testing"
	"time"

	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeVerifiedPaidStore struct {
	ents   []model.Entitlement
	checks map[string]*model.AccessCheck // keyed by userID|productID
}

func accessKey(userID, productID string) string { return userID + "|" + productID }

func (f *fakeVerifiedPaidStore) ListEntitlements(ctx context.Context, orgID string) ([]model.Entitlement, error) {
	return f.ents, nil
}

func (f *fakeVerifiedPaidStore) LatestAccessCheck(ctx context.Context, orgID, userID, productID string) (*model.AccessCheck, error) {
	if c, ok := f.checks[accessKey(userID, productID)]; ok {
		return c, nil
	}
	return nil, apperr.NotFound("access_check", userID)
}

func TestVerifiedPaidNoAccess_FlagsActiveEntitlementWithRecentDenial(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	fs := &fakeVerifiedPaidStore{
		ents: []model.Entitlement{{ID: "ent_1", UserID: "u1", ProductID: "p1", State: model.StateActive}},
		checks: map[string]*model.AccessCheck{
			accessKey("u1", "p1"): {ID: "ac_1", HasAccess: false, CheckedAt: now.Add(-time.Hour)},
		},
	}
	d := NewVerifiedPaidNoAccess(fs)
	d.now = func() time.Time { return now }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, model.TierAppVerified, found[0].DetectionTier)
	require.Equal(t, model.SeverityCritical, found[0].Severity)
}

func TestVerifiedPaidNoAccess_SkipsStaleAccessCheck(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	fs := &fakeVerifiedPaidStore{
		ents: []model.Entitlement{{ID: "ent_1", UserID: "u1", ProductID: "p1", State: model.StateActive}},
		checks: map[string]*model.AccessCheck{
			accessKey("u1", "p1"): {ID: "ac_1", HasAccess: false, CheckedAt: now.Add(-48 * time.Hour)},
		},
	}
	d := NewVerifiedPaidNoAccess(fs)
	d.now = func() time.Time { return now }

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestVerifiedPaidNoAccess_SkipsWhenNoAccessCheckRecorded(t *testing.T) {
	fs := &fakeVerifiedPaidStore{
		ents:   []model.Entitlement{{ID: "ent_1", UserID: "u1", ProductID: "p1", State: model.StateActive}},
		checks: map[string]*model.AccessCheck{},
	}
	d := NewVerifiedPaidNoAccess(fs)

	found, err := d.ScheduledScan(context.Background(), "org_1")
	require.NoError(t, err)
	require.Empty(t, found)
}
