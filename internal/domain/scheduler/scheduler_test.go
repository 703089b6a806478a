package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/queue"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

type fakeOrgStore struct {
	orgs []model.Organization
}

func (f *fakeOrgStore) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	return f.orgs, nil
}

type fakeDetectorLister struct {
	ids []string
}

func (f *fakeDetectorLister) DetectorIDs() []string { return f.ids }

type fakeQueue struct {
	enqueued []queue.Name
}

func (f *fakeQueue) Enqueue(ctx context.Context, q queue.Name, payload any, maxAttempts int) (*queue.Job, error) {
	f.enqueued = append(f.enqueued, q)
	return &queue.Job{}, nil
}

func TestScheduler_StartRegistersOneJobPerOrgDetectorPairPlusRetention(t *testing.T) {
	orgs := &fakeOrgStore{orgs: []model.Organization{{ID: "org_1"}, {ID: "org_2"}}}
	detectors := &fakeDetectorLister{ids: []string{"refund_not_revoked", "webhook_delivery_gap"}}
	q := &fakeQueue{}
	s := New(orgs, detectors, q, logging.NewDefault("scheduler_test"))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Len(t, s.cron.Entries(), 2*2+1, "2 orgs x 2 detectors + 1 retention job")
}

func TestScheduler_StartSkipsDetectorWithNoConfiguredSchedule(t *testing.T) {
	orgs := &fakeOrgStore{orgs: []model.Organization{{ID: "org_1"}}}
	detectors := &fakeDetectorLister{ids: []string{"unknown_detector"}}
	q := &fakeQueue{}
	s := New(orgs, detectors, q, logging.NewDefault("scheduler_test"))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Len(t, s.cron.Entries(), 1, "only the retention job")
}

func TestScanHandler_InvokesRunScheduledScanWithJobPayload(t *testing.T) {
	var gotOrg, gotDetector string
	runner := scanRunnerFunc(func(ctx context.Context, orgID, detectorID string) error {
		gotOrg, gotDetector = orgID, detectorID
		return nil
	})
	handler := ScanHandler(runner)

	job := &queue.Job{Payload: mustJSON(t, ScanJob{OrgID: "org_1", DetectorID: "refund_not_revoked"})}
	require.NoError(t, handler(context.Background(), job))
	require.Equal(t, "org_1", gotOrg)
	require.Equal(t, "refund_not_revoked", gotDetector)
}

func TestRetentionHandler_DeletesUntilBatchExhausted(t *testing.T) {
	store := &fakeRetentionStore{webhookBatches: []int{1000, 1000, 200}, payloadBatches: []int{1000, 50}}
	handler := RetentionHandler(store, func() time.Time { return time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC) })

	job := &queue.Job{Payload: mustJSON(t, RetentionJob{WebhookLogCutoffDays: 90, RawPayloadCutoffDays: 730})}
	require.NoError(t, handler(context.Background(), job))
	require.Equal(t, 3, store.webhookCalls)
	require.Equal(t, 2, store.payloadCalls)
}

type scanRunnerFunc func(ctx context.Context, orgID, detectorID string) error

func (f scanRunnerFunc) RunScheduledScan(ctx context.Context, orgID, detectorID string) error {
	return f(ctx, orgID, detectorID)
}

type fakeRetentionStore struct {
	webhookBatches []int
	payloadBatches []int
	webhookCalls   int
	payloadCalls   int
}

func (f *fakeRetentionStore) DeleteOldWebhookLogs(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	n := f.webhookBatches[f.webhookCalls]
	f.webhookCalls++
	return n, nil
}

func (f *fakeRetentionStore) RedactOldRawPayloads(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	n := f.payloadBatches[f.payloadCalls]
	f.payloadCalls++
	return n, nil
}
