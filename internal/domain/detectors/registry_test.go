package detectors

import (
	"context"
	"testing"

	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/queue"
	"github.com/stretchr/testify/require"
)

type fakeIssueStore struct {
	created []*model.Issue
	dedupeKeys map[string]bool
}

func (f *fakeIssueStore) CreateIssue(ctx context.Context, issue *model.Issue) (bool, error) {
	key := issue.OrgID + "|" + issue.IssueType
	if f.dedupeKeys == nil {
		f.dedupeKeys = map[string]bool{}
	}
	if f.dedupeKeys[key] {
		return false, nil
	}
	f.dedupeKeys[key] = true
	issue.ID = "issue_" + issue.IssueType
	f.created = append(f.created, issue)
	return true, nil
}

type fakeEnqueuer struct {
	jobs []queue.Name
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, q queue.Name, payload any, maxAttempts int) (*queue.Job, error) {
	f.jobs = append(f.jobs, q)
	return &queue.Job{}, nil
}

type stubDetector struct {
	id     string
	events []DetectedIssue
	scans  []DetectedIssue
}

func (s *stubDetector) ID() string { return s.id }
func (s *stubDetector) CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error) {
	return s.events, nil
}
func (s *stubDetector) ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error) {
	return s.scans, nil
}

func TestEngine_DetectEventPersistsAndEnqueuesAlert(t *testing.T) {
	store := &fakeIssueStore{}
	enq := &fakeEnqueuer{}
	d := &stubDetector{id: "stub", events: []DetectedIssue{{IssueType: "stub", Severity: model.SeverityWarning}}}
	engine := NewEngine(store, enq, logging.NewDefault("test"), d)

	err := engine.DetectEvent(context.Background(), &model.CanonicalEvent{OrgID: "org_1"})
	require.NoError(t, err)
	require.Len(t, store.created, 1)
	require.Equal(t, []queue.Name{queue.AlertDispatch}, enq.jobs)
}

func TestEngine_DetectEventSkipsEnqueueOnDuplicateIssue(t *testing.T) {
	store := &fakeIssueStore{}
	enq := &fakeEnqueuer{}
	d := &stubDetector{id: "stub", events: []DetectedIssue{{IssueType: "stub"}}}
	engine := NewEngine(store, enq, logging.NewDefault("test"), d)
	ctx := context.Background()

	require.NoError(t, engine.DetectEvent(ctx, &model.CanonicalEvent{OrgID: "org_1"}))
	require.NoError(t, engine.DetectEvent(ctx, &model.CanonicalEvent{OrgID: "org_1"}))

	require.Len(t, enq.jobs, 1, "second detection of the same issue must not re-alert")
}

func TestEngine_RunScheduledScanUnknownDetectorErrors(t *testing.T) {
	engine := NewEngine(&fakeIssueStore{}, &fakeEnqueuer{}, logging.NewDefault("test"))
	err := engine.RunScheduledScan(context.Background(), "org_1", "nonexistent")
	require.Error(t, err)
}
