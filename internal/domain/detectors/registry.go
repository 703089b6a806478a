// Package detectors implements the detection engine (spec §4.6): a registry
// of named detectors, each optionally reacting to a single stored event and/or
// running a periodic per-tenant scan, writing de-duplicated Issue rows and
// enqueuing an alert-dispatch job for every newly created one.
package detectors

import (
	"context"
	"fmt"

	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/queue"
)

// DetectedIssue is what a detector reports; the engine turns it into an
// Issue row (spec §4.6).
type DetectedIssue struct {
	IssueType             string
	Severity              model.IssueSeverity
	Title                 string
	Description           string
	UserID                *string
	EstimatedRevenueCents int64
	Confidence            float64
	Evidence              map[string]any
	DetectionTier         model.DetectionTier
}

// Detector is addressed by a stable ID. CheckEvent and ScheduledScan are both
// optional (a detector may implement either or both); a detector that
// implements neither is a configuration error.
type Detector interface {
	ID() string
	CheckEvent(ctx context.Context, orgID string, ev *model.CanonicalEvent) ([]DetectedIssue, error)
	ScheduledScan(ctx context.Context, orgID string) ([]DetectedIssue, error)
}

// Store is the subset of store.Store the engine itself needs to persist
// issues; individual detectors take their own narrower dependencies.
type Store interface {
	CreateIssue(ctx context.Context, issue *model.Issue) (bool, error)
}

// Enqueuer is the subset of queue.Queues used to trigger alert dispatch.
type Enqueuer interface {
	Enqueue(ctx context.Context, q queue.Name, payload any, maxAttempts int) (*queue.Job, error)
}

type Engine struct {
	store          Store
	queue          Enqueuer
	log            *logging.Logger
	byID           map[string]Detector
	eventDetectors []Detector
	scanDetectors  []Detector
}

func NewEngine(store Store, q Enqueuer, log *logging.Logger, detectors ...Detector) *Engine {
	e := &Engine{store: store, queue: q, log: log, byID: make(map[string]Detector, len(detectors))}
	for _, d := range detectors {
		e.byID[d.ID()] = d
		e.eventDetectors = append(e.eventDetectors, d)
		e.scanDetectors = append(e.scanDetectors, d)
	}
	return e
}

func (e *Engine) Get(id string) (Detector, bool) {
	d, ok := e.byID[id]
	return d, ok
}

// DetectorIDs lists every registered detector's stable ID, used by the
// scheduler to enumerate (tenant, detector) scan pairs on server start.
func (e *Engine) DetectorIDs() []string {
	ids := make([]string, 0, len(e.byID))
	for id := range e.byID {
		ids = append(ids, id)
	}
	return ids
}

// DetectEvent runs every event-triggered detector against ev, satisfying
// ingestion.Detector.
func (e *Engine) DetectEvent(ctx context.Context, ev *model.CanonicalEvent) error {
	for _, d := range e.eventDetectors {
		found, err := d.CheckEvent(ctx, ev.OrgID, ev)
		if err != nil {
			e.log.WithFields(map[string]any{"detector": d.ID(), "error": err}).Warn("detectors: CheckEvent failed")
			continue
		}
		if err := e.persist(ctx, ev.OrgID, d.ID(), found); err != nil {
			return err
		}
	}
	return nil
}

// RunScheduledScan runs a single detector's periodic scan for orgID, invoked
// by the scheduler per (tenant, detector) cron job.
func (e *Engine) RunScheduledScan(ctx context.Context, orgID, detectorID string) error {
	d, ok := e.byID[detectorID]
	if !ok {
		return fmt.Errorf("detectors: unknown detector %q", detectorID)
	}
	found, err := d.ScheduledScan(ctx, orgID)
	if err != nil {
		return fmt.Errorf("detectors: %s scan failed: %w", detectorID, err)
	}
	return e.persist(ctx, orgID, detectorID, found)
}

func (e *Engine) persist(ctx context.Context, orgID, detectorID string, found []DetectedIssue) error {
	for _, di := range found {
		issue := &model.Issue{
			OrgID: orgID, UserID: di.UserID, IssueType: di.IssueType, Severity: di.Severity,
			Confidence: di.Confidence, EstimatedRevenueCents: di.EstimatedRevenueCents,
			DetectorID: detectorID, DetectionTier: di.DetectionTier, Evidence: di.Evidence,
			Title: di.Title, Description: di.Description,
		}
		created, err := e.store.CreateIssue(ctx, issue)
		if err != nil {
			return fmt.Errorf("detectors: persist issue: %w", err)
		}
		if created && e.queue != nil {
			if _, err := e.queue.Enqueue(ctx, queue.AlertDispatch, map[string]string{"org_id": orgID, "issue_id": issue.ID}, 5); err != nil {
				e.log.WithFields(map[string]any{"issue_id": issue.ID, "error": err}).Error("detectors: failed to enqueue alert dispatch")
			}
		}
	}
	return nil
}
