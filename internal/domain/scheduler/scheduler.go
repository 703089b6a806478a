// Package scheduler registers the platform's cron-driven work (spec §4.8):
// one repeatable scan job per (tenant, detector) pair that declares a
// scheduled scan, plus a daily data-retention job. Both classes of job are
// enqueued onto durable queues rather than run inline, so a job that fails
// or crashes is picked up by the queue's normal retry/dead-letter path. A
// tick that never fires (the process was down) enqueues nothing.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/queue"
)

// defaultDetectorSchedules gives every scheduled-scan detector a cron
// expression. The same expression applies to every tenant: Start does not
// read per-tenant overrides from Organization.Settings.
var defaultDetectorSchedules = map[string]string{
	"entitlement_without_payment": "0 */6 * * *",
	"refund_not_revoked":          "*/15 * * * *",
	"webhook_delivery_gap":        "*/10 * * * *",
	"cross_platform_mismatch":     "0 * * * *",
	"silent_renewal_failure":      "0 */4 * * *",
	"trial_no_conversion":         "0 * * * *",
	"verified_paid_no_access":     "0 */2 * * *",
	"verified_access_no_payment":  "0 */2 * * *",
}

// OrgStore lists every tenant so scan jobs can be enumerated across all of
// them on server start.
type OrgStore interface {
	ListOrganizations(ctx context.Context) ([]model.Organization, error)
}

// DetectorLister exposes the scheduled-scan-capable detector IDs registered
// with the detection engine, without scheduler needing the full
// detectors.Engine type.
type DetectorLister interface {
	DetectorIDs() []string
}

// Enqueuer is the subset of queue.Queues used to trigger scan/retention jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, q queue.Name, payload any, maxAttempts int) (*queue.Job, error)
}

// ScanJob is the payload of a scheduled-scans queue job.
type ScanJob struct {
	OrgID      string `json:"org_id"`
	DetectorID string `json:"detector_id"`
}

// RetentionJob is the payload of the daily data-retention queue job.
type RetentionJob struct {
	WebhookLogCutoffDays int `json:"webhook_log_cutoff_days"`
	RawPayloadCutoffDays int `json:"raw_payload_cutoff_days"`
}

const (
	webhookLogRetentionDays = 90
	rawPayloadRetentionDays = 2 * 365
	retentionBatchSize      = 1000
)

// Scheduler owns the cron process that turns wall-clock time into enqueued
// scan and retention jobs.
type Scheduler struct {
	cron      *cron.Cron
	orgs      OrgStore
	detectors DetectorLister
	queue     Enqueuer
	log       *logging.Logger
	schedules map[string]string
}

func New(orgs OrgStore, detectors DetectorLister, q Enqueuer, log *logging.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		orgs:      orgs,
		detectors: detectors,
		queue:     q,
		log:       log,
		schedules: defaultDetectorSchedules,
	}
}

// Start enumerates every (tenant, detector) pair and registers its scan job,
// plus the daily retention job, then starts the cron process. Call Stop to
// halt it; in-flight enqueues are not interrupted.
func (s *Scheduler) Start(ctx context.Context) error {
	orgs, err := s.orgs.ListOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list organizations: %w", err)
	}

	for _, detectorID := range s.detectors.DetectorIDs() {
		expr, ok := s.schedules[detectorID]
		if !ok {
			s.log.WithFields(map[string]any{"detector": detectorID}).Warn("scheduler: no cron schedule configured, skipping")
			continue
		}
		for _, org := range orgs {
			org, detectorID := org, detectorID
			if _, err := s.cron.AddFunc(expr, func() { s.enqueueScan(org.ID, detectorID) }); err != nil {
				return fmt.Errorf("scheduler: register scan %s/%s: %w", org.Slug, detectorID, err)
			}
		}
	}

	if _, err := s.cron.AddFunc("0 3 * * *", s.enqueueRetention); err != nil {
		return fmt.Errorf("scheduler: register retention job: %w", err)
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

func (s *Scheduler) enqueueScan(orgID, detectorID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job := ScanJob{OrgID: orgID, DetectorID: detectorID}
	if _, err := s.queue.Enqueue(ctx, queue.ScheduledScans, job, 3); err != nil {
		s.log.WithError(err).WithFields(map[string]any{"org_id": orgID, "detector": detectorID}).
			Error("scheduler: failed to enqueue scan job")
	}
}

func (s *Scheduler) enqueueRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job := RetentionJob{WebhookLogCutoffDays: webhookLogRetentionDays, RawPayloadCutoffDays: rawPayloadRetentionDays}
	if _, err := s.queue.Enqueue(ctx, queue.DataRetention, job, 3); err != nil {
		s.log.WithError(err).Error("scheduler: failed to enqueue retention job")
	}
}
