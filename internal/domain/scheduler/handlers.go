package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/revback/core/internal/queue"
)

// ScanRunner runs one detector's scheduled scan for a tenant, satisfying
// detectors.Engine.RunScheduledScan.
type ScanRunner interface {
	RunScheduledScan(ctx context.Context, orgID, detectorID string) error
}

// ScanHandler adapts a ScanRunner into a queue.Handler for the
// scheduled-scans queue; register with Queues.RegisterHandler.
func ScanHandler(runner ScanRunner) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload ScanJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("scheduler: unmarshal scan job: %w", err)
		}
		return runner.RunScheduledScan(ctx, payload.OrgID, payload.DetectorID)
	}
}

// RetentionStore is the subset of store.Store the retention job needs.
type RetentionStore interface {
	DeleteOldWebhookLogs(ctx context.Context, cutoff time.Time, limit int) (int, error)
	RedactOldRawPayloads(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// RetentionHandler adapts a RetentionStore into a queue.Handler for the
// data-retention queue. It runs both sweeps to exhaustion in batches, per
// spec §4.8's "batches of 1000" semantics.
func RetentionHandler(store RetentionStore, now func() time.Time) queue.Handler {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, job *queue.Job) error {
		var payload RetentionJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("scheduler: unmarshal retention job: %w", err)
		}

		webhookCutoff := now().AddDate(0, 0, -payload.WebhookLogCutoffDays)
		for {
			n, err := store.DeleteOldWebhookLogs(ctx, webhookCutoff, retentionBatchSize)
			if err != nil {
				return fmt.Errorf("scheduler: delete old webhook logs: %w", err)
			}
			if n < retentionBatchSize {
				break
			}
		}

		payloadCutoff := now().AddDate(0, 0, -payload.RawPayloadCutoffDays)
		for {
			n, err := store.RedactOldRawPayloads(ctx, payloadCutoff, retentionBatchSize)
			if err != nil {
				return fmt.Errorf("scheduler: redact old raw payloads: %w", err)
			}
			if n < retentionBatchSize {
				break
			}
		}
		return nil
	}
}
