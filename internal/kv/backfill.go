package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// BackfillStatus is the lifecycle of a single per-(source, org) backfill job.
type BackfillStatus string

const (
	BackfillCounting              BackfillStatus = "counting"
	BackfillImportingSubscriptions BackfillStatus = "importing_subscriptions"
	BackfillImportingEvents        BackfillStatus = "importing_events"
	BackfillCompleted              BackfillStatus = "completed"
	BackfillFailed                 BackfillStatus = "failed"
)

// BackfillProgress is the resumable checkpoint for a historical import job
// (spec §4.7), keyed backfill:<source>:<orgID> so a crashed worker can pick
// up a backfill where it left off instead of restarting from page one, and
// so the onboarding status endpoint can report progress mid-run.
type BackfillProgress struct {
	OrgID                  string         `json:"org_id"`
	Source                 string         `json:"source"`
	Status                 BackfillStatus `json:"status"`
	Cursor                 string         `json:"cursor"`
	TotalEstimated         int            `json:"total_estimated"`
	SubscriptionsProcessed int            `json:"subscriptions_processed"`
	Errors                 int            `json:"errors"`
	StartedAt              time.Time      `json:"started_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	DurationMs             int64          `json:"duration_ms"`
}

func backfillKey(source, orgID string) string {
	return fmt.Sprintf("backfill:%s:%s", source, orgID)
}

// SaveBackfillProgress persists p as-is; callers stamp UpdatedAt themselves
// since this package never calls time.Now (keeps it deterministic under test).
func (c *Client) SaveBackfillProgress(ctx context.Context, p *BackfillProgress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("kv: marshal backfill progress: %w", err)
	}
	return c.Set(ctx, backfillKey(p.Source, p.OrgID), raw, 7*24*time.Hour)
}

func (c *Client) GetBackfillProgress(ctx context.Context, source, orgID string) (*BackfillProgress, error) {
	raw, err := c.Get(ctx, backfillKey(source, orgID))
	if err != nil {
		if IsNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv: get backfill progress: %w", err)
	}
	var p BackfillProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("kv: unmarshal backfill progress: %w", err)
	}
	return &p, nil
}

func (c *Client) ClearBackfillProgress(ctx context.Context, source, orgID string) error {
	return c.Del(ctx, backfillKey(source, orgID))
}
