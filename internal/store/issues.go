package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

// CreateIssue inserts a new Issue unless an open issue of the same
// (detector_id, user_id, issue_type) already exists, implementing the
// detector de-duplication policy of spec §4.6. created=false means an
// existing open issue was found and returned untouched.
func (s *Store) CreateIssue(ctx context.Context, issue *model.Issue) (created bool, err error) {
	existing, err := s.findOpenIssue(ctx, issue.OrgID, issue.DetectorID, issue.UserID, issue.IssueType)
	if err != nil && !apperr.IsNotFound(err) {
		return false, err
	}
	if existing != nil {
		*issue = *existing
		return false, nil
	}

	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	evidence, merr := json.Marshal(issue.Evidence)
	if merr != nil {
		return false, apperr.Validation("marshal issue evidence: %v", merr)
	}
	const q = `
		INSERT INTO issues (id, org_id, user_id, issue_type, severity, status, confidence,
			estimated_revenue_cents, detector_id, detection_tier, evidence, title, description, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,'open',$6,$7,$8,$9,$10,$11,$12, now(), now())
		RETURNING created_at, updated_at`
	if err := s.db.QueryRowxContext(ctx, q, issue.ID, issue.OrgID, issue.UserID, issue.IssueType, issue.Severity,
		issue.Confidence, issue.EstimatedRevenueCents, issue.DetectorID, issue.DetectionTier, evidence,
		issue.Title, issue.Description).Scan(&issue.CreatedAt, &issue.UpdatedAt); err != nil {
		return false, apperr.Transient("store", err)
	}
	issue.Status = model.IssueOpen
	return true, nil
}

func (s *Store) findOpenIssue(ctx context.Context, orgID, detectorID string, userID *string, issueType string) (*model.Issue, error) {
	var rows []struct {
		model.Issue
		Evidence []byte `db:"evidence"`
	}
	const q = `SELECT id, org_id, user_id, issue_type, severity, status, confidence, estimated_revenue_cents,
	                  detector_id, detection_tier, evidence, title, description, created_at, updated_at
	           FROM issues
	           WHERE org_id = $1 AND detector_id = $2 AND issue_type = $3 AND status = 'open'
	             AND user_id IS NOT DISTINCT FROM $4`
	if err := s.db.SelectContext(ctx, &rows, q, orgID, detectorID, issueType, userID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("issue", issueType)
	}
	issue := rows[0].Issue
	_ = json.Unmarshal(rows[0].Evidence, &issue.Evidence)
	return &issue, nil
}

// GetIssue fetches a single issue by ID, scoped to orgID, used by the alert
// dispatcher to resolve an AlertDispatch queue job's issue_id.
func (s *Store) GetIssue(ctx context.Context, orgID, issueID string) (*model.Issue, error) {
	var rows []struct {
		model.Issue
		Evidence []byte `db:"evidence"`
	}
	const q = `SELECT id, org_id, user_id, issue_type, severity, status, confidence, estimated_revenue_cents,
	                  detector_id, detection_tier, evidence, title, description, created_at, updated_at
	           FROM issues WHERE org_id = $1 AND id = $2`
	if err := s.db.SelectContext(ctx, &rows, q, orgID, issueID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("issue", issueID)
	}
	issue := rows[0].Issue
	_ = json.Unmarshal(rows[0].Evidence, &issue.Evidence)
	return &issue, nil
}

func (s *Store) UpdateIssueStatus(ctx context.Context, orgID, issueID string, status model.IssueStatus, metadata map[string]any) error {
	meta, _ := json.Marshal(metadata)
	const q = `UPDATE issues SET status = $1, resolution_metadata = $2, updated_at = now() WHERE org_id = $3 AND id = $4`
	res, err := s.db.ExecContext(ctx, q, status, meta, orgID, issueID)
	if err != nil {
		return apperr.Transient("store", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("issue", issueID)
	}
	return nil
}

func (s *Store) ListOpenIssues(ctx context.Context, orgID string) ([]model.Issue, error) {
	var rows []struct {
		model.Issue
		Evidence []byte `db:"evidence"`
	}
	const q = `SELECT id, org_id, user_id, issue_type, severity, status, confidence, estimated_revenue_cents,
	                  detector_id, detection_tier, evidence, title, description, created_at, updated_at
	           FROM issues WHERE org_id = $1 AND status = 'open' ORDER BY created_at DESC`
	if err := s.db.SelectContext(ctx, &rows, q, orgID); err != nil {
		return nil, apperr.Transient("store", err)
	}
	out := make([]model.Issue, 0, len(rows))
	for _, r := range rows {
		issue := r.Issue
		_ = json.Unmarshal(r.Evidence, &issue.Evidence)
		out = append(out, issue)
	}
	return out, nil
}
