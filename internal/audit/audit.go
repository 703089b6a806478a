// Package audit records mutating administrative actions as append-only
// AuditLog rows (spec §4.10), including the user.merged records produced by
// identity resolution.
package audit

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/revback/core/internal/model"
)

// Recorder is the subset of store.Store this package depends on, kept as an
// interface so domain packages can be tested without a real database.
type Recorder interface {
	RecordAudit(ctx context.Context, tx *sqlx.Tx, a *model.AuditLog) error
}

type Logger struct {
	store Recorder
}

func New(store Recorder) *Logger { return &Logger{store: store} }

// Record appends an entry outside of any transaction.
func (l *Logger) Record(ctx context.Context, orgID, actorType, actorID, action, resourceType, resourceID string, metadata map[string]any) error {
	return l.store.RecordAudit(ctx, nil, &model.AuditLog{
		OrgID: orgID, ActorType: actorType, ActorID: actorID,
		Action: action, ResourceType: resourceType, ResourceID: resourceID, Metadata: metadata,
	})
}

// RecordTx appends an entry joined to tx, so it commits atomically with the
// mutation it describes (e.g. an identity merge's rebind).
func (l *Logger) RecordTx(ctx context.Context, tx *sqlx.Tx, orgID, actorType, actorID, action, resourceType, resourceID string, metadata map[string]any) error {
	return l.store.RecordAudit(ctx, tx, &model.AuditLog{
		OrgID: orgID, ActorType: actorType, ActorID: actorID,
		Action: action, ResourceType: resourceType, ResourceID: resourceID, Metadata: metadata,
	})
}

// System-actor convenience: most audit records produced by the detection
// and ingestion pipelines are attributed to the system, not a human operator.
const (
	ActorSystem = "system"
	ActorAPIKey = "api_key"
	ActorUser   = "user"
)

func (l *Logger) RecordSystem(ctx context.Context, orgID, action, resourceType, resourceID string, metadata map[string]any) error {
	return l.Record(ctx, orgID, ActorSystem, "", action, resourceType, resourceID, metadata)
}
