// Package ingestion orchestrates the inbound webhook pipeline (spec §4.4):
// connection lookup, signature verification, normalization, per-event
// identity/product resolution, idempotent persistence, and hand-off to the
// entitlement and detection engines.
package ingestion

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/audit"
	"github.com/revback/core/internal/domain/entitlement"
	"github.com/revback/core/internal/domain/identity"
	"github.com/revback/core/internal/domain/normalize"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/secrets"
)

// Store is the subset of store.Store the pipeline depends on directly (the
// entitlement engine and identity resolver bring their own narrower Store
// interfaces).
type Store interface {
	GetBillingConnection(ctx context.Context, orgID string, source model.BillingSource) (*model.BillingConnection, error)
	CreateWebhookLog(ctx context.Context, w *model.WebhookLog) error
	UpdateWebhookLogStatus(ctx context.Context, id string, status model.WebhookProcessingStatus, httpStatus int, errMsg string) error
	TouchBillingConnectionWebhook(ctx context.Context, orgID string, source model.BillingSource) error
	FindProductByExternalID(ctx context.Context, orgID string, source model.BillingSource, externalID string) (*model.Product, error)
	UpsertProduct(ctx context.Context, p *model.Product) error
	InsertCanonicalEvent(ctx context.Context, tx *sqlx.Tx, ev *model.CanonicalEvent) (bool, error)
}

// Detector runs the detection engine (spec §4.6) against a freshly-inserted
// canonical event. Defined here as a narrow interface so the pipeline
// doesn't need to import the detectors package's full registry type.
type Detector interface {
	DetectEvent(ctx context.Context, ev *model.CanonicalEvent) error
}

// Forwarder mirrors proxy.AppleForwarder's signature, kept narrow so the
// pipeline doesn't need to import the proxy package's concrete type. Nil
// means Apple webhook proxying (spec §4.10) is disabled.
type Forwarder interface {
	Forward(ctx context.Context, webhookLogID, target string, raw []byte, headers map[string]string)
}

type Pipeline struct {
	store       Store
	secrets     *secrets.Manager
	normalizers *normalize.Registry
	identity    *identity.Resolver
	entitlement *entitlement.Engine
	detectors   Detector
	audit       *audit.Logger
	log         *logging.Logger
	forwarder   Forwarder
}

func New(store Store, secretsMgr *secrets.Manager, normalizers *normalize.Registry, identityResolver *identity.Resolver, entitlementEngine *entitlement.Engine, detectors Detector, auditLogger *audit.Logger, log *logging.Logger) *Pipeline {
	return &Pipeline{
		store: store, secrets: secretsMgr, normalizers: normalizers, identity: identityResolver,
		entitlement: entitlementEngine, detectors: detectors, audit: auditLogger, log: log,
	}
}

// WithForwarder enables Apple webhook proxying (spec §4.10) on an already
// constructed pipeline.
func (p *Pipeline) WithForwarder(f Forwarder) *Pipeline {
	p.forwarder = f
	return p
}

// Result summarizes what happened to a single inbound webhook delivery, for
// the HTTP handler to translate into a response.
type Result struct {
	WebhookLogID   string
	EventsInserted int
	EventsSkipped  int
	PerEventErrors []string
}

// Ingest runs the full webhook-sourced pipeline for org/source (spec §4.4
// steps 1-5), treating signature failures as permanent (non-retried) errors.
func (p *Pipeline) Ingest(ctx context.Context, orgID string, source model.BillingSource, raw []byte, headers map[string]string) (*Result, error) {
	return p.process(ctx, orgID, source, raw, headers, false)
}

// IngestTrusted feeds a synthesized, already-authenticated event (produced
// by the backfill engine) through the same normalization/persistence path,
// skipping signature verification (spec §4.4 "Trusted-source bypass").
// CanonicalEvent.TrustedSource is set so auditors can distinguish the origin.
func (p *Pipeline) IngestTrusted(ctx context.Context, orgID string, source model.BillingSource, raw []byte) (*Result, error) {
	return p.process(ctx, orgID, source, raw, nil, true)
}

func (p *Pipeline) process(ctx context.Context, orgID string, source model.BillingSource, raw []byte, headers map[string]string, trusted bool) (*Result, error) {
	conn, err := p.store.GetBillingConnection(ctx, orgID, source)
	if err != nil {
		return nil, apperr.Permanent("ingestion", fmt.Errorf("no billing connection for (%s, %s): %w", orgID, source, err))
	}

	wlog := &model.WebhookLog{OrgID: orgID, Source: source, ProcessingStatus: model.WebhookReceived, Body: raw, Headers: headers}
	if err := p.store.CreateWebhookLog(ctx, wlog); err != nil {
		return nil, err
	}
	result := &Result{WebhookLogID: wlog.ID}

	if !trusted && source == model.SourceApple && p.forwarder != nil && conn.OriginalNotificationURL != "" {
		go p.forwarder.Forward(context.Background(), wlog.ID, conn.OriginalNotificationURL, raw, headers)
	}

	normalizer, ok := p.normalizers.Get(source)
	if !ok {
		_ = p.store.UpdateWebhookLogStatus(ctx, wlog.ID, model.WebhookFailed, 0, "no normalizer registered")
		return result, apperr.Permanent("ingestion", fmt.Errorf("no normalizer for source %s", source))
	}

	if !trusted {
		creds, err := p.decryptCredentials(conn)
		if err != nil {
			_ = p.store.UpdateWebhookLogStatus(ctx, wlog.ID, model.WebhookFailed, 500, err.Error())
			return result, err
		}
		if creds.WebhookSecret != "" && !normalizer.VerifySignature(raw, creds, headers) {
			_ = p.store.UpdateWebhookLogStatus(ctx, wlog.ID, model.WebhookFailed, 401, "signature verification failed")
			return result, apperr.Permanent("ingestion", fmt.Errorf("signature verification failed for (%s, %s)", orgID, source))
		}
	}

	events, err := normalizer.Normalize(orgID, raw)
	if err != nil {
		_ = p.store.UpdateWebhookLogStatus(ctx, wlog.ID, model.WebhookFailed, 500, err.Error())
		return result, apperr.Transient("ingestion", err)
	}
	if len(events) == 0 {
		_ = p.store.UpdateWebhookLogStatus(ctx, wlog.ID, model.WebhookSkipped, 200, "")
		return result, nil
	}

	hints := normalizer.ExtractIdentityHints(raw)

	for _, ne := range events {
		if err := p.processOne(ctx, orgID, source, ne, hints, trusted, result); err != nil {
			result.PerEventErrors = append(result.PerEventErrors, err.Error())
			p.log.WithFields(map[string]any{"org_id": orgID, "source": source, "error": err}).Error("ingestion: per-event processing failed")
			continue
		}
	}

	if !trusted {
		_ = p.store.TouchBillingConnectionWebhook(ctx, orgID, source)
	}

	status := model.WebhookProcessed
	if len(result.PerEventErrors) > 0 && result.EventsInserted == 0 {
		status = model.WebhookFailed
	}
	_ = p.store.UpdateWebhookLogStatus(ctx, wlog.ID, status, 200, "")
	return result, nil
}

func (p *Pipeline) processOne(ctx context.Context, orgID string, source model.BillingSource, ne model.NormalizedEvent, hints []model.IdentityHint, trusted bool, result *Result) error {
	ev := &model.CanonicalEvent{
		OrgID: orgID, Source: source, EventType: ne.EventType, SourceEventType: ne.SourceEventType,
		EventTime: ne.EventTime, Status: ne.Status, AmountCents: ne.AmountCents, Currency: ne.Currency,
		ProceedsCents: ne.ProceedsCents, ExternalEventID: ne.ExternalEventID,
		ExternalSubscriptionID: ne.ExternalSubscriptionID, OriginalTransactionID: ne.OriginalTransactionID,
		SubscriptionGroupID: ne.SubscriptionGroupID, PeriodType: ne.PeriodType, ExpirationTime: ne.ExpirationTime,
		GracePeriodExpiration: ne.GracePeriodExpiration, CancellationReason: ne.CancellationReason,
		BillingInterval: ne.BillingInterval, PlanTier: ne.PlanTier, TrialStartedAt: ne.TrialStartedAt,
		Environment: ne.Environment, CountryCode: ne.CountryCode, RawPayload: ne.RawPayload,
		IdempotencyKey: ne.IdempotencyKey, TrustedSource: trusted,
	}

	if len(hints) > 0 && p.identity != nil {
		userID, err := p.identity.Resolve(ctx, orgID, hints)
		if err != nil {
			return fmt.Errorf("ingestion: resolve identity: %w", err)
		}
		ev.UserID = &userID
	}

	if ne.ExternalProductID != "" {
		productID, err := p.resolveProduct(ctx, orgID, source, ne.ExternalProductID)
		if err != nil {
			return fmt.Errorf("ingestion: resolve product: %w", err)
		}
		ev.ProductID = &productID
	}

	inserted, err := p.store.InsertCanonicalEvent(ctx, nil, ev)
	if err != nil {
		return fmt.Errorf("ingestion: insert canonical event: %w", err)
	}
	if !inserted {
		result.EventsSkipped++
		return nil // duplicate delivery; already processed
	}
	result.EventsInserted++

	// Detectors must see entitlement state as of before this event's
	// transition (spec §8 scenario 2): a paid_no_access issue has to be
	// raised for the event that caused the renewal, not suppressed because
	// the renewal already happened.
	if p.detectors != nil {
		if err := p.detectors.DetectEvent(ctx, ev); err != nil {
			return fmt.Errorf("ingestion: run detectors: %w", err)
		}
	}

	if p.entitlement != nil {
		if _, err := p.entitlement.Apply(ctx, ev); err != nil && err != entitlement.ErrNoTransition && err != entitlement.ErrOptimisticLockLost {
			return fmt.Errorf("ingestion: apply entitlement transition: %w", err)
		}
	}

	return nil
}

func (p *Pipeline) resolveProduct(ctx context.Context, orgID string, source model.BillingSource, externalProductID string) (string, error) {
	prod, err := p.store.FindProductByExternalID(ctx, orgID, source, externalProductID)
	if err == nil {
		return prod.ID, nil
	}
	if !apperr.IsNotFound(err) {
		return "", err
	}
	newProduct := &model.Product{
		OrgID: orgID, DisplayName: externalProductID, Active: true,
		ExternalIDs: map[model.BillingSource]string{source: externalProductID},
	}
	if err := p.store.UpsertProduct(ctx, newProduct); err != nil {
		return "", err
	}
	return newProduct.ID, nil
}

func (p *Pipeline) decryptCredentials(conn *model.BillingConnection) (model.ProviderCredentials, error) {
	if len(conn.EncryptedCredentials) == 0 {
		return model.ProviderCredentials{}, nil
	}
	return p.secrets.ReadCredentials(conn.EncryptedCredentials)
}
