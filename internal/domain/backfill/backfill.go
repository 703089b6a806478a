// Package backfill implements the per-provider historical import engine
// (spec §4.7): paginate a provider's subscription/event API, synthesize
// raw webhook-shaped payloads, and feed them through the ingestion
// pipeline's trusted entry point so signature verification is skipped but
// every other step (identity resolution, entitlement transitions,
// detection) runs exactly as it would for a live webhook.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/domain/ingestion"
	"github.com/revback/core/internal/kv"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/resilience"
	"github.com/revback/core/internal/secrets"
)

// Page is one fetched batch of provider records, each already translated
// into the provider's native webhook envelope shape so it can be handed to
// the same normalizer the live webhook path uses.
type Page struct {
	Records    [][]byte
	NextCursor string
	Done       bool
}

// SourceClient is implemented once per billing provider, wrapping whatever
// HTTP client talks to that provider's historical-data API.
type SourceClient interface {
	Source() model.BillingSource
	CountSubscriptions(ctx context.Context, creds model.ProviderCredentials) (int, error)
	ListSubscriptions(ctx context.Context, creds model.ProviderCredentials, cursor string) (Page, error)
	ListEvents(ctx context.Context, creds model.ProviderCredentials, cursor string) (Page, error)
}

// Pipeline is the subset of ingestion.Pipeline the backfill engine drives.
type Pipeline interface {
	IngestTrusted(ctx context.Context, orgID string, source model.BillingSource, raw []byte) (*ingestion.Result, error)
}

type ConnectionStore interface {
	GetBillingConnection(ctx context.Context, orgID string, source model.BillingSource) (*model.BillingConnection, error)
}

type ProgressStore interface {
	SaveBackfillProgress(ctx context.Context, p *kv.BackfillProgress) error
	GetBackfillProgress(ctx context.Context, source, orgID string) (*kv.BackfillProgress, error)
}

// Engine runs backfills with one circuit breaker per (org, source), so a
// provider outage trips independently per tenant. It does not prevent
// concurrent Run calls for the same (org, source).
type Engine struct {
	clients  map[model.BillingSource]SourceClient
	pipeline Pipeline
	conns    ConnectionStore
	progress ProgressStore
	secrets  *secrets.Manager
	breakers map[string]*resilience.CircuitBreaker
	retry    resilience.RetryConfig
	log      *logging.Logger
	now      func() time.Time
}

func New(pipeline Pipeline, conns ConnectionStore, progress ProgressStore, secretsMgr *secrets.Manager, log *logging.Logger, clients ...SourceClient) *Engine {
	byID := make(map[model.BillingSource]SourceClient, len(clients))
	for _, c := range clients {
		byID[c.Source()] = c
	}
	return &Engine{
		clients: byID, pipeline: pipeline, conns: conns, progress: progress, secrets: secretsMgr,
		breakers: make(map[string]*resilience.CircuitBreaker), retry: resilience.DefaultRetryConfig(),
		log: log, now: time.Now,
	}
}

func (e *Engine) breaker(orgID string, source model.BillingSource) *resilience.CircuitBreaker {
	key := orgID + ":" + string(source)
	if b, ok := e.breakers[key]; ok {
		return b
	}
	b := resilience.New(resilience.DefaultProviderConfig())
	e.breakers[key] = b
	return b
}

// Run drives a full backfill for (orgID, source) to completion, resuming
// from any checkpoint already saved in the KV store. It returns an error
// when no client is registered for source, the connection cannot be loaded,
// its credentials cannot be decrypted, progress cannot be loaded or saved,
// or a count or page fetch still fails after retries (including when the
// provider's circuit breaker is open); such a fetch failure fails the whole
// run, whatever its error kind. Per-record ingestion failures are counted
// and skipped, not fatal.
func (e *Engine) Run(ctx context.Context, orgID string, source model.BillingSource) error {
	client, ok := e.clients[source]
	if !ok {
		return fmt.Errorf("backfill: no client registered for source %q", source)
	}
	conn, err := e.conns.GetBillingConnection(ctx, orgID, source)
	if err != nil {
		return fmt.Errorf("backfill: load connection: %w", err)
	}
	creds, err := e.secrets.ReadCredentials(conn.EncryptedCredentials)
	if err != nil {
		return fmt.Errorf("backfill: decrypt credentials: %w", err)
	}

	progress, err := e.progress.GetBackfillProgress(ctx, string(source), orgID)
	if err != nil {
		return fmt.Errorf("backfill: load progress: %w", err)
	}
	started := e.now()
	if progress == nil {
		progress = &kv.BackfillProgress{OrgID: orgID, Source: string(source), Status: kv.BackfillCounting, StartedAt: started}
	} else {
		started = progress.StartedAt
	}

	if progress.Status == kv.BackfillCounting {
		total, err := client.CountSubscriptions(ctx, creds)
		if err != nil {
			return e.fail(ctx, progress, err)
		}
		progress.TotalEstimated = total
		progress.Status = kv.BackfillImportingSubscriptions
		if err := e.save(ctx, progress); err != nil {
			return err
		}
	}

	if progress.Status == kv.BackfillImportingSubscriptions {
		if err := e.drain(ctx, orgID, source, client.ListSubscriptions, creds, progress, kv.BackfillImportingEvents); err != nil {
			return e.fail(ctx, progress, err)
		}
	}

	if progress.Status == kv.BackfillImportingEvents {
		if err := e.drain(ctx, orgID, source, client.ListEvents, creds, progress, kv.BackfillCompleted); err != nil {
			return e.fail(ctx, progress, err)
		}
	}

	progress.Status = kv.BackfillCompleted
	progress.DurationMs = e.now().Sub(started).Milliseconds()
	return e.save(ctx, progress)
}

type fetchFunc func(ctx context.Context, creds model.ProviderCredentials, cursor string) (Page, error)

func (e *Engine) drain(ctx context.Context, orgID string, source model.BillingSource, fetch fetchFunc, creds model.ProviderCredentials, progress *kv.BackfillProgress, nextStatus kv.BackfillStatus) error {
	breaker := e.breaker(orgID, source)
	for {
		var page Page
		err := breaker.Execute(ctx, func() error {
			return resilience.RetryClassified(ctx, e.retry, func() error {
				var rerr error
				page, rerr = fetch(ctx, creds, progress.Cursor)
				return rerr
			})
		})
		if err != nil {
			return err
		}
		for _, raw := range page.Records {
			result, ierr := e.pipeline.IngestTrusted(ctx, orgID, source, raw)
			if ierr != nil {
				e.log.WithFields(map[string]any{"org_id": orgID, "source": source, "error": ierr}).Warn("backfill: record ingestion failed, continuing")
				progress.Errors++
				continue
			}
			progress.SubscriptionsProcessed += result.EventsInserted
			progress.Errors += len(result.PerEventErrors)
		}
		progress.Cursor = page.NextCursor
		if err := e.save(ctx, progress); err != nil {
			return err
		}
		if page.Done {
			break
		}
	}
	progress.Status = nextStatus
	progress.Cursor = ""
	return e.save(ctx, progress)
}

func (e *Engine) save(ctx context.Context, p *kv.BackfillProgress) error {
	p.UpdatedAt = e.now()
	return e.progress.SaveBackfillProgress(ctx, p)
}

func (e *Engine) fail(ctx context.Context, progress *kv.BackfillProgress, cause error) error {
	progress.Status = kv.BackfillFailed
	_ = e.save(ctx, progress)
	if apperr.IsAuth(cause) {
		return fmt.Errorf("backfill: authentication failed: %w", cause)
	}
	return fmt.Errorf("backfill: %w", cause)
}
