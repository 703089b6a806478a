package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/revback/core/internal/domain/ingestion"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/queue"
)

// Pipeline is the subset of ingestion.Pipeline the webhook handler needs.
type Pipeline interface {
	Ingest(ctx context.Context, orgID string, source model.BillingSource, raw []byte, headers map[string]string) (*ingestion.Result, error)
}

// ScanRunner lets the admin API trigger a single scan outside its schedule.
type ScanRunner interface {
	RunScheduledScan(ctx context.Context, orgID, detectorID string) error
}

// QueueInspector is the subset of queue.Queues the admin health endpoint
// needs.
type QueueInspector interface {
	Waiting(ctx context.Context, q queue.Name) ([]queue.Job, error)
	Active(ctx context.Context, q queue.Name) ([]queue.Job, error)
	DeadLettered(ctx context.Context, q queue.Name) ([]queue.Job, error)
}

// ApiKeyIssuer issues org API keys (spec §3, ApiKey.hash) for the setup
// admin endpoint.
type ApiKeyIssuer interface {
	Issue(ctx context.Context, orgID, name string, scopes []string, expiresAt *time.Time) (rawKey string, key *model.ApiKey, err error)
}

// Server owns the gorilla/mux router serving every core HTTP endpoint.
type Server struct {
	router   *mux.Router
	orgs     OrgStore
	pipeline Pipeline
	scanner  ScanRunner
	queues   QueueInspector
	keys     ApiKeyIssuer
	log      *logging.Logger
}

func New(orgs OrgStore, pipeline Pipeline, scanner ScanRunner, queues QueueInspector, keys ApiKeyIssuer, log *logging.Logger) *Server {
	s := &Server{orgs: orgs, pipeline: pipeline, scanner: scanner, queues: queues, keys: keys, log: log}
	s.router = mux.NewRouter()
	s.router.Use(recoveryMiddleware(log))
	s.router.Use(loggingMiddleware(log))

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/webhooks/{orgSlug}/{source}", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/admin/orgs/{orgId}/scan/{detectorId}", s.handleTriggerScan).Methods(http.MethodPost)
	s.router.HandleFunc("/admin/queues/{name}/health", s.handleQueueHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/orgs/{orgId}/api-keys", s.handleCreateApiKey).Methods(http.MethodPost)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func queueNameFromPath(name string) queue.Name { return queue.Name(name) }
