package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/model"
)

// OrgStore resolves a tenant's slug to its ID for the inbound webhook route.
type OrgStore interface {
	GetOrganizationBySlug(ctx context.Context, slug string) (*model.Organization, error)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// httpStatusFor maps the apperr taxonomy to a response status, per spec §7.
func httpStatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUpstream, apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgSlug, source := vars["orgSlug"], model.BillingSource(vars["source"])

	ctx := r.Context()
	org, err := s.orgs.GetOrganizationBySlug(ctx, orgSlug)
	if err != nil {
		writeError(w, httpStatusFor(err), "unknown_organization", err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20)) // 2MB cap
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	result, err := s.pipeline.Ingest(ctx, org.ID, source, body, headers)
	if err != nil {
		s.log.WithError(err).WithFields(map[string]any{"org_id": org.ID, "source": source}).Error("webhook ingestion failed")
		writeError(w, httpStatusFor(err), "ingestion_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"webhook_log_id":  result.WebhookLogID,
		"events_inserted": result.EventsInserted,
		"events_skipped":  result.EventsSkipped,
		"errors":          result.PerEventErrors,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTriggerScan lets an operator run a single (tenant, detector) scan
// on demand, outside its cron schedule, for manual verification.
func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgID, detectorID := vars["orgId"], vars["detectorId"]

	if err := s.scanner.RunScheduledScan(r.Context(), orgID, detectorID); err != nil {
		writeError(w, httpStatusFor(err), "scan_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateApiKey issues a new API key for an org (spec §3). The raw
// secret is returned exactly once in this response and is never
// recoverable afterward; only its bcrypt hash is persisted.
func (s *Server) handleCreateApiKey(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["orgId"]

	var req struct {
		Name      string     `json:"name"`
		Scopes    []string   `json:"scopes"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to decode request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_name", "name is required")
		return
	}

	raw, key, err := s.keys.Issue(r.Context(), orgID, req.Name, req.Scopes, req.ExpiresAt)
	if err != nil {
		writeError(w, httpStatusFor(err), "api_key_issue_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id": key.ID, "name": key.Name, "prefix": key.Prefix, "key": raw, "scopes": key.Scopes,
	})
}

// handleQueueHealth reports waiting/active/dead-letter depth for one named
// queue, for an operator dashboard or alerting probe.
func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	name := queueNameFromPath(mux.Vars(r)["name"])
	ctx := r.Context()

	waiting, err := s.queues.Waiting(ctx, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue_health_failed", err.Error())
		return
	}
	active, err := s.queues.Active(ctx, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue_health_failed", err.Error())
		return
	}
	dead, err := s.queues.DeadLettered(ctx, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue_health_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"waiting": len(waiting), "active": len(active), "dead_letter": len(dead),
	})
}
