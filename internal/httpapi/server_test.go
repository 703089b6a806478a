package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/domain/ingestion"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/queue"
	"github.com/stretchr/testify/require"
)

type fakeOrgStore struct {
	org *model.Organization
	err error
}

func (f *fakeOrgStore) GetOrganizationBySlug(ctx context.Context, slug string) (*model.Organization, error) {
	return f.org, f.err
}

type fakePipeline struct {
	result *ingestion.Result
	err    error
	gotOrg string
	gotSrc model.BillingSource
}

func (f *fakePipeline) Ingest(ctx context.Context, orgID string, source model.BillingSource, raw []byte, headers map[string]string) (*ingestion.Result, error) {
	f.gotOrg, f.gotSrc = orgID, source
	return f.result, f.err
}

type fakeScanner struct {
	gotOrg, gotDetector string
	err                 error
}

func (f *fakeScanner) RunScheduledScan(ctx context.Context, orgID, detectorID string) error {
	f.gotOrg, f.gotDetector = orgID, detectorID
	return f.err
}

type fakeQueueInspector struct{}

func (f *fakeQueueInspector) Waiting(ctx context.Context, q queue.Name) ([]queue.Job, error) { return []queue.Job{{}}, nil }
func (f *fakeQueueInspector) Active(ctx context.Context, q queue.Name) ([]queue.Job, error)  { return nil, nil }
func (f *fakeQueueInspector) DeadLettered(ctx context.Context, q queue.Name) ([]queue.Job, error) {
	return nil, nil
}

type fakeApiKeyIssuer struct {
	gotOrg, gotName string
	err             error
}

func (f *fakeApiKeyIssuer) Issue(ctx context.Context, orgID, name string, scopes []string, expiresAt *time.Time) (string, *model.ApiKey, error) {
	f.gotOrg, f.gotName = orgID, name
	if f.err != nil {
		return "", nil, f.err
	}
	return "rb_rawsecret", &model.ApiKey{ID: "key_1", OrgID: orgID, Name: name, Prefix: "rb_rawsecre", Scopes: scopes}, nil
}

func TestServer_HandleWebhookResolvesOrgAndIngests(t *testing.T) {
	orgs := &fakeOrgStore{org: &model.Organization{ID: "org_1", Slug: "acme"}}
	pipeline := &fakePipeline{result: &ingestion.Result{WebhookLogID: "wl_1", EventsInserted: 1}}
	s := New(orgs, pipeline, &fakeScanner{}, &fakeQueueInspector{}, &fakeApiKeyIssuer{}, logging.NewDefault("httpapi_test"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/acme/stripe", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "org_1", pipeline.gotOrg)
	require.Equal(t, model.SourceStripe, pipeline.gotSrc)
}

func TestServer_HandleWebhookReturns404ForUnknownOrg(t *testing.T) {
	orgs := &fakeOrgStore{err: apperr.NotFound("organization", "nope")}
	s := New(orgs, &fakePipeline{}, &fakeScanner{}, &fakeQueueInspector{}, &fakeApiKeyIssuer{}, logging.NewDefault("httpapi_test"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/nope/stripe", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HandleTriggerScanInvokesRunner(t *testing.T) {
	scanner := &fakeScanner{}
	s := New(&fakeOrgStore{}, &fakePipeline{}, scanner, &fakeQueueInspector{}, &fakeApiKeyIssuer{}, logging.NewDefault("httpapi_test"))

	req := httptest.NewRequest(http.MethodPost, "/admin/orgs/org_1/scan/refund_not_revoked", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "org_1", scanner.gotOrg)
	require.Equal(t, "refund_not_revoked", scanner.gotDetector)
}

func TestServer_HandleQueueHealthReportsDepths(t *testing.T) {
	s := New(&fakeOrgStore{}, &fakePipeline{}, &fakeScanner{}, &fakeQueueInspector{}, &fakeApiKeyIssuer{}, logging.NewDefault("httpapi_test"))

	req := httptest.NewRequest(http.MethodGet, "/admin/queues/alert-dispatch/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"active":0,"dead_letter":0,"waiting":1}`, rec.Body.String())
}

func TestServer_HandleCreateApiKeyReturnsRawSecretOnce(t *testing.T) {
	issuer := &fakeApiKeyIssuer{}
	s := New(&fakeOrgStore{}, &fakePipeline{}, &fakeScanner{}, &fakeQueueInspector{}, issuer, logging.NewDefault("httpapi_test"))

	body := strings.NewReader(`{"name":"ci key","scopes":["events:write"]}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/orgs/org_1/api-keys", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "org_1", issuer.gotOrg)
	require.Equal(t, "ci key", issuer.gotName)
	require.Contains(t, rec.Body.String(), "rb_rawsecret")
}

func TestServer_HandleCreateApiKeyRejectsEmptyName(t *testing.T) {
	s := New(&fakeOrgStore{}, &fakePipeline{}, &fakeScanner{}, &fakeQueueInspector{}, &fakeApiKeyIssuer{}, logging.NewDefault("httpapi_test"))

	body := strings.NewReader(`{"name":""}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/orgs/org_1/api-keys", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Healthz(t *testing.T) {
	s := New(&fakeOrgStore{}, &fakePipeline{}, &fakeScanner{}, &fakeQueueInspector{}, &fakeApiKeyIssuer{}, logging.NewDefault("httpapi_test"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
