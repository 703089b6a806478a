package backfill

import (
	"context"
	"testing"

	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/domain/ingestion"
	"github.com/revback/core/internal/kv"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/secrets"
	"github.com/stretchr/testify/require"
)

type fakeConnStore struct {
	conn *model.BillingConnection
}

func (f *fakeConnStore) GetBillingConnection(ctx context.Context, orgID string, source model.BillingSource) (*model.BillingConnection, error) {
	if f.conn == nil {
		return nil, apperr.NotFound("billing_connection", string(source))
	}
	return f.conn, nil
}

type fakeProgressStore struct {
	saved map[string]*kv.BackfillProgress
}

func newFakeProgressStore() *fakeProgressStore {
	return &fakeProgressStore{saved: map[string]*kv.BackfillProgress{}}
}

func (f *fakeProgressStore) SaveBackfillProgress(ctx context.Context, p *kv.BackfillProgress) error {
	cp := *p
	f.saved[p.Source+":"+p.OrgID] = &cp
	return nil
}

func (f *fakeProgressStore) GetBackfillProgress(ctx context.Context, source, orgID string) (*kv.BackfillProgress, error) {
	if p, ok := f.saved[source+":"+orgID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

type fakePipeline struct {
	ingested []string
}

func (f *fakePipeline) IngestTrusted(ctx context.Context, orgID string, source model.BillingSource, raw []byte) (*ingestion.Result, error) {
	f.ingested = append(f.ingested, string(raw))
	return &ingestion.Result{EventsInserted: 1}, nil
}

type stubSourceClient struct {
	source        model.BillingSource
	subsPages     [][]byte
	eventsPages   [][]byte
	countErr      error
}

func (s *stubSourceClient) Source() model.BillingSource { return s.source }

func (s *stubSourceClient) CountSubscriptions(ctx context.Context, creds model.ProviderCredentials) (int, error) {
	return len(s.subsPages), s.countErr
}

func (s *stubSourceClient) ListSubscriptions(ctx context.Context, creds model.ProviderCredentials, cursor string) (Page, error) {
	return Page{Records: s.subsPages, Done: true}, nil
}

func (s *stubSourceClient) ListEvents(ctx context.Context, creds model.ProviderCredentials, cursor string) (Page, error) {
	return Page{Records: s.eventsPages, Done: true}, nil
}

func testManager(t *testing.T) *secrets.Manager {
	t.Helper()
	mgr, err := secrets.NewManager("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", "")
	require.NoError(t, err)
	return mgr
}

func TestEngine_RunCompletesThroughAllStages(t *testing.T) {
	mgr := testManager(t)
	blob, err := mgr.WriteCredentials(model.ProviderCredentials{})
	require.NoError(t, err)

	conns := &fakeConnStore{conn: &model.BillingConnection{OrgID: "org_1", Source: model.SourceStripe, EncryptedCredentials: blob}}
	progress := newFakeProgressStore()
	pipeline := &fakePipeline{}
	client := &stubSourceClient{source: model.SourceStripe, subsPages: [][]byte{[]byte("sub1")}, eventsPages: [][]byte{[]byte("evt1")}}
	engine := New(pipeline, conns, progress, mgr, logging.NewDefault("backfill_test"), client)

	err = engine.Run(context.Background(), "org_1", model.SourceStripe)
	require.NoError(t, err)

	saved := progress.saved["stripe:org_1"]
	require.NotNil(t, saved)
	require.Equal(t, kv.BackfillCompleted, saved.Status)
	require.Len(t, pipeline.ingested, 2)
}

func TestEngine_RunFailsOnMissingConnection(t *testing.T) {
	mgr := testManager(t)
	progress := newFakeProgressStore()
	pipeline := &fakePipeline{}
	client := &stubSourceClient{source: model.SourceStripe}
	engine := New(pipeline, &fakeConnStore{}, progress, mgr, logging.NewDefault("backfill_test"), client)

	err := engine.Run(context.Background(), "org_1", model.SourceStripe)
	require.Error(t, err)
}

func TestEngine_RunMarksFailedOnCountError(t *testing.T) {
	mgr := testManager(t)
	blob, err := mgr.WriteCredentials(model.ProviderCredentials{})
	require.NoError(t, err)

	conns := &fakeConnStore{conn: &model.BillingConnection{OrgID: "org_1", Source: model.SourceStripe, EncryptedCredentials: blob}}
	progress := newFakeProgressStore()
	pipeline := &fakePipeline{}
	client := &stubSourceClient{source: model.SourceStripe, countErr: apperr.Auth("invalid api key")}
	engine := New(pipeline, conns, progress, mgr, logging.NewDefault("backfill_test"), client)

	err = engine.Run(context.Background(), "org_1", model.SourceStripe)
	require.Error(t, err)
	require.Equal(t, kv.BackfillFailed, progress.saved["stripe:org_1"].Status)
}
