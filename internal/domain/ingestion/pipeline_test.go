package ingestion

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/revback/core/internal/apperr"
	"github.com/revback/core/internal/domain/normalize"
	"github.com/revback/core/internal/domain/normalize/stripe"
	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	conn           *model.BillingConnection
	webhookLogs    []model.WebhookLog
	lastStatus     model.WebhookProcessingStatus
	events         map[string]*model.CanonicalEvent // keyed by idempotency key
	products       map[string]*model.Product
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: map[string]*model.CanonicalEvent{}, products: map[string]*model.Product{}}
}

func (f *fakeStore) GetBillingConnection(ctx context.Context, orgID string, source model.BillingSource) (*model.BillingConnection, error) {
	if f.conn == nil {
		return nil, apperr.NotFound("billing_connection", string(source))
	}
	return f.conn, nil
}

func (f *fakeStore) CreateWebhookLog(ctx context.Context, w *model.WebhookLog) error {
	w.ID = uuid.NewString()
	f.webhookLogs = append(f.webhookLogs, *w)
	return nil
}

func (f *fakeStore) UpdateWebhookLogStatus(ctx context.Context, id string, status model.WebhookProcessingStatus, httpStatus int, errMsg string) error {
	f.lastStatus = status
	return nil
}

func (f *fakeStore) TouchBillingConnectionWebhook(ctx context.Context, orgID string, source model.BillingSource) error {
	return nil
}

func (f *fakeStore) FindProductByExternalID(ctx context.Context, orgID string, source model.BillingSource, externalID string) (*model.Product, error) {
	if p, ok := f.products[externalID]; ok {
		return p, nil
	}
	return nil, apperr.NotFound("product", externalID)
}

func (f *fakeStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for ext := range p.ExternalIDs {
		f.products[p.ExternalIDs[ext]] = p
	}
	return nil
}

func (f *fakeStore) InsertCanonicalEvent(ctx context.Context, tx *sqlx.Tx, ev *model.CanonicalEvent) (bool, error) {
	if _, exists := f.events[ev.IdempotencyKey]; exists {
		return false, nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	f.events[ev.IdempotencyKey] = ev
	return true, nil
}

func newTestPipeline(fs *fakeStore) *Pipeline {
	registry := normalize.NewRegistry(stripe.New())
	return New(fs, nil, registry, nil, nil, nil, nil, logging.NewDefault("ingestion_test"))
}

const stripeCreatedPayload = `{
	"id": "evt_1", "type": "customer.subscription.created", "created": 1700000000,
	"data": {"object": {
		"id": "sub_1", "customer": "cus_1", "status": "active",
		"items": {"data": [{"price": {"id": "price_1", "nickname": "pro", "recurring": {"interval": "month"}}}]}
	}}
}`

func TestIngestTrusted_InsertsCanonicalEventOnFirstDelivery(t *testing.T) {
	fs := newFakeStore()
	fs.conn = &model.BillingConnection{OrgID: "org_1", Source: model.SourceStripe, Active: true}
	p := newTestPipeline(fs)

	result, err := p.IngestTrusted(context.Background(), "org_1", model.SourceStripe, []byte(stripeCreatedPayload))
	require.NoError(t, err)
	require.Empty(t, result.PerEventErrors)
	require.Len(t, fs.events, 1)
}

func TestIngestTrusted_DuplicateDeliveryIsNoop(t *testing.T) {
	fs := newFakeStore()
	fs.conn = &model.BillingConnection{OrgID: "org_1", Source: model.SourceStripe, Active: true}
	p := newTestPipeline(fs)
	ctx := context.Background()

	_, err := p.IngestTrusted(ctx, "org_1", model.SourceStripe, []byte(stripeCreatedPayload))
	require.NoError(t, err)
	_, err = p.IngestTrusted(ctx, "org_1", model.SourceStripe, []byte(stripeCreatedPayload))
	require.NoError(t, err)

	require.Len(t, fs.events, 1, "redelivery of the same event must not duplicate")
}

func TestIngest_MissingBillingConnectionFailsPermanently(t *testing.T) {
	fs := newFakeStore()
	p := newTestPipeline(fs)

	_, err := p.Ingest(context.Background(), "org_1", model.SourceStripe, []byte(stripeCreatedPayload), nil)
	require.Error(t, err)
}

func TestIngestTrusted_UnknownNativeEventSkipsWithoutError(t *testing.T) {
	fs := newFakeStore()
	fs.conn = &model.BillingConnection{OrgID: "org_1", Source: model.SourceStripe, Active: true}
	p := newTestPipeline(fs)

	raw := []byte(`{"id": "evt_2", "type": "some.unknown.event", "created": 1700000000, "data": {"object": {}}}`)
	result, err := p.IngestTrusted(context.Background(), "org_1", model.SourceStripe, raw)
	require.NoError(t, err)
	require.Equal(t, model.WebhookSkipped, fs.lastStatus)
	require.Empty(t, fs.events)
	_ = result
}
