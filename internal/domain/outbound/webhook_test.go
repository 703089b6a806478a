package outbound

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/queue"
	"github.com/stretchr/testify/require"
)

func TestWebhookWorker_SignsPayloadAndSucceedsOn2xx(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-RevBack-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeAlertStore{}
	worker := NewWebhookWorker(store, nil, logging.NewDefault("outbound_test"))

	payload := WebhookDeliveryJob{
		OrgID: "org_1", ConfigID: "cfg_1", IssueID: "iss_1",
		Target: srv.URL, SigningSecret: "s3cr3t", EventType: "issue.created",
		Body: json.RawMessage(`{"id":"iss_1"}`),
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	job := &queue.Job{Payload: raw, Attempt: 1}

	require.NoError(t, worker.Handler()(context.Background(), job))

	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write(gotBody)
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
	require.Len(t, store.deliveries, 1)
	require.True(t, store.deliveries[0].Success)
}

func TestWebhookWorker_ReturnsErrorOnNon2xxForQueueRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := &fakeAlertStore{}
	worker := NewWebhookWorker(store, nil, logging.NewDefault("outbound_test"))

	payload := WebhookDeliveryJob{OrgID: "org_1", ConfigID: "cfg_1", IssueID: "iss_1", Target: srv.URL, EventType: "issue.created"}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	job := &queue.Job{Payload: raw, Attempt: 3}

	err = worker.Handler()(context.Background(), job)
	require.Error(t, err)
	require.Len(t, store.deliveries, 1)
	require.False(t, store.deliveries[0].Success)
	require.Equal(t, 3, store.deliveries[0].Attempt)
}

func TestDispatcher_EnqueueWebhookCarriesSigningSecretAndTarget(t *testing.T) {
	issue := &model.Issue{ID: "iss_1", OrgID: "org_1", Title: "t"}
	cfg := model.AlertConfiguration{ID: "cfg_1", OrgID: "org_1", Channel: model.ChannelWebhook, Target: "https://example.com/hook", SigningSecret: "topsecret"}
	store := &fakeAlertStore{issue: issue}
	q := &capturingQueue{}
	d := New(store, q, logging.NewDefault("outbound_test"))

	require.NoError(t, d.enqueueWebhook(context.Background(), cfg, issue))
	require.Len(t, q.payloads, 1)
	job := q.payloads[0].(WebhookDeliveryJob)
	require.Equal(t, "https://example.com/hook", job.Target)
	require.Equal(t, "topsecret", job.SigningSecret)
	require.Equal(t, "issue.created", job.EventType)
}

type capturingQueue struct {
	payloads []any
}

func (c *capturingQueue) Enqueue(ctx context.Context, q queue.Name, payload any, maxAttempts int) (*queue.Job, error) {
	c.payloads = append(c.payloads, payload)
	return &queue.Job{}, nil
}
