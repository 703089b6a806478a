package outbound

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/queue"
)

// WebhookDeliveryJob is the webhook-delivery queue job payload. Retries run
// on the fixed 1s/5s/30s/2m/15m/1h/6h cadence configured on the queue
// (queue.SetFixedIntervals), not the exponential default.
type WebhookDeliveryJob struct {
	OrgID         string          `json:"org_id"`
	ConfigID      string          `json:"config_id"`
	IssueID       string          `json:"issue_id"`
	Target        string          `json:"target"`
	SigningSecret string          `json:"signing_secret"`
	EventType     string          `json:"event_type"`
	Body          json.RawMessage `json:"body"`
}

// webhookEvent is the envelope signed and POSTed to a customer's registered
// webhook endpoint.
type webhookEvent struct {
	Event     string          `json:"event"`
	IssueID   string          `json:"issue_id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

func (d *Dispatcher) enqueueWebhook(ctx context.Context, cfg model.AlertConfiguration, issue *model.Issue) error {
	data, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("outbound: marshal issue for webhook: %w", err)
	}
	job := WebhookDeliveryJob{
		OrgID: cfg.OrgID, ConfigID: cfg.ID, IssueID: issue.ID,
		Target: cfg.Target, SigningSecret: cfg.SigningSecret,
		EventType: "issue.created", Body: data,
	}
	_, err = d.queue.Enqueue(ctx, queue.WebhookDelivery, job, webhookDeliveryMaxAttempts)
	return err
}

// WebhookWorker delivers signed payloads to customer-registered webhook
// endpoints (spec §4.9).
type WebhookWorker struct {
	store  AlertStore
	client HTTPClient
	log    *logging.Logger
}

func NewWebhookWorker(store AlertStore, client HTTPClient, log *logging.Logger) *WebhookWorker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookWorker{store: store, client: client, log: log}
}

// Handler adapts Deliver into a queue.Handler for the webhook-delivery queue.
// Returning an error here lets the queue reschedule at the next fixed
// interval; the final failure (attempt 7) dead-letters the job.
func (w *WebhookWorker) Handler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload WebhookDeliveryJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("outbound: unmarshal webhook delivery job: %w", err)
		}
		return w.deliver(ctx, payload, job.Attempt)
	}
}

func (w *WebhookWorker) deliver(ctx context.Context, payload WebhookDeliveryJob, attempt int) error {
	event := webhookEvent{Event: payload.EventType, IssueID: payload.IssueID, Data: payload.Body, CreatedAt: time.Now()}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("outbound: marshal webhook event: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, payload.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("outbound: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-RevBack-Signature", sign(payload.SigningSecret, body))

	log := &model.AlertDeliveryLog{
		OrgID: payload.OrgID, IssueID: payload.IssueID, ConfigID: payload.ConfigID,
		Channel: model.ChannelWebhook, Attempt: attempt,
	}

	resp, err := w.client.Do(req)
	if err != nil {
		log.Error = err.Error()
		w.logDelivery(ctx, log)
		return err
	}
	defer resp.Body.Close()

	log.ResponseStatus = resp.StatusCode
	log.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !log.Success {
		log.Error = fmt.Sprintf("webhook endpoint returned status %d", resp.StatusCode)
	}
	w.logDelivery(ctx, log)
	if !log.Success {
		return fmt.Errorf("outbound: %s", log.Error)
	}
	return nil
}

func (w *WebhookWorker) logDelivery(ctx context.Context, l *model.AlertDeliveryLog) {
	if err := w.store.LogAlertDelivery(ctx, l); err != nil {
		w.log.WithError(err).WithFields(map[string]any{"config_id": l.ConfigID, "issue_id": l.IssueID}).
			Error("outbound: failed to write webhook delivery log")
	}
}

// sign computes the hex-encoded HMAC-SHA256 of body using secret, mirroring
// the inbound Stripe signature scheme used for verification elsewhere.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
