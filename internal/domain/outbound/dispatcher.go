// Package outbound implements alert dispatch and outbound webhook delivery
// (spec §4.9). For every newly created Issue, the dispatcher reads the
// tenant's enabled AlertConfiguration rows, filters each by severity and
// issue type, and for slack/email/pagerduty delivers a synchronous HTTP POST
// itself; for the webhook channel it hands off to the durable
// webhook-delivery queue instead, since customer endpoints need the longer
// signed-retry treatment the queue substrate already provides.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/revback/core/internal/logging"
	"github.com/revback/core/internal/model"
	"github.com/revback/core/internal/queue"
	"github.com/revback/core/internal/ratelimit"
)

// AlertStore is the subset of store.Store the dispatcher needs.
type AlertStore interface {
	GetIssue(ctx context.Context, orgID, issueID string) (*model.Issue, error)
	ListAlertConfigurations(ctx context.Context, orgID string) ([]model.AlertConfiguration, error)
	LogAlertDelivery(ctx context.Context, l *model.AlertDeliveryLog) error
}

// Enqueuer is the subset of queue.Queues used to hand off webhook deliveries.
type Enqueuer interface {
	Enqueue(ctx context.Context, q queue.Name, payload any, maxAttempts int) (*queue.Job, error)
}

// HTTPClient is satisfied by *http.Client and ratelimit.LimitedClient alike.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DispatchJob is the AlertDispatch queue job payload.
type DispatchJob struct {
	OrgID   string `json:"org_id"`
	IssueID string `json:"issue_id"`
}

const webhookDeliveryMaxAttempts = 7

// Dispatcher fans a single Issue out across every enabled alert channel.
type Dispatcher struct {
	store   AlertStore
	queue   Enqueuer
	clients map[model.AlertChannel]HTTPClient
	log     *logging.Logger
}

func New(store AlertStore, q Enqueuer, log *logging.Logger) *Dispatcher {
	cfg := ratelimit.DefaultAlertDispatchConfig()
	httpClient := &http.Client{Timeout: 10 * time.Second}
	clients := map[model.AlertChannel]HTTPClient{
		model.ChannelSlack:     ratelimit.NewLimitedClient(httpClient, cfg),
		model.ChannelEmail:     ratelimit.NewLimitedClient(httpClient, cfg),
		model.ChannelPagerDuty: ratelimit.NewLimitedClient(httpClient, cfg),
	}
	return &Dispatcher{store: store, queue: q, clients: clients, log: log}
}

// Handler adapts Dispatch into a queue.Handler for the alert-dispatch queue.
func (d *Dispatcher) Handler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload DispatchJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("outbound: unmarshal dispatch job: %w", err)
		}
		return d.Dispatch(ctx, payload.OrgID, payload.IssueID)
	}
}

// Dispatch delivers a single Issue to every enabled, matching channel.
func (d *Dispatcher) Dispatch(ctx context.Context, orgID, issueID string) error {
	issue, err := d.store.GetIssue(ctx, orgID, issueID)
	if err != nil {
		return fmt.Errorf("outbound: load issue: %w", err)
	}
	configs, err := d.store.ListAlertConfigurations(ctx, orgID)
	if err != nil {
		return fmt.Errorf("outbound: list alert configurations: %w", err)
	}

	for _, cfg := range configs {
		if !matches(cfg, issue) {
			continue
		}
		if cfg.Channel == model.ChannelWebhook {
			if err := d.enqueueWebhook(ctx, cfg, issue); err != nil {
				d.log.WithError(err).WithFields(map[string]any{"config_id": cfg.ID, "issue_id": issue.ID}).
					Error("outbound: failed to enqueue webhook delivery")
			}
			continue
		}
		d.deliverSynchronous(ctx, cfg, issue)
	}
	return nil
}

func matches(cfg model.AlertConfiguration, issue *model.Issue) bool {
	if len(cfg.SeverityFilter) > 0 {
		found := false
		for _, s := range cfg.SeverityFilter {
			if s == issue.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(cfg.IssueTypes) > 0 {
		found := false
		for _, t := range cfg.IssueTypes {
			if t == issue.IssueType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (d *Dispatcher) deliverSynchronous(ctx context.Context, cfg model.AlertConfiguration, issue *model.Issue) {
	body := channelBody(cfg.Channel, issue)
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.Target, bytes.NewReader(body))
	log := &model.AlertDeliveryLog{OrgID: cfg.OrgID, IssueID: issue.ID, ConfigID: cfg.ID, Channel: cfg.Channel, Attempt: 1}
	if err != nil {
		log.Error = err.Error()
		d.logDelivery(ctx, log)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client, ok := d.clients[cfg.Channel]
	if !ok {
		client = d.clients[model.ChannelSlack]
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Error = err.Error()
		d.logDelivery(ctx, log)
		return
	}
	defer resp.Body.Close()
	log.ResponseStatus = resp.StatusCode
	log.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !log.Success {
		log.Error = fmt.Sprintf("channel returned status %d", resp.StatusCode)
	}
	d.logDelivery(ctx, log)
}

func (d *Dispatcher) logDelivery(ctx context.Context, l *model.AlertDeliveryLog) {
	if err := d.store.LogAlertDelivery(ctx, l); err != nil {
		d.log.WithError(err).WithFields(map[string]any{"config_id": l.ConfigID, "issue_id": l.IssueID}).
			Error("outbound: failed to write alert delivery log")
	}
}

func channelBody(channel model.AlertChannel, issue *model.Issue) []byte {
	switch channel {
	case model.ChannelSlack:
		text := fmt.Sprintf("[%s] %s: %s", issue.Severity, issue.IssueType, issue.Title)
		b, _ := json.Marshal(map[string]string{"text": text})
		return b
	case model.ChannelPagerDuty:
		b, _ := json.Marshal(map[string]any{
			"event_action": "trigger",
			"payload": map[string]any{
				"summary":   issue.Title,
				"severity":  pagerDutySeverity(issue.Severity),
				"source":    issue.DetectorID,
				"custom_details": map[string]any{
					"issue_id":    issue.ID,
					"issue_type":  issue.IssueType,
					"confidence":  issue.Confidence,
					"description": issue.Description,
				},
			},
		})
		return b
	default: // email
		b, _ := json.Marshal(map[string]any{
			"subject": fmt.Sprintf("RevBack alert: %s", issue.Title),
			"body":    issue.Description,
		})
		return b
	}
}

func pagerDutySeverity(s model.IssueSeverity) string {
	switch s {
	case model.SeverityCritical:
		return "critical"
	case model.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}
