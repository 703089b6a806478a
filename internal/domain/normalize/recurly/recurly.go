// Package recurly implements the Recurly billing normalizer (spec §4.3): a
// JSON payload with an event_type discriminator, authenticated by standard
// HMAC-SHA256 over the raw request body.
package recurly

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/revback/core/internal/model"
)

type Normalizer struct{}

func New() *Normalizer { return &Normalizer{} }

func (n *Normalizer) Source() model.BillingSource { return model.SourceRecurly }

func (n *Normalizer) VerifySignature(raw []byte, creds model.ProviderCredentials, headers map[string]string) bool {
	sig := headers["X-Recurly-Signature"]
	if sig == "" || creds.WebhookSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(creds.WebhookSecret))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

type recurlyEvent struct {
	EventType string `json:"event_type"`
	EventTime string `json:"event_time"`
	Account   struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	} `json:"account"`
	Subscription struct {
		UUID              string `json:"uuid"`
		PlanCode          string `json:"plan_code"`
		State             string `json:"state"`
		CurrentPeriodStartedAt string `json:"current_period_started_at"`
		CurrentPeriodEndsAt    string `json:"current_period_ends_at"`
	} `json:"subscription"`
	Transaction struct {
		UUID           string `json:"uuid"`
		AmountInCents  int64  `json:"amount_in_cents"`
		Currency       string `json:"currency"`
	} `json:"transaction"`
}

var eventTypeMap = map[string]model.EventType{
	"new_subscription_notification":        model.EventPurchase,
	"renewed_subscription_notification":    model.EventRenewal,
	"canceled_subscription_notification":   model.EventCancellation,
	"expired_subscription_notification":    model.EventExpiration,
	"successful_payment_notification":      model.EventRenewal,
	"failed_payment_notification":          model.EventBillingRetry,
	"successful_refund_notification":       model.EventRefund,
	"void_payment_notification":            model.EventRefund,
	"updated_subscription_notification":    model.EventUpgrade,
}

func (n *Normalizer) ExtractIdentityHints(raw []byte) []model.IdentityHint {
	var ev recurlyEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil
	}
	var hints []model.IdentityHint
	if ev.Account.Code != "" {
		hints = append(hints, model.IdentityHint{Source: model.SourceRecurly, IDType: "account_code", ExternalID: ev.Account.Code})
	}
	if ev.Account.Email != "" {
		hints = append(hints, model.IdentityHint{Source: model.SourceRecurly, IDType: "email", ExternalID: ev.Account.Email})
	}
	return hints
}

func (n *Normalizer) Normalize(orgID string, raw []byte) ([]model.NormalizedEvent, error) {
	var ev recurlyEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("recurly: decode event: %w", err)
	}
	eventType, ok := eventTypeMap[ev.EventType]
	if !ok {
		return nil, nil // unrecognized event_type: skip, never fail the webhook
	}

	ne := model.NormalizedEvent{
		EventType:              eventType,
		SourceEventType:        ev.EventType,
		Status:                 model.EventStatusSuccess,
		ExternalSubscriptionID: ev.Subscription.UUID,
		PlanTier:               ev.Subscription.PlanCode,
		AmountCents:            ev.Transaction.AmountInCents,
		ProceedsCents:          ev.Transaction.AmountInCents,
		Currency:               ev.Transaction.Currency,
		RawPayload:             raw,
	}
	if eventType == model.EventBillingRetry {
		ne.Status = model.EventStatusFailed
	}
	if eventType == model.EventRefund {
		ne.Status = model.EventStatusRefunded
	}

	if t, err := time.Parse(time.RFC3339, ev.EventTime); err == nil {
		ne.EventTime = t
	} else {
		ne.EventTime = time.Now().UTC()
	}

	if ev.Transaction.UUID != "" {
		ne.ExternalEventID = ev.Transaction.UUID
	} else {
		ne.ExternalEventID = ev.Subscription.UUID + ":" + ev.EventType
	}
	ne.IdempotencyKey = "recurly:" + ne.ExternalEventID

	if ts, err := time.Parse(time.RFC3339, ev.Subscription.CurrentPeriodStartedAt); err == nil {
		ne.CurrentPeriodStart = &ts
	}
	if te, err := time.Parse(time.RFC3339, ev.Subscription.CurrentPeriodEndsAt); err == nil {
		ne.CurrentPeriodEnd = &te
	}

	return []model.NormalizedEvent{ne}, nil
}
