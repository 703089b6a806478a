// Package stripe implements the Stripe billing normalizer (spec §4.3).
package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/revback/core/internal/model"
)

const maxTimestampSkew = 5 * time.Minute

type Normalizer struct {
	now func() time.Time
}

func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

func (n *Normalizer) Source() model.BillingSource { return model.SourceStripe }

// VerifySignature validates the `Stripe-Signature: t=...,v1=...` header,
// rejecting timestamps skewed more than maxTimestampSkew from now, using a
// constant-time comparison of the computed and presented digests.
func (n *Normalizer) VerifySignature(raw []byte, creds model.ProviderCredentials, headers map[string]string) bool {
	header := headers["Stripe-Signature"]
	if header == "" || creds.WebhookSecret == "" {
		return false
	}
	var ts int64
	var v1 string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, _ = strconv.ParseInt(kv[1], 10, 64)
		case "v1":
			v1 = kv[1]
		}
	}
	if ts == 0 || v1 == "" {
		return false
	}
	now := n.now()
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return false
	}

	signedPayload := fmt.Sprintf("%d.%s", ts, raw)
	mac := hmac.New(sha256.New, []byte(creds.WebhookSecret))
	mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(v1))
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object            json.RawMessage `json:"object"`
		PreviousAttributes map[string]any `json:"previous_attributes"`
	} `json:"data"`
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	TrialStart         *int64 `json:"trial_start"`
	TrialEnd           *int64 `json:"trial_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID        string `json:"id"`
				Nickname  string `json:"nickname"`
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID             string `json:"id"`
	Customer       string `json:"customer"`
	Subscription   string `json:"subscription"`
	AmountPaid     int64  `json:"amount_paid"`
	AmountDue      int64  `json:"amount_due"`
	Currency       string `json:"currency"`
}

type stripeCharge struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	AmountRefunded     int64  `json:"amount_refunded"`
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	PaymentIntent      string `json:"payment_intent"`
}

func (n *Normalizer) ExtractIdentityHints(raw []byte) []model.IdentityHint {
	var ev stripeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil
	}
	var hints []model.IdentityHint
	var obj struct {
		Customer string `json:"customer"`
	}
	if err := json.Unmarshal(ev.Data.Object, &obj); err == nil && obj.Customer != "" {
		hints = append(hints, model.IdentityHint{Source: model.SourceStripe, IDType: "customer_id", ExternalID: obj.Customer})
	}
	return hints
}

// Normalize maps a verified Stripe event envelope to zero, one, or two
// canonical events per spec §4.3's "many-to-many" Stripe mapping table.
func (n *Normalizer) Normalize(orgID string, raw []byte) ([]model.NormalizedEvent, error) {
	var ev stripeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("stripe: decode event: %w", err)
	}

	base := model.NormalizedEvent{
		SourceEventType: ev.Type,
		EventTime:       time.Unix(ev.Created, 0).UTC(),
		ExternalEventID: ev.ID,
		IdempotencyKey:  "stripe:" + ev.ID,
		RawPayload:      raw,
	}

	switch ev.Type {
	case "customer.subscription.created":
		return n.fromSubscriptionCreated(base, ev)
	case "customer.subscription.updated":
		return n.fromSubscriptionUpdated(base, ev)
	case "customer.subscription.deleted":
		var sub stripeSubscription
		_ = json.Unmarshal(ev.Data.Object, &sub)
		out := base
		out.EventType = model.EventExpiration
		out.Status = model.EventStatusSuccess
		out.ExternalSubscriptionID = sub.ID
		applyPlanMetadata(&out, sub)
		return []model.NormalizedEvent{out}, nil
	case "invoice.payment_succeeded":
		var inv stripeInvoice
		_ = json.Unmarshal(ev.Data.Object, &inv)
		out := base
		out.EventType = model.EventRenewal
		out.Status = model.EventStatusSuccess
		out.ExternalSubscriptionID = inv.Subscription
		out.AmountCents = inv.AmountPaid
		out.ProceedsCents = inv.AmountPaid
		out.Currency = strings.ToUpper(inv.Currency)
		return []model.NormalizedEvent{out}, nil
	case "invoice.payment_failed":
		var inv stripeInvoice
		_ = json.Unmarshal(ev.Data.Object, &inv)
		out := base
		out.EventType = model.EventBillingRetry
		out.Status = model.EventStatusFailed
		out.ExternalSubscriptionID = inv.Subscription
		out.AmountCents = inv.AmountDue
		out.Currency = strings.ToUpper(inv.Currency)
		return []model.NormalizedEvent{out}, nil
	case "charge.refunded":
		var ch stripeCharge
		_ = json.Unmarshal(ev.Data.Object, &ch)
		out := base
		out.EventType = model.EventRefund
		out.Status = model.EventStatusRefunded
		out.AmountCents = ch.AmountRefunded
		out.Currency = strings.ToUpper(ch.Currency)
		return []model.NormalizedEvent{out}, nil
	case "charge.dispute.created":
		var ch stripeCharge
		_ = json.Unmarshal(ev.Data.Object, &ch)
		out := base
		out.EventType = model.EventChargeback
		out.Status = model.EventStatusRefunded
		out.AmountCents = ch.Amount
		out.Currency = strings.ToUpper(ch.Currency)
		return []model.NormalizedEvent{out}, nil
	default:
		return nil, nil // unknown native type: skip, never fail the webhook
	}
}

func (n *Normalizer) fromSubscriptionCreated(base model.NormalizedEvent, ev stripeEvent) ([]model.NormalizedEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(ev.Data.Object, &sub); err != nil {
		return nil, fmt.Errorf("stripe: decode subscription: %w", err)
	}
	out := base
	out.EventType = model.EventPurchase
	out.Status = model.EventStatusSuccess
	out.ExternalSubscriptionID = sub.ID
	applyPlanMetadata(&out, sub)
	applyPeriod(&out, sub)

	events := []model.NormalizedEvent{out}
	if sub.TrialStart != nil {
		trial := base
		trial.EventType = model.EventTrialStart
		trial.Status = model.EventStatusSuccess
		trial.ExternalSubscriptionID = sub.ID
		trial.IdempotencyKey = base.IdempotencyKey + ":trial_start"
		ts := time.Unix(*sub.TrialStart, 0).UTC()
		trial.TrialStartedAt = &ts
		applyPlanMetadata(&trial, sub)
		events = append(events, trial)
	}
	return events, nil
}

// fromSubscriptionUpdated diffs previous_attributes to decide which of zero,
// one, or two canonical events the update represents.
func (n *Normalizer) fromSubscriptionUpdated(base model.NormalizedEvent, ev stripeEvent) ([]model.NormalizedEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(ev.Data.Object, &sub); err != nil {
		return nil, fmt.Errorf("stripe: decode subscription: %w", err)
	}

	var out []model.NormalizedEvent
	prev := ev.Data.PreviousAttributes

	if cape, ok := prev["cancel_at_period_end"]; ok {
		if toggled, _ := cape.(bool); toggled != sub.CancelAtPeriodEnd && sub.CancelAtPeriodEnd {
			ne := base
			ne.EventType = model.EventCancellation
			ne.Status = model.EventStatusSuccess
			ne.ExternalSubscriptionID = sub.ID
			ne.IdempotencyKey = base.IdempotencyKey + ":cancel"
			applyPlanMetadata(&ne, sub)
			out = append(out, ne)
		}
	}

	if prevStatus, ok := prev["status"].(string); ok && prevStatus == "trialing" && sub.Status == "active" {
		ne := base
		ne.EventType = model.EventTrialConversion
		ne.Status = model.EventStatusSuccess
		ne.ExternalSubscriptionID = sub.ID
		ne.IdempotencyKey = base.IdempotencyKey + ":trial_conversion"
		applyPlanMetadata(&ne, sub)
		out = append(out, ne)
	}

	if _, ok := prev["items"]; ok {
		ne := base
		ne.EventType = model.EventPriceChange
		ne.Status = model.EventStatusSuccess
		ne.ExternalSubscriptionID = sub.ID
		ne.IdempotencyKey = base.IdempotencyKey + ":price_change"
		applyPlanMetadata(&ne, sub)
		out = append(out, ne)
	}

	return out, nil
}

func applyPlanMetadata(ne *model.NormalizedEvent, sub stripeSubscription) {
	if len(sub.Items.Data) == 0 {
		return
	}
	price := sub.Items.Data[0].Price
	ne.BillingInterval = price.Recurring.Interval
	ne.PlanTier = price.Nickname
	ne.ExternalProductID = price.ID
}

func applyPeriod(ne *model.NormalizedEvent, sub stripeSubscription) {
	if sub.CurrentPeriodStart > 0 {
		ts := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		ne.CurrentPeriodStart = &ts
	}
	if sub.CurrentPeriodEnd > 0 {
		ts := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		ne.CurrentPeriodEnd = &ts
	}
}
