package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/revback/core/internal/model"
	"github.com/stretchr/testify/require"
)

func signedHeader(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature_AcceptsValidSignatureWithinSkew(t *testing.T) {
	n := New()
	payload := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	header := signedHeader(secret, time.Now().Unix(), payload)

	ok := n.VerifySignature(payload, model.ProviderCredentials{WebhookSecret: secret}, map[string]string{"Stripe-Signature": header})
	require.True(t, ok)
}

func TestVerifySignature_RejectsStaleTimestamp(t *testing.T) {
	n := New()
	payload := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"
	header := signedHeader(secret, time.Now().Add(-10*time.Minute).Unix(), payload)

	ok := n.VerifySignature(payload, model.ProviderCredentials{WebhookSecret: secret}, map[string]string{"Stripe-Signature": header})
	require.False(t, ok)
}

func TestNormalize_SubscriptionCreatedWithTrialEmitsTwoEvents(t *testing.T) {
	n := New()
	raw := []byte(`{
		"id": "evt_1", "type": "customer.subscription.created", "created": 1700000000,
		"data": {"object": {
			"id": "sub_1", "customer": "cus_1", "status": "trialing",
			"trial_start": 1700000000,
			"items": {"data": [{"price": {"id": "price_1", "nickname": "pro", "recurring": {"interval": "month"}}}]}
		}}
	}`)
	events, err := n.Normalize("org_1", raw)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, model.EventPurchase, events[0].EventType)
	require.Equal(t, model.EventTrialStart, events[1].EventType)
	require.Equal(t, "month", events[0].BillingInterval)
}

func TestNormalize_SubscriptionUpdatedCancelAtPeriodEndEmitsCancellation(t *testing.T) {
	n := New()
	raw := []byte(`{
		"id": "evt_2", "type": "customer.subscription.updated", "created": 1700000000,
		"data": {
			"object": {"id": "sub_1", "customer": "cus_1", "status": "active", "cancel_at_period_end": true},
			"previous_attributes": {"cancel_at_period_end": false}
		}
	}`)
	events, err := n.Normalize("org_1", raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.EventCancellation, events[0].EventType)
}

func TestNormalize_UnknownEventTypeReturnsEmptyNotError(t *testing.T) {
	n := New()
	raw := []byte(`{"id": "evt_3", "type": "some.unknown.event", "created": 1700000000, "data": {"object": {}}}`)
	events, err := n.Normalize("org_1", raw)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestExtractIdentityHints_PullsCustomerID(t *testing.T) {
	n := New()
	raw := []byte(`{"id": "evt_1", "type": "customer.subscription.created", "data": {"object": {"customer": "cus_42"}}}`)
	hints := n.ExtractIdentityHints(raw)
	require.Len(t, hints, 1)
	require.Equal(t, "cus_42", hints[0].ExternalID)
}
