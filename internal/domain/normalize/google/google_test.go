package google

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/revback/core/internal/model"
	"github.com/stretchr/testify/require"
)

func pubsubRaw(t *testing.T, notification map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(notification)
	require.NoError(t, err)
	env := map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": "msg-1",
		},
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func TestNormalize_PurchasedMapsToPurchase(t *testing.T) {
	n := New(nil, "https://example.com/webhooks/google")
	raw := pubsubRaw(t, map[string]any{
		"packageName": "com.example.app",
		"subscriptionNotification": map[string]any{
			"notificationType": 4,
			"purchaseToken":    "token-1",
			"subscriptionId":   "sub-1",
		},
	})
	events, err := n.Normalize("org_1", raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.EventPurchase, events[0].EventType)
}

func TestNormalize_SkipsCodesNineAndEleven(t *testing.T) {
	n := New(nil, "https://example.com/webhooks/google")
	for _, code := range []int{9, 11} {
		raw := pubsubRaw(t, map[string]any{
			"subscriptionNotification": map[string]any{"notificationType": code, "purchaseToken": "t"},
		})
		events, err := n.Normalize("org_1", raw)
		require.NoError(t, err)
		require.Empty(t, events, "code %d must be skipped", code)
	}
}

func TestNormalize_VoidedPurchaseRefundTypeOneMapsToRefund(t *testing.T) {
	n := New(nil, "https://example.com/webhooks/google")
	raw := pubsubRaw(t, map[string]any{
		"voidedPurchaseNotification": map[string]any{"orderId": "order-1", "refundType": 1},
	})
	events, err := n.Normalize("org_1", raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.EventRefund, events[0].EventType)
}

func TestNormalize_VoidedPurchaseOtherRefundTypeMapsToChargeback(t *testing.T) {
	n := New(nil, "https://example.com/webhooks/google")
	raw := pubsubRaw(t, map[string]any{
		"voidedPurchaseNotification": map[string]any{"orderId": "order-2", "refundType": 2},
	})
	events, err := n.Normalize("org_1", raw)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.EventChargeback, events[0].EventType)
}

func TestExtractIdentityHints_PullsPurchaseToken(t *testing.T) {
	n := New(nil, "https://example.com/webhooks/google")
	raw := pubsubRaw(t, map[string]any{
		"subscriptionNotification": map[string]any{"notificationType": 2, "purchaseToken": "token-42"},
	})
	hints := n.ExtractIdentityHints(raw)
	require.Len(t, hints, 1)
	require.Equal(t, "token-42", hints[0].ExternalID)
}
