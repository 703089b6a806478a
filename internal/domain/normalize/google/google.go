// Package google implements the Google Play real-time developer
// notification normalizer (spec §4.3): a Cloud Pub/Sub push envelope whose
// message.data is a base64-encoded DeveloperNotification.
package google

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/revback/core/internal/model"
)

// JWKSProvider resolves a JWT key id to Google's current public key, fetched
// and cached by the caller (the normalizer itself does no network I/O).
type JWKSProvider interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

type Normalizer struct {
	jwks        JWKSProvider
	audienceURL string
}

func New(jwks JWKSProvider, audienceURL string) *Normalizer {
	return &Normalizer{jwks: jwks, audienceURL: audienceURL}
}

func (n *Normalizer) Source() model.BillingSource { return model.SourceGoogle }

type pubsubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
}

type developerNotification struct {
	PackageName                 string `json:"packageName"`
	EventTimeMillis              string `json:"eventTimeMillis"`
	SubscriptionNotification     *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	VoidedPurchaseNotification *struct {
		PurchaseToken string `json:"purchaseToken"`
		OrderID       string `json:"orderId"`
		RefundType    int    `json:"refundType"`
	} `json:"voidedPurchaseNotification"`
}

// notificationTypeMap implements spec §4.3's fixed Google mapping table.
// Codes 9 and 11 are intentionally absent (skipped).
var notificationTypeMap = map[int]model.EventType{
	1:  model.EventRenewal,          // RECOVERED
	2:  model.EventRenewal,          // RENEWED
	3:  model.EventCancellation,     // CANCELED
	4:  model.EventPurchase,         // PURCHASED
	5:  model.EventBillingRetry,     // ON_HOLD
	6:  model.EventGracePeriodStart, // IN_GRACE_PERIOD
	7:  model.EventResume,           // RESTARTED
	8:  model.EventPriceChange,      // PRICE_CHANGE_CONFIRMED
	10: model.EventPause,            // PAUSED
	12: model.EventRevoke,           // REVOKED
	13: model.EventExpiration,       // EXPIRED
}

// VerifySignature verifies the Pub/Sub push request's bearer JWT against
// Google's JWKS, requiring the configured audience and a
// *.gserviceaccount.com issuer email claim.
func (n *Normalizer) VerifySignature(raw []byte, _ model.ProviderCredentials, headers map[string]string) bool {
	authz := headers["Authorization"]
	tokenStr, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || tokenStr == "" {
		return false
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("google: unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("google: missing kid header")
		}
		return n.jwks.PublicKey(context.Background(), kid)
	})
	if err != nil || !token.Valid {
		return false
	}

	aud, _ := claims["aud"].(string)
	if aud != n.audienceURL {
		return false
	}
	email, _ := claims["email"].(string)
	return strings.HasSuffix(email, ".gserviceaccount.com")
}

func decodeNotification(raw []byte) (*developerNotification, string, error) {
	var env pubsubEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, "", fmt.Errorf("google: decode pubsub envelope: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, "", fmt.Errorf("google: decode message data: %w", err)
	}
	var dn developerNotification
	if err := json.Unmarshal(data, &dn); err != nil {
		return nil, "", fmt.Errorf("google: decode developer notification: %w", err)
	}
	return &dn, env.Message.MessageID, nil
}

func (n *Normalizer) ExtractIdentityHints(raw []byte) []model.IdentityHint {
	dn, _, err := decodeNotification(raw)
	if err != nil {
		return nil
	}
	var token string
	switch {
	case dn.SubscriptionNotification != nil:
		token = dn.SubscriptionNotification.PurchaseToken
	case dn.VoidedPurchaseNotification != nil:
		token = dn.VoidedPurchaseNotification.PurchaseToken
	}
	if token == "" {
		return nil
	}
	return []model.IdentityHint{{Source: model.SourceGoogle, IDType: "purchase_token", ExternalID: token}}
}

// Normalize maps the DeveloperNotification to a canonical event. Play
// Developer API enrichment (subscriptionsv2.get via OAuth2 service-account
// exchange) is invoked by the caller, not here, so it can be gated behind
// the shared rate limiter and circuit breaker registry; when enrichment is
// unavailable the event returned here is used as-is.
func (n *Normalizer) Normalize(orgID string, raw []byte) ([]model.NormalizedEvent, error) {
	dn, messageID, err := decodeNotification(raw)
	if err != nil {
		return nil, err
	}

	switch {
	case dn.SubscriptionNotification != nil:
		sn := dn.SubscriptionNotification
		eventType, ok := notificationTypeMap[sn.NotificationType]
		if !ok {
			return nil, nil // codes 9, 11, and anything unrecognized: skip
		}
		ne := model.NormalizedEvent{
			EventType:              eventType,
			SourceEventType:        fmt.Sprintf("subscriptionNotification:%d", sn.NotificationType),
			Status:                 model.EventStatusSuccess,
			ExternalSubscriptionID: sn.PurchaseToken,
			ExternalProductID:      sn.SubscriptionID,
			PlanTier:               sn.SubscriptionID,
			IdempotencyKey:         "google:" + messageID,
			RawPayload:             raw,
		}
		if millis, ok := parseMillis(dn.EventTimeMillis); ok {
			ne.EventTime = time.UnixMilli(millis).UTC()
		}
		return []model.NormalizedEvent{ne}, nil

	case dn.VoidedPurchaseNotification != nil:
		vn := dn.VoidedPurchaseNotification
		eventType := model.EventChargeback
		if vn.RefundType == 1 {
			eventType = model.EventRefund
		}
		ne := model.NormalizedEvent{
			EventType:       eventType,
			SourceEventType: "voidedPurchaseNotification",
			Status:          model.EventStatusRefunded,
			IdempotencyKey:  "google:voided:" + vn.OrderID,
			RawPayload:      raw,
		}
		return []model.NormalizedEvent{ne}, nil

	default:
		return nil, nil
	}
}

func parseMillis(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	var millis int64
	if _, err := fmt.Sscanf(s, "%d", &millis); err != nil {
		return 0, false
	}
	return millis, true
}
