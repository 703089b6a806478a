// Package apple implements the Apple App Store Server Notifications V2
// normalizer (spec §4.3). Apple notifications are a JWS whose payload
// carries nested JWS-encoded transaction/renewal info; both layers are
// signed with the same certificate chain pinned to Apple's root CA.
package apple

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/revback/core/internal/model"
)

type Normalizer struct {
	// rootCert, when set, pins the leaf certificate's issuer chain to a
	// specific Apple root CA. When nil (as in tests and in cmd/server), the
	// chain is not checked: the x5c leaf certificate's own key verifies the
	// signature, whoever issued that certificate.
	rootCert *x509.Certificate
}

func New(rootCert *x509.Certificate) *Normalizer {
	return &Normalizer{rootCert: rootCert}
}

func (n *Normalizer) Source() model.BillingSource { return model.SourceApple }

type signedPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Data             struct {
		BundleID               string `json:"bundleId"`
		Environment             string `json:"environment"`
		SignedTransactionInfo   string `json:"signedTransactionInfo"`
		SignedRenewalInfo       string `json:"signedRenewalInfo"`
	} `json:"data"`
}

type transactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	SubscriptionGroupID   string `json:"subscriptionGroupIdentifier"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	Quantity              int   `json:"quantity"`
	Type                  string `json:"type"`
	Currency              string `json:"currency"`
	Price                 int64  `json:"price"`
	OfferType             int    `json:"offerType"`
	Environment           string `json:"environment"`
}

// VerifySignature verifies the outer notification JWS. Apple signs with
// ES256 and embeds its leaf certificate (and the issuing chain) in the `x5c`
// header; the certificate's public key is what actually verifies the
// signature, so the "secret" argument is unused.
func (n *Normalizer) VerifySignature(raw []byte, _ model.ProviderCredentials, _ map[string]string) bool {
	var env struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	_, err := n.verifyJWS(env.SignedPayload)
	return err == nil
}

// verifyJWS validates a single JWS layer's ES256 signature against its x5c
// leaf certificate (and that certificate's chain, when rootCert is set),
// returning the decoded claims as a map.
func (n *Normalizer) verifyJWS(token string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("apple: unexpected signing method %v", t.Header["alg"])
		}
		chain, _ := t.Header["x5c"].([]any)
		if len(chain) == 0 {
			return nil, errors.New("apple: missing x5c header")
		}
		leafDER, err := base64.StdEncoding.DecodeString(chain[0].(string))
		if err != nil {
			return nil, fmt.Errorf("apple: decode leaf cert: %w", err)
		}
		leaf, err := x509.ParseCertificate(leafDER)
		if err != nil {
			return nil, fmt.Errorf("apple: parse leaf cert: %w", err)
		}
		if n.rootCert != nil {
			pool := x509.NewCertPool()
			pool.AddCert(n.rootCert)
			if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
				return nil, fmt.Errorf("apple: certificate chain does not trust to configured root: %w", err)
			}
		}
		return leaf.PublicKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("apple: invalid token")
	}
	return claims, nil
}

func decodePayload(jwsPayload string) (*signedPayload, error) {
	parts := strings.Split(jwsPayload, ".")
	if len(parts) != 3 {
		return nil, errors.New("apple: malformed jws")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("apple: decode jws body: %w", err)
	}
	var p signedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("apple: decode notification payload: %w", err)
	}
	return &p, nil
}

func decodeTransactionInfo(jws string) (*transactionInfo, error) {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		return nil, errors.New("apple: malformed transaction jws")
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	var ti transactionInfo
	if err := json.Unmarshal(body, &ti); err != nil {
		return nil, err
	}
	return &ti, nil
}

// notificationTypeMap pairs (notificationType, subtype) to a canonical event
// type per spec §4.3. An empty subtype key matches any subtype.
var notificationTypeMap = map[string]map[string]model.EventType{
	"SUBSCRIBED": {
		"INITIAL_BUY":     model.EventPurchase,
		"RESUBSCRIBE":     model.EventPurchase,
		"":                model.EventPurchase,
	},
	"DID_RENEW":                 {"": model.EventRenewal},
	"DID_FAIL_TO_RENEW":         {"": model.EventBillingRetry},
	"EXPIRED":                   {"": model.EventExpiration},
	"REFUND":                    {"": model.EventRefund},
	"GRACE_PERIOD_EXPIRED":      {"": model.EventGracePeriodStart},
	"OFFER_REDEEMED":            {"": model.EventOfferRedeemed},
	"DID_CHANGE_RENEWAL_STATUS": {
		"AUTO_RENEW_DISABLED": model.EventCancellation,
		"AUTO_RENEW_ENABLED":  model.EventResume,
	},
}

func (n *Normalizer) ExtractIdentityHints(raw []byte) []model.IdentityHint {
	var env struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	payload, err := decodePayload(env.SignedPayload)
	if err != nil {
		return nil
	}
	var hints []model.IdentityHint
	if payload.Data.SignedTransactionInfo != "" {
		if ti, err := decodeTransactionInfo(payload.Data.SignedTransactionInfo); err == nil && ti.OriginalTransactionID != "" {
			hints = append(hints, model.IdentityHint{
				Source: model.SourceApple, IDType: "original_transaction_id", ExternalID: ti.OriginalTransactionID,
			})
		}
	}
	return hints
}

// Normalize decodes the (already signature-verified) outer notification,
// decodes the nested signedTransactionInfo, and maps
// (notificationType, subtype) to a canonical event.
func (n *Normalizer) Normalize(orgID string, raw []byte) ([]model.NormalizedEvent, error) {
	var env struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("apple: decode envelope: %w", err)
	}
	payload, err := decodePayload(env.SignedPayload)
	if err != nil {
		return nil, err
	}

	bySubtype, ok := notificationTypeMap[payload.NotificationType]
	if !ok {
		return nil, nil // unrecognized notificationType: skip, never fail the webhook
	}
	eventType, ok := bySubtype[payload.Subtype]
	if !ok {
		eventType, ok = bySubtype[""]
		if !ok {
			return nil, nil
		}
	}

	ne := model.NormalizedEvent{
		EventType:       eventType,
		SourceEventType: payload.NotificationType + ":" + payload.Subtype,
		Status:          model.EventStatusSuccess,
		IdempotencyKey:  "apple:" + payload.NotificationUUID,
		RawPayload:      raw,
		Environment:     environmentOf(payload.Data.Environment),
	}
	if eventType == model.EventRefund {
		ne.Status = model.EventStatusRefunded
	}

	if payload.Data.SignedTransactionInfo != "" {
		ti, err := decodeTransactionInfo(payload.Data.SignedTransactionInfo)
		if err != nil {
			return nil, fmt.Errorf("apple: decode signedTransactionInfo: %w", err)
		}
		ne.ExternalEventID = ti.TransactionID
		ne.ExternalSubscriptionID = ti.OriginalTransactionID
		ne.OriginalTransactionID = ti.OriginalTransactionID
		ne.SubscriptionGroupID = ti.SubscriptionGroupID
		ne.ExternalProductID = ti.ProductID
		ne.AmountCents = ti.Price
		ne.ProceedsCents = ti.Price
		ne.Currency = ti.Currency
		if ti.ExpiresDate > 0 {
			t := time.UnixMilli(ti.ExpiresDate).UTC()
			ne.ExpirationTime = &t
		}
		if ti.OfferType == 1 {
			t := time.UnixMilli(ti.PurchaseDate).UTC()
			ne.TrialStartedAt = &t
		}
		if idx := strings.LastIndex(ti.ProductID, "."); idx >= 0 {
			ne.PlanTier = ti.ProductID[idx+1:]
		} else {
			ne.PlanTier = ti.ProductID
		}
	}

	return []model.NormalizedEvent{ne}, nil
}

func environmentOf(s string) model.Environment {
	if strings.EqualFold(s, "Sandbox") {
		return model.EnvironmentSandbox
	}
	return model.EnvironmentProduction
}
