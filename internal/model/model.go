// Package model defines the entities of the data model (spec §3). Every
// mutable entity except Organization carries an OrgID (invariant I1).
// Repository methods in internal/store that read by tenant filter on it;
// GetApiKeyByPrefix, the id-keyed updates (MarkEventProcessed,
// UpdateWebhookLogStatus, LogProxyForward, CompareAndSwapEntitlement) and
// the retention sweeps (DeleteOldWebhookLogs, RedactOldRawPayloads) do not.
package model

import (
	"encoding/json"
	"time"
)

// BillingSource identifies an external billing provider.
type BillingSource string

const (
	SourceStripe   BillingSource = "stripe"
	SourceApple    BillingSource = "apple"
	SourceGoogle   BillingSource = "google"
	SourceRecurly  BillingSource = "recurly"
	SourceBraintree BillingSource = "braintree"
)

// EventType is the canonical, provider-independent event vocabulary (spec §6.4).
type EventType string

const (
	EventPurchase         EventType = "purchase"
	EventRenewal          EventType = "renewal"
	EventCancellation     EventType = "cancellation"
	EventRefund           EventType = "refund"
	EventChargeback       EventType = "chargeback"
	EventGracePeriodStart EventType = "grace_period_start"
	EventGracePeriodEnd   EventType = "grace_period_end"
	EventBillingRetry     EventType = "billing_retry"
	EventExpiration       EventType = "expiration"
	EventTrialStart       EventType = "trial_start"
	EventTrialConversion  EventType = "trial_conversion"
	EventUpgrade          EventType = "upgrade"
	EventDowngrade        EventType = "downgrade"
	EventCrossgrade       EventType = "crossgrade"
	EventPause            EventType = "pause"
	EventResume           EventType = "resume"
	EventRevoke           EventType = "revoke"
	EventOfferRedeemed    EventType = "offer_redeemed"
	EventPriceChange      EventType = "price_change"
)

// EventStatus is the canonical event's outcome.
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailed  EventStatus = "failed"
	EventStatusPending EventStatus = "pending"
	EventStatusRefunded EventStatus = "refunded"
)

// Environment distinguishes sandbox traffic from production traffic.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// EntitlementState is a node in the entitlement finite state machine (spec §4.5).
type EntitlementState string

const (
	StateInactive     EntitlementState = "inactive"
	StateTrial        EntitlementState = "trial"
	StateActive       EntitlementState = "active"
	StateGracePeriod  EntitlementState = "grace_period"
	StateBillingRetry EntitlementState = "billing_retry"
	StatePastDue      EntitlementState = "past_due"
	StatePaused       EntitlementState = "paused"
	StateExpired      EntitlementState = "expired"
	StateRevoked      EntitlementState = "revoked"
	StateRefunded     EntitlementState = "refunded"
)

// IssueSeverity ranks how urgently an Issue needs operator attention.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityWarning  IssueSeverity = "warning"
	SeverityInfo     IssueSeverity = "info"
)

// IssueStatus is the operator-driven lifecycle of an Issue.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueResolved     IssueStatus = "resolved"
	IssueDismissed    IssueStatus = "dismissed"
)

// DetectionTier distinguishes billing-only detections from ones corroborated
// by the customer's own app (AccessCheck).
type DetectionTier string

const (
	TierBillingOnly DetectionTier = "billing_only"
	TierAppVerified DetectionTier = "app_verified"
)

// WebhookProcessingStatus tracks an inbound webhook through the pipeline.
type WebhookProcessingStatus string

const (
	WebhookReceived  WebhookProcessingStatus = "received"
	WebhookQueued    WebhookProcessingStatus = "queued"
	WebhookProcessed WebhookProcessingStatus = "processed"
	WebhookSkipped   WebhookProcessingStatus = "skipped"
	WebhookFailed    WebhookProcessingStatus = "failed"
)

// Organization is the tenant root.
type Organization struct {
	ID        string         `db:"id" json:"id"`
	Slug      string         `db:"slug" json:"slug"`
	Name      string         `db:"name" json:"name"`
	Settings  map[string]any `db:"-" json:"settings"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// ApiKey authenticates API callers.
type ApiKey struct {
	ID          string     `db:"id" json:"id"`
	OrgID       string     `db:"org_id" json:"org_id"`
	Name        string     `db:"name" json:"name"`
	SecretHash  string     `db:"secret_hash" json:"-"`
	Prefix      string     `db:"prefix" json:"prefix"`
	Scopes      []string   `db:"-" json:"scopes"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	RevokedAt   *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// BillingConnection is per-tenant per-provider credentials.
type BillingConnection struct {
	ID                   string        `db:"id" json:"id"`
	OrgID                string        `db:"org_id" json:"org_id"`
	Source               BillingSource `db:"source" json:"source"`
	EncryptedCredentials []byte        `db:"encrypted_credentials" json:"-"`
	WebhookSecret        string        `db:"-" json:"-"` // decrypted, never persisted in the clear
	Active               bool          `db:"active" json:"active"`
	LastWebhookAt        *time.Time    `db:"last_webhook_at" json:"last_webhook_at,omitempty"`
	LastSyncAt           *time.Time    `db:"last_sync_at" json:"last_sync_at,omitempty"`
	SyncStatus           string        `db:"sync_status" json:"sync_status"`
	OriginalNotificationURL string     `db:"original_notification_url" json:"original_notification_url,omitempty"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

// ProviderCredentials is the decrypted, provider-specific payload stored
// inside BillingConnection.EncryptedCredentials.
type ProviderCredentials struct {
	APIKey        string `json:"api_key,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	Subdomain     string `json:"subdomain,omitempty"`
	BundleID      string `json:"bundle_id,omitempty"`
	SigningKey    string `json:"signing_key,omitempty"`
	ServiceAccountJSON string `json:"service_account_json,omitempty"`
}

// Product is a canonical subscription product within a tenant.
type Product struct {
	ID          string                       `db:"id" json:"id"`
	OrgID       string                       `db:"org_id" json:"org_id"`
	DisplayName string                       `db:"display_name" json:"display_name"`
	ExternalIDs map[BillingSource]string     `db:"-" json:"external_ids"`
	Active      bool                         `db:"active" json:"active"`
	CreatedAt   time.Time                    `db:"created_at" json:"created_at"`
}

// User is a canonical end-user within a tenant.
type User struct {
	ID             string         `db:"id" json:"id"`
	OrgID          string         `db:"org_id" json:"org_id"`
	ExternalUserID string         `db:"external_user_id" json:"external_user_id,omitempty"`
	Email          string         `db:"email" json:"email,omitempty"`
	Metadata       map[string]any `db:"-" json:"metadata,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// IdentityHint is a provider-typed external identifier the normalizer
// extracted from a native payload (spec §4.3).
type IdentityHint struct {
	Source     BillingSource  `json:"source"`
	IDType     string         `json:"id_type"`
	ExternalID string         `json:"external_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UserIdentity binds a provider-issued identifier to a User.
type UserIdentity struct {
	ID         string        `db:"id" json:"id"`
	UserID     string        `db:"user_id" json:"user_id"`
	OrgID      string        `db:"org_id" json:"org_id"`
	Source     BillingSource `db:"source" json:"source"`
	ExternalID string        `db:"external_id" json:"external_id"`
	IDType     string        `db:"id_type" json:"id_type"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

// NormalizedEvent is the provider-independent representation a normalizer
// produces from a native webhook payload (spec §4.3).
type NormalizedEvent struct {
	EventType             EventType
	SourceEventType       string
	Status                EventStatus
	AmountCents           int64
	Currency              string
	ProceedsCents         int64
	EventTime             time.Time
	ExternalEventID       string
	ExternalSubscriptionID string
	ExternalProductID     string
	OriginalTransactionID string
	SubscriptionGroupID   string
	PeriodType            string
	CurrentPeriodStart    *time.Time
	CurrentPeriodEnd      *time.Time
	ExpirationTime        *time.Time
	GracePeriodExpiration *time.Time
	CancellationReason    string
	BillingInterval       string
	PlanTier              string
	TrialStartedAt        *time.Time
	Environment           Environment
	CountryCode           string
	IdempotencyKey        string
	RawPayload            json.RawMessage
	IdentityHints         []IdentityHint
}

// CanonicalEvent is an append-only, idempotent record of a single billing event.
type CanonicalEvent struct {
	ID                     string          `db:"id" json:"id"`
	OrgID                  string          `db:"org_id" json:"org_id"`
	UserID                 *string         `db:"user_id" json:"user_id,omitempty"`
	ProductID              *string         `db:"product_id" json:"product_id,omitempty"`
	Source                 BillingSource   `db:"source" json:"source"`
	EventType              EventType       `db:"event_type" json:"event_type"`
	SourceEventType        string          `db:"source_event_type" json:"source_event_type"`
	EventTime              time.Time       `db:"event_time" json:"event_time"`
	Status                 EventStatus     `db:"status" json:"status"`
	AmountCents            int64           `db:"amount_cents" json:"amount_cents"`
	Currency               string          `db:"currency" json:"currency"`
	ProceedsCents          int64           `db:"proceeds_cents" json:"proceeds_cents"`
	ExternalEventID        string          `db:"external_event_id" json:"external_event_id,omitempty"`
	ExternalSubscriptionID string          `db:"external_subscription_id" json:"external_subscription_id,omitempty"`
	OriginalTransactionID  string          `db:"original_transaction_id" json:"original_transaction_id,omitempty"`
	SubscriptionGroupID    string          `db:"subscription_group_id" json:"subscription_group_id,omitempty"`
	PeriodType             string          `db:"period_type" json:"period_type,omitempty"`
	ExpirationTime         *time.Time      `db:"expiration_time" json:"expiration_time,omitempty"`
	GracePeriodExpiration  *time.Time      `db:"grace_period_expiration" json:"grace_period_expiration,omitempty"`
	CancellationReason     string          `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	BillingInterval        string          `db:"billing_interval" json:"billing_interval,omitempty"`
	PlanTier               string          `db:"plan_tier" json:"plan_tier,omitempty"`
	TrialStartedAt         *time.Time      `db:"trial_started_at" json:"trial_started_at,omitempty"`
	Environment            Environment     `db:"environment" json:"environment"`
	CountryCode            string          `db:"country_code" json:"country_code,omitempty"`
	RawPayload             json.RawMessage `db:"raw_payload" json:"raw_payload,omitempty"`
	IdempotencyKey         string          `db:"idempotency_key" json:"idempotency_key"`
	TrustedSource          bool            `db:"trusted_source" json:"trusted_source"`
	IngestedAt             time.Time       `db:"ingested_at" json:"ingested_at"`
	ProcessedAt            *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CurrentPeriodStart     *time.Time      `db:"-" json:"-"`
	CurrentPeriodEnd       *time.Time      `db:"-" json:"-"`
}

// StateTransition is one entry in an Entitlement's append-only history.
type StateTransition struct {
	From      EntitlementState `json:"from"`
	To        EntitlementState `json:"to"`
	EventType EventType        `json:"event_type"`
	EventID   string           `json:"event_id"`
	Timestamp time.Time        `json:"timestamp"`
}

// Entitlement is the authoritative per (org, user, product, source) access record.
type Entitlement struct {
	ID                     string             `db:"id" json:"id"`
	OrgID                  string             `db:"org_id" json:"org_id"`
	UserID                 string             `db:"user_id" json:"user_id"`
	ProductID              string             `db:"product_id" json:"product_id"`
	Source                 BillingSource      `db:"source" json:"source"`
	State                  EntitlementState   `db:"state" json:"state"`
	ExternalSubscriptionID string             `db:"external_subscription_id" json:"external_subscription_id,omitempty"`
	CurrentPeriodStart     *time.Time         `db:"current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `db:"current_period_end" json:"current_period_end,omitempty"`
	CancelAt               *time.Time         `db:"cancel_at" json:"cancel_at,omitempty"`
	TrialEnd               *time.Time         `db:"trial_end" json:"trial_end,omitempty"`
	BillingInterval        string             `db:"billing_interval" json:"billing_interval,omitempty"`
	PlanTier               string             `db:"plan_tier" json:"plan_tier,omitempty"`
	LastEventID            string             `db:"last_event_id" json:"last_event_id,omitempty"`
	StateHistory           []StateTransition  `db:"-" json:"state_history"`
	Metadata               map[string]any     `db:"-" json:"metadata,omitempty"`
	CreatedAt              time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time          `db:"updated_at" json:"updated_at"`
}

// HasAccess implements the access predicate of spec §4.5.
func (e *Entitlement) HasAccess() bool {
	switch e.State {
	case StateTrial, StateActive, StateGracePeriod, StateBillingRetry:
		return true
	default:
		return false
	}
}

// Issue is an anomaly discovered by a detector.
type Issue struct {
	ID                   string         `db:"id" json:"id"`
	OrgID                string         `db:"org_id" json:"org_id"`
	UserID               *string        `db:"user_id" json:"user_id,omitempty"`
	IssueType            string         `db:"issue_type" json:"issue_type"`
	Severity             IssueSeverity  `db:"severity" json:"severity"`
	Status               IssueStatus    `db:"status" json:"status"`
	Confidence           float64        `db:"confidence" json:"confidence"`
	EstimatedRevenueCents int64         `db:"estimated_revenue_cents" json:"estimated_revenue_cents"`
	DetectorID           string         `db:"detector_id" json:"detector_id"`
	DetectionTier        DetectionTier  `db:"detection_tier" json:"detection_tier"`
	Evidence             map[string]any `db:"-" json:"evidence"`
	Title                string         `db:"title" json:"title"`
	Description          string         `db:"description" json:"description"`
	ResolutionMetadata   map[string]any `db:"-" json:"resolution_metadata,omitempty"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// WebhookLog records every inbound provider webhook.
type WebhookLog struct {
	ID               string                  `db:"id" json:"id"`
	OrgID            string                  `db:"org_id" json:"org_id"`
	Source           BillingSource           `db:"source" json:"source"`
	ExternalEventID  string                  `db:"external_event_id" json:"external_event_id,omitempty"`
	ProcessingStatus WebhookProcessingStatus `db:"processing_status" json:"processing_status"`
	HTTPStatus       int                     `db:"http_status" json:"http_status,omitempty"`
	Error            string                  `db:"error" json:"error,omitempty"`
	Headers          map[string]string       `db:"-" json:"headers,omitempty"`
	Body             []byte                  `db:"body" json:"-"`
	CreatedAt        time.Time               `db:"created_at" json:"created_at"`
}

// AccessCheck is a customer-app report of whether hasAccess for a user at a point in time.
type AccessCheck struct {
	ID        string    `db:"id" json:"id"`
	OrgID     string    `db:"org_id" json:"org_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	ProductID string    `db:"product_id" json:"product_id"`
	HasAccess bool      `db:"has_access" json:"has_access"`
	CheckedAt time.Time `db:"checked_at" json:"checked_at"`
}

// AlertChannel is the delivery mechanism of an AlertConfiguration.
type AlertChannel string

const (
	ChannelSlack     AlertChannel = "slack"
	ChannelEmail     AlertChannel = "email"
	ChannelWebhook   AlertChannel = "webhook"
	ChannelPagerDuty AlertChannel = "pagerduty"
)

// AlertConfiguration is per-channel dispatch configuration.
type AlertConfiguration struct {
	ID              string         `db:"id" json:"id"`
	OrgID           string         `db:"org_id" json:"org_id"`
	Channel         AlertChannel   `db:"channel" json:"channel"`
	Enabled         bool           `db:"enabled" json:"enabled"`
	SeverityFilter  []IssueSeverity `db:"-" json:"severity_filter"`
	IssueTypes      []string       `db:"-" json:"issue_types,omitempty"`
	Target          string         `db:"target" json:"target"` // URL the channel's payload is POSTed to: slack webhook, email or PagerDuty HTTP endpoint, customer webhook
	SigningSecret   string         `db:"signing_secret" json:"-"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// AlertDeliveryLog is an append-only record of a single dispatch attempt.
type AlertDeliveryLog struct {
	ID             string       `db:"id" json:"id"`
	OrgID          string       `db:"org_id" json:"org_id"`
	IssueID        string       `db:"issue_id" json:"issue_id"`
	ConfigID       string       `db:"config_id" json:"config_id"`
	Channel        AlertChannel `db:"channel" json:"channel"`
	Success        bool         `db:"success" json:"success"`
	ResponseStatus int          `db:"response_status" json:"response_status,omitempty"`
	Error          string       `db:"error" json:"error,omitempty"`
	Attempt        int          `db:"attempt" json:"attempt"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// AuditLog is an append-only record of a mutating admin action.
type AuditLog struct {
	ID           string         `db:"id" json:"id"`
	OrgID        string         `db:"org_id" json:"org_id"`
	ActorType    string         `db:"actor_type" json:"actor_type"`
	ActorID      string         `db:"actor_id" json:"actor_id"`
	Action       string         `db:"action" json:"action"`
	ResourceType string         `db:"resource_type" json:"resource_type"`
	ResourceID   string         `db:"resource_id" json:"resource_id"`
	Metadata     map[string]any `db:"-" json:"metadata,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}
