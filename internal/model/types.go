package model

import (
	"strings"
	"time"
)

// ProviderType classifies a third-party provider. The set is closed: routing
// of canonical events switches on (ProviderType, event) pairs.
type ProviderType string

const (
	ProviderPayment       ProviderType = "payment"
	ProviderWarehouse     ProviderType = "warehouse"
	ProviderDropshipping  ProviderType = "dropshipping"
	ProviderMarketplace   ProviderType = "marketplace"
	ProviderShipping      ProviderType = "shipping"
	ProviderMarketing     ProviderType = "marketing"
	ProviderAccounting    ProviderType = "accounting"
	ProviderCRM           ProviderType = "crm"
	ProviderAnalytics     ProviderType = "analytics"
	ProviderAutomation    ProviderType = "automation"
	ProviderCommunication ProviderType = "communication"
	ProviderEducation     ProviderType = "education"
	ProviderSecurity      ProviderType = "security"
	ProviderTax           ProviderType = "tax"
	ProviderOther         ProviderType = "other"
)

var providerTypes = map[ProviderType]struct{}{
	ProviderPayment: {}, ProviderWarehouse: {}, ProviderDropshipping: {},
	ProviderMarketplace: {}, ProviderShipping: {}, ProviderMarketing: {},
	ProviderAccounting: {}, ProviderCRM: {}, ProviderAnalytics: {},
	ProviderAutomation: {}, ProviderCommunication: {}, ProviderEducation: {},
	ProviderSecurity: {}, ProviderTax: {}, ProviderOther: {},
}

func (t ProviderType) Valid() bool { _, ok := providerTypes[t]; return ok }

// Auth schemes a provider may declare for outbound API calls.
const (
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthAPIKey = "apikey"
	AuthOAuth  = "oauth"
)

// Canonical adapter operations.
const (
	OpGetProduct        = "getProduct"
	OpCreateProduct     = "createProduct"
	OpGetInventory      = "getInventory"
	OpCreateShipment    = "createShipment"
	OpGetShipmentStatus = "getShipmentStatus"
)

// Operations lists every adapter operation a provider entry may support.
var Operations = []string{OpGetProduct, OpCreateProduct, OpGetInventory, OpCreateShipment, OpGetShipmentStatus}

// Inbound canonical event vocabulary. Providers map their own event names to
// these via registry configuration; anything else is rejected at ingest.
const (
	EventOrderCreated     = "order.created"
	EventOrderUpdated     = "order.updated"
	EventOrderCancelled   = "order.cancelled"
	EventOrderFulfilled   = "order.fulfilled"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventRefundIssued     = "refund.issued"
	EventShipmentUpdated  = "shipment.updated"
	EventInventoryUpdated = "inventory.updated"
	EventProductUpdated   = "product.updated"
)

var inboundEvents = map[string]struct{}{
	EventOrderCreated: {}, EventOrderUpdated: {}, EventOrderCancelled: {},
	EventOrderFulfilled: {}, EventPaymentSucceeded: {}, EventPaymentFailed: {},
	EventRefundIssued: {}, EventShipmentUpdated: {}, EventInventoryUpdated: {},
	EventProductUpdated: {},
}

// KnownEvent reports whether name is part of the inbound event vocabulary.
func KnownEvent(name string) bool { _, ok := inboundEvents[name]; return ok }

// Derived (outbound) event names emitted by business handlers and fanned out
// to seller webhook subscriptions. Deliberately distinct from the inbound
// vocabulary so upstream naming never leaks to subscribers.
const (
	DerivedPaymentCompleted = "order.payment.completed"
	DerivedPaymentFailed    = "order.payment.failed"
	DerivedOrderFulfilled   = "order.fulfilled.notified"
	DerivedOrderImported    = "order.imported"
	DerivedInventoryChanged = "inventory.changed"
	DerivedShipmentProgress = "shipment.progress"
	DerivedRefundRecorded   = "order.refund.recorded"
)

// OAuthConfig is a provider's OAuth endpoints, from the registry.
type OAuthConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	AuthorizeURL string   `json:"authorizeUrl,omitempty" yaml:"authorizeUrl"`
	TokenURL     string   `json:"tokenUrl,omitempty" yaml:"tokenUrl"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes"`
}

// WebhookConfig describes a provider's inbound webhook support. Secret is
// stored encrypted when persisted.
type WebhookConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	URL     string   `json:"url,omitempty" yaml:"url"`
	Events  []string `json:"events,omitempty" yaml:"events"`
	Secret  string   `json:"secret,omitempty" yaml:"secret"`
}

// RetryPolicy tunes the retry executor and the outbound rate limiter for one
// provider. Zero values fall back to package defaults.
type RetryPolicy struct {
	MaxRetries     int     `json:"maxRetries,omitempty" yaml:"maxRetries"`
	InitialDelayMs int     `json:"initialDelayMs,omitempty" yaml:"initialDelayMs"`
	RPS            float64 `json:"rps,omitempty" yaml:"rps"`
	Burst          int     `json:"burst,omitempty" yaml:"burst"`
}

// FieldMapping maps one upstream response field to a canonical field.
// Coerce supports "int" (whole-number parsing for price/quantity style
// fields). Default applies when the upstream field is absent.
type FieldMapping struct {
	Canonical string `json:"canonical" yaml:"canonical"`
	Upstream  string `json:"upstream" yaml:"upstream"`
	Default   string `json:"default,omitempty" yaml:"default"`
	Coerce    string `json:"coerce,omitempty" yaml:"coerce"`
}

// ProviderSettings carries the declarative HTTP surface of a provider: where
// to call, how to authenticate, and how to read responses back.
type ProviderSettings struct {
	BaseURL         string            `json:"baseUrl" yaml:"baseUrl"`
	SandboxBaseURL  string            `json:"sandboxBaseUrl,omitempty" yaml:"sandboxBaseUrl"`
	AuthType        string            `json:"authType" yaml:"authType"`
	APIKeyHeader    string            `json:"apiKeyHeader,omitempty" yaml:"apiKeyHeader"`
	Endpoints       map[string]string `json:"endpoints" yaml:"endpoints"`
	ResponseMapping []FieldMapping    `json:"responseMapping,omitempty" yaml:"responseMapping"`
	Retry           RetryPolicy       `json:"retry,omitempty" yaml:"retry"`
}

// Provider is one registry entry: pure configuration, never code. Name is
// globally unique; Type is immutable after creation.
type Provider struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Type        ProviderType      `json:"type" yaml:"type"`
	Credentials map[string]string `json:"-" yaml:"credentials"` // key -> encrypted value
	OAuth       OAuthConfig       `json:"oauth" yaml:"oauth"`
	Webhook     WebhookConfig     `json:"webhook" yaml:"webhook"`
	Settings    ProviderSettings  `json:"settings" yaml:"settings"`
	Supports    []string          `json:"supports,omitempty" yaml:"supports"`
	Active      bool              `json:"active" yaml:"active"`
	Sandbox     bool              `json:"sandbox" yaml:"sandbox"`
}

// Key is the stable identifier integrations are linked by: the entry's ID
// when one is assigned, otherwise the lowercased name. Registry-file entries
// usually carry no ID.
func (p Provider) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return strings.ToLower(p.Name)
}

// IntegrationStatus is the connection state of a SellerIntegration.
type IntegrationStatus string

const (
	StatusConnected    IntegrationStatus = "connected"
	StatusDisconnected IntegrationStatus = "disconnected"
	StatusExpired      IntegrationStatus = "expired"
	StatusNeedsReauth  IntegrationStatus = "needs_reauth"
)

// SellerIntegration links a seller to a provider. Token and credential values
// are encrypted at rest; at most one active row per (seller, provider,
// sandbox).
type SellerIntegration struct {
	ID             string            `json:"id"`
	SellerID       string            `json:"sellerId"`
	ProviderID     string            `json:"providerId"`
	ProviderName   string            `json:"providerName"`
	Credentials    map[string]string `json:"-"` // key -> encrypted value
	AccessToken    string            `json:"-"` // encrypted
	RefreshToken   string            `json:"-"` // encrypted
	TokenExpiry    time.Time         `json:"tokenExpiry,omitempty"`
	Status         IntegrationStatus `json:"status"`
	Active         bool              `json:"active"`
	Sandbox        bool              `json:"sandbox"`
	WebhookSecret  string            `json:"-"` // encrypted, per-seller override
	WebhookEnabled bool              `json:"webhookEnabled"`
}

// CanonicalEvent is the provider-agnostic internal representation of an
// upstream occurrence, produced by the ingestion gateway.
type CanonicalEvent struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	ProviderID     string         `json:"providerId"`
	ProviderName   string         `json:"providerName"`
	ProviderType   ProviderType   `json:"providerType"`
	SellerID       string         `json:"sellerId"`
	Sandbox        bool           `json:"sandbox"`
	Payload        map[string]any `json:"payload"`
	TS             time.Time      `json:"ts"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// WebhookBody is the inbound webhook envelope: a canonical event name plus an
// open payload object.
type WebhookBody struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SubscriptionRequest creates an outbound webhook subscription.
type SubscriptionRequest struct {
	SellerID string   `json:"sellerId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

// Subscription is a seller-owned outbound webhook endpoint.
type Subscription struct {
	ID       string   `json:"id"`
	SellerID string   `json:"sellerId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

// Order is the slice of the order aggregate the integration core mutates.
// Full order CRUD lives outside this service.
type Order struct {
	ID                string    `json:"id"`
	SellerID          string    `json:"sellerId"`
	ExternalRef       string    `json:"externalRef,omitempty"`
	Source            string    `json:"source,omitempty"` // provider name for imported orders
	PaymentGatewayID  string    `json:"paymentGatewayId,omitempty"`
	PaymentStatus     string    `json:"paymentStatus"` // pending, successful, failed, refunded
	EscrowStatus      string    `json:"escrowStatus,omitempty"`
	FulfillmentStatus string    `json:"fulfillmentStatus,omitempty"`
	TrackingNumber    string    `json:"trackingNumber,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt,omitempty"`
}

// StockLevel is a seller's stock for one SKU as reported by a warehouse
// provider.
type StockLevel struct {
	SellerID     string    `json:"sellerId"`
	SKU          string    `json:"sku"`
	Quantity     int       `json:"quantity"`
	WarehouseRef string    `json:"warehouseRef,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// ConnectRequest carries static (non-OAuth) credentials for a provider.
type ConnectRequest struct {
	Credentials map[string]string `json:"credentials"`
	Sandbox     bool              `json:"sandbox,omitempty"`
}

// OAuthCallbackRequest is the code exchange request for an OAuth provider.
type OAuthCallbackRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirectUri,omitempty"`
	Sandbox     bool   `json:"sandbox,omitempty"`
}
