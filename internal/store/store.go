package store

import (
	"context"
	"errors"
	"time"

	"merchlink/internal/model"
)

// Store is the persistence interface used by the integration core.
type Store interface {
	// Providers
	GetProviderByName(ctx context.Context, name string, sandbox bool) (model.Provider, error)
	ListProviders(ctx context.Context) ([]model.Provider, error)
	UpsertProvider(ctx context.Context, p model.Provider) (model.Provider, error)

	// Seller integrations
	GetSellerIntegration(ctx context.Context, sellerID, providerID string, sandbox bool) (model.SellerIntegration, error)
	ListSellerIntegrations(ctx context.Context, sellerID string) ([]model.SellerIntegration, error)
	UpsertSellerIntegration(ctx context.Context, integ model.SellerIntegration) (model.SellerIntegration, error)
	UpdateIntegrationTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time, status model.IntegrationStatus) error
	UpdateIntegrationStatus(ctx context.Context, id string, status model.IntegrationStatus) error

	// Orders (the slice business handlers mutate)
	CreateOrder(ctx context.Context, o model.Order) (model.Order, error)
	GetOrderByPaymentRef(ctx context.Context, sellerID, paymentRef string) (model.Order, error)
	UpdateOrderPayment(ctx context.Context, sellerID, orderID, paymentStatus, escrowStatus string) error
	UpdateOrderFulfillment(ctx context.Context, sellerID, orderID, fulfillmentStatus, trackingNumber string) error

	// Inventory
	UpsertStockLevel(ctx context.Context, s model.StockLevel) error

	// Idempotency: records key and reports whether it was newly inserted.
	// Safe to call concurrently for the same key; exactly one caller wins.
	MarkEventProcessed(ctx context.Context, key string) (bool, error)

	// Dead letter for failed business-handler invocations
	InsertHandlerFailure(ctx context.Context, evt model.CanonicalEvent, handlerErr string) error
	ListHandlerFailures(ctx context.Context, sellerID string, limit int) ([]map[string]any, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, sellerID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, sellerID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, sellerID, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, sellerID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, sellerID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, sellerID, id string) error
	WebhookMetrics(ctx context.Context, sellerID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error)

	// Dead-letter queue for exhausted deliveries
	ListWebhookDLQ(ctx context.Context, sellerID, eventType string, olderThan time.Time, cursor string, limit int) ([]map[string]any, string, error)
	RequeueWebhookDLQ(ctx context.Context, sellerID, id string) error
	RequeueWebhookDLQBulk(ctx context.Context, sellerID string, ids []string) error
}

var ErrNotFound = errors.New("not found")
