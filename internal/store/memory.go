package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"merchlink/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	providers  map[string]model.Provider          // name|sandbox -> provider
	integs     map[string]model.SellerIntegration // id -> integration
	integIdx   map[string]string                  // seller|provider|sandbox -> id
	orders     map[string]model.Order             // id -> order
	ordersBy   map[string][]string                // seller -> order ids
	stock      map[string]model.StockLevel        // seller|sku -> level
	processed  map[string]struct{}                // idempotency keys
	failures   []map[string]any                   // handler dead letters
	subs       map[string][]model.Subscription    // seller -> subscriptions
	deliveries map[string]*memDelivery            // id -> delivery state
	delivBySel map[string][]string                // seller -> delivery ids
	dlq        map[string]map[string]any          // id -> dead-lettered delivery
}

func NewMemory() *Memory {
	return &Memory{
		providers:  map[string]model.Provider{},
		integs:     map[string]model.SellerIntegration{},
		integIdx:   map[string]string{},
		orders:     map[string]model.Order{},
		ordersBy:   map[string][]string{},
		stock:      map[string]model.StockLevel{},
		processed:  map[string]struct{}{},
		failures:   []map[string]any{},
		subs:       map[string][]model.Subscription{},
		deliveries: map[string]*memDelivery{},
		delivBySel: map[string][]string{},
		dlq:        map[string]map[string]any{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
	FailedAt      *time.Time
}

func providerKey(name string, sandbox bool) string {
	k := strings.ToLower(name)
	if sandbox {
		k += "|sandbox"
	}
	return k
}

func integKey(sellerID, providerID string, sandbox bool) string {
	k := sellerID + "|" + providerID
	if sandbox {
		k += "|sandbox"
	}
	return k
}

// Providers

func (m *Memory) GetProviderByName(ctx context.Context, name string, sandbox bool) (model.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerKey(name, sandbox)]
	if !ok {
		return model.Provider{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListProviders(ctx context.Context) ([]model.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) UpsertProvider(ctx context.Context, p model.Provider) (model.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	m.providers[providerKey(p.Name, p.Sandbox)] = p
	return p, nil
}

// Seller integrations

func (m *Memory) GetSellerIntegration(ctx context.Context, sellerID, providerID string, sandbox bool) (model.SellerIntegration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.integIdx[integKey(sellerID, providerID, sandbox)]
	if !ok {
		return model.SellerIntegration{}, ErrNotFound
	}
	return m.integs[id], nil
}

func (m *Memory) ListSellerIntegrations(ctx context.Context, sellerID string) ([]model.SellerIntegration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.SellerIntegration{}
	for _, in := range m.integs {
		if in.SellerID == sellerID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (m *Memory) UpsertSellerIntegration(ctx context.Context, integ model.SellerIntegration) (model.SellerIntegration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := integKey(integ.SellerID, integ.ProviderID, integ.Sandbox)
	if id, ok := m.integIdx[key]; ok {
		integ.ID = id
	} else if integ.ID == "" {
		integ.ID = uuid.New().String()
	}
	m.integs[integ.ID] = integ
	m.integIdx[key] = integ.ID
	return integ, nil
}

func (m *Memory) UpdateIntegrationTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time, status model.IntegrationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.integs[id]
	if !ok {
		return ErrNotFound
	}
	in.AccessToken = accessToken
	if refreshToken != "" {
		in.RefreshToken = refreshToken
	}
	in.TokenExpiry = expiry
	in.Status = status
	m.integs[id] = in
	return nil
}

func (m *Memory) UpdateIntegrationStatus(ctx context.Context, id string, status model.IntegrationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.integs[id]
	if !ok {
		return ErrNotFound
	}
	in.Status = status
	m.integs[id] = in
	return nil
}

// Orders

func (m *Memory) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.UpdatedAt = time.Now().UTC()
	m.orders[o.ID] = o
	m.ordersBy[o.SellerID] = append(m.ordersBy[o.SellerID], o.ID)
	return o, nil
}

func (m *Memory) GetOrderByPaymentRef(ctx context.Context, sellerID, paymentRef string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.ordersBy[sellerID] {
		if o := m.orders[id]; o.PaymentGatewayID == paymentRef {
			return o, nil
		}
	}
	return model.Order{}, ErrNotFound
}

func (m *Memory) UpdateOrderPayment(ctx context.Context, sellerID, orderID, paymentStatus, escrowStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.SellerID != sellerID {
		return ErrNotFound
	}
	o.PaymentStatus = paymentStatus
	if escrowStatus != "" {
		o.EscrowStatus = escrowStatus
	}
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o
	return nil
}

func (m *Memory) UpdateOrderFulfillment(ctx context.Context, sellerID, orderID, fulfillmentStatus, trackingNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.SellerID != sellerID {
		return ErrNotFound
	}
	if fulfillmentStatus != "" {
		o.FulfillmentStatus = fulfillmentStatus
	}
	if trackingNumber != "" {
		o.TrackingNumber = trackingNumber
	}
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o
	return nil
}

// Inventory

func (m *Memory) UpsertStockLevel(ctx context.Context, s model.StockLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	m.stock[s.SellerID+"|"+s.SKU] = s
	return nil
}

// GetStockLevel is a test/inspection helper, not part of the Store interface.
func (m *Memory) GetStockLevel(sellerID, sku string) (model.StockLevel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stock[sellerID+"|"+sku]
	return s, ok
}

// GetOrder is a test/inspection helper, not part of the Store interface.
func (m *Memory) GetOrder(id string) (model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o, ok
}

// Idempotency

func (m *Memory) MarkEventProcessed(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.processed[key]; dup {
		return false, nil
	}
	m.processed[key] = struct{}{}
	return true, nil
}

// Handler dead letters

func (m *Memory) InsertHandlerFailure(ctx context.Context, evt model.CanonicalEvent, handlerErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, map[string]any{
		"id":       uuid.New().String(),
		"sellerId": evt.SellerID,
		"provider": evt.ProviderName,
		"event":    evt.Name,
		"payload":  evt.Payload,
		"error":    handlerErr,
		"ts":       time.Now().UTC().Format(time.RFC3339),
	})
	return nil
}

func (m *Memory) ListHandlerFailures(ctx context.Context, sellerID string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []map[string]any{}
	for _, f := range m.failures {
		if sellerID != "" && f["sellerId"] != sellerID {
			continue
		}
		out = append(out, f)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), SellerID: req.SellerID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.SellerID] = append(m.subs[req.SellerID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, sellerID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[sellerID] {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, sellerID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[sellerID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription(nil), list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, sellerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[sellerID]
	out := make([]model.Subscription, 0, len(arr))
	for _, s := range arr {
		if s.ID != id {
			out = append(out, s)
		}
	}
	m.subs[sellerID] = out
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, sellerID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, SellerID: sellerID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending", Attempts: 0}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.delivBySel[sellerID] = append(m.delivBySel[sellerID], id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, ids := range m.delivBySel {
		for _, id := range ids {
			d := m.deliveries[id]
			if d == nil {
				continue
			}
			if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
				out = append(out, d.WebhookDelivery)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(1 * time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	now := time.Now()
	d.Status = "failed"
	d.FailedAt = &now
	d.LastError = lastError
	m.dlq[id] = map[string]any{
		"id":           id,
		"sellerId":     d.SellerID,
		"eventType":    d.EventType,
		"url":          d.URL,
		"attempts":     d.Attempts + 1,
		"lastError":    lastError,
		"responseCode": responseCode,
		"latencyMs":    latencyMs,
		"failedAt":     now.UTC().Format(time.RFC3339),
	}
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, sellerID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.delivBySel[sellerID] {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if !d.NextAttemptAt.IsZero() {
				item["nextAttemptAt"] = d.NextAttemptAt
			}
			if d.LastError != "" {
				item["lastError"] = d.LastError
			}
			out = append(out, item)
		}
	}
	return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, sellerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil && d.SellerID == sellerID {
		d.Status = "pending"
		d.NextAttemptAt = time.Now()
	}
	return nil
}

func (m *Memory) WebhookMetrics(ctx context.Context, sellerID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(buckets) == 0 {
		buckets = []int{100, 500, 1000}
	}
	type agg struct {
		cnt, sum int
		b        []int
	}
	by := map[string]*agg{}
	for _, id := range m.delivBySel[sellerID] {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if eventType != "" && d.EventType != eventType {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		if codeMin > 0 && d.ResponseCode < codeMin {
			continue
		}
		if codeMax > 0 && d.ResponseCode > codeMax {
			continue
		}
		if !since.IsZero() && d.DeliveredAt != nil && d.DeliveredAt.Before(since) {
			continue
		}
		key := d.EventType + "|" + d.Status
		a := by[key]
		if a == nil {
			a = &agg{b: make([]int, len(buckets)+1)}
			by[key] = a
		}
		a.cnt++
		if d.LatencyMs > 0 {
			a.sum += d.LatencyMs
		}
		bi := len(buckets)
		for i, edge := range buckets {
			if d.LatencyMs < edge {
				bi = i
				break
			}
		}
		a.b[bi]++
	}
	out := []map[string]any{}
	for k, a := range by {
		sep := strings.IndexByte(k, '|')
		avg := 0
		if a.cnt > 0 {
			avg = a.sum / a.cnt
		}
		row := map[string]any{"event_type": k[:sep], "status": k[sep+1:], "cnt": a.cnt, "avg_latency_ms": avg}
		out = append(out, row)
	}
	return out, nil
}

// DLQ

func (m *Memory) ListWebhookDLQ(ctx context.Context, sellerID, eventType string, olderThan time.Time, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, item := range m.dlq {
		if sellerID != "" && item["sellerId"] != sellerID {
			continue
		}
		if eventType != "" && item["eventType"] != eventType {
			continue
		}
		out = append(out, item)
	}
	return out, "", nil
}

func (m *Memory) RequeueWebhookDLQ(ctx context.Context, sellerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.dlq[id]
	if !ok || item["sellerId"] != sellerID {
		return ErrNotFound
	}
	delete(m.dlq, id)
	if d := m.deliveries[id]; d != nil {
		d.Status = "pending"
		d.Attempts = 0
		d.NextAttemptAt = time.Now()
	}
	return nil
}

func (m *Memory) RequeueWebhookDLQBulk(ctx context.Context, sellerID string, ids []string) error {
	for _, id := range ids {
		if err := m.RequeueWebhookDLQ(ctx, sellerID, id); err != nil && err != ErrNotFound {
			return err
		}
	}
	return nil
}
