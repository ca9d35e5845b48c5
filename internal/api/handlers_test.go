package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"merchlink/internal/model"
	"merchlink/internal/webhooks"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Registry.Upsert(model.Provider{
		Name:    "squarepay",
		Type:    model.ProviderPayment,
		Active:  true,
		Webhook: model.WebhookConfig{Enabled: true},
		Settings: model.ProviderSettings{
			AuthType: model.AuthAPIKey,
		},
	}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	if err := s.Registry.Upsert(model.Provider{
		Name:    "stripelike",
		Type:    model.ProviderPayment,
		Active:  true,
		OAuth:   model.OAuthConfig{Enabled: true, AuthorizeURL: "https://auth.example.com/authorize", TokenURL: "https://auth.example.com/token"},
		Webhook: model.WebhookConfig{Enabled: true},
		Settings: model.ProviderSettings{
			AuthType: model.AuthOAuth,
		},
	}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	return s
}

func asSeller(req *http.Request, seller, role string) *http.Request {
	req.Header.Set("X-Seller-Id", seller)
	req.Header.Set("X-Role", role)
	return req
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestConnectAndIngestFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	// connect with static credentials plus a webhook secret
	body := []byte(`{"credentials":{"api_key":"k1","webhook_secret":"whsec"}}`)
	rr := httptest.NewRecorder()
	req := asSeller(httptest.NewRequest(http.MethodPost, "/v1/integrations/squarepay/connect", bytes.NewReader(body)), "s_test", "seller")
	s.IntegrationsHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("connect: got %d: %s", rr.Code, rr.Body.String())
	}

	// the order the webhook will settle
	if _, err := s.Store.CreateOrder(ctx, model.Order{SellerID: "s_test", PaymentGatewayID: "pay_1", PaymentStatus: "pending"}); err != nil {
		t.Fatalf("create order: %v", err)
	}

	// a subscription so the derived event produces a delivery
	subBody := []byte(`{"url":"https://hooks.example.com/x","events":["order.payment.completed"],"secret":"subsec"}`)
	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(subBody)), "s_test", "seller"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("subscribe: got %d: %s", rr.Code, rr.Body.String())
	}

	// signed inbound webhook
	evt := []byte(`{"event":"payment.succeeded","payload":{"paymentId":"pay_1"}}`)
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/integrations/s_test/squarepay", bytes.NewReader(evt))
	req.Header.Set("X-Webhook-Signature", webhooks.SignHMAC("whsec", evt))
	s.IntegrationsHandler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("ingest: got %d: %s", rr.Code, rr.Body.String())
	}
	var ack struct {
		Success   bool `json:"success"`
		Duplicate bool `json:"duplicate"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &ack)
	if !ack.Success || ack.Duplicate {
		t.Fatalf("first delivery ack: %+v", ack)
	}

	o, err := s.Store.GetOrderByPaymentRef(ctx, "s_test", "pay_1")
	if err != nil {
		t.Fatalf("order lookup: %v", err)
	}
	if o.PaymentStatus != "successful" {
		t.Fatalf("payment status = %q, want successful", o.PaymentStatus)
	}

	due, err := s.Store.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(due))
	}
	if due[0].EventType != model.DerivedPaymentCompleted {
		t.Fatalf("delivery event = %q", due[0].EventType)
	}

	// replay is acked but not reprocessed
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/integrations/s_test/squarepay", bytes.NewReader(evt))
	req.Header.Set("X-Webhook-Signature", webhooks.SignHMAC("whsec", evt))
	s.IntegrationsHandler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay: got %d", rr.Code)
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &ack)
	if !ack.Duplicate {
		t.Fatal("replay not reported as duplicate")
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"credentials":{"api_key":"k1","webhook_secret":"whsec"}}`)
	rr := httptest.NewRecorder()
	s.IntegrationsHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/integrations/squarepay/connect", bytes.NewReader(body)), "s_test", "seller"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("connect: got %d", rr.Code)
	}

	evt := []byte(`{"event":"payment.succeeded","payload":{"paymentId":"pay_2"}}`)
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/integrations/s_test/squarepay", bytes.NewReader(evt))
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	s.IntegrationsHandler(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: got %d, want 401", rr.Code)
	}
}

func TestIngestUnknownProvider(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/integrations/s_test/nope", bytes.NewReader([]byte(`{"event":"order.created"}`)))
	s.IntegrationsHandler(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown provider: got %d, want 404", rr.Code)
	}
}

func TestConnectRejectsOAuthProvider(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"credentials":{"api_key":"k1"}}`)
	rr := httptest.NewRecorder()
	s.IntegrationsHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/integrations/stripelike/connect", bytes.NewReader(body)), "s_test", "seller"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("oauth connect: got %d, want 400", rr.Code)
	}
}

func TestOAuthAuthorizeURL(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	req := asSeller(httptest.NewRequest(http.MethodGet, "/v1/oauth/stripelike/authorize?redirectUri=https://app.example.com/cb", nil), "s_test", "seller")
	s.OAuthHandler(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authorize: got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		URL   string `json:"url"`
		State string `json:"state"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if !strings.HasPrefix(out.URL, "https://auth.example.com/authorize?") {
		t.Fatalf("authorize url = %q", out.URL)
	}
	if !strings.Contains(out.URL, "redirect_uri=") || out.State == "" {
		t.Fatalf("authorize url missing parts: %q state=%q", out.URL, out.State)
	}
}

func TestDisconnectIntegration(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"credentials":{"api_key":"k1"}}`)
	rr := httptest.NewRecorder()
	s.IntegrationsHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/integrations/squarepay/connect", bytes.NewReader(body)), "s_test", "seller"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("connect: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.IntegrationsHandler(rr, asSeller(httptest.NewRequest(http.MethodDelete, "/v1/integrations/squarepay", nil), "s_test", "seller"))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("disconnect: got %d", rr.Code)
	}
	integ, err := s.Store.GetSellerIntegration(context.Background(), "s_test", "squarepay", false)
	if err != nil {
		t.Fatalf("get integration: %v", err)
	}
	if integ.Status != model.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", integ.Status)
	}

	// disconnected integrations no longer accept webhooks
	evt := []byte(`{"event":"payment.succeeded","payload":{}}`)
	rr = httptest.NewRecorder()
	s.IntegrationsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/integrations/s_test/squarepay", bytes.NewReader(evt)))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("ingest after disconnect: got %d, want 403", rr.Code)
	}
}

func TestSubscriptionValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"missing url", `{"events":["order.imported"]}`},
		{"bad scheme", `{"url":"ftp://x","events":["order.imported"]}`},
		{"no events", `{"url":"https://x.example.com"}`},
		{"unknown event", `{"url":"https://x.example.com","events":["payment.succeeded"]}`},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		s.SubscriptionsHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/subscriptions", strings.NewReader(tc.body)), "s_test", "seller"))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d, want 400", tc.name, rr.Code)
		}
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	s := newTestServer(t)
	body := `{"url":"https://hooks.example.com/a","events":["inventory.changed","order.imported"]}`
	rr := httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/subscriptions", strings.NewReader(body)), "s_test", "seller"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rr.Code, rr.Body.String())
	}
	var sub model.Subscription
	_ = json.Unmarshal(rr.Body.Bytes(), &sub)
	if sub.ID == "" || sub.SellerID != "s_test" {
		t.Fatalf("bad subscription: %+v", sub)
	}

	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, asSeller(httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil), "s_test", "seller"))
	if rr.Code != http.StatusOK {
		t.Fatalf("list: got %d", rr.Code)
	}
	var list struct {
		Items []model.Subscription `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &list)
	if len(list.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(list.Items))
	}

	rr = httptest.NewRecorder()
	s.SubscriptionByIDHandler(rr, asSeller(httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil), "s_test", "seller"))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", rr.Code)
	}
}

func TestProvidersListIncludesCatalog(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.ProvidersHandler(rr, asSeller(httptest.NewRequest(http.MethodGet, "/v1/providers", nil), "s_test", "seller"))
	if rr.Code != http.StatusOK {
		t.Fatalf("list providers: got %d", rr.Code)
	}
	var out struct {
		Items []model.Provider `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if len(out.Items) < 2 {
		t.Fatalf("items = %d, want at least the seeded catalog", len(out.Items))
	}
}

func TestProviderUpsertRequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	body := `{"name":"taxly","type":"tax","active":true}`
	rr := httptest.NewRecorder()
	s.ProvidersHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/providers", strings.NewReader(body)), "s_test", "seller"))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin upsert: got %d, want 403", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ProvidersHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/providers", strings.NewReader(body)), "s_admin", "admin"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("admin upsert: got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestExecuteOperation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products/p1" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "p1", "amount_cents": 1250})
	}))
	defer upstream.Close()

	s := newTestServer(t)
	if err := s.Registry.Upsert(model.Provider{
		Name:     "bazaar",
		Type:     model.ProviderMarketplace,
		Active:   true,
		Supports: []string{model.OpGetProduct},
		Settings: model.ProviderSettings{
			BaseURL:  upstream.URL,
			AuthType: model.AuthBearer,
			Endpoints: map[string]string{
				model.OpGetProduct: "/products/:productId",
			},
			ResponseMapping: []model.FieldMapping{
				{Canonical: "price", Upstream: "amount_cents", Coerce: "int"},
			},
		},
	}); err != nil {
		t.Fatalf("seed provider: %v", err)
	}

	connBody := []byte(`{"credentials":{"token":"tok-1"}}`)
	rr := httptest.NewRecorder()
	s.IntegrationsHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/integrations/bazaar/connect", bytes.NewReader(connBody)), "s_test", "seller"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("connect: got %d: %s", rr.Code, rr.Body.String())
	}

	execBody := `{"op":"getProduct","args":{"productId":"p1"}}`
	rr = httptest.NewRecorder()
	s.ProviderExecuteHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/providers/bazaar/execute", strings.NewReader(execBody)), "s_test", "seller"))
	if rr.Code != http.StatusOK {
		t.Fatalf("execute: got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Result map[string]any `json:"result"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out.Result["price"] != float64(1250) {
		t.Fatalf("mapped price = %v", out.Result["price"])
	}
	if out.Result["currency"] != "USD" {
		t.Fatalf("default currency = %v", out.Result["currency"])
	}
}

func TestExecuteWithoutIntegration(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.ProviderExecuteHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/providers/squarepay/execute", strings.NewReader(`{"op":"getProduct"}`)), "s_new", "seller"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("execute without integration: got %d, want 409", rr.Code)
	}
}

func TestAdminDLQFlow(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	id, err := s.Store.EnqueueWebhook(ctx, "s_test", "", "order.imported", "https://down.example.com", "", []byte(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Store.FailWebhookDelivery(ctx, id, "connection refused", 0, 12); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rr := httptest.NewRecorder()
	s.WebhookDLQHandler(rr, asSeller(httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-dlq", nil), "s_test", "admin"))
	if rr.Code != http.StatusOK {
		t.Fatalf("list dlq: got %d", rr.Code)
	}
	var out struct {
		Items []map[string]any `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if len(out.Items) != 1 {
		t.Fatalf("dlq items = %d, want 1", len(out.Items))
	}
	dlqID, _ := out.Items[0]["id"].(string)

	rr = httptest.NewRecorder()
	s.WebhookDLQHandler(rr, asSeller(httptest.NewRequest(http.MethodPost, "/v1/admin/webhook-dlq/"+dlqID+"/requeue", nil), "s_test", "admin"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("requeue: got %d: %s", rr.Code, rr.Body.String())
	}
	due, err := s.Store.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	if len(due) != 1 || due[0].Attempts != 0 {
		t.Fatalf("requeued delivery not pending: %+v", due)
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	s := newTestServer(t)
	paths := []struct {
		h    http.HandlerFunc
		path string
	}{
		{s.WebhookDeliveriesHandler, "/v1/admin/webhook-deliveries"},
		{s.WebhookMetricsHandler, "/v1/admin/webhook-metrics"},
		{s.WebhookDLQHandler, "/v1/admin/webhook-dlq"},
		{s.HandlerFailuresHandler, "/v1/admin/handler-failures"},
	}
	for _, tc := range paths {
		rr := httptest.NewRecorder()
		tc.h(rr, asSeller(httptest.NewRequest(http.MethodGet, tc.path, nil), "s_test", "seller"))
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s: got %d, want 403", tc.path, rr.Code)
		}
	}
}

func TestHandlerFailuresListing(t *testing.T) {
	s := newTestServer(t)
	evt := model.CanonicalEvent{ID: "e1", Name: "payment.succeeded", SellerID: "s_test", ProviderName: "squarepay", Payload: map[string]any{"paymentId": "missing"}}
	if err := s.Store.InsertHandlerFailure(context.Background(), evt, "order not found"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rr := httptest.NewRecorder()
	s.HandlerFailuresHandler(rr, asSeller(httptest.NewRequest(http.MethodGet, "/v1/admin/handler-failures?sellerId=s_test", nil), "s_admin", "admin"))
	if rr.Code != http.StatusOK {
		t.Fatalf("list: got %d", rr.Code)
	}
	var out struct {
		Items []map[string]any `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if len(out.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(out.Items))
	}
	if out.Items[0]["error"] != "order not found" {
		t.Fatalf("bad failure record: %+v", out.Items[0])
	}
}

func TestEventsStreamDeliversDerivedEvents(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	req := asSeller(httptest.NewRequest(http.MethodGet, "/v1/events/stream", nil), "s_test", "seller").WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.EventsStreamHandler(rr, req)
		close(done)
	}()

	// wait for the subscription, then publish
	time.Sleep(50 * time.Millisecond)
	s.Broker.Publish("s_test", SSEEvent{Type: "order.payment.completed", Data: map[string]any{"orderId": "o1"}})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rr.Body.String()
	if !strings.Contains(body, "event: order.payment.completed") {
		t.Fatalf("stream missing event: %q", body)
	}
	if !strings.Contains(body, `"orderId":"o1"`) {
		t.Fatalf("stream missing payload: %q", body)
	}
}
