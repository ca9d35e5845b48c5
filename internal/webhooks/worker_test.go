package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"merchlink/internal/model"
	"merchlink/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []markRec
	fails []failRec
}

type markRec struct {
	ID      string
	Success bool
	Code    int
	LastErr string
}

type failRec struct {
	ID      string
	Code    int
	LastErr string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, markRec{ID: id, Success: success, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}

func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, failRec{ID: id, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnceSignsAndDelivers(t *testing.T) {
	var gotSig, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-Webhook-Event")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 3}
	payload := []byte(`{"event":"order.payment.completed"}`)
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "s1", "", model.DerivedPaymentCompleted, srv.URL, "shh", payload)
	if err != nil || id == "" {
		t.Fatalf("enqueue: %v", err)
	}

	w.processOnce()

	if gotEvent != model.DerivedPaymentCompleted {
		t.Fatalf("event header: %q", gotEvent)
	}
	if !VerifyHMAC("shh", gotBody, gotSig) {
		t.Fatalf("signature does not verify: %q", gotSig)
	}
	if len(rs.marks) == 0 || !rs.marks[0].Success {
		t.Fatalf("expected success mark, got %+v", rs.marks)
	}
}

func TestWorkerProcessOnceDeadLettersOnExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 1}
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "s1", "", model.DerivedInventoryChanged, srv.URL, "", []byte(`{}`))

	w.processOnce()

	if len(rs.fails) != 1 {
		t.Fatalf("expected one fail, got %+v", rs.fails)
	}
	items, _, err := rs.Memory.ListWebhookDLQ(context.Background(), "s1", "", time.Time{}, "", 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("DLQ: %v items=%d", err, len(items))
	}
}

func TestWorkerRetrySchedulesBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(503) }))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := &Worker{Store: rs, HTTP: srv.Client(), Stop: make(chan struct{}), MaxAttempts: 5}
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "s1", "", model.DerivedOrderImported, srv.URL, "", []byte(`{}`))

	w.processOnce()

	if len(rs.marks) != 1 || rs.marks[0].Success {
		t.Fatalf("expected retry mark, got %+v", rs.marks)
	}
	// backed off, so not due again immediately
	due, err := rs.Memory.FetchDueWebhookDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("delivery due before backoff elapsed: %+v", due)
	}
}

func TestNextBackoff(t *testing.T) {
	if d := nextBackoff(0); d != time.Second {
		t.Fatalf("attempt 0: %v", d)
	}
	if d := nextBackoff(3); d != 8*time.Second {
		t.Fatalf("attempt 3: %v", d)
	}
	if d := nextBackoff(20); d != time.Hour {
		t.Fatalf("cap: %v", d)
	}
}

func TestPublisherEmitFansOutToMatchingSubscriptions(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	_, err := mem.CreateSubscription(ctx, model.SubscriptionRequest{
		SellerID: "s1", URL: "https://a.test/hook", Events: []string{model.DerivedPaymentCompleted}, Secret: "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = mem.CreateSubscription(ctx, model.SubscriptionRequest{
		SellerID: "s1", URL: "https://b.test/hook", Events: []string{model.DerivedInventoryChanged},
	})
	_, _ = mem.CreateSubscription(ctx, model.SubscriptionRequest{
		SellerID: "other", URL: "https://c.test/hook", Events: []string{model.DerivedPaymentCompleted},
	})

	p := NewPublisher(mem)
	p.Emit(ctx, "s1", model.DerivedPaymentCompleted, map[string]any{"orderId": "o1"})

	due, err := mem.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one enqueued delivery, got %d", len(due))
	}
	if due[0].URL != "https://a.test/hook" || due[0].SellerID != "s1" {
		t.Fatalf("wrong delivery: %+v", due[0])
	}
	var body map[string]any
	if err := json.Unmarshal(due[0].Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["event"] != model.DerivedPaymentCompleted {
		t.Fatalf("envelope event: %v", body["event"])
	}
	payload, _ := body["payload"].(map[string]any)
	if payload["orderId"] != "o1" {
		t.Fatalf("envelope payload: %v", body["payload"])
	}
}
