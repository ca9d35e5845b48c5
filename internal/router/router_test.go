package router

import (
	"context"
	"testing"

	"merchlink/internal/model"
	"merchlink/internal/store"
	"merchlink/internal/webhooks"
)

type captured struct {
	event   string
	payload map[string]any
}

func testRouter(mem *store.Memory) (*Router, *[]captured) {
	r := New(mem, webhooks.NewPublisher(mem))
	var got []captured
	r.Notify = func(sellerID, event string, payload map[string]any) {
		got = append(got, captured{event: event, payload: payload})
	}
	return r, &got
}

func canonical(pt model.ProviderType, name string, payload map[string]any) model.CanonicalEvent {
	return model.CanonicalEvent{
		ID: "e1", Name: name, ProviderName: "acme", ProviderType: pt,
		SellerID: "s1", Payload: payload,
	}
}

func TestPaymentSucceededUpdatesOrderAndDerives(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	order, err := mem.CreateOrder(ctx, model.Order{SellerID: "s1", PaymentGatewayID: "pay_1", PaymentStatus: "pending"})
	if err != nil {
		t.Fatal(err)
	}
	r, got := testRouter(mem)

	r.Route(ctx, canonical(model.ProviderPayment, model.EventPaymentSucceeded, map[string]any{"paymentId": "pay_1"}))

	updated, ok := mem.GetOrder(order.ID)
	if !ok {
		t.Fatal("order vanished")
	}
	if updated.PaymentStatus != "successful" || updated.EscrowStatus != "held" {
		t.Fatalf("order after route: %+v", updated)
	}
	if len(*got) != 1 || (*got)[0].event != model.DerivedPaymentCompleted {
		t.Fatalf("derived events: %+v", *got)
	}
	if (*got)[0].payload["orderId"] != order.ID {
		t.Fatalf("derived payload: %+v", (*got)[0].payload)
	}
}

func TestPaymentFailedDerivesFailure(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	order, _ := mem.CreateOrder(ctx, model.Order{SellerID: "s1", PaymentGatewayID: "pay_2", PaymentStatus: "pending"})
	r, got := testRouter(mem)

	r.Route(ctx, canonical(model.ProviderPayment, model.EventPaymentFailed, map[string]any{"paymentId": "pay_2", "reason": "card_declined"}))

	updated, _ := mem.GetOrder(order.ID)
	if updated.PaymentStatus != "failed" {
		t.Fatalf("payment status: %s", updated.PaymentStatus)
	}
	if len(*got) != 1 || (*got)[0].event != model.DerivedPaymentFailed {
		t.Fatalf("derived: %+v", *got)
	}
	if (*got)[0].payload["reason"] != "card_declined" {
		t.Fatalf("reason lost: %+v", (*got)[0].payload)
	}
}

func TestHandlerFailureIsRecordedNotPropagated(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	r, got := testRouter(mem)

	// no order exists for this payment reference
	r.Route(ctx, canonical(model.ProviderPayment, model.EventPaymentSucceeded, map[string]any{"paymentId": "ghost"}))

	if len(*got) != 0 {
		t.Fatalf("derived events from failed handler: %+v", *got)
	}
	failures, err := mem.ListHandlerFailures(ctx, "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 {
		t.Fatalf("handler failures: %+v", failures)
	}
	if failures[0]["event"] != model.EventPaymentSucceeded {
		t.Fatalf("failure record: %+v", failures[0])
	}
}

func TestUnroutedEventIsDropped(t *testing.T) {
	mem := store.NewMemory()
	r, got := testRouter(mem)

	r.Route(context.Background(), canonical(model.ProviderCRM, model.EventProductUpdated, map[string]any{}))

	if len(*got) != 0 {
		t.Fatalf("derived from unrouted event: %+v", *got)
	}
	failures, _ := mem.ListHandlerFailures(context.Background(), "s1", 10)
	if len(failures) != 0 {
		t.Fatalf("unrouted event recorded as failure: %+v", failures)
	}
}

func TestInventoryUpdatedUpsertsStock(t *testing.T) {
	mem := store.NewMemory()
	r, got := testRouter(mem)

	r.Route(context.Background(), canonical(model.ProviderWarehouse, model.EventInventoryUpdated,
		map[string]any{"sku": "SKU-9", "quantity": float64(42), "warehouseId": "NJ-1"}))

	lvl, ok := mem.GetStockLevel("s1", "SKU-9")
	if !ok {
		t.Fatal("stock level not written")
	}
	if lvl.Quantity != 42 || lvl.WarehouseRef != "NJ-1" {
		t.Fatalf("stock level: %+v", lvl)
	}
	if len(*got) != 1 || (*got)[0].event != model.DerivedInventoryChanged {
		t.Fatalf("derived: %+v", *got)
	}
}

func TestShipmentUpdatedDeliveredDerivesFulfilled(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	order, _ := mem.CreateOrder(ctx, model.Order{SellerID: "s1", PaymentStatus: "successful"})
	r, got := testRouter(mem)

	r.Route(ctx, canonical(model.ProviderShipping, model.EventShipmentUpdated,
		map[string]any{"orderId": order.ID, "status": "delivered", "trackingNumber": "1Z999"}))

	updated, _ := mem.GetOrder(order.ID)
	if updated.FulfillmentStatus != "delivered" || updated.TrackingNumber != "1Z999" {
		t.Fatalf("order: %+v", updated)
	}
	if len(*got) != 1 || (*got)[0].event != model.DerivedOrderFulfilled {
		t.Fatalf("derived: %+v", *got)
	}

	// non-terminal status derives progress instead
	r.Route(ctx, canonical(model.ProviderShipping, model.EventShipmentUpdated,
		map[string]any{"orderId": order.ID, "status": "in_transit"}))
	if len(*got) != 2 || (*got)[1].event != model.DerivedShipmentProgress {
		t.Fatalf("derived: %+v", *got)
	}
}

func TestMarketplaceOrderCreatedImports(t *testing.T) {
	mem := store.NewMemory()
	r, got := testRouter(mem)

	r.Route(context.Background(), canonical(model.ProviderMarketplace, model.EventOrderCreated,
		map[string]any{"orderId": "amz-123"}))

	if len(*got) != 1 || (*got)[0].event != model.DerivedOrderImported {
		t.Fatalf("derived: %+v", *got)
	}
	id, _ := (*got)[0].payload["orderId"].(string)
	imported, ok := mem.GetOrder(id)
	if !ok {
		t.Fatal("imported order not stored")
	}
	if imported.ExternalRef != "amz-123" || imported.Source != "acme" {
		t.Fatalf("imported order: %+v", imported)
	}
}

func TestDerivedEventsFanOutToSubscriptions(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	_, _ = mem.CreateSubscription(ctx, model.SubscriptionRequest{
		SellerID: "s1", URL: "https://hooks.test", Events: []string{model.DerivedInventoryChanged},
	})
	r, _ := testRouter(mem)

	r.Route(ctx, canonical(model.ProviderWarehouse, model.EventInventoryUpdated,
		map[string]any{"sku": "SKU-1", "quantity": float64(1)}))

	due, err := mem.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].EventType != model.DerivedInventoryChanged {
		t.Fatalf("deliveries: %+v", due)
	}
}
