package router

import (
	"context"
	"fmt"

	"merchlink/internal/model"
	"merchlink/internal/store"
)

// Built-in business handlers. Each covers one (provider type, event) pair;
// sellers extend coverage through outbound subscriptions, not by adding code
// here.
func registerDefaults(r *Router) {
	r.Register(model.ProviderPayment, model.EventPaymentSucceeded, handlePaymentSucceeded)
	r.Register(model.ProviderPayment, model.EventPaymentFailed, handlePaymentFailed)
	r.Register(model.ProviderPayment, model.EventRefundIssued, handleRefundIssued)
	r.Register(model.ProviderWarehouse, model.EventInventoryUpdated, handleInventoryUpdated)
	r.Register(model.ProviderDropshipping, model.EventInventoryUpdated, handleInventoryUpdated)
	r.Register(model.ProviderShipping, model.EventShipmentUpdated, handleShipmentUpdated)
	r.Register(model.ProviderDropshipping, model.EventShipmentUpdated, handleShipmentUpdated)
	r.Register(model.ProviderMarketplace, model.EventOrderCreated, handleMarketplaceOrderCreated)
}

func handlePaymentSucceeded(ctx context.Context, st store.Store, evt model.CanonicalEvent) ([]DerivedEvent, error) {
	ref := str(evt.Payload, "paymentId", "reference", "id")
	if ref == "" {
		return nil, fmt.Errorf("payment.succeeded without payment reference")
	}
	order, err := st.GetOrderByPaymentRef(ctx, evt.SellerID, ref)
	if err != nil {
		return nil, fmt.Errorf("order for payment %s: %w", ref, err)
	}
	if err := st.UpdateOrderPayment(ctx, evt.SellerID, order.ID, "successful", "held"); err != nil {
		return nil, err
	}
	return []DerivedEvent{{
		Name:    model.DerivedPaymentCompleted,
		Payload: map[string]any{"orderId": order.ID, "paymentRef": ref},
	}}, nil
}

func handlePaymentFailed(ctx context.Context, st store.Store, evt model.CanonicalEvent) ([]DerivedEvent, error) {
	ref := str(evt.Payload, "paymentId", "reference", "id")
	if ref == "" {
		return nil, fmt.Errorf("payment.failed without payment reference")
	}
	order, err := st.GetOrderByPaymentRef(ctx, evt.SellerID, ref)
	if err != nil {
		return nil, fmt.Errorf("order for payment %s: %w", ref, err)
	}
	if err := st.UpdateOrderPayment(ctx, evt.SellerID, order.ID, "failed", ""); err != nil {
		return nil, err
	}
	return []DerivedEvent{{
		Name:    model.DerivedPaymentFailed,
		Payload: map[string]any{"orderId": order.ID, "paymentRef": ref, "reason": str(evt.Payload, "reason", "failureCode")},
	}}, nil
}

func handleRefundIssued(ctx context.Context, st store.Store, evt model.CanonicalEvent) ([]DerivedEvent, error) {
	ref := str(evt.Payload, "paymentId", "reference", "id")
	if ref == "" {
		return nil, fmt.Errorf("refund.issued without payment reference")
	}
	order, err := st.GetOrderByPaymentRef(ctx, evt.SellerID, ref)
	if err != nil {
		return nil, fmt.Errorf("order for payment %s: %w", ref, err)
	}
	if err := st.UpdateOrderPayment(ctx, evt.SellerID, order.ID, "refunded", "released"); err != nil {
		return nil, err
	}
	return []DerivedEvent{{
		Name:    model.DerivedRefundRecorded,
		Payload: map[string]any{"orderId": order.ID, "paymentRef": ref, "amount": evt.Payload["amount"]},
	}}, nil
}

func handleInventoryUpdated(ctx context.Context, st store.Store, evt model.CanonicalEvent) ([]DerivedEvent, error) {
	sku := str(evt.Payload, "sku", "productSku")
	if sku == "" {
		return nil, fmt.Errorf("inventory.updated without sku")
	}
	qty, ok := intVal(evt.Payload, "quantity", "qty", "stock")
	if !ok {
		return nil, fmt.Errorf("inventory.updated for %s without quantity", sku)
	}
	err := st.UpsertStockLevel(ctx, model.StockLevel{
		SellerID:     evt.SellerID,
		SKU:          sku,
		Quantity:     qty,
		WarehouseRef: str(evt.Payload, "warehouseRef", "warehouseId", "location"),
	})
	if err != nil {
		return nil, err
	}
	return []DerivedEvent{{
		Name:    model.DerivedInventoryChanged,
		Payload: map[string]any{"sku": sku, "quantity": qty},
	}}, nil
}

func handleShipmentUpdated(ctx context.Context, st store.Store, evt model.CanonicalEvent) ([]DerivedEvent, error) {
	orderID := str(evt.Payload, "orderId", "orderRef")
	if orderID == "" {
		return nil, fmt.Errorf("shipment.updated without order reference")
	}
	status := str(evt.Payload, "status", "state")
	tracking := str(evt.Payload, "trackingNumber", "tracking")
	if err := st.UpdateOrderFulfillment(ctx, evt.SellerID, orderID, status, tracking); err != nil {
		return nil, err
	}
	name := model.DerivedShipmentProgress
	if status == "delivered" {
		name = model.DerivedOrderFulfilled
	}
	return []DerivedEvent{{
		Name:    name,
		Payload: map[string]any{"orderId": orderID, "status": status, "trackingNumber": tracking},
	}}, nil
}

func handleMarketplaceOrderCreated(ctx context.Context, st store.Store, evt model.CanonicalEvent) ([]DerivedEvent, error) {
	extRef := str(evt.Payload, "orderId", "externalRef", "id")
	if extRef == "" {
		return nil, fmt.Errorf("order.created without external reference")
	}
	order, err := st.CreateOrder(ctx, model.Order{
		SellerID:    evt.SellerID,
		ExternalRef: extRef,
		Source:      evt.ProviderName,
	})
	if err != nil {
		return nil, err
	}
	return []DerivedEvent{{
		Name:    model.DerivedOrderImported,
		Payload: map[string]any{"orderId": order.ID, "externalRef": extRef},
	}}, nil
}

// str returns the first present, non-empty string value among keys.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// intVal returns the first present numeric value among keys, handling the
// float64 shape JSON decoding produces.
func intVal(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case int64:
			return int(v), true
		}
	}
	return 0, false
}
