package router

import (
	"context"
	"log"

	"merchlink/internal/metrics"
	"merchlink/internal/model"
	"merchlink/internal/store"
	"merchlink/internal/webhooks"
)

// DerivedEvent is an internal occurrence produced by a business handler and
// fanned out to seller subscriptions and the live feed.
type DerivedEvent struct {
	Name    string
	Payload map[string]any
}

// HandlerFunc is one business reaction to a canonical event.
type HandlerFunc func(ctx context.Context, st store.Store, evt model.CanonicalEvent) ([]DerivedEvent, error)

type routeKey struct {
	providerType model.ProviderType
	event        string
}

// Router dispatches canonical events to handlers keyed by (provider type,
// event name). Handler failures never propagate to the ingest response; the
// event is already acked, so failures are recorded for inspection instead.
type Router struct {
	Store store.Store
	Pub   *webhooks.Publisher
	// Notify pushes derived events to the live feed (SSE/WS). Optional.
	Notify func(sellerID, event string, payload map[string]any)

	handlers map[routeKey]HandlerFunc
}

func New(st store.Store, pub *webhooks.Publisher) *Router {
	r := &Router{Store: st, Pub: pub, handlers: map[routeKey]HandlerFunc{}}
	registerDefaults(r)
	return r
}

// Register binds a handler. Later registrations for the same key replace
// earlier ones.
func (r *Router) Register(pt model.ProviderType, event string, h HandlerFunc) {
	r.handlers[routeKey{pt, event}] = h
}

// Route runs the handler for evt, if any, and fans out the derived events it
// produces. Unrouted events are dropped with a metric; handler errors land in
// the handler-failure dead letter.
func (r *Router) Route(ctx context.Context, evt model.CanonicalEvent) {
	h, ok := r.handlers[routeKey{evt.ProviderType, evt.Name}]
	if !ok {
		metrics.RouterUnrouted.WithLabelValues(string(evt.ProviderType), evt.Name).Inc()
		log.Printf("router: no handler for %s/%s (provider %s)", evt.ProviderType, evt.Name, evt.ProviderName)
		return
	}
	derived, err := h(ctx, r.Store, evt)
	if err != nil {
		metrics.HandlerFailures.WithLabelValues(evt.Name).Inc()
		log.Printf("router: handler %s/%s failed: %v", evt.ProviderType, evt.Name, err)
		if ferr := r.Store.InsertHandlerFailure(ctx, evt, err.Error()); ferr != nil {
			log.Printf("router: recording handler failure: %v", ferr)
		}
		return
	}
	for _, d := range derived {
		if d.Payload == nil {
			d.Payload = map[string]any{}
		}
		d.Payload["provider"] = evt.ProviderName
		if r.Pub != nil {
			r.Pub.Emit(ctx, evt.SellerID, d.Name, d.Payload)
		}
		if r.Notify != nil {
			r.Notify(evt.SellerID, d.Name, d.Payload)
		}
	}
}
