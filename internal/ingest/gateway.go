package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"merchlink/internal/metrics"
	"merchlink/internal/model"
	"merchlink/internal/registry"
	"merchlink/internal/store"
	"merchlink/internal/vault"
	"merchlink/internal/webhooks"
)

// Rejection is a fail-closed ingest decision: the webhook is refused with an
// HTTP status and a reason safe to return to the caller.
type Rejection struct {
	Status int
	Reason string
}

func (r *Rejection) Error() string { return fmt.Sprintf("%d %s", r.Status, r.Reason) }

func reject(status int, format string, args ...any) *Rejection {
	return &Rejection{Status: status, Reason: fmt.Sprintf(format, args...)}
}

// Result reports a non-rejected ingest outcome.
type Result struct {
	EventID   string `json:"eventId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// EventSink consumes canonical events that passed every gate.
type EventSink interface {
	Route(ctx context.Context, evt model.CanonicalEvent)
}

// Gateway validates inbound provider webhooks. Every gate runs in order and
// the first failure wins; only events that pass them all reach the router.
type Gateway struct {
	Registry *registry.Registry
	Store    store.Store
	Router   EventSink
	Vault    *vault.Vault
}

func NewGateway(reg *registry.Registry, st store.Store, sink EventSink, v *vault.Vault) *Gateway {
	return &Gateway{Registry: reg, Store: st, Router: sink, Vault: v}
}

// Ingest runs the gate chain for one inbound webhook. A nil error with
// Duplicate set means the event was seen before and acked again without
// re-routing.
func (g *Gateway) Ingest(ctx context.Context, providerName, sellerID string, sandbox bool, raw []byte, signature string) (Result, error) {
	res, err := g.ingest(ctx, providerName, sellerID, sandbox, raw, signature)
	switch {
	case err != nil:
		metrics.IngestEvents.WithLabelValues(providerName, "rejected").Inc()
	case res.Duplicate:
		metrics.IngestEvents.WithLabelValues(providerName, "duplicate").Inc()
	default:
		metrics.IngestEvents.WithLabelValues(providerName, "accepted").Inc()
	}
	return res, err
}

func (g *Gateway) ingest(ctx context.Context, providerName, sellerID string, sandbox bool, raw []byte, signature string) (Result, error) {
	p, err := g.resolveProvider(ctx, providerName, sandbox)
	if err != nil {
		return Result{}, err
	}
	if !p.Active {
		return Result{}, reject(http.StatusForbidden, "provider %s is inactive", p.Name)
	}
	if !p.Webhook.Enabled {
		return Result{}, reject(http.StatusForbidden, "provider %s does not accept webhooks", p.Name)
	}

	integ, err := g.Store.GetSellerIntegration(ctx, sellerID, p.Key(), sandbox)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, reject(http.StatusNotFound, "no integration for seller %s and provider %s", sellerID, p.Name)
	}
	if err != nil {
		return Result{}, err
	}
	if !integ.Active || integ.Status == model.StatusDisconnected {
		return Result{}, reject(http.StatusForbidden, "integration is disconnected")
	}
	if !integ.WebhookEnabled {
		return Result{}, reject(http.StatusForbidden, "webhooks are disabled for this integration")
	}

	var body model.WebhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Result{}, reject(http.StatusBadRequest, "malformed webhook body")
	}
	if body.Event == "" {
		return Result{}, reject(http.StatusBadRequest, "missing event name")
	}
	if !model.KnownEvent(body.Event) {
		return Result{}, reject(http.StatusBadRequest, "unknown event %q", body.Event)
	}
	// An empty declared-event list means the provider emits any known event.
	if !providerEmits(p, body.Event) {
		return Result{}, reject(http.StatusBadRequest, "provider %s does not emit %q", p.Name, body.Event)
	}

	if err := g.verifySignature(p, integ, raw, signature); err != nil {
		return Result{}, err
	}

	key := idempotencyKey(p, body, raw)
	fresh, err := g.Store.MarkEventProcessed(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !fresh {
		return Result{Duplicate: true}, nil
	}

	evt := model.CanonicalEvent{
		ID:             uuid.New().String(),
		Name:           body.Event,
		ProviderID:     p.Key(),
		ProviderName:   p.Name,
		ProviderType:   p.Type,
		SellerID:       sellerID,
		Sandbox:        sandbox,
		Payload:        body.Payload,
		TS:             time.Now().UTC(),
		IdempotencyKey: key,
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	g.Router.Route(ctx, evt)
	return Result{EventID: evt.ID}, nil
}

func (g *Gateway) resolveProvider(ctx context.Context, name string, sandbox bool) (model.Provider, error) {
	p, err := g.Registry.Resolve(name, sandbox)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Provider{}, err
	}
	p, err = g.Store.GetProviderByName(ctx, name, sandbox)
	if errors.Is(err, store.ErrNotFound) {
		return model.Provider{}, reject(http.StatusNotFound, "unknown provider %q", name)
	}
	return p, err
}

// verifySignature checks HMAC when both a secret and a signature are present.
// A configured secret with no inbound signature passes with a warning; some
// providers cannot send one, and their traffic still shows up in metrics.
func (g *Gateway) verifySignature(p model.Provider, integ model.SellerIntegration, raw []byte, signature string) error {
	secret := g.webhookSecret(p, integ)
	if secret == "" {
		return nil
	}
	if signature == "" {
		log.Printf("ingest: unsigned webhook from %s for seller %s", p.Name, integ.SellerID)
		metrics.UnsignedWebhooks.WithLabelValues(p.Name).Inc()
		return nil
	}
	if !webhooks.VerifyHMAC(secret, raw, signature) {
		return reject(http.StatusUnauthorized, "signature mismatch")
	}
	return nil
}

// webhookSecret prefers the per-integration secret over the provider-level
// one. Stored values are encrypted; registry file values may be plaintext.
func (g *Gateway) webhookSecret(p model.Provider, integ model.SellerIntegration) string {
	if integ.WebhookSecret != "" {
		if plain, err := g.Vault.Decrypt(integ.WebhookSecret); err == nil {
			return plain
		}
		return integ.WebhookSecret
	}
	if p.Webhook.Secret != "" {
		if plain, err := g.Vault.Decrypt(p.Webhook.Secret); err == nil {
			return plain
		}
		return p.Webhook.Secret
	}
	return ""
}

func providerEmits(p model.Provider, event string) bool {
	if len(p.Webhook.Events) == 0 {
		return true
	}
	for _, e := range p.Webhook.Events {
		if e == event {
			return true
		}
	}
	return false
}

// idempotencyKey prefers an explicit upstream event id; without one the raw
// body hash stands in, so a byte-identical redelivery still deduplicates.
func idempotencyKey(p model.Provider, body model.WebhookBody, raw []byte) string {
	for _, k := range []string{"eventId", "event_id", "id"} {
		if v, ok := body.Payload[k].(string); ok && v != "" {
			return p.Key() + ":" + v
		}
	}
	sum := sha256.Sum256(raw)
	return p.Key() + ":" + hex.EncodeToString(sum[:])
}
