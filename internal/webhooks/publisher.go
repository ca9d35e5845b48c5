package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"merchlink/internal/store"
)

// Publisher fans a derived event out to every matching subscription of the
// seller by enqueueing durable deliveries. Delivery itself is the worker's
// job.
type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit enqueues one delivery per matching subscription. Emit never blocks on
// network and swallows store errors; a missed fan-out is observable through
// delivery metrics, not through the ingest path.
func (p *Publisher) Emit(ctx context.Context, sellerID, event string, payload any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, sellerID, event)
	if err != nil || len(subs) == 0 {
		return
	}
	body, err := json.Marshal(map[string]any{
		"id":        "evt_" + uuid.New().String(),
		"event":     event,
		"sellerId":  sellerID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"payload":   payload,
	})
	if err != nil {
		return
	}
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, sellerID, s.ID, event, s.URL, s.Secret, body)
	}
}
