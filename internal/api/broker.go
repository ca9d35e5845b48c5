package api

import (
	"sync"
)

// SSEEvent is one live-feed item pushed to SSE and WebSocket subscribers.
type SSEEvent struct {
	Type string
	Data map[string]any
}

// Broker is the in-process fallback event broker, keyed by seller id.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // sellerId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(sellerID string) chan SSEEvent {
	ch := make(chan SSEEvent, 8)
	b.mu.Lock()
	if b.subs[sellerID] == nil {
		b.subs[sellerID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[sellerID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(sellerID string, ch chan SSEEvent) {
	b.mu.Lock()
	if m := b.subs[sellerID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, sellerID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

// Publish drops events for slow subscribers rather than blocking the caller.
func (b *Broker) Publish(sellerID string, evt SSEEvent) {
	b.mu.Lock()
	m := b.subs[sellerID]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
