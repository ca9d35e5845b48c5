package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	Events []string `json:"events"`
}

// EventsWSHandler handles /v1/events/ws: the derived-event feed over
// WebSocket. Clients send connection_init, then subscribe with an optional
// event-name filter; the server pushes next messages per event.
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		ch     chan SSEEvent
		filter map[string]struct{}
	}
	subs := map[string]sub{}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// The read loop, the ping ticker, and every subscription pump all write
	// to the connection; gorilla allows only one concurrent writer.
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					if err := write(wsMessage{Type: "ping"}); err != nil {
						return
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl wsSubscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			var filter map[string]struct{}
			if len(pl.Events) > 0 {
				filter = map[string]struct{}{}
				for _, e := range pl.Events {
					filter[strings.TrimSpace(e)] = struct{}{}
				}
			}
			ch := s.Broker.Subscribe(p.Seller)
			subs[msg.ID] = sub{ch: ch, filter: filter}
			go func(id string, c chan SSEEvent, filter map[string]struct{}) {
				for evt := range c {
					if filter != nil {
						if _, ok := filter[evt.Type]; !ok {
							continue
						}
					}
					payload, _ := json.Marshal(map[string]any{"event": evt.Type, "payload": evt.Data})
					_ = write(wsMessage{Type: "next", ID: id, Payload: payload})
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch, filter)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(p.Seller, s0.ch)
				delete(subs, msg.ID)
			}
		default:
			// ignore
		}
	}
	for id, s0 := range subs {
		s.Broker.Unsubscribe(p.Seller, s0.ch)
		delete(subs, id)
	}
}
