// Package main runs a demo WebSocket client for the derived-event feed.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Connect a payment provider for the demo seller
	connBody := []byte(`{"credentials":{"api_key":"demo-key","webhook_secret":"demo-secret"}}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/integrations/squarepay/connect", bytes.NewReader(connBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Seller-Id", "s_demo")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("connect: %s", resp.Status)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/events/ws"}
	hdr := http.Header{}
	hdr.Set("X-Seller-Id", "s_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	// connection_init then subscribe to all derived events
	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1"}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Trigger a derived event by ingesting a signed payment webhook
	time.Sleep(500 * time.Millisecond)
	evt := []byte(`{"event":"payment.succeeded","payload":{"paymentId":"pay_demo_1"}}`)
	mac := hmac.New(sha256.New, []byte("demo-secret"))
	mac.Write(evt)
	sig := hex.EncodeToString(mac.Sum(nil))
	whReq, _ := http.NewRequest(http.MethodPost, base+"/v1/integrations/s_demo/squarepay", bytes.NewReader(evt))
	whReq.Header.Set("Content-Type", "application/json")
	whReq.Header.Set("X-Webhook-Signature", sig)
	whResp, err := http.DefaultClient.Do(whReq)
	if err != nil {
		log.Fatal(err)
	}
	_ = whResp.Body.Close()
	log.Printf("ingest: %s", whResp.Status)

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
