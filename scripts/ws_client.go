// Package main runs a demo WebSocket client for routing events.
package main

import (
	"bytes"
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

	post := func(path string, body []byte) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Org-Id", "org_demo")
		req.Header.Set("X-Role", "admin")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal(err)
		}
		return resp
	}

	// Seed a depot and two orders, then put them in the routing pool
	depotReq, _ := http.NewRequest(http.MethodPut, base+"/v1/depot", bytes.NewReader([]byte(`{"name":"hub","location":{"lat":52.52,"lng":13.405}}`)))
	depotReq.Header.Set("Content-Type", "application/json")
	depotReq.Header.Set("X-Org-Id", "org_demo")
	depotReq.Header.Set("X-Role", "admin")
	if _, err := http.DefaultClient.Do(depotReq); err != nil {
		log.Fatal(err)
	}
	resp := post("/v1/orders", []byte(`{"orders":[
		{"pickup":{"locationId":"L1","location":{"lat":52.50,"lng":13.40}},"delivery":{"locationId":"L2","location":{"lat":52.54,"lng":13.42}}},
		{"pickup":{"locationId":"L3","location":{"lat":52.51,"lng":13.38}},"delivery":{"locationId":"L4","location":{"lat":52.55,"lng":13.44}}}
	]}`))
	_ = resp.Body.Close()

	listReq, _ := http.NewRequest(http.MethodGet, base+"/v1/orders", nil)
	listReq.Header.Set("X-Org-Id", "org_demo")
	listResp, err := http.DefaultClient.Do(listReq)
	if err != nil {
		log.Fatal(err)
	}
	var listBody struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listBody); err != nil {
		log.Fatal(err)
	}
	_ = listResp.Body.Close()
	ids := []string{}
	for _, it := range listBody.Items {
		ids = append(ids, it.ID)
	}
	poolBody, _ := json.Marshal(map[string]any{"orderIds": ids, "in": true})
	_ = post("/v1/routing-pool", poolBody).Body.Close()

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/events/ws"}
	hdr := http.Header{}
	hdr.Set("X-Org-Id", "org_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	// connection_init
	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	// subscribe to all routing events
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: []byte(`{}`)}); err != nil {
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

	// Trigger a manual solve so events flow
	time.Sleep(500 * time.Millisecond)
	_ = post("/v1/dispatch/solve", []byte(`{"mode":"dynamic"}`)).Body.Close()

	// Wait briefly to receive a few messages
	select {
	case <-time.After(5 * time.Second):
	case <-done:
	}
}
