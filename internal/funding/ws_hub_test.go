package funding_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/faktora/pool-engine/internal/funding"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWSHub_BroadcastReachesLiveClients(t *testing.T) {
	hub := funding.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	alive := dialWS(t, srv)
	defer alive.Close()

	// A second client disconnects immediately. Its failed writes must be
	// evicted during broadcast without disturbing the live client.
	dead := dialWS(t, srv)
	dead.Close()

	received := make(chan funding.WSMessage, 1)
	go func() {
		var msg funding.WSMessage
		alive.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := alive.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}()

	// Registration races the first broadcast, so keep broadcasting until
	// the live client sees a message.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-received:
			if msg.Type != "position_opened" {
				t.Errorf("expected position_opened, got %q", msg.Type)
			}
			if msg.PoolID != "pool-1" || msg.Amount != "1000" {
				t.Errorf("message payload mismatch: %+v", msg)
			}
			return
		case <-deadline:
			t.Fatal("live client never received a broadcast")
		case <-ticker.C:
			hub.Broadcast(funding.WSMessage{
				Type:      "position_opened",
				PoolID:    "pool-1",
				TenorDays: 30,
				Amount:    "1000",
			})
		}
	}
}
