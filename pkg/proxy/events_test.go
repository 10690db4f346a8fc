package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRenewalEventFeed(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(quotaBody))
	})
	agent := &countingAgent{token: "renewed-token-abcdef123"}
	_, gw := newTestGateway(t, upstream, agent)

	wsURL := "ws" + strings.TrimPrefix(gw.URL, "http") + "/admin/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial event feed: %v", err)
	}
	defer conn.Close()

	resp := postJSON(t, gw.URL+"/v1/chat/completions", clientToken,
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	seen := map[string]bool{}
	for !seen["running"] || !seen["succeeded"] {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event (seen %v): %v", seen, err)
		}
		var ev renewalEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("decode event %q: %v", payload, err)
		}
		if ev.At == "" {
			t.Fatalf("event missing timestamp: %q", payload)
		}
		seen[ev.State] = true
	}
}
