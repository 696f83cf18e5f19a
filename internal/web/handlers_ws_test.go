package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"homescript/internal/session"
	"homescript/internal/value"
)

func TestWSHubBroadcast(t *testing.T) {
	hub := NewWSHub(newTestLogger())
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2

	hub.Broadcast(wsMessage{Type: "tracking_started"})

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			if !strings.Contains(string(msg), `"tracking_started"`) {
				t.Errorf("client %d got %s", i, msg)
			}
		case <-time.After(time.Second):
			t.Errorf("client %d did not receive broadcast", i)
		}
	}

	hub.unregister <- c1
	if _, ok := <-c1.send; ok {
		t.Error("unregistered client send channel still open")
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := NewWSHub(newTestLogger())
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast

	hub.Broadcast("msg1")
	hub.Broadcast("msg2")

	deadline := time.Now().Add(time.Second)
	for {
		hub.mu.RLock()
		_, slowPresent := hub.clients[slow]
		_, fastPresent := hub.clients[fast]
		hub.mu.RUnlock()
		if !slowPresent {
			if !fastPresent {
				t.Error("fast client evicted")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("slow client not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := NewWSHub(newTestLogger())
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	hub.Stop()
	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("client.send should be closed after hub stop")
		}
	case <-time.After(time.Second):
		t.Error("client.send not closed after hub stop")
	}
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestWSSnapshotThenDeltas(t *testing.T) {
	env := setupTestServer(t)
	env.track(t, lamp)

	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?name=panel", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first wsFrame
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "snapshot" {
		t.Fatalf("first frame = %q, want snapshot", first.Type)
	}
	var snap wsSnapshot
	if err := json.Unmarshal(first.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Deltas) != 2 || snap.Session == "" {
		t.Fatalf("snapshot = %+v, want 2 deltas and a session", snap)
	}

	acc, _ := env.facade.Lookup("Lake House", "Den", "Lamp")
	brightness := acc.Services[0].Characteristics[1]
	if err := env.facade.PushValue(acc.ID, brightness.ID, value.OfInt(75)); err != nil {
		t.Fatal(err)
	}

	for {
		var f wsFrame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatal(err)
		}
		if f.Type != "delta" {
			continue
		}
		if !strings.Contains(string(f.Data), `"Brightness"`) || !strings.Contains(string(f.Data), `75`) {
			t.Fatalf("delta = %s", f.Data)
		}
		break
	}

	hist := decode[[]session.HistoryItem](t, env.do(t, "GET", "/api/sessions/"+snap.Session+"/history", ""))
	if len(hist) != 1 || hist[0].Characteristic != "Brightness" || !hist[0].Value.Equal(value.OfInt(75)) {
		t.Errorf("history = %+v", hist)
	}

	infos := decode[[]session.Info](t, env.do(t, "GET", "/api/sessions", ""))
	if len(infos) != 1 || infos[0].Name != "panel" {
		t.Errorf("sessions = %+v", infos)
	}
}
