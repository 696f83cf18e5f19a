package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"homescript/internal/store"
	"homescript/internal/value"
)

var lamp = store.Identity{Name: "Lamp", Room: "Den", Home: "Lake House"}

func delta(char string, v value.Value) store.Delta {
	return store.Delta{
		Identity:       lamp,
		Service:        "Lightbulb 1a2b",
		Characteristic: char,
		Record:         store.Record{Value: v, UpdatedAt: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)},
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("HSK_TEST_SET", "den")
	t.Setenv("HSK_TEST_PORT", "9090")
	t.Setenv("HSK_TEST_BAD", "nine")

	if got := getEnvOrDefault("HSK_TEST_SET", "x"); got != "den" {
		t.Errorf("getEnvOrDefault = %q, want den", got)
	}
	if got := getEnvOrDefault("HSK_TEST_UNSET", "x"); got != "x" {
		t.Errorf("getEnvOrDefault = %q, want x", got)
	}
	if got := getEnvIntOrDefault("HSK_TEST_PORT", 8080); got != 9090 {
		t.Errorf("getEnvIntOrDefault = %d, want 9090", got)
	}
	if got := getEnvIntOrDefault("HSK_TEST_BAD", 8080); got != 8080 {
		t.Errorf("getEnvIntOrDefault = %d, want 8080", got)
	}
}

func TestParseTrackArg(t *testing.T) {
	tests := []struct {
		in      string
		want    store.Identity
		wantErr bool
	}{
		{"Lake House/Den/Lamp", lamp, false},
		{"Lake House//Fan", store.Identity{Name: "Fan", Home: "Lake House"}, false},
		{"Lamp", store.Identity{}, true},
		{"/Den/Lamp", store.Identity{}, true},
		{"Lake House/Den/", store.Identity{}, true},
	}
	for _, tt := range tests {
		got, err := parseTrackArg(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTrackArg(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTrackArg(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatChange(t *testing.T) {
	tests := []struct {
		name string
		d    store.Delta
		old  value.Value
		had  bool
		want string
	}{
		{"new", delta("Brightness", value.OfInt(40)), value.Null(), false, "Den Lamp Brightness: (new) 40"},
		{"on", delta("On", value.OfBool(true)), value.OfBool(false), true, "Den Lamp turned ON"},
		{"off", delta("On", value.OfBool(false)), value.OfBool(true), true, "Den Lamp turned OFF"},
		{"brightness", delta("Brightness", value.OfInt(75)), value.OfInt(40), true, "Den Lamp brightness: 40% → 75%"},
		{"temperature", delta("CurrentTemperature", value.OfDouble(21.3)), value.OfInt(20), true, "Den Lamp temperature: 20.0°C → 21.3°C"},
		{"motion", delta("MotionDetected", value.OfBool(true)), value.OfBool(false), true, "Den Lamp motion DETECTED"},
		{"other", delta("Name", value.OfString("desk")), value.OfString("lamp"), true, "Den Lamp Name: lamp → desk"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatChange(tt.d, tt.old, tt.had); got != tt.want {
				t.Errorf("formatChange() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatChangeNoRoom(t *testing.T) {
	d := delta("On", value.OfBool(true))
	d.Identity.Room = ""
	if got := formatChange(d, value.OfBool(false), true); got != "Lamp turned ON" {
		t.Errorf("formatChange() = %q, want %q", got, "Lamp turned ON")
	}
}

func TestWatcherRun(t *testing.T) {
	gotName := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		gotName <- r.URL.Query().Get("name")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		frames := []any{
			map[string]any{"type": "snapshot", "data": snapshot{Session: "s1", Deltas: []store.Delta{delta("Brightness", value.OfInt(40))}}},
			map[string]any{"type": "tracking_started", "data": lamp},
			map[string]any{"type": "delta", "data": delta("Brightness", value.OfInt(75))},
			map[string]any{"type": "delta", "data": delta("On", value.OfBool(true))},
		}
		for _, f := range frames {
			if err := wsjson.Write(ctx, conn, f); err != nil {
				return
			}
		}
		// Wait for the client to close after its limit.
		conn.Read(ctx)
	}))
	defer ts.Close()

	var out bytes.Buffer
	w := newWatcher(&out)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.run(ctx, ts.URL, "panel", 2); err != nil {
		t.Fatal(err)
	}

	if name := <-gotName; name != "panel" {
		t.Errorf("session name = %q, want panel", name)
	}
	for _, want := range []string{
		"session s1: 1 characteristics",
		"Lake House/Den/Lamp Lightbulb 1a2b Brightness = 40",
		"Den Lamp brightness: 40% → 75%",
		"Den Lamp On: (new) true",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if strings.Contains(out.String(), "tracking_started") {
		t.Error("event printed without debug")
	}
}

func TestWatcherSkipsBadFrame(t *testing.T) {
	w := newWatcher(&bytes.Buffer{})
	n, err := w.handle(frame{Type: "delta", Data: json.RawMessage(`"nope"`)})
	if err == nil || n != 0 {
		t.Errorf("handle() = %d, %v, want error", n, err)
	}
}
