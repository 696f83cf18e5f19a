package homebridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"homescript/internal/coordinator"
	"homescript/internal/store"
	"homescript/internal/value"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type putRequest struct {
	UniqueID           string
	CharacteristicType string `json:"characteristicType"`
	Value              any    `json:"value"`
}

// fakeUI serves the subset of the Homebridge UI API the facade uses. It
// requires the token handed out by /api/auth/noauth.
type fakeUI struct {
	mu       sync.Mutex
	services []ServiceStatus
	layout   []LayoutRoom
	puts     []putRequest
	fetches  int
	gate     chan struct{}
}

func newFakeUI() *fakeUI {
	return &fakeUI{
		services: []ServiceStatus{{
			UniqueID:    "svc-lamp",
			AID:         2,
			IID:         10,
			Type:        "Lightbulb",
			ServiceName: "Lamp",
			Instance:    Instance{Name: "Homebridge", Username: "0E:AA"},
			ServiceCharacteristics: []CharacteristicStatus{
				{IID: 11, Type: "On", Value: false, Format: "bool", CanRead: true, CanWrite: true, EV: true},
				{IID: 12, Type: "Brightness", Value: 40, Format: "int", CanRead: true, CanWrite: true, EV: true},
			},
			AccessoryInformation: map[string]any{"Name": "Lamp", "Manufacturer": "Acme"},
		}},
		layout: []LayoutRoom{{Name: "Den", Services: []LayoutService{{UniqueID: "svc-lamp"}}}},
	}
}

func (u *fakeUI) setValue(uniqueID, charType string, v any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range u.services {
		if u.services[i].UniqueID != uniqueID {
			continue
		}
		for j := range u.services[i].ServiceCharacteristics {
			if u.services[i].ServiceCharacteristics[j].Type == charType {
				u.services[i].ServiceCharacteristics[j].Value = v
			}
		}
	}
}

func (u *fakeUI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/auth/noauth" && r.Method == http.MethodPost {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
		return
	}
	if r.Header.Get("Authorization") != "Bearer tok" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/accessories":
		u.mu.Lock()
		u.fetches++
		gate := u.gate
		u.mu.Unlock()
		if gate != nil {
			<-gate
		}
		u.mu.Lock()
		data, _ := json.Marshal(u.services)
		u.mu.Unlock()
		w.Write(data)
	case r.Method == http.MethodGet && r.URL.Path == "/api/accessories/layout":
		u.mu.Lock()
		data, _ := json.Marshal(u.layout)
		u.mu.Unlock()
		w.Write(data)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/accessories/"):
		var req putRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		req.UniqueID = strings.TrimPrefix(r.URL.Path, "/api/accessories/")
		u.mu.Lock()
		u.puts = append(u.puts, req)
		u.mu.Unlock()
		u.setValue(req.UniqueID, req.CharacteristicType, req.Value)
		w.Write([]byte("{}"))
	default:
		http.NotFound(w, r)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientNoAuthRetry(t *testing.T) {
	ui := newFakeUI()
	ts := httptest.NewServer(ui)
	defer ts.Close()

	c := NewClient(ts.URL, "stale", testLogger())
	services, err := c.Accessories(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 1 || services[0].UniqueID != "svc-lamp" {
		t.Errorf("services = %+v", services)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "tok" {
		t.Errorf("token = %q, want tok", c.token)
	}
}

func TestClientSharesConcurrentFetches(t *testing.T) {
	ui := newFakeUI()
	ui.gate = make(chan struct{})
	ts := httptest.NewServer(ui)
	defer ts.Close()

	c := NewClient(ts.URL, "tok", testLogger())
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Accessories(context.Background())
			errs <- err
		}()
	}
	waitFor(t, "first fetch", func() bool {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		return ui.fetches == 1
	})
	time.Sleep(50 * time.Millisecond)
	close(ui.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if ui.fetches != 1 {
		t.Errorf("fetches = %d, want 1", ui.fetches)
	}
}

func TestBuildAccessories(t *testing.T) {
	ui := newFakeUI()
	ui.services = append(ui.services, ServiceStatus{
		UniqueID:    "svc-fan",
		AID:         3,
		Type:        "Fan",
		ServiceName: "Fan",
		Instance:    Instance{Username: "0E:AA"},
		ServiceCharacteristics: []CharacteristicStatus{
			{Type: "Active", Value: 1.0, CanRead: true},
		},
	})

	got := buildAccessories("home", ui.services, ui.layout)
	if len(got) != 2 {
		t.Fatalf("got %d accessories, want 2", len(got))
	}
	lampAcc := got["0E:AA/2"]
	if lampAcc.acc.Name != "Lamp" || lampAcc.acc.Room != "Den" || len(lampAcc.acc.Services) != 1 {
		t.Errorf("lamp = %+v", lampAcc.acc)
	}
	fan := got["0E:AA/3"]
	if fan.acc.Room != DefaultRoom {
		t.Errorf("fan room = %q, want %q", fan.acc.Room, DefaultRoom)
	}
	if v := fan.values[charKey{"svc-fan", "Active"}]; v.Kind() != value.Int {
		t.Errorf("Active kind = %v, want int", v.Kind())
	}
	if c := fan.acc.Services[0].Characteristics[0]; !c.Notifies || c.Writable {
		t.Errorf("Active perms = %+v", c)
	}
}

func TestFacadeTracking(t *testing.T) {
	ui := newFakeUI()
	ts := httptest.NewServer(ui)
	defer ts.Close()

	logger := testLogger()
	f := New(Config{URL: ts.URL, Home: "Cabin", PollInterval: 20 * time.Millisecond}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	coord := coordinator.New(f, store.New(logger), coordinator.NewEventBus(logger), logger)
	defer coord.Stop()

	lamp := store.Identity{Name: "Lamp", Room: "Den", Home: "Cabin"}
	got, ok, err := coord.TrackTimeout(context.Background(), lamp, 3*time.Second)
	if err != nil || !ok || got != lamp {
		t.Fatalf("track = %v %v %v", got, ok, err)
	}

	acc, _ := coord.Accessory(lamp)
	svc := coordinator.ServiceName(acc.Services[0])
	rec, _ := coord.Store().Characteristic(lamp, svc, "Brightness")
	if !rec.Value.Equal(value.OfInt(40)) {
		t.Errorf("brightness = %v, want 40", rec.Value)
	}

	ui.setValue("svc-lamp", "Brightness", 65)
	waitFor(t, "polled change", func() bool {
		rec, _ := coord.Store().Characteristic(lamp, svc, "Brightness")
		return rec.Value.Equal(value.OfInt(65))
	})

	if err := coord.SetCharacteristic(context.Background(), lamp, svc, "On", value.OfBool(true)); err != nil {
		t.Fatal(err)
	}
	coord.Wait()
	ui.mu.Lock()
	puts := ui.puts
	ui.mu.Unlock()
	if len(puts) != 1 || puts[0].UniqueID != "svc-lamp" || puts[0].CharacteristicType != "On" || puts[0].Value != true {
		t.Errorf("puts = %+v", puts)
	}
	if errs := coord.WriteErrors(); len(errs) != 0 {
		t.Errorf("write errors = %v", errs)
	}

	ui.mu.Lock()
	ui.services = nil
	ui.mu.Unlock()
	waitFor(t, "tracking to end", func() bool { return !coord.IsTracked(lamp) })
}
