package coordinator

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"homescript/internal/topology"
	"homescript/internal/value"
	"homescript/internal/virtual"
)

func TestServiceName(t *testing.T) {
	suffix := regexp.MustCompile(`^Lightbulb [0-9a-f]{4}$`)

	a := ServiceName(topology.Service{ID: "svc-1", Name: "Lightbulb"})
	b := ServiceName(topology.Service{ID: "svc-2", Name: "Lightbulb"})
	if !suffix.MatchString(a) {
		t.Errorf("name = %q, want label plus 4 hex digits", a)
	}
	if a != ServiceName(topology.Service{ID: "svc-1", Name: "Lightbulb"}) {
		t.Error("name not stable for the same id")
	}
	if a == b {
		t.Errorf("distinct ids share name %q", a)
	}

	tests := []struct {
		svc    topology.Service
		prefix string
	}{
		{topology.Service{ID: "x", Type: "Switch"}, "Switch "},
		{topology.Service{ID: "x"}, "Service "},
	}
	for _, tt := range tests {
		if got := ServiceName(tt.svc); len(got) != len(tt.prefix)+4 || got[:len(tt.prefix)] != tt.prefix {
			t.Errorf("ServiceName(%+v) = %q, want prefix %q", tt.svc, got, tt.prefix)
		}
	}
}

func TestOpenStreamFirstValuesThenNotifications(t *testing.T) {
	f := virtual.New(newTestLogger())
	f.AddHome(lakeHouse())
	acc, _ := f.Lookup("Lake House", "Den", "Lamp")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := OpenStream(ctx, f, acc, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	awaiting := s.Awaiting()
	if len(awaiting) != 2 {
		t.Errorf("awaiting services = %v, want 2 (empty service skipped)", awaiting)
	}

	bulb := ServiceName(acc.Services[0])
	want := []StreamUpdate{
		{Service: bulb, Characteristic: "On", Value: value.OfBool(false)},
		{Service: bulb, Characteristic: "Brightness", Value: value.OfInt(40)},
		{Service: ServiceName(acc.Services[1]), Characteristic: "Identify", Value: value.Null()},
	}
	for i, w := range want {
		select {
		case u := <-s.C():
			if u.Service != w.Service || u.Characteristic != w.Characteristic || !u.Value.Equal(w.Value) {
				t.Errorf("update %d = %+v, want %+v", i, u, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("update %d missing", i)
		}
	}

	on := acc.Services[0].Characteristics[0]
	f.PushValue(acc.ID, on.ID, value.OfBool(true))
	select {
	case u := <-s.C():
		if u.Characteristic != "On" || !u.Value.Equal(value.OfBool(true)) {
			t.Errorf("notification = %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification missing")
	}

	f.RemoveAccessory(acc.ID)
	select {
	case _, ok := <-s.C():
		if ok {
			t.Error("stream still open after removal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestOpenStreamReadFailureIsAbsent(t *testing.T) {
	f := virtual.New(newTestLogger())
	f.AddHome(lakeHouse())
	acc, _ := f.Lookup("Lake House", "Den", "Lamp")
	f.FailReads(errors.New("no response"))

	s, err := OpenStream(context.Background(), f, acc, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	u := <-s.C()
	if !u.Value.IsAbsent() {
		t.Errorf("value = %v, want absent", u.Value)
	}
}
