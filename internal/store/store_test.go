package store

import (
	"log/slog"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"homescript/internal/value"
)

var lamp = Identity{Name: "Lamp", Room: "Den", Home: "Lake House"}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger, opts...)
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    Identity
		wantErr bool
	}{
		{"full", []string{"Lamp", "Den", "Lake House"}, lamp, false},
		{"empty room", []string{"Lamp", "", "Lake House"}, Identity{Name: "Lamp", Home: "Lake House"}, false},
		{"too short", []string{"Lamp", "Den"}, Identity{}, true},
		{"too long", []string{"a", "b", "c", "d"}, Identity{}, true},
		{"empty name", []string{"", "Den", "Lake House"}, Identity{}, true},
		{"empty home", []string{"Lamp", "Den", ""}, Identity{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIdentity(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseIdentity(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseIdentity(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSortIdentities(t *testing.T) {
	ids := []Identity{
		{Name: "b", Room: "x", Home: "B"},
		{Name: "z", Room: "a", Home: "A"},
		{Name: "a", Room: "b", Home: "A"},
		{Name: "a", Room: "a", Home: "A"},
	}
	SortIdentities(ids)
	want := []Identity{
		{Name: "a", Room: "a", Home: "A"},
		{Name: "z", Room: "a", Home: "A"},
		{Name: "a", Room: "b", Home: "A"},
		{Name: "b", Room: "x", Home: "B"},
	}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("got = %v, want %v", ids, want)
	}
}

func TestUpdateMergesAndNeverGoesBack(t *testing.T) {
	t0 := time.Date(2025, 8, 16, 12, 0, 0, 0, time.UTC)
	now := t0
	s := newTestStore(t, WithClock(func() time.Time { return now }))

	s.Update(lamp, "Lightbulb 1a2b", "On", value.OfBool(false))
	s.Update(lamp, "Lightbulb 1a2b", "Brightness", value.OfInt(40))

	now = t0.Add(-time.Minute)
	rec := s.Update(lamp, "Lightbulb 1a2b", "On", value.OfBool(true))
	if !rec.UpdatedAt.Equal(t0) {
		t.Errorf("updated_at = %v, want %v (no backwards move)", rec.UpdatedAt, t0)
	}

	got, ok := s.Characteristic(lamp, "Lightbulb 1a2b", "On")
	if !ok || !got.Value.Equal(value.OfBool(true)) {
		t.Errorf("On = %v, %v, want true", got.Value, ok)
	}
	if chars := s.Characteristics(lamp, "Lightbulb 1a2b"); !reflect.DeepEqual(chars, []string{"Brightness", "On"}) {
		t.Errorf("characteristics = %v", chars)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := newTestStore(t)
	s.Update(lamp, "Lightbulb 1a2b", "On", value.OfBool(false))

	acc := s.Accessory(lamp)
	acc["Lightbulb 1a2b"]["On"] = Record{Value: value.OfBool(true)}
	vals := s.CharacteristicsAndValues(lamp, "Lightbulb 1a2b")
	delete(vals, "On")

	got, _ := s.Characteristic(lamp, "Lightbulb 1a2b", "On")
	if !got.Value.Equal(value.OfBool(false)) {
		t.Errorf("store mutated through a read: On = %v", got.Value)
	}
	if s.Accessory(Identity{Name: "nope"}) != nil {
		t.Error("unknown identity returned data")
	}
}

func TestServicesFilter(t *testing.T) {
	s := newTestStore(t)
	s.Update(lamp, "Lightbulb 1a2b", "On", value.OfBool(true))
	s.Update(lamp, "Lightbulb 1a2b", "Brightness", value.OfInt(40))
	s.Update(lamp, "Lightbulb 9f00", "On", value.OfBool(false))
	s.Update(lamp, "Switch 0001", "Name", value.OfString("Lamp"))

	on := value.OfBool(true)
	forty := value.OfDouble(40)
	tests := []struct {
		name   string
		filter ServiceFilter
		want   []string
	}{
		{"all", ServiceFilter{}, []string{"Lightbulb 1a2b", "Lightbulb 9f00", "Switch 0001"}},
		{"name prefix", ServiceFilter{NamePrefix: "Light"}, []string{"Lightbulb 1a2b", "Lightbulb 9f00"}},
		{"char prefix", ServiceFilter{CharacteristicPrefix: "Bri"}, []string{"Lightbulb 1a2b"}},
		{"value", ServiceFilter{CharacteristicPrefix: "On", Value: &on}, []string{"Lightbulb 1a2b"}},
		{"numeric value", ServiceFilter{Value: &forty}, []string{"Lightbulb 1a2b"}},
		{"no match", ServiceFilter{NamePrefix: "Fan"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Services(lamp, tt.filter)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubscribeReplayThenDeltas(t *testing.T) {
	s := newTestStore(t)
	den := Identity{Name: "Fan", Room: "Den", Home: "Lake House"}
	s.Update(lamp, "Lightbulb 1a2b", "On", value.OfBool(false))
	s.Update(den, "Fan 0002", "On", value.OfBool(true))

	sub, replay := s.Subscribe()
	defer sub.Close()
	if len(replay) != 2 {
		t.Fatalf("replay = %d, want 2", len(replay))
	}
	if replay[0].Identity != den || replay[1].Identity != lamp {
		t.Errorf("replay order = %v, %v", replay[0].Identity, replay[1].Identity)
	}

	for i := range 10 {
		s.Update(lamp, "Lightbulb 1a2b", "Brightness", value.OfInt(int64(i)))
	}
	for i := range 10 {
		d := <-sub.C()
		if n, _ := d.Record.Value.AsInt(); n != int64(i) {
			t.Errorf("delta %d = %v, want %d", i, d.Record.Value, i)
		}
	}
}

func TestSlowSubscriberPruned(t *testing.T) {
	s := newTestStore(t, WithSubscriberBuffer(2))
	slow, _ := s.Subscribe()
	fast, _ := s.Subscribe()
	defer fast.Close()

	for i := range 4 {
		s.Update(lamp, "Lightbulb 1a2b", "Brightness", value.OfInt(int64(i)))
		if i%2 == 1 {
			<-fast.C()
			<-fast.C()
		}
	}

	if !slow.Closed() {
		t.Error("slow subscriber not pruned")
	}
	if fast.Closed() {
		t.Error("fast subscriber pruned")
	}
	drained := 0
	for range slow.C() {
		drained++
	}
	if drained != 2 {
		t.Errorf("slow subscriber drained %d, want 2 buffered", drained)
	}
	if n := s.Subscribers(); n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}
	slow.Close()
}

func TestCloseConcurrentWithUpdate(t *testing.T) {
	s := newTestStore(t, WithSubscriberBuffer(1))
	var wg sync.WaitGroup
	for range 20 {
		sub, _ := s.Subscribe()
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub.Close()
			sub.Close()
		}()
		go func() {
			defer wg.Done()
			s.Update(lamp, "Lightbulb 1a2b", "On", value.OfBool(true))
		}()
	}
	wg.Wait()
	if n := s.Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}
