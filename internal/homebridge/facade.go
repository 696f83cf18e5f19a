package homebridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"homescript/internal/topology"
	"homescript/internal/value"
)

var (
	ErrUnknownHome           = errors.New("unknown home")
	ErrUnknownAccessory      = errors.New("unknown accessory")
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
	ErrNotReadable           = errors.New("characteristic not readable")
	ErrNotWritable           = errors.New("characteristic not writable")
	ErrNoNotify              = errors.New("characteristic does not notify")
)

// DefaultRoom is used for services missing from the layout.
const DefaultRoom = "Default Room"

// Config holds the Homebridge facade configuration.
type Config struct {
	URL          string
	Token        string
	Home         string        // name reported for the single Homebridge home
	PollInterval time.Duration // default 5s
}

type charKey struct {
	service        string
	characteristic string
}

type accessory struct {
	acc       topology.Accessory
	values    map[charKey]value.Value
	notifying map[charKey]bool
	watchers  map[*topology.Mailbox[topology.CharacteristicUpdate]]struct{}
}

// Facade implements topology.Facade for one Homebridge instance, which it
// reports as a single home.
type Facade struct {
	client   *Client
	home     topology.Home
	interval time.Duration
	logger   *slog.Logger

	mu           sync.Mutex
	ready        bool
	accessories  map[string]*accessory
	homeWatchers map[*topology.Mailbox[[]topology.Home]]struct{}
	accWatchers  map[*topology.Mailbox[topology.AccessoryEvent]]struct{}
}

// New creates a facade. Nothing is fetched until Run.
func New(cfg Config, logger *slog.Logger) *Facade {
	if cfg.Home == "" {
		cfg.Home = "Homebridge"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	logger = logger.With("component", "homebridge")
	return &Facade{
		client: NewClient(cfg.URL, cfg.Token, logger),
		home: topology.Home{
			ID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte(cfg.URL)).String(),
			Name: cfg.Home,
		},
		interval:     cfg.PollInterval,
		logger:       logger,
		accessories:  make(map[string]*accessory),
		homeWatchers: make(map[*topology.Mailbox[[]topology.Home]]struct{}),
		accWatchers:  make(map[*topology.Mailbox[topology.AccessoryEvent]]struct{}),
	}
}

// Client returns the underlying REST client.
func (f *Facade) Client() *Client { return f.client }

// Run polls until ctx ends. The home is reported once the first poll succeeds.
func (f *Facade) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

type polledAccessory struct {
	acc    topology.Accessory
	values map[charKey]value.Value
}

func (f *Facade) poll(ctx context.Context) {
	services, err := f.client.Accessories(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Warn("fetch accessories", "err", err)
		}
		return
	}
	layout, err := f.client.Layout(ctx)
	if err != nil {
		f.logger.Warn("fetch layout, using default room", "err", err)
	}
	f.apply(buildAccessories(f.home.ID, services, layout))
}

// buildAccessories groups services into accessories and resolves rooms from
// the layout.
func buildAccessories(homeID string, services []ServiceStatus, layout []LayoutRoom) map[string]polledAccessory {
	rooms := make(map[string]string)
	for _, r := range layout {
		for _, s := range r.Services {
			rooms[s.UniqueID] = r.Name
		}
	}

	out := make(map[string]polledAccessory)
	for _, s := range services {
		id := s.Instance.Username + "/" + strconv.Itoa(s.AID)
		pa, ok := out[id]
		if !ok {
			name, _ := s.AccessoryInformation["Name"].(string)
			if name == "" {
				name = s.ServiceName
			}
			room := rooms[s.UniqueID]
			if room == "" {
				room = DefaultRoom
			}
			pa = polledAccessory{
				acc:    topology.Accessory{ID: id, HomeID: homeID, Name: name, Room: room},
				values: make(map[charKey]value.Value),
			}
		}

		svc := topology.Service{ID: s.UniqueID, Name: s.ServiceName, Type: s.Type}
		for _, c := range s.ServiceCharacteristics {
			svc.Characteristics = append(svc.Characteristics, topology.Characteristic{
				ID:       c.Type,
				Name:     c.Type,
				Type:     c.Type,
				Readable: c.CanRead,
				Writable: c.CanWrite,
				Notifies: c.CanRead || c.EV,
			})
			if v, err := value.FromJSONNumber(c.Value); err == nil {
				pa.values[charKey{s.UniqueID, c.Type}] = v
			}
		}
		pa.acc.Services = append(pa.acc.Services, svc)
		out[id] = pa
	}
	for id, pa := range out {
		sort.Slice(pa.acc.Services, func(i, j int) bool { return pa.acc.Services[i].ID < pa.acc.Services[j].ID })
		out[id] = pa
	}
	return out
}

// apply diffs a poll against the previous one. Accessories whose structure
// changed are reported as removed and added again.
func (f *Facade) apply(polled map[string]polledAccessory) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, a := range f.accessories {
		if pa, ok := polled[id]; ok && reflect.DeepEqual(pa.acc, a.acc) {
			continue
		}
		delete(f.accessories, id)
		for w := range a.watchers {
			w.Close()
		}
		for w := range f.accWatchers {
			w.Push(topology.AccessoryEvent{Type: topology.AccessoryRemoved, Accessory: a.acc})
		}
		f.logger.Debug("accessory removed", "room", a.acc.Room, "name", a.acc.Name)
	}

	for _, id := range sortedIDs(polled) {
		pa := polled[id]
		a, ok := f.accessories[id]
		if !ok {
			a = &accessory{
				acc:       pa.acc,
				values:    pa.values,
				notifying: make(map[charKey]bool),
				watchers:  make(map[*topology.Mailbox[topology.CharacteristicUpdate]]struct{}),
			}
			f.accessories[id] = a
			for w := range f.accWatchers {
				w.Push(topology.AccessoryEvent{Type: topology.AccessoryAdded, Accessory: a.acc})
			}
			f.logger.Debug("accessory added", "room", a.acc.Room, "name", a.acc.Name)
			continue
		}
		for k, v := range pa.values {
			old, seen := a.values[k]
			a.values[k] = v
			if seen && old.Equal(v) && old.Kind() == v.Kind() {
				continue
			}
			if !a.notifying[k] {
				continue
			}
			for w := range a.watchers {
				w.Push(topology.CharacteristicUpdate{ServiceID: k.service, CharacteristicID: k.characteristic, Value: v})
			}
		}
	}

	if !f.ready {
		f.ready = true
		for w := range f.homeWatchers {
			w.Push(f.homesLocked())
		}
		f.logger.Info("homebridge reachable", "accessories", len(f.accessories))
	}
}

func sortedIDs(m map[string]polledAccessory) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *Facade) homesLocked() []topology.Home {
	if !f.ready {
		return []topology.Home{}
	}
	return []topology.Home{f.home}
}

// WatchHomes implements topology.Facade.
func (f *Facade) WatchHomes(ctx context.Context) (<-chan []topology.Home, error) {
	m := topology.NewMailbox[[]topology.Home](ctx)
	f.mu.Lock()
	f.homeWatchers[m] = struct{}{}
	m.Push(f.homesLocked())
	f.mu.Unlock()
	go func() {
		<-m.Done()
		f.mu.Lock()
		delete(f.homeWatchers, m)
		f.mu.Unlock()
	}()
	return m.Out(), nil
}

// WatchAccessories implements topology.Facade.
func (f *Facade) WatchAccessories(ctx context.Context, home topology.Home) (<-chan topology.AccessoryEvent, error) {
	if home.ID != f.home.ID {
		return nil, fmt.Errorf("home %s: %w", home.ID, ErrUnknownHome)
	}
	m := topology.NewMailbox[topology.AccessoryEvent](ctx)
	f.mu.Lock()
	f.accWatchers[m] = struct{}{}
	ids := make([]string, 0, len(f.accessories))
	for id := range f.accessories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.Push(topology.AccessoryEvent{Type: topology.AccessoryAdded, Accessory: f.accessories[id].acc})
	}
	f.mu.Unlock()
	go func() {
		<-m.Done()
		f.mu.Lock()
		delete(f.accWatchers, m)
		f.mu.Unlock()
	}()
	return m.Out(), nil
}

// WatchAccessory implements topology.Facade.
func (f *Facade) WatchAccessory(ctx context.Context, acc topology.Accessory) (<-chan topology.CharacteristicUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accessories[acc.ID]
	if !ok {
		return nil, fmt.Errorf("accessory %s: %w", acc.ID, ErrUnknownAccessory)
	}
	m := topology.NewMailbox[topology.CharacteristicUpdate](ctx)
	a.watchers[m] = struct{}{}
	go func() {
		<-m.Done()
		f.mu.Lock()
		delete(a.watchers, m)
		f.mu.Unlock()
	}()
	return m.Out(), nil
}

// EnableNotification implements topology.Facade. Changes are detected by
// polling, so any readable characteristic can notify.
func (f *Facade) EnableNotification(ctx context.Context, acc topology.Accessory, svc topology.Service, ch topology.Characteristic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, c, err := f.characteristicLocked(acc.ID, svc.ID, ch.ID)
	if err != nil {
		return err
	}
	if !c.Notifies {
		return fmt.Errorf("characteristic %s: %w", c.Name, ErrNoNotify)
	}
	a.notifying[charKey{svc.ID, c.ID}] = true
	return nil
}

// ReadCharacteristic implements topology.Facade with a fresh fetch.
func (f *Facade) ReadCharacteristic(ctx context.Context, acc topology.Accessory, svc topology.Service, ch topology.Characteristic) (value.Value, error) {
	f.mu.Lock()
	_, c, err := f.characteristicLocked(acc.ID, svc.ID, ch.ID)
	f.mu.Unlock()
	if err != nil {
		return value.Null(), err
	}
	if !c.Readable {
		return value.Null(), fmt.Errorf("characteristic %s: %w", c.Name, ErrNotReadable)
	}

	services, err := f.client.Accessories(ctx)
	if err != nil {
		return value.Null(), fmt.Errorf("read %s: %w", c.Name, err)
	}
	for _, s := range services {
		if s.UniqueID != svc.ID {
			continue
		}
		for _, sc := range s.ServiceCharacteristics {
			if sc.Type == c.ID {
				return value.FromJSONNumber(sc.Value)
			}
		}
	}
	return value.Null(), fmt.Errorf("characteristic %s/%s: %w", svc.ID, c.ID, ErrUnknownCharacteristic)
}

// WriteCharacteristic implements topology.Facade. The written value is not
// echoed back as a notification by the next poll.
func (f *Facade) WriteCharacteristic(ctx context.Context, acc topology.Accessory, svc topology.Service, ch topology.Characteristic, v value.Value) error {
	f.mu.Lock()
	_, c, err := f.characteristicLocked(acc.ID, svc.ID, ch.ID)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !c.Writable {
		return fmt.Errorf("characteristic %s: %w", c.Name, ErrNotWritable)
	}
	if err := f.client.SetCharacteristic(ctx, svc.ID, c.Type, v.Any()); err != nil {
		return err
	}

	f.mu.Lock()
	if a, ok := f.accessories[acc.ID]; ok {
		a.values[charKey{svc.ID, c.ID}] = v
	}
	f.mu.Unlock()
	return nil
}

func (f *Facade) characteristicLocked(accID, svcID, charID string) (*accessory, topology.Characteristic, error) {
	a, ok := f.accessories[accID]
	if !ok {
		return nil, topology.Characteristic{}, fmt.Errorf("accessory %s: %w", accID, ErrUnknownAccessory)
	}
	_, c, ok := a.acc.FindCharacteristic(svcID, charID)
	if !ok {
		return nil, topology.Characteristic{}, fmt.Errorf("characteristic %s/%s: %w", svcID, charID, ErrUnknownCharacteristic)
	}
	return a, c, nil
}

var _ topology.Facade = (*Facade)(nil)
