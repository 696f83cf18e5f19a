// Package virtual is an in-process device platform. Homes and accessories come
// from YAML definitions or are added at runtime; values can be pushed, and
// writes can be made to fail, which makes it the platform for demos and tests.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"homescript/internal/topology"
	"homescript/internal/value"
)

var (
	ErrUnknownHome           = errors.New("unknown home")
	ErrUnknownAccessory      = errors.New("unknown accessory")
	ErrUnknownCharacteristic = errors.New("unknown characteristic")
	ErrDuplicate             = errors.New("duplicate id")
	ErrNotReadable           = errors.New("characteristic not readable")
	ErrNotWritable           = errors.New("characteristic not writable")
	ErrNoNotify              = errors.New("characteristic does not notify")
)

type home struct {
	h           topology.Home
	accessories []*accessory
	watchers    map[*topology.Mailbox[topology.AccessoryEvent]]struct{}
}

type accessory struct {
	acc       topology.Accessory
	values    map[string]value.Value
	notifying map[string]bool
	watchers  map[*topology.Mailbox[topology.CharacteristicUpdate]]struct{}
}

// Option configures a Facade.
type Option func(*Facade)

// WithState persists written and pushed values to s and restores them when
// accessories are added.
func WithState(s *BoltState) Option {
	return func(f *Facade) { f.state = s }
}

// Facade implements topology.Facade in memory.
type Facade struct {
	mu           sync.Mutex
	homes        []*home
	homeWatchers map[*topology.Mailbox[[]topology.Home]]struct{}
	writeErr     error
	readErr      error
	state        *BoltState
	logger       *slog.Logger
}

// New creates an empty virtual platform.
func New(logger *slog.Logger, opts ...Option) *Facade {
	f := &Facade{
		homeWatchers: make(map[*topology.Mailbox[[]topology.Home]]struct{}),
		logger:       logger.With("component", "virtual"),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Load adds every home definition.
func (f *Facade) Load(defs []HomeDef) error {
	for _, d := range defs {
		if _, err := f.AddHome(d); err != nil {
			return fmt.Errorf("home %q: %w", d.Name, err)
		}
	}
	return nil
}

// AddHome adds a home and its accessories, then notifies home watchers.
func (f *Facade) AddHome(def HomeDef) (topology.Home, error) {
	if def.Name == "" {
		return topology.Home{}, fmt.Errorf("home name is required")
	}
	h := &home{
		h:        topology.Home{ID: stableID(def.ID, "home", def.Name), Name: def.Name},
		watchers: make(map[*topology.Mailbox[topology.AccessoryEvent]]struct{}),
	}
	for _, ad := range def.Accessories {
		acc, err := f.newAccessory(h.h.ID, ad)
		if err != nil {
			return topology.Home{}, err
		}
		h.accessories = append(h.accessories, acc)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findHomeLocked(h.h.ID) != nil {
		return topology.Home{}, fmt.Errorf("home %s: %w", h.h.ID, ErrDuplicate)
	}
	f.homes = append(f.homes, h)
	f.broadcastHomesLocked()
	f.logger.Debug("home added", "home", h.h.Name, "id", h.h.ID, "accessories", len(h.accessories))
	return h.h, nil
}

// RemoveHome drops a home. Its accessory and characteristic watchers are closed.
func (f *Facade) RemoveHome(homeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.IndexFunc(f.homes, func(h *home) bool { return h.h.ID == homeID })
	if i < 0 {
		return fmt.Errorf("home %s: %w", homeID, ErrUnknownHome)
	}
	h := f.homes[i]
	f.homes = slices.Delete(f.homes, i, i+1)
	for _, a := range h.accessories {
		for w := range a.watchers {
			w.Close()
		}
	}
	for w := range h.watchers {
		w.Close()
	}
	f.broadcastHomesLocked()
	f.logger.Debug("home removed", "home", h.h.Name, "id", homeID)
	return nil
}

// AddAccessory adds an accessory to a home and reports it to watchers.
func (f *Facade) AddAccessory(homeID string, def AccessoryDef) (topology.Accessory, error) {
	acc, err := f.newAccessory(homeID, def)
	if err != nil {
		return topology.Accessory{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.findHomeLocked(homeID)
	if h == nil {
		return topology.Accessory{}, fmt.Errorf("home %s: %w", homeID, ErrUnknownHome)
	}
	if _, a := f.findAccessoryLocked(acc.acc.ID); a != nil {
		return topology.Accessory{}, fmt.Errorf("accessory %s: %w", acc.acc.ID, ErrDuplicate)
	}
	h.accessories = append(h.accessories, acc)
	for w := range h.watchers {
		w.Push(topology.AccessoryEvent{Type: topology.AccessoryAdded, Accessory: acc.acc})
	}
	f.logger.Debug("accessory added", "home", h.h.Name, "room", acc.acc.Room, "name", acc.acc.Name)
	return acc.acc, nil
}

// RemoveAccessory reports the accessory as removed and closes its
// characteristic watchers.
func (f *Facade) RemoveAccessory(accessoryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, a := f.findAccessoryLocked(accessoryID)
	if a == nil {
		return fmt.Errorf("accessory %s: %w", accessoryID, ErrUnknownAccessory)
	}
	h.accessories = slices.DeleteFunc(h.accessories, func(x *accessory) bool { return x == a })
	for w := range a.watchers {
		w.Close()
	}
	for w := range h.watchers {
		w.Push(topology.AccessoryEvent{Type: topology.AccessoryRemoved, Accessory: a.acc})
	}
	f.logger.Debug("accessory removed", "home", h.h.Name, "room", a.acc.Room, "name", a.acc.Name)
	return nil
}

// PushValue simulates a device-side change. Watchers are notified only when
// notifications were enabled for the characteristic.
func (f *Facade) PushValue(accessoryID, characteristicID string, v value.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, a := f.findAccessoryLocked(accessoryID)
	if a == nil {
		return fmt.Errorf("accessory %s: %w", accessoryID, ErrUnknownAccessory)
	}
	svcID, ok := serviceOf(a.acc, characteristicID)
	if !ok {
		return fmt.Errorf("characteristic %s: %w", characteristicID, ErrUnknownCharacteristic)
	}
	a.values[characteristicID] = v
	f.persist(characteristicID, v)
	if !a.notifying[characteristicID] {
		return nil
	}
	for w := range a.watchers {
		w.Push(topology.CharacteristicUpdate{ServiceID: svcID, CharacteristicID: characteristicID, Value: v})
	}
	return nil
}

// FailWrites makes every following write fail with err. nil restores writes.
func (f *Facade) FailWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// FailReads makes every following read fail with err. nil restores reads.
func (f *Facade) FailReads(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

// Value returns the device-side value of a characteristic.
func (f *Facade) Value(accessoryID, characteristicID string) (value.Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, a := f.findAccessoryLocked(accessoryID)
	if a == nil {
		return value.Null(), false
	}
	v, ok := a.values[characteristicID]
	return v, ok
}

// Homes returns the current home list.
func (f *Facade) Homes() []topology.Home {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.homesLocked()
}

// Lookup finds an accessory by home name, room and accessory name.
func (f *Facade) Lookup(homeName, room, name string) (topology.Accessory, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.homes {
		if h.h.Name != homeName {
			continue
		}
		for _, a := range h.accessories {
			if a.acc.Room == room && a.acc.Name == name {
				return a.acc, true
			}
		}
	}
	return topology.Accessory{}, false
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
func (f *Facade) WatchAccessories(ctx context.Context, target topology.Home) (<-chan topology.AccessoryEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.findHomeLocked(target.ID)
	if h == nil {
		return nil, fmt.Errorf("home %s: %w", target.ID, ErrUnknownHome)
	}
	m := topology.NewMailbox[topology.AccessoryEvent](ctx)
	h.watchers[m] = struct{}{}
	for _, a := range h.accessories {
		m.Push(topology.AccessoryEvent{Type: topology.AccessoryAdded, Accessory: a.acc})
	}
	go func() {
		<-m.Done()
		f.mu.Lock()
		delete(h.watchers, m)
		f.mu.Unlock()
	}()
	return m.Out(), nil
}

// WatchAccessory implements topology.Facade.
func (f *Facade) WatchAccessory(ctx context.Context, acc topology.Accessory) (<-chan topology.CharacteristicUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, a := f.findAccessoryLocked(acc.ID)
	if a == nil {
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

// EnableNotification implements topology.Facade.
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
	a.notifying[c.ID] = true
	return nil
}

// ReadCharacteristic implements topology.Facade.
func (f *Facade) ReadCharacteristic(ctx context.Context, acc topology.Accessory, svc topology.Service, ch topology.Characteristic) (value.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, c, err := f.characteristicLocked(acc.ID, svc.ID, ch.ID)
	if err != nil {
		return value.Null(), err
	}
	if !c.Readable {
		return value.Null(), fmt.Errorf("characteristic %s: %w", c.Name, ErrNotReadable)
	}
	if f.readErr != nil {
		return value.Null(), f.readErr
	}
	return a.values[c.ID], nil
}

// WriteCharacteristic implements topology.Facade. The new value is not echoed
// back as a notification.
func (f *Facade) WriteCharacteristic(ctx context.Context, acc topology.Accessory, svc topology.Service, ch topology.Characteristic, v value.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, c, err := f.characteristicLocked(acc.ID, svc.ID, ch.ID)
	if err != nil {
		return err
	}
	if !c.Writable {
		return fmt.Errorf("characteristic %s: %w", c.Name, ErrNotWritable)
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	a.values[c.ID] = v
	f.persist(c.ID, v)
	return nil
}

func (f *Facade) newAccessory(homeID string, def AccessoryDef) (*accessory, error) {
	acc, values, err := def.build(homeID)
	if err != nil {
		return nil, err
	}
	if f.state != nil {
		for id := range values {
			v, err := f.state.LoadValue(id)
			if err == nil {
				values[id] = v
			} else if !errors.Is(err, ErrNotFound) {
				f.logger.Warn("failed to restore value", "characteristic", id, "err", err)
			}
		}
	}
	return &accessory{
		acc:       acc,
		values:    values,
		notifying: make(map[string]bool),
		watchers:  make(map[*topology.Mailbox[topology.CharacteristicUpdate]]struct{}),
	}, nil
}

func (f *Facade) persist(characteristicID string, v value.Value) {
	if f.state == nil {
		return
	}
	if err := f.state.SaveValue(characteristicID, v); err != nil {
		f.logger.Warn("failed to persist value", "characteristic", characteristicID, "err", err)
	}
}

func (f *Facade) homesLocked() []topology.Home {
	out := make([]topology.Home, len(f.homes))
	for i, h := range f.homes {
		out[i] = h.h
	}
	return out
}

func (f *Facade) broadcastHomesLocked() {
	for w := range f.homeWatchers {
		w.Push(f.homesLocked())
	}
}

func (f *Facade) findHomeLocked(id string) *home {
	for _, h := range f.homes {
		if h.h.ID == id {
			return h
		}
	}
	return nil
}

func (f *Facade) findAccessoryLocked(id string) (*home, *accessory) {
	for _, h := range f.homes {
		for _, a := range h.accessories {
			if a.acc.ID == id {
				return h, a
			}
		}
	}
	return nil, nil
}

func (f *Facade) characteristicLocked(accID, svcID, charID string) (*accessory, topology.Characteristic, error) {
	_, a := f.findAccessoryLocked(accID)
	if a == nil {
		return nil, topology.Characteristic{}, fmt.Errorf("accessory %s: %w", accID, ErrUnknownAccessory)
	}
	_, c, ok := a.acc.FindCharacteristic(svcID, charID)
	if !ok {
		return nil, topology.Characteristic{}, fmt.Errorf("characteristic %s/%s: %w", svcID, charID, ErrUnknownCharacteristic)
	}
	return a, c, nil
}

func serviceOf(acc topology.Accessory, characteristicID string) (string, bool) {
	for _, s := range acc.Services {
		for _, c := range s.Characteristics {
			if c.ID == characteristicID {
				return s.ID, true
			}
		}
	}
	return "", false
}

var _ topology.Facade = (*Facade)(nil)
