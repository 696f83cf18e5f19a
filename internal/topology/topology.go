// Package topology defines the contract between the tracking core and the
// platform that discovers homes and accessories and moves characteristic values.
package topology

import (
	"context"

	"homescript/internal/value"
)

// Home is a platform home as reported in a home list snapshot.
type Home struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Accessory is a live accessory handle.
type Accessory struct {
	ID       string    `json:"id"`
	HomeID   string    `json:"home_id"`
	Name     string    `json:"name"`
	Room     string    `json:"room"`
	Services []Service `json:"services"`
}

// Service groups characteristics. ID is unique within the platform.
type Service struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Type            string           `json:"type,omitempty"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Characteristic is the smallest observable/settable attribute.
type Characteristic struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Readable bool   `json:"readable"`
	Writable bool   `json:"writable"`
	Notifies bool   `json:"notifies"`
}

// FindCharacteristic returns the service and characteristic with the given IDs.
func (a Accessory) FindCharacteristic(serviceID, characteristicID string) (Service, Characteristic, bool) {
	for _, s := range a.Services {
		if s.ID != serviceID {
			continue
		}
		for _, c := range s.Characteristics {
			if c.ID == characteristicID {
				return s, c, true
			}
		}
	}
	return Service{}, Characteristic{}, false
}

// AccessoryEventType distinguishes accessory discovery events.
type AccessoryEventType int

const (
	AccessoryAdded AccessoryEventType = iota
	AccessoryRemoved
)

func (t AccessoryEventType) String() string {
	if t == AccessoryRemoved {
		return "removed"
	}
	return "added"
}

// AccessoryEvent reports an accessory appearing in or leaving a home.
type AccessoryEvent struct {
	Type      AccessoryEventType
	Accessory Accessory
}

// CharacteristicUpdate is a platform-pushed value change.
type CharacteristicUpdate struct {
	ServiceID        string
	CharacteristicID string
	Value            value.Value
}

// Facade is the platform device framework.
//
// Every Watch* channel is closed when ctx ends; implementations must stop
// delivering to it and release the listener. WatchAccessory's channel is
// additionally closed when the accessory is removed or becomes unreachable.
type Facade interface {
	// WatchHomes delivers the current home list first, then every change.
	WatchHomes(ctx context.Context) (<-chan []Home, error)

	// WatchAccessories replays the home's known accessories as AccessoryAdded,
	// then reports additions and removals.
	WatchAccessories(ctx context.Context, home Home) (<-chan AccessoryEvent, error)

	// WatchAccessory delivers change notifications for enabled characteristics.
	WatchAccessory(ctx context.Context, acc Accessory) (<-chan CharacteristicUpdate, error)

	EnableNotification(ctx context.Context, acc Accessory, svc Service, ch Characteristic) error
	ReadCharacteristic(ctx context.Context, acc Accessory, svc Service, ch Characteristic) (value.Value, error)
	WriteCharacteristic(ctx context.Context, acc Accessory, svc Service, ch Characteristic, v value.Value) error
}
