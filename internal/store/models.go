package store

import (
	"fmt"
	"sort"
	"time"

	"homescript/internal/value"
)

// Identity names a trackable accessory by name, room, and home.
type Identity struct {
	Name string `json:"name"`
	Room string `json:"room"`
	Home string `json:"home"`
}

// ParseIdentity parses a flat [name, room, home] list.
func ParseIdentity(parts []string) (Identity, error) {
	if len(parts) != 3 {
		return Identity{}, fmt.Errorf("identity needs 3 parts (name, room, home), got %d", len(parts))
	}
	id := Identity{Name: parts[0], Room: parts[1], Home: parts[2]}
	if id.Name == "" || id.Home == "" {
		return Identity{}, fmt.Errorf("identity name and home must not be empty")
	}
	return id, nil
}

// Triple returns the identity as [name, room, home].
func (id Identity) Triple() []string {
	return []string{id.Name, id.Room, id.Home}
}

// Less orders identities by home, then room, then name.
func (id Identity) Less(o Identity) bool {
	if id.Home != o.Home {
		return id.Home < o.Home
	}
	if id.Room != o.Room {
		return id.Room < o.Room
	}
	return id.Name < o.Name
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Home, id.Room, id.Name)
}

// SortIdentities sorts ids in place by Less.
func SortIdentities(ids []Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// Record is the last known value of a characteristic.
type Record struct {
	Value     value.Value `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Delta is a single-characteristic store change, as broadcast to subscribers.
type Delta struct {
	Identity       Identity `json:"identity"`
	Service        string   `json:"service"`
	Characteristic string   `json:"characteristic"`
	Record         Record   `json:"record"`
}

// ServiceFilter narrows Services results. Zero value matches everything.
type ServiceFilter struct {
	NamePrefix           string
	CharacteristicPrefix string
	Value                *value.Value
}
