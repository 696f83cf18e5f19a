package virtual

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"homescript/internal/topology"
	"homescript/internal/value"
)

// HomeDef describes a simulated home.
type HomeDef struct {
	ID          string         `yaml:"id,omitempty"`
	Name        string         `yaml:"name"`
	Accessories []AccessoryDef `yaml:"accessories"`
}

// AccessoryDef describes a simulated accessory.
type AccessoryDef struct {
	ID       string       `yaml:"id,omitempty"`
	Name     string       `yaml:"name"`
	Room     string       `yaml:"room"`
	Services []ServiceDef `yaml:"services"`
}

// ServiceDef describes one service of a simulated accessory.
type ServiceDef struct {
	ID              string              `yaml:"id,omitempty"`
	Name            string              `yaml:"name"`
	Type            string              `yaml:"type,omitempty"`
	Characteristics []CharacteristicDef `yaml:"characteristics"`
}

// CharacteristicDef describes one characteristic. Perms is any of
// "read", "write", "notify"; Value is the initial value.
type CharacteristicDef struct {
	ID    string   `yaml:"id,omitempty"`
	Name  string   `yaml:"name"`
	Type  string   `yaml:"type,omitempty"`
	Perms []string `yaml:"perms"`
	Value any      `yaml:"value"`
}

// homesFile is the YAML structure for files in the homes directory.
type homesFile struct {
	Homes []HomeDef `yaml:"homes"`
}

// LoadHomesDir reads all *.yaml and *.yml files from dir.
// Returns no definitions (not an error) if the directory doesn't exist or is empty.
func LoadHomesDir(dir string, logger *slog.Logger) ([]HomeDef, error) {
	var matches []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob homes dir: %w", err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		logger.Info("no home definition files found", "dir", dir)
		return nil, nil
	}

	var defs []HomeDef
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var hf homesFile
		if err := yaml.Unmarshal(data, &hf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		accessories := 0
		for _, h := range hf.Homes {
			accessories += len(h.Accessories)
		}
		logger.Info("loaded home file", "path", filepath.Base(path),
			"homes", len(hf.Homes), "accessories", accessories)
		defs = append(defs, hf.Homes...)
	}
	return defs, nil
}

// stableID derives a deterministic ID from a definition path so persisted
// state lines up across restarts when no explicit ID is given.
func stableID(explicit string, path ...string) string {
	if explicit != "" {
		return explicit
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(path, "\x00"))).String()
}

func (d AccessoryDef) build(homeID string) (topology.Accessory, map[string]value.Value, error) {
	if d.Name == "" {
		return topology.Accessory{}, nil, fmt.Errorf("accessory name is required")
	}
	acc := topology.Accessory{
		ID:     stableID(d.ID, homeID, d.Room, d.Name),
		HomeID: homeID,
		Name:   d.Name,
		Room:   d.Room,
	}
	initial := make(map[string]value.Value)
	for i, sd := range d.Services {
		svc := topology.Service{
			ID:   stableID(sd.ID, acc.ID, sd.Name, fmt.Sprint(i)),
			Name: sd.Name,
			Type: sd.Type,
		}
		for _, cd := range sd.Characteristics {
			ch := topology.Characteristic{
				ID:   stableID(cd.ID, svc.ID, cd.Name),
				Name: cd.Name,
				Type: cd.Type,
			}
			for _, p := range cd.Perms {
				switch strings.ToLower(p) {
				case "read":
					ch.Readable = true
				case "write":
					ch.Writable = true
				case "notify":
					ch.Notifies = true
				default:
					return topology.Accessory{}, nil, fmt.Errorf("characteristic %q: unknown perm %q", cd.Name, p)
				}
			}
			v, err := value.FromAny(cd.Value)
			if err != nil {
				return topology.Accessory{}, nil, fmt.Errorf("characteristic %q: %w", cd.Name, err)
			}
			initial[ch.ID] = v
			svc.Characteristics = append(svc.Characteristics, ch)
		}
		acc.Services = append(acc.Services, svc)
	}
	return acc, initial, nil
}
