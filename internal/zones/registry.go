// Package zones holds the fixed, ordered registry of monitored slope zones.
// The registry is read-only after construction and safe for concurrent use.
package zones

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"rockfall/internal/types"
)

// MaxZones is the number of independently tracked zones a registry may hold.
const MaxZones = 5

// Zone describes one monitored slope location.
type Zone struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"name" yaml:"name"`
	Color       string `json:"color,omitempty" yaml:"color"`
}

// Registry is an ordered, immutable set of zones.
type Registry struct {
	zones  []Zone
	byID   map[string]int
	byName map[string]int
}

// Defaults is the built-in zone list in display order.
var Defaults = []Zone{
	{ID: "A", DisplayName: "Zone A - Northern Slope", Color: "#6366f1"},
	{ID: "B", DisplayName: "Zone B - Eastern Ridge", Color: "#8b5cf6"},
	{ID: "C", DisplayName: "Zone C - Central Valley", Color: "#ec4899"},
	{ID: "D", DisplayName: "Zone D - Western Face", Color: "#f59e0b"},
	{ID: "E", DisplayName: "Zone E - Southern Peak", Color: "#10b981"},
}

// New builds a registry from zones in the given display order. IDs and
// display names must be non-empty and unique.
func New(zones []Zone) (*Registry, error) {
	if len(zones) == 0 {
		return nil, fmt.Errorf("zone registry must not be empty")
	}
	if len(zones) > MaxZones {
		return nil, fmt.Errorf("zone registry holds at most %d zones, got %d", MaxZones, len(zones))
	}

	r := &Registry{
		zones:  make([]Zone, 0, len(zones)),
		byID:   make(map[string]int, len(zones)),
		byName: make(map[string]int, len(zones)),
	}
	for i, z := range zones {
		z.ID = strings.TrimSpace(z.ID)
		z.DisplayName = strings.TrimSpace(z.DisplayName)
		if z.ID == "" || z.DisplayName == "" {
			return nil, fmt.Errorf("zone %d: id and name are required", i)
		}
		if _, dup := r.byID[z.ID]; dup {
			return nil, fmt.Errorf("duplicate zone id %q", z.ID)
		}
		if _, dup := r.byName[z.DisplayName]; dup {
			return nil, fmt.Errorf("duplicate zone name %q", z.DisplayName)
		}
		r.byID[z.ID] = i
		r.byName[z.DisplayName] = i
		r.zones = append(r.zones, z)
	}
	return r, nil
}

// Default returns the registry of built-in zones.
func Default() *Registry {
	r, err := New(Defaults)
	if err != nil {
		panic(err)
	}
	return r
}

// fileFormat is the YAML layout of a zones file.
type fileFormat struct {
	Zones []Zone `yaml:"zones"`
}

// Load returns the default registry when path is empty, otherwise the zones
// listed in the YAML file at path.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading zones file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML zones document.
func Parse(raw []byte) (*Registry, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing zones file: %w", err)
	}
	return New(doc.Zones)
}

// Get returns the zone with the given id.
func (r *Registry) Get(id string) (Zone, error) {
	i, ok := r.byID[id]
	if !ok {
		return Zone{}, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundZone,
			fmt.Sprintf("Zone not found: %s", id),
			nil,
			map[string]any{"zone_id": id},
		)
	}
	return r.zones[i], nil
}

// ByName returns the zone whose display name equals name exactly.
func (r *Registry) ByName(name string) (Zone, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Zone{}, false
	}
	return r.zones[i], true
}

// All returns the zones in display order. The slice is a copy.
func (r *Registry) All() []Zone {
	out := make([]Zone, len(r.zones))
	copy(out, r.zones)
	return out
}

// Len returns the number of zones.
func (r *Registry) Len() int { return len(r.zones) }

// Label resolves the label a prediction is filed under: an explicit
// override wins, then the zone's display name, then DefaultZoneLabel.
// Unknown zone ids are not an error here; they simply have no display name.
func (r *Registry) Label(zoneID, override string) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	if i, ok := r.byID[zoneID]; ok {
		return r.zones[i].DisplayName
	}
	return types.DefaultZoneLabel
}
