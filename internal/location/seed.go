package location

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"townhall/api/internal/store"
)

type seedEntry struct {
	ID     string `yaml:"id"`
	Kind   string `yaml:"kind"`
	Parent string `yaml:"parent"`
	Name   string `yaml:"name"`
}

// ParseSeed reads a YAML list of locations. File order becomes the
// tie-breaking position between equal names.
func ParseSeed(data []byte) ([]store.Location, error) {
	var entries []seedEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse locations: %w", err)
	}
	items := make([]store.Location, 0, len(entries))
	for i, entry := range entries {
		if entry.ID == "" || entry.Name == "" {
			return nil, fmt.Errorf("%w: entry %d needs an id and a name", ErrInvalid, i)
		}
		item := store.Location{ID: entry.ID, Kind: entry.Kind, Name: entry.Name, Position: i}
		if entry.Parent != "" {
			parent := entry.Parent
			item.ParentID = &parent
		}
		items = append(items, item)
	}
	if err := Validate(items); err != nil {
		return nil, err
	}
	return items, nil
}

func LoadSeed(path string) ([]store.Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locations file: %w", err)
	}
	return ParseSeed(data)
}
