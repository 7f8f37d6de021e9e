package domain

import (
	"encoding/json"
	"fmt"
	"os"
)

// Template is a static catalog entry describing what to provision for a
// challenge type.
type Template struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Image    string  `json:"image"`
	Port     int     `json:"port"`
	CPU      float64 `json:"cpu"`
	MemoryMB int64   `json:"memory_mb"`
}

// Catalog is the set of known templates keyed by ID.
type Catalog map[string]Template

// Get looks up a template by ID.
func (c Catalog) Get(id string) (Template, bool) {
	t, ok := c[id]
	return t, ok
}

// LoadCatalog reads the template catalog from a JSON file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	var templates []Template
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	catalog := make(Catalog, len(templates))
	for _, t := range templates {
		if t.ID == "" || t.Image == "" || t.Port <= 0 {
			return nil, fmt.Errorf("template %q: id, image and port are required", t.ID)
		}
		if _, dup := catalog[t.ID]; dup {
			return nil, fmt.Errorf("template %q: duplicate id", t.ID)
		}
		catalog[t.ID] = t
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("template catalog %s is empty", path)
	}
	return catalog, nil
}
