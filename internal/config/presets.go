package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelPreset bundles a named set of generation parameters operators can
// reference in start requests instead of spelling out each option.
type ModelPreset struct {
	Name        string   `yaml:"name"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	Shape       string   `yaml:"shape"`
	Description string   `yaml:"description"`
}

// PresetCatalog holds all loaded presets keyed by lowercased name.
type PresetCatalog struct {
	Presets []ModelPreset `yaml:"presets"`
	Default string        `yaml:"default"`

	byName map[string]ModelPreset
}

// LoadPresets loads a model preset catalog from a YAML file.
func LoadPresets(path string) (*PresetCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read presets file %s: %w", path, err)
	}

	var catalog PresetCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse presets file %s: %w", path, err)
	}

	catalog.byName = make(map[string]ModelPreset, len(catalog.Presets))
	for _, p := range catalog.Presets {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return nil, fmt.Errorf("preset with empty name in %s", path)
		}
		if p.Model == "" {
			return nil, fmt.Errorf("preset %s has no model", p.Name)
		}
		if _, dup := catalog.byName[name]; dup {
			return nil, fmt.Errorf("duplicate preset name %s", p.Name)
		}
		catalog.byName[name] = p
	}
	if catalog.Default != "" {
		if _, ok := catalog.byName[strings.ToLower(catalog.Default)]; !ok {
			return nil, fmt.Errorf("default preset %s not defined", catalog.Default)
		}
	}
	return &catalog, nil
}

// Lookup returns the preset registered under name, case-insensitively.
func (c *PresetCatalog) Lookup(name string) (ModelPreset, bool) {
	if c == nil {
		return ModelPreset{}, false
	}
	p, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// DefaultPreset returns the catalog's declared default, if any.
func (c *PresetCatalog) DefaultPreset() (ModelPreset, bool) {
	if c == nil || c.Default == "" {
		return ModelPreset{}, false
	}
	return c.Lookup(c.Default)
}
