package config

import (
	"os"
	"path/filepath"
	"testing"
)

const presetYAML = `default: drafting
presets:
  - name: drafting
    model: gpt-4o
    temperature: 0.7
    max_tokens: 4096
    shape: text
    description: long-form prose
  - name: extraction
    model: gpt-4o-mini
    temperature: 0
    shape: object
`

func writePresets(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write presets: %v", err)
	}
	return path
}

func TestLoadPresets(t *testing.T) {
	catalog, err := LoadPresets(writePresets(t, presetYAML))
	if err != nil {
		t.Fatalf("LoadPresets: %v", err)
	}
	if len(catalog.Presets) != 2 {
		t.Fatalf("expected 2 presets, got %d", len(catalog.Presets))
	}

	p, ok := catalog.Lookup("Extraction")
	if !ok {
		t.Fatalf("case-insensitive lookup failed")
	}
	if p.Model != "gpt-4o-mini" || p.Shape != "object" {
		t.Fatalf("unexpected preset %#v", p)
	}
	if p.Temperature == nil || *p.Temperature != 0 {
		t.Fatalf("expected explicit zero temperature, got %v", p.Temperature)
	}

	def, ok := catalog.DefaultPreset()
	if !ok || def.Name != "drafting" {
		t.Fatalf("unexpected default preset %#v ok=%t", def, ok)
	}
	if def.MaxTokens != 4096 {
		t.Fatalf("unexpected max tokens %d", def.MaxTokens)
	}
}

func TestLoadPresetsRejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty name", content: "presets:\n  - name: \"\"\n    model: gpt-4o\n"},
		{name: "missing model", content: "presets:\n  - name: broken\n"},
		{name: "duplicate name", content: "presets:\n  - name: a\n    model: m\n  - name: A\n    model: m\n"},
		{name: "unknown default", content: "default: ghost\npresets:\n  - name: a\n    model: m\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadPresets(writePresets(t, tt.content)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestPresetLookupNilCatalog(t *testing.T) {
	var catalog *PresetCatalog
	if _, ok := catalog.Lookup("anything"); ok {
		t.Fatalf("nil catalog lookup should miss")
	}
	if _, ok := catalog.DefaultPreset(); ok {
		t.Fatalf("nil catalog default should miss")
	}
}
