package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ak3tsm7/qos-inference-router/internal/backend/sim"
)

type enginesFile struct {
	Engines []sim.Profile `yaml:"engines"`
}

// LoadEngines reads the engine profiles from path. An empty path yields
// the built-in profiles.
func LoadEngines(path string) ([]sim.Profile, error) {
	if path == "" {
		return sim.DefaultProfiles(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engines file: %w", err)
	}
	return ParseEngines(b)
}

// ParseEngines decodes and validates an engines document.
func ParseEngines(b []byte) ([]sim.Profile, error) {
	var f enginesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse engines file: %w", err)
	}
	if len(f.Engines) == 0 {
		return nil, fmt.Errorf("engines file lists no engines")
	}
	seen := make(map[string]bool, len(f.Engines))
	for _, p := range f.Engines {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[string(p.Engine)] {
			return nil, fmt.Errorf("engine %q listed twice", p.Engine)
		}
		seen[string(p.Engine)] = true
	}
	return f.Engines, nil
}
