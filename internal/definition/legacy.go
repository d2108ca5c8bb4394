package definition

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed legacy.yaml
var legacyYAML []byte

// LegacyIDPrefix prefixes the deterministic ids of built-in definitions.
const LegacyIDPrefix = "legacy-"

// LoadLegacy parses the built-in app, feature, and bugfix definitions from
// the embedded YAML. They are global (no platform) and keyed by workflow
// type; the service registers them at startup so workflows created without
// an explicit definition still resolve.
func LoadLegacy() ([]*Definition, error) {
	var file struct {
		Definitions []struct {
			Name    string  `yaml:"name"`
			Version string  `yaml:"version"`
			Stages  []Stage `yaml:"stages"`
		} `yaml:"definitions"`
	}
	if err := yaml.Unmarshal(legacyYAML, &file); err != nil {
		return nil, fmt.Errorf("failed to parse embedded legacy definitions: %w", err)
	}

	defs := make([]*Definition, 0, len(file.Definitions))
	for _, d := range file.Definitions {
		def := &Definition{
			ID:       LegacyIDPrefix + d.Name,
			Name:     d.Name,
			Version:  d.Version,
			Stages:   d.Stages,
			Metadata: map[string]any{"legacy": true},
		}
		// Agent types are checked at dispatch time, not load time: the
		// registry is empty when legacy definitions load.
		if errs := Validate(def, nil); len(errs) > 0 {
			return nil, fmt.Errorf("embedded definition %q is invalid: %w", d.Name, errs[0])
		}
		defs = append(defs, def)
	}
	return defs, nil
}
