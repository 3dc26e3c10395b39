// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadPatternsFile reads pattern definitions from a standalone YAML file
// holding a top-level sequence of pattern entries. Pattern packs live
// outside the koanf layering because koanf loads maps, not sequences.
func LoadPatternsFile(path string) ([]PatternConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load patterns %s: %w", path, err)
	}
	var pcs []PatternConfig
	if err := yaml.Unmarshal(raw, &pcs); err != nil {
		return nil, fmt.Errorf("parse patterns %s: %w", path, err)
	}
	return pcs, nil
}
