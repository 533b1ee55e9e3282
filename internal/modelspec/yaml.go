package modelspec

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseYAML parses a YAML descriptor file. Unknown keys are rejected.
func ParseYAML(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse model YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model file: %w", err)
	}
	return &f, nil
}
