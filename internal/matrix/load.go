package matrix

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	bferrors "github.com/mrz1836/buildfarm/internal/errors"
)

// Parse decodes a YAML matrix spec. Unknown fields are rejected.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: parse matrix: %w", bferrors.ErrConfiguration, err)
	}
	return &spec, nil
}

// Load reads and parses a YAML matrix spec from path.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path comes from the pipeline definition
	if err != nil {
		return nil, fmt.Errorf("read matrix %s: %w", path, err)
	}
	return Parse(data)
}
