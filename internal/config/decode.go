package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

// formatOf picks the decoder from the extension. Files without a known
// extension are sniffed: a leading '{' means JSON.
func formatOf(path string, data []byte) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	}
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '{' {
		return formatJSON
	}
	return formatYAML
}

// ParseBytes decodes data as if it were read from path. Both formats go
// through the strict JSON decoder, so unknown keys fail the same way.
func ParseBytes(path string, data []byte) (*Config, error) {
	raw := data
	if formatOf(path, data) == formatYAML {
		var err error
		if raw, err = yamlAsJSON(data); err != nil {
			return nil, err
		}
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("config: trailing data after document")
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// yamlAsJSON re-encodes a single YAML document as JSON. An empty document
// decodes to an empty object.
func yamlAsJSON(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("config: yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("config: trailing data after document")
		}
		return nil, fmt.Errorf("config: yaml: %w", err)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("config: yaml to json: %w", err)
	}
	return out, nil
}

// stringKeys rewrites map[any]any nodes (integer or boolean keys) into
// map[string]any, which encoding/json requires.
func stringKeys(v any) any {
	switch n := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range n {
			n[k] = stringKeys(val)
		}
		return n
	case []any:
		for i, val := range n {
			n[i] = stringKeys(val)
		}
		return n
	}
	return v
}
