package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// decode reads a JSON or YAML (by extension) config. YAML is converted to JSON
// first so both formats go through the same strict decoder. A blank file
// yields the zero Config.
func decode(path string, raw []byte) (*Config, error) {
	format := formatOf(path)
	body := raw
	if format == "yaml" {
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("yaml config: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		j, err := json.Marshal(stringKeys(doc))
		if err != nil {
			return nil, fmt.Errorf("yaml config: %w", err)
		}
		body = j
	}

	cfg := &Config{}
	if len(bytes.TrimSpace(body)) == 0 {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, fmt.Errorf("%s config: trailing data", format)
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	return cfg, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// stringKeys rewrites map[any]any nodes, produced for non-string YAML keys,
// into maps json.Marshal accepts.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = stringKeys(child)
		}
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[fmt.Sprint(k)] = stringKeys(child)
		}
		return out
	case []any:
		for i, child := range t {
			t[i] = stringKeys(child)
		}
	}
	return v
}

// ParseDurationField parses a duration string such as "5s". Blank means
// unset and returns zero; negative values are rejected.
func ParseDurationField(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", name, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(name, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(name, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
