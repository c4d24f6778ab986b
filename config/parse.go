package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// Load reads the configuration file at path, applies RELAY_* environment
// overrides and defaults, and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		parsed, err := ParseFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
		c = parsed
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// ParseFile loads a Config from a file. The file extension is used to
// determine the configuration format (JSON or YAML).
func ParseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return ParseJSON(data)
	case ".yml", ".yaml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
}

// ParseYAML loads a Config from YAML. Unknown fields are an error.
func ParseYAML(data []byte) (*Config, error) {
	var config Config
	if err := yaml.UnmarshalWithOptions(data, &config, yaml.Strict()); err != nil {
		return nil, err
	}
	return &config, nil
}

// ParseJSON loads a Config from JSON. Unknown fields are an error.
func ParseJSON(data []byte) (*Config, error) {
	var config Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// YAML renders c as YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
