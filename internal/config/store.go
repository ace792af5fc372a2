package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "BGPROXY_CONFIG"

// --- Path helpers ---

// ConfigDirPath returns ~/.bgproxy
func ConfigDirPath() string {
	return filepath.Join(os.Getenv("HOME"), ConfigDir)
}

// ConfigFilePath returns ~/.bgproxy/bgproxy.yaml
func ConfigFilePath() string {
	return filepath.Join(ConfigDirPath(), ConfigFile)
}

// ResolveSource picks the config source: the explicit flag value, then
// $BGPROXY_CONFIG, then the default file.
func ResolveSource(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return ConfigFilePath()
}

// Format is the encoding of a config document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFor guesses the format from a path or object key extension.
// Anything that is not .json is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads, defaults and validates the configuration from source, which is
// either a local path or an s3://bucket/key URL.
func Load(ctx context.Context, source string) (*Config, error) {
	var (
		data []byte
		err  error
	)
	if IsS3Source(source) {
		data, err = FetchS3(ctx, source, S3OptionsFromEnv())
	} else {
		data, err = os.ReadFile(source)
		if err != nil {
			err = fmt.Errorf("read config: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data, FormatFor(source))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a config document.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := &Config{}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes cfg in the given format.
func Marshal(cfg *Config, format Format) ([]byte, error) {
	if format == FormatJSON {
		return json.MarshalIndent(cfg, "", "  ")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
