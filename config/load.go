package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/c360/depthgraph/errors"
)

// EnvPrefix prefixes every environment override, e.g. DEPTHGRAPH_NATS_URL.
const EnvPrefix = "DEPTHGRAPH"

// Loader reads configuration layers over Default. Later layers override
// the fields they set; lists are replaced, not merged.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load applies every layer and the environment overrides to Default.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	for _, path := range l.layers {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	fillPipeline(cfg)
	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Load reads and validates a single configuration file. An empty path
// yields the validated defaults with environment overrides.
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	return l.Load()
}

// Parse decodes data onto Default without validating it. format is
// "yaml" or "json".
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	var err error
	switch format {
	case "yaml", "yml":
		err = decodeYAML(data, cfg)
	case "json":
		err = decodeJSON(data, cfg)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "decode configuration")
	}
	fillPipeline(cfg)
	return cfg, nil
}

func fillPipeline(cfg *Config) {
	if len(cfg.Pipeline.Nodes) > 0 {
		return
	}
	name := cfg.Pipeline.Name
	cfg.Pipeline = DefaultPipeline()
	if name != "" {
		cfg.Pipeline.Name = name
	}
}

func decodeFile(path string, cfg *Config) error {
	f, err := formatOf(path)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Load", path)
	}
	data, err := safeReadFile(path)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Load", path)
	}
	if f == formatJSON {
		err = decodeJSON(data, cfg)
	} else {
		err = decodeYAML(data, cfg)
	}
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Load", "parse "+path)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func decodeJSON(data []byte, cfg *Config) error {
	if err := validateJSONDepth(data); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
		{"DEVICE_ID", &cfg.Device.ID},
		{"METRICS_ADDR", &cfg.Metrics.Addr},
		{"NATS_URL", &cfg.NATS.URL},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"PREVIEW_ADDR", &cfg.Preview.Addr},
		{"PREVIEW_AUTH_SECRET", &cfg.Preview.AuthSecret},
	}
	for _, s := range strs {
		key := l.envPrefix + "_" + s.key
		if val, ok := l.lookupEnv(key); ok && val != "" {
			if err := validateEnvVar(key, val); err != nil {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "applyEnvOverrides", err.Error())
			}
			*s.dst = val
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"SIMULATE", &cfg.Device.Simulate},
		{"WAIT_DEVICE", &cfg.Device.Wait},
		{"METRICS_ENABLED", &cfg.Metrics.Enabled},
		{"NATS_ENABLED", &cfg.NATS.Enabled},
		{"PREVIEW_ENABLED", &cfg.Preview.Enabled},
	}
	for _, b := range bools {
		key := l.envPrefix + "_" + b.key
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			continue
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "applyEnvOverrides",
				fmt.Sprintf("%s: %v", key, err))
		}
		*b.dst = parsed
	}
	return nil
}
