// Package config provides configuration loading for the aslexport tool.
//
// Configuration is assembled in three layers:
//   - built-in defaults (Default)
//   - an optional aslexport.toml or aslexport.json in the working directory
//   - ASLEXPORT_* environment variables
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ayusman/aslexport/internal/normalization"
)

// Default file names searched in the working directory, in order.
const (
	FileTOML = "aslexport.toml"
	FileJSON = "aslexport.json"
)

// DefaultShardSizeBytes matches the converter's own default shard size.
const DefaultShardSizeBytes = 4 * 1024 * 1024

// Quantization modes accepted by the converter.
const (
	QuantizeNone    = ""
	QuantizeFloat16 = "float16"
	QuantizeUint8   = "uint8"
	QuantizeUint16  = "uint16"
)

// Config is the complete export configuration.
type Config struct {
	// ModelCandidates are tried in order; the first existing path is exported.
	ModelCandidates []string `toml:"model_candidates" json:"model_candidates"`
	// PreprocessorPath may be empty; a missing preprocessor is not fatal.
	PreprocessorPath string `toml:"preprocessor_path" json:"preprocessor_path"`
	WebModelDir      string `toml:"web_model_dir" json:"web_model_dir"`
	ParamsOut        string `toml:"params_out" json:"params_out"`

	Converter ConverterConfig `toml:"converter" json:"converter"`
	Defaults  DefaultsConfig  `toml:"defaults" json:"defaults"`
	History   HistoryConfig   `toml:"history" json:"history"`
}

// ConverterConfig controls the external tensorflowjs_converter run.
type ConverterConfig struct {
	// Path to the converter executable. Empty means auto-discover.
	Path string `toml:"path" json:"path"`
	// Timeout bounds a single conversion. Zero disables the bound.
	Timeout        Duration `toml:"timeout" json:"timeout"`
	ShardSizeBytes int64    `toml:"shard_size_bytes" json:"shard_size_bytes"`
	Quantization   string   `toml:"quantization" json:"quantization"`
}

// DefaultsConfig holds the degraded-mode normalization parameters.
type DefaultsConfig struct {
	FeatureCount int      `toml:"feature_count" json:"feature_count"`
	ClassNames   []string `toml:"class_names" json:"class_names"`
}

// HistoryConfig enables the SQLite export ledger.
type HistoryConfig struct {
	// DBPath is the ledger location. Empty disables history.
	DBPath string `toml:"db_path" json:"db_path"`
	// Keep is how many of the newest records survive each recorded run.
	// Zero keeps everything.
	Keep int `toml:"keep" json:"keep"`
}

// Enabled reports whether runs should be recorded.
func (h HistoryConfig) Enabled() bool {
	return h.DBPath != ""
}

// Duration wraps time.Duration so it can be written as "90s" in TOML and JSON.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultClassNames is the label set used when no preprocessor is available.
var DefaultClassNames = normalization.DefaultClassNames

// DefaultFeatureCount is 21 hand landmarks times (x, y).
const DefaultFeatureCount = normalization.DefaultFeatureCount

// DefaultHistoryKeep is the number of export records retained by default.
const DefaultHistoryKeep = 100

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ModelCandidates: []string{
			"models/asl_recognition_system_v1/asl_recognition_system_v1.h5",
			"asl_recognition_system_v1.h5",
		},
		PreprocessorPath: "models/asl_recognition_system_v1/asl_recognition_system_v1_preprocessor.pkl",
		WebModelDir:      "web_app/model",
		ParamsOut:        "web_app/normalization_params.json",
		Converter: ConverterConfig{
			Timeout:        Duration{10 * time.Minute},
			ShardSizeBytes: DefaultShardSizeBytes,
		},
		Defaults: DefaultsConfig{
			FeatureCount: DefaultFeatureCount,
			ClassNames:   append([]string(nil), DefaultClassNames...),
		},
		History: HistoryConfig{
			Keep: DefaultHistoryKeep,
		},
	}
}

// Load builds the configuration from defaults, the first config file found in
// dir, and the environment.
func Load(dir string) (*Config, error) {
	cfg := Default()

	for _, name := range []string{FileTOML, FileJSON} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
		break
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes path over cfg. Files ending in .json are read as JSON,
// everything else as TOML.
func LoadFile(cfg *Config, path string) error {
	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read JSON config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode JSON config %s: %w", path, err)
		}
		return nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML config %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides applies ASLEXPORT_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("ASLEXPORT_MODEL"); v != "" {
		var candidates []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				candidates = append(candidates, p)
			}
		}
		c.ModelCandidates = candidates
	}
	if v, ok := os.LookupEnv("ASLEXPORT_PREPROCESSOR"); ok {
		c.PreprocessorPath = v
	}
	if v := os.Getenv("ASLEXPORT_WEB_MODEL_DIR"); v != "" {
		c.WebModelDir = v
	}
	if v := os.Getenv("ASLEXPORT_PARAMS_OUT"); v != "" {
		c.ParamsOut = v
	}
	if v := os.Getenv("ASLEXPORT_CONVERTER"); v != "" {
		c.Converter.Path = v
	}
	if v := os.Getenv("ASLEXPORT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ASLEXPORT_TIMEOUT: %w", err)
		}
		c.Converter.Timeout = Duration{d}
	}
	if v, ok := os.LookupEnv("ASLEXPORT_HISTORY_DB"); ok {
		c.History.DBPath = v
	}
	if v := os.Getenv("ASLEXPORT_HISTORY_KEEP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ASLEXPORT_HISTORY_KEEP: %w", err)
		}
		c.History.Keep = n
	}
	return nil
}

// SetDefaults fills zero values left by a partial config file.
func (c *Config) SetDefaults() {
	if c.Converter.ShardSizeBytes == 0 {
		c.Converter.ShardSizeBytes = DefaultShardSizeBytes
	}
	if c.Defaults.FeatureCount == 0 {
		c.Defaults.FeatureCount = DefaultFeatureCount
	}
	if len(c.Defaults.ClassNames) == 0 {
		c.Defaults.ClassNames = append([]string(nil), DefaultClassNames...)
	}
}

// Validate checks the configuration for values the export cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.ModelCandidates) == 0 {
		errs = append(errs, errors.New("model_candidates must not be empty"))
	}
	for i, p := range c.ModelCandidates {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("model_candidates[%d] is empty", i))
		}
	}
	if c.WebModelDir == "" {
		errs = append(errs, errors.New("web_model_dir must not be empty"))
	}
	if c.ParamsOut == "" {
		errs = append(errs, errors.New("params_out must not be empty"))
	}
	if c.Converter.Timeout.Duration < 0 {
		errs = append(errs, errors.New("converter.timeout must not be negative"))
	}
	if c.Converter.ShardSizeBytes < 0 {
		errs = append(errs, errors.New("converter.shard_size_bytes must not be negative"))
	}
	switch c.Converter.Quantization {
	case QuantizeNone, QuantizeFloat16, QuantizeUint8, QuantizeUint16:
	default:
		errs = append(errs, fmt.Errorf("converter.quantization %q is not one of float16, uint8, uint16", c.Converter.Quantization))
	}
	if c.Defaults.FeatureCount < 0 {
		errs = append(errs, errors.New("defaults.feature_count must not be negative"))
	}
	if c.History.Keep < 0 {
		errs = append(errs, errors.New("history.keep must not be negative"))
	}

	return errors.Join(errs...)
}

// NormalizationDefaults converts the configured fallback into the form
// normalization.Extract takes.
func (c *Config) NormalizationDefaults() normalization.Defaults {
	return normalization.Defaults{
		FeatureCount: c.Defaults.FeatureCount,
		ClassNames:   append([]string(nil), c.Defaults.ClassNames...),
	}
}
