package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in a project directory.
const FileName = "passbook.yaml"

// EnvPrefix prefixes every environment override, e.g. PASSBOOK_SERVICE_TOKEN.
const EnvPrefix = "PASSBOOK_"

// Config represents the top-level passbook.yaml configuration.
type Config struct {
	Service ServiceConfig `yaml:"service" envPrefix:"SERVICE_"`
	Upload  UploadConfig  `yaml:"upload"  envPrefix:"UPLOAD_"`
	Ledger  LedgerConfig  `yaml:"ledger"  envPrefix:"LEDGER_"`
	Server  ServerConfig  `yaml:"server"  envPrefix:"SERVER_"`
	Log     LogConfig     `yaml:"log"     envPrefix:"LOG_"`
	Paths   PathsConfig   `yaml:"paths"   envPrefix:"PATHS_"`
}

// ServiceConfig locates the extraction service.
type ServiceConfig struct {
	BaseURL string   `yaml:"base_url"        env:"BASE_URL"`
	Token   string   `yaml:"token,omitempty" env:"TOKEN"`
	Timeout Duration `yaml:"timeout"         env:"TIMEOUT"`
}

// UploadConfig bounds what may be uploaded.
type UploadConfig struct {
	MaxBytes    int64  `yaml:"max_bytes"              env:"MAX_BYTES"`
	DefaultBank string `yaml:"default_bank,omitempty" env:"DEFAULT_BANK"`
}

// LedgerConfig controls ledger export and reconciliation.
type LedgerConfig struct {
	DefaultName             string  `yaml:"default_name"               env:"DEFAULT_NAME"`
	RecomputeAccuracyOnEdit bool    `yaml:"recompute_accuracy_on_edit" env:"RECOMPUTE_ACCURACY_ON_EDIT"`
	AccuracyEpsilon         float64 `yaml:"accuracy_epsilon"           env:"ACCURACY_EPSILON"`
}

// ServerConfig configures `passbook serve`.
type ServerConfig struct {
	Addr        string   `yaml:"addr"         env:"ADDR"`
	SessionTTL  Duration `yaml:"session_ttl"  env:"SESSION_TTL"`
	UploadRate  float64  `yaml:"upload_rate"  env:"UPLOAD_RATE"`  // uploads per second per client
	UploadBurst int      `yaml:"upload_burst" env:"UPLOAD_BURST"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // "json" or "console"
}

// PathsConfig names the batch import and export directories.
type PathsConfig struct {
	ImportDir string `yaml:"import_dir" env:"IMPORT_DIR"`
	ExportDir string `yaml:"export_dir" env:"EXPORT_DIR"`
}

// Duration is a time.Duration written as "30s" in YAML and env values.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Load reads a passbook.yaml file from disk. Keys missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Resolve loads path if it exists, falls back to defaults if it does not,
// then applies PASSBOOK_* environment overrides and validates the result.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any PASSBOOK_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	switch {
	case c.Service.BaseURL == "":
		return errors.New("config: service.base_url is required")
	case c.Upload.MaxBytes <= 0:
		return fmt.Errorf("config: upload.max_bytes must be positive, got %d", c.Upload.MaxBytes)
	case c.Ledger.AccuracyEpsilon < 0:
		return fmt.Errorf("config: ledger.accuracy_epsilon must not be negative, got %g", c.Ledger.AccuracyEpsilon)
	case c.Server.UploadRate < 0 || c.Server.UploadBurst < 0:
		return errors.New("config: server upload rate and burst must not be negative")
	}
	return nil
}

// Save writes a Config to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Default returns a Config with sensible defaults for a new project.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			BaseURL: "http://localhost:8000/api/",
			Timeout: Duration(5 * time.Minute),
		},
		Upload: UploadConfig{
			MaxBytes: 50 << 20,
		},
		Ledger: LedgerConfig{
			DefaultName:     "Bank Account",
			AccuracyEpsilon: 0.01,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			SessionTTL:  Duration(30 * time.Minute),
			UploadRate:  0.5,
			UploadBurst: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Paths: PathsConfig{
			ImportDir: "import",
			ExportDir: "exports",
		},
	}
}
