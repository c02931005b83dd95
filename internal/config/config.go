// Package config loads ledgerctl settings from a YAML file with
// AUDITLEDGER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUDITLEDGER_"

// DefaultSecretEnv holds the signing secret unless signing.secret_env names another variable.
const DefaultSecretEnv = EnvPrefix + "SIGNING_SECRET"

// Config is the full ledgerctl configuration.
type Config struct {
	Store      StoreConfig       `yaml:"store"`
	Ledger     LedgerConfig      `yaml:"ledger"`
	Signing    SigningConfig     `yaml:"signing"`
	Snapshots  SnapshotConfig    `yaml:"snapshots"`
	Sinks      SinksConfig       `yaml:"sinks"`
	Rotation   RotationConfig    `yaml:"rotation"`
	Retention  RetentionConfig   `yaml:"retention"`
	Deployment map[string]string `yaml:"deployment,omitempty"`
	LogLevel   string            `yaml:"log_level" validate:"oneof=debug info warn error"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `yaml:"dsn" validate:"required"`
}

type LedgerConfig struct {
	DefaultChain string `yaml:"default_chain" validate:"required,max=128"`
	MaxRetries   uint64 `yaml:"max_retries" validate:"max=100"` // 0 disables retries
	SignReceipts bool   `yaml:"sign_receipts"`
}

// SigningConfig locates the deployment secret receipts are derived from.
// The secret itself never lives in the YAML file.
type SigningConfig struct {
	KeyVersion uint32 `yaml:"key_version" validate:"min=1"`
	SecretEnv  string `yaml:"secret_env"`
	SecretFile string `yaml:"secret_file"`
	Salt       string `yaml:"salt"`
}

type SnapshotConfig struct {
	ArchiveDir     string        `yaml:"archive_dir" validate:"required"`
	MaxEntries     int           `yaml:"max_entries" validate:"min=1"`
	CollectTimeout time.Duration `yaml:"collect_timeout" validate:"min=0"`
	EnvAllow       []string      `yaml:"env_allow,omitempty"`
}

type SinksConfig struct {
	Queue   int           `yaml:"queue" validate:"min=0"`
	Webhook *EndpointSink `yaml:"webhook,omitempty"`
	Proto   *EndpointSink `yaml:"proto,omitempty"`
	File    *FileSink     `yaml:"file,omitempty"`
}

// EndpointSink configures an HTTP sink.
type EndpointSink struct {
	URL         string `yaml:"url" validate:"required,url"`
	Token       string `yaml:"token"`
	MinSeverity string `yaml:"min_severity" validate:"omitempty,oneof=info warning error critical"`
	JSON        bool   `yaml:"json"`
}

// FileSink configures the raw JSONL log.
type FileSink struct {
	Path        string `yaml:"path" validate:"required"`
	MinSeverity string `yaml:"min_severity" validate:"omitempty,oneof=info warning error critical"`
}

type RotationConfig struct {
	MaxBytes int64         `yaml:"max_bytes" validate:"min=0"`
	MaxAge   time.Duration `yaml:"max_age" validate:"min=0"`
	Keep     int           `yaml:"keep" validate:"min=0"`
}

type RetentionConfig struct {
	Days int `yaml:"days" validate:"min=1"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store:  StoreConfig{Driver: "sqlite", DSN: "auditledger.db"},
		Ledger: LedgerConfig{DefaultChain: "audit", MaxRetries: 5},
		Signing: SigningConfig{
			KeyVersion: 1,
			SecretEnv:  DefaultSecretEnv,
		},
		Snapshots: SnapshotConfig{
			ArchiveDir:     "snapshots",
			MaxEntries:     10000,
			CollectTimeout: 30 * time.Second,
		},
		Sinks:     SinksConfig{Queue: 1024},
		Rotation:  RotationConfig{MaxBytes: 64 << 20, MaxAge: 24 * time.Hour, Keep: 7},
		Retention: RetentionConfig{Days: 90},
		LogLevel:  "info",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"STORE_DRIVER":        &c.Store.Driver,
		"STORE_DSN":           &c.Store.DSN,
		"DEFAULT_CHAIN":       &c.Ledger.DefaultChain,
		"ARCHIVE_DIR":         &c.Snapshots.ArchiveDir,
		"SIGNING_SECRET_FILE": &c.Signing.SecretFile,
		"SIGNING_SALT":        &c.Signing.Salt,
		"LOG_LEVEL":           &c.LogLevel,
	}
	for k, dst := range str {
		if v, ok := lookup(EnvPrefix + k); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "MAX_RETRIES"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_RETRIES: %w", EnvPrefix, err)
		}
		c.Ledger.MaxRetries = n
	}
	if v, ok := lookup(EnvPrefix + "SIGNING_KEY_VERSION"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%sSIGNING_KEY_VERSION: %w", EnvPrefix, err)
		}
		c.Signing.KeyVersion = uint32(n)
	}
	if v, ok := lookup(EnvPrefix + "RETENTION_DAYS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRETENTION_DAYS: %w", EnvPrefix, err)
		}
		c.Retention.Days = n
	}
	if v, ok := lookup(EnvPrefix + "SIGN_RECEIPTS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSIGN_RECEIPTS: %w", EnvPrefix, err)
		}
		c.Ledger.SignReceipts = b
	}
	if v, ok := lookup(EnvPrefix + "WEBHOOK_URL"); ok {
		if c.Sinks.Webhook == nil {
			c.Sinks.Webhook = &EndpointSink{}
		}
		c.Sinks.Webhook.URL = v
	}
	if v, ok := lookup(EnvPrefix + "WEBHOOK_TOKEN"); ok && c.Sinks.Webhook != nil {
		c.Sinks.Webhook.Token = v
	}
	return nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	return err
}

// ErrNoSecret is returned when no signing secret is configured.
var ErrNoSecret = errors.New("no signing secret configured")

// Secret returns the signing secret, from secret_file when set and from the
// secret_env variable otherwise.
func (s SigningConfig) Secret() ([]byte, error) {
	return s.secret(os.LookupEnv)
}

func (s SigningConfig) secret(lookup func(string) (string, bool)) ([]byte, error) {
	if s.SecretFile != "" {
		data, err := os.ReadFile(s.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("read signing secret: %w", err)
		}
		data = []byte(strings.TrimSpace(string(data)))
		if len(data) == 0 {
			return nil, fmt.Errorf("%s: %w", s.SecretFile, ErrNoSecret)
		}
		return data, nil
	}
	name := s.SecretEnv
	if name == "" {
		name = DefaultSecretEnv
	}
	if v, ok := lookup(name); ok && v != "" {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("%s unset: %w", name, ErrNoSecret)
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
