package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auditledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "audit", cfg.Ledger.DefaultChain)
	assert.Equal(t, uint32(1), cfg.Signing.KeyVersion)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
store:
  driver: postgres
  dsn: postgres://audit@localhost/audit
ledger:
  default_chain: payments
  max_retries: 8
  sign_receipts: true
snapshots:
  archive_dir: /var/lib/auditledger/snapshots
  max_entries: 500
  collect_timeout: 1m
  env_allow: [HOSTNAME, TZ]
sinks:
  webhook:
    url: https://siem.example.com/ingest
    min_severity: error
  file:
    path: /var/log/auditledger/audit.jsonl
rotation:
  max_age: 12h
  keep: 3
retention:
  days: 30
deployment:
  node: eu-1
log_level: debug
`)
	cfg, err := load(path, envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "payments", cfg.Ledger.DefaultChain)
	assert.Equal(t, uint64(8), cfg.Ledger.MaxRetries)
	assert.True(t, cfg.Ledger.SignReceipts)
	assert.Equal(t, time.Minute, cfg.Snapshots.CollectTimeout)
	assert.Equal(t, []string{"HOSTNAME", "TZ"}, cfg.Snapshots.EnvAllow)
	require.NotNil(t, cfg.Sinks.Webhook)
	assert.Equal(t, "error", cfg.Sinks.Webhook.MinSeverity)
	assert.Nil(t, cfg.Sinks.Proto)
	require.NotNil(t, cfg.Sinks.File)
	assert.Equal(t, 12*time.Hour, cfg.Rotation.MaxAge)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, int64(64<<20), cfg.Rotation.MaxBytes)
	assert.Equal(t, 1024, cfg.Sinks.Queue)
	assert.Equal(t, 30, cfg.Retention.Days)
	assert.Equal(t, "eu-1", cfg.Deployment["node"])
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "store:\n  dsn: file.db\n")
	cfg, err := load(path, envMap(map[string]string{
		"AUDITLEDGER_STORE_DSN":           "env.db",
		"AUDITLEDGER_MAX_RETRIES":         "9",
		"AUDITLEDGER_SIGNING_KEY_VERSION": "3",
		"AUDITLEDGER_RETENTION_DAYS":      "7",
		"AUDITLEDGER_SIGN_RECEIPTS":       "true",
		"AUDITLEDGER_WEBHOOK_URL":         "http://localhost:9000/hook",
		"AUDITLEDGER_WEBHOOK_TOKEN":       "t0ken",
		"AUDITLEDGER_LOG_LEVEL":           "warn",
	}))
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Store.DSN)
	assert.Equal(t, uint64(9), cfg.Ledger.MaxRetries)
	assert.Equal(t, uint32(3), cfg.Signing.KeyVersion)
	assert.Equal(t, 7, cfg.Retention.Days)
	assert.True(t, cfg.Ledger.SignReceipts)
	require.NotNil(t, cfg.Sinks.Webhook)
	assert.Equal(t, "t0ken", cfg.Sinks.Webhook.Token)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_BadEnv(t *testing.T) {
	for _, k := range []string{"AUDITLEDGER_MAX_RETRIES", "AUDITLEDGER_SIGNING_KEY_VERSION", "AUDITLEDGER_RETENTION_DAYS", "AUDITLEDGER_SIGN_RECEIPTS"} {
		t.Run(k, func(t *testing.T) {
			_, err := load("", envMap(map[string]string{k: "lots"}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), k)
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"driver", "store:\n  driver: mysql\n", "Driver"},
		{"retention", "retention:\n  days: 0\n", "Days"},
		{"key version", "signing:\n  key_version: 0\n", "KeyVersion"},
		{"webhook url", "sinks:\n  webhook:\n    url: not a url\n", "URL"},
		{"severity", "sinks:\n  file:\n    path: a.jsonl\n    min_severity: loud\n", "MinSeverity"},
		{"log level", "log_level: chatty\n", "LogLevel"},
		{"retries", "ledger:\n  max_retries: 101\n", "MaxRetries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(writeFile(t, tt.body), envMap(nil))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ZeroRetries(t *testing.T) {
	cfg, err := load(writeFile(t, "ledger:\n  max_retries: 0\n"), envMap(nil))
	require.NoError(t, err)
	assert.Zero(t, cfg.Ledger.MaxRetries)

	cfg, err = load("", envMap(map[string]string{"AUDITLEDGER_MAX_RETRIES": "0"}))
	require.NoError(t, err)
	assert.Zero(t, cfg.Ledger.MaxRetries)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), envMap(nil))
	require.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := load(writeFile(t, "store: [unclosed"), envMap(nil))
	require.Error(t, err)
}

func TestSecret(t *testing.T) {
	s := SigningConfig{KeyVersion: 1}
	_, err := s.secret(envMap(nil))
	require.ErrorIs(t, err, ErrNoSecret)

	got, err := s.secret(envMap(map[string]string{DefaultSecretEnv: "from-the-environment"}))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-the-environment"), got)

	s.SecretEnv = "OTHER_SECRET"
	got, err = s.secret(envMap(map[string]string{"OTHER_SECRET": "other"}))
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), got)

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("from-a-file\n"), 0600))
	s.SecretFile = path
	got, err = s.secret(envMap(map[string]string{"OTHER_SECRET": "other"}))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a-file"), got, "file wins over the environment")

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0600))
	_, err = s.secret(envMap(nil))
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "auditledger.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := load(path, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, Default().Snapshots, cfg.Snapshots)
	assert.Equal(t, Default().Rotation, cfg.Rotation)

	require.Error(t, WriteDefault(path), "existing file must not be overwritten")
}
