package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverridesDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dyson.yaml")
	content := `
storage:
  incoming_dir: /tmp/in
  processed_dir: /tmp/out
  naming_tokens: [RECIPIENT_NAME, CURRENT_TIME_MILLIS]
  scan_interval: 250ms
smtp:
  port: 2525
  discard:
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/in", cfg.Storage.IncomingDir)
	assert.Equal(t, "/tmp/out", cfg.Storage.ProcessedDir)
	assert.Equal(t, []string{"RECIPIENT_NAME", "CURRENT_TIME_MILLIS"}, cfg.Storage.NamingTokens)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.ScanInterval)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.False(t, cfg.SMTP.Discard.Enabled)
	// untouched keys keep their defaults
	assert.Equal(t, "mail", cfg.Storage.MailSuffix)
	assert.Equal(t, "part", cfg.Storage.PartialSuffix)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty incoming dir", func(c *Config) { c.Storage.IncomingDir = "" }},
		{"empty processed dir", func(c *Config) { c.Storage.ProcessedDir = "" }},
		{"same dirs", func(c *Config) { c.Storage.ProcessedDir = c.Storage.IncomingDir }},
		{"empty mail suffix", func(c *Config) { c.Storage.MailSuffix = "" }},
		{"empty partial suffix", func(c *Config) { c.Storage.PartialSuffix = "" }},
		{"same suffixes", func(c *Config) { c.Storage.PartialSuffix = c.Storage.MailSuffix }},
		{"zero buffer", func(c *Config) { c.Storage.BufferSize = 0 }},
		{"no naming scheme", func(c *Config) { c.Storage.NamingScheme = "" }},
		{"no naming tokens", func(c *Config) { c.Storage.NamingTokens = nil }},
		{"zero scan interval", func(c *Config) { c.Storage.ScanInterval = 0 }},
		{"bad smtp port", func(c *Config) { c.SMTP.Port = 70000 }},
		{"zero max connections", func(c *Config) { c.SMTP.MaxConnections = 0 }},
		{"bad discard regex", func(c *Config) { c.SMTP.Discard.Regex = "([" }},
		{"bad http port", func(c *Config) { c.HTTP.Port = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidate_DiscardRegexIgnoredWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SMTP.Discard.Enabled = false
	cfg.SMTP.Discard.Regex = "(["
	assert.NoError(t, Validate(cfg))
}

func TestApplyOverrides(t *testing.T) {
	v := NewViper()
	v.Set("storage.incoming_dir", "/srv/in")
	v.Set("smtp.port", 3025)
	v.Set("smtp.discard.enabled", false)
	v.Set("storage.naming_tokens", "RECIPIENT_DOMAIN, CURRENT_TIME_MILLIS")
	v.Set("storage.scan_interval", "2s")

	cfg := DefaultConfig()
	require.NoError(t, ApplyOverrides(cfg, v))

	assert.Equal(t, "/srv/in", cfg.Storage.IncomingDir)
	assert.Equal(t, 3025, cfg.SMTP.Port)
	assert.False(t, cfg.SMTP.Discard.Enabled)
	assert.Equal(t, []string{"RECIPIENT_DOMAIN", "CURRENT_TIME_MILLIS"}, cfg.Storage.NamingTokens)
	assert.Equal(t, 2*time.Second, cfg.Storage.ScanInterval)
	assert.Equal(t, DefaultConfig().Storage.ProcessedDir, cfg.Storage.ProcessedDir)
}

func TestApplyOverrides_FromEnvironment(t *testing.T) {
	t.Setenv("DYSON_STORAGE_PROCESSED_DIR", "/srv/out")
	t.Setenv("DYSON_LOGGING_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, ApplyOverrides(cfg, NewViper()))

	assert.Equal(t, "/srv/out", cfg.Storage.ProcessedDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyOverrides_RejectsInvalidResult(t *testing.T) {
	v := NewViper()
	v.Set("logging.format", "xml")

	err := ApplyOverrides(DefaultConfig(), v)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSettings(t *testing.T) {
	settings, err := DefaultConfig().Settings()
	require.NoError(t, err)

	values := make(map[string]string, len(settings))
	for i, s := range settings {
		values[s.Name] = s.Value
		if i > 0 {
			assert.Less(t, settings[i-1].Name, s.Name, "settings must be sorted")
		}
	}

	assert.Equal(t, "mail", values["storage.mail_suffix"])
	assert.Equal(t, "RECIPIENT_DOMAIN,RECIPIENT_NAME,CURRENT_TIMESTAMP", values["storage.naming_tokens"])
	assert.Equal(t, "1s", values["storage.scan_interval"])
	assert.Equal(t, "true", values["smtp.discard.enabled"])
	assert.Equal(t, "1025", values["smtp.port"])
}
