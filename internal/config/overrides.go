package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. DYSON_STORAGE_INCOMING_DIR.
const EnvPrefix = "DYSON"

type override func(v *viper.Viper, key string, cfg *Config)

func stringOverride(field func(*Config) *string) override {
	return func(v *viper.Viper, key string, cfg *Config) { *field(cfg) = v.GetString(key) }
}

func intOverride(field func(*Config) *int) override {
	return func(v *viper.Viper, key string, cfg *Config) { *field(cfg) = v.GetInt(key) }
}

func boolOverride(field func(*Config) *bool) override {
	return func(v *viper.Viper, key string, cfg *Config) { *field(cfg) = v.GetBool(key) }
}

// overrides lists every setting that may be replaced from flags or the environment.
var overrides = map[string]override{
	"storage.incoming_dir":   stringOverride(func(c *Config) *string { return &c.Storage.IncomingDir }),
	"storage.processed_dir":  stringOverride(func(c *Config) *string { return &c.Storage.ProcessedDir }),
	"storage.mail_suffix":    stringOverride(func(c *Config) *string { return &c.Storage.MailSuffix }),
	"storage.partial_suffix": stringOverride(func(c *Config) *string { return &c.Storage.PartialSuffix }),
	"storage.buffer_size":    intOverride(func(c *Config) *int { return &c.Storage.BufferSize }),
	"storage.naming_scheme":  stringOverride(func(c *Config) *string { return &c.Storage.NamingScheme }),
	"storage.naming_tokens": func(v *viper.Viper, key string, cfg *Config) {
		var tokens []string
		for _, t := range v.GetStringSlice(key) {
			for _, part := range strings.Split(t, ",") {
				if part = strings.TrimSpace(part); part != "" {
					tokens = append(tokens, part)
				}
			}
		}
		cfg.Storage.NamingTokens = tokens
	},
	"storage.scan_interval": func(v *viper.Viper, key string, cfg *Config) {
		cfg.Storage.ScanInterval = v.GetDuration(key)
	},
	"storage.shutdown_timeout": func(v *viper.Viper, key string, cfg *Config) {
		cfg.Storage.ShutdownTimeout = v.GetDuration(key)
	},
	"smtp.bind":                stringOverride(func(c *Config) *string { return &c.SMTP.Bind }),
	"smtp.port":                intOverride(func(c *Config) *int { return &c.SMTP.Port }),
	"smtp.hostname":            stringOverride(func(c *Config) *string { return &c.SMTP.Hostname }),
	"smtp.socket_path":         stringOverride(func(c *Config) *string { return &c.SMTP.SocketPath }),
	"smtp.max_connections":     intOverride(func(c *Config) *int { return &c.SMTP.MaxConnections }),
	"smtp.max_message_size":    intOverride(func(c *Config) *int { return &c.SMTP.MaxMessageSize }),
	"smtp.discard.enabled":     boolOverride(func(c *Config) *bool { return &c.SMTP.Discard.Enabled }),
	"smtp.discard.regex":       stringOverride(func(c *Config) *string { return &c.SMTP.Discard.Regex }),
	"http.enabled":             boolOverride(func(c *Config) *bool { return &c.HTTP.Enabled }),
	"http.bind":                stringOverride(func(c *Config) *string { return &c.HTTP.Bind }),
	"http.port":                intOverride(func(c *Config) *int { return &c.HTTP.Port }),
	"logging.level":            stringOverride(func(c *Config) *string { return &c.Logging.Level }),
	"logging.format":           stringOverride(func(c *Config) *string { return &c.Logging.Format }),
}

// NewViper returns a viper instance reading DYSON_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	// storage.incoming_dir -> DYSON_STORAGE_INCOMING_DIR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// OverrideKeys returns the setting names accepted by ApplyOverrides.
func OverrideKeys() []string {
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	return keys
}

// ApplyOverrides copies every key set in v onto cfg and revalidates the result.
func ApplyOverrides(cfg *Config, v *viper.Viper) error {
	for key, apply := range overrides {
		if v.IsSet(key) {
			apply(v, key, cfg)
		}
	}
	return Validate(cfg)
}
