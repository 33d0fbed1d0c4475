package config

import "time"

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

type StorageConfig struct {
	IncomingDir     string        `yaml:"incoming_dir"`
	ProcessedDir    string        `yaml:"processed_dir"`
	MailSuffix      string        `yaml:"mail_suffix"`
	PartialSuffix   string        `yaml:"partial_suffix"`
	BufferSize      int           `yaml:"buffer_size"`
	NamingScheme    string        `yaml:"naming_scheme"`
	NamingTokens    []string      `yaml:"naming_tokens"` // Ordered, one path segment per token
	ScanInterval    time.Duration `yaml:"scan_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SMTPConfig struct {
	Bind           string        `yaml:"bind"`
	Port           int           `yaml:"port"`
	Hostname       string        `yaml:"hostname"`
	SocketPath     string        `yaml:"socket_path"`
	MaxConnections int           `yaml:"max_connections"`
	MaxMessageSize int           `yaml:"max_message_size"`
	MaxRecipients  int           `yaml:"max_recipients"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	Discard        DiscardConfig `yaml:"discard"`
}

// DiscardConfig drops mail for matching recipients before anything is written.
type DiscardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Regex   string `yaml:"regex"` // Must match the whole recipient address
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			IncomingDir:     "/var/tmp/dyson/incoming",
			ProcessedDir:    "/var/tmp/dyson/processed",
			MailSuffix:      "mail",
			PartialSuffix:   "part",
			BufferSize:      1024,
			NamingScheme:    "flexible",
			NamingTokens:    []string{"RECIPIENT_DOMAIN", "RECIPIENT_NAME", "CURRENT_TIMESTAMP"},
			ScanInterval:    time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		SMTP: SMTPConfig{
			Bind:           "127.0.0.1",
			Port:           1025,
			Hostname:       "localhost",
			MaxConnections: 10000,
			MaxMessageSize: 10 * 1024 * 1024, // 10MB
			MaxRecipients:  1000,
			ReadTimeout:    time.Minute,
			WriteTimeout:   time.Minute,
			Discard: DiscardConfig{
				Enabled: true,
				Regex:   ".*@example.com",
			},
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    1080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
