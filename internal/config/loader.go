package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for a missing or invalid required setting.
var ErrInvalidConfig = errors.New("invalid configuration")

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the settings the storage pipeline cannot run without.
func Validate(config *Config) error {
	if err := validateConfig(config); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func validateConfig(config *Config) error {
	s := &config.Storage
	if s.IncomingDir == "" {
		return fmt.Errorf("storage incoming_dir cannot be empty")
	}
	if s.ProcessedDir == "" {
		return fmt.Errorf("storage processed_dir cannot be empty")
	}
	if s.IncomingDir == s.ProcessedDir {
		return fmt.Errorf("storage incoming_dir and processed_dir must differ: %s", s.IncomingDir)
	}
	if s.MailSuffix == "" {
		return fmt.Errorf("storage mail_suffix cannot be empty")
	}
	if s.PartialSuffix == "" {
		return fmt.Errorf("storage partial_suffix cannot be empty")
	}
	if s.MailSuffix == s.PartialSuffix {
		return fmt.Errorf("storage mail_suffix and partial_suffix must differ: %s", s.MailSuffix)
	}
	if s.BufferSize <= 0 {
		return fmt.Errorf("storage buffer_size must be positive: %d", s.BufferSize)
	}
	if s.NamingScheme == "" {
		return fmt.Errorf("storage naming_scheme cannot be empty")
	}
	if len(s.NamingTokens) == 0 {
		return fmt.Errorf("storage naming_tokens cannot be empty")
	}
	if s.ScanInterval <= 0 {
		return fmt.Errorf("storage scan_interval must be positive: %s", s.ScanInterval)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("storage shutdown_timeout must be positive: %s", s.ShutdownTimeout)
	}

	if config.SMTP.Port < 0 || config.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp port: %d", config.SMTP.Port)
	}
	if config.SMTP.MaxConnections <= 0 {
		return fmt.Errorf("smtp max_connections must be positive: %d", config.SMTP.MaxConnections)
	}
	if config.SMTP.Hostname == "" {
		return fmt.Errorf("smtp hostname cannot be empty")
	}
	if config.SMTP.Discard.Enabled {
		if _, err := regexp.Compile(config.SMTP.Discard.Regex); err != nil {
			return fmt.Errorf("invalid smtp discard regex %q: %v", config.SMTP.Discard.Regex, err)
		}
	}

	if config.HTTP.Enabled && (config.HTTP.Port < 0 || config.HTTP.Port > 65535) {
		return fmt.Errorf("invalid http port: %d", config.HTTP.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[config.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[config.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", config.Logging.Format)
	}

	return nil
}
