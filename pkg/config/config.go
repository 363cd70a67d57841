// Package config provides configuration management for exceptionmailer.
// Supports TOML and YAML configuration files with .env and environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	netmail "net/mail"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all exceptionmailer configuration
type Config struct {
	Mailer  MailerConfig  `toml:"mailer" yaml:"mailer"`
	SMTP    SMTPConfig    `toml:"smtp" yaml:"smtp"`
	Capture CaptureConfig `toml:"capture" yaml:"capture"`
	Async   AsyncConfig   `toml:"async" yaml:"async"`
	Server  ServerConfig  `toml:"server" yaml:"server"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
}

// MailerConfig holds who receives reports
type MailerConfig struct {
	// Enabled turns every capture into a no-op when false
	Enabled bool `toml:"enabled" yaml:"enabled" env:"EXCMAILER_ENABLED"`

	// DryRun logs reports instead of sending them
	DryRun bool `toml:"dry_run" yaml:"dry_run" env:"EXCMAILER_DRY_RUN"`

	Recipients    []string `toml:"recipients" yaml:"recipients" env:"EXCMAILER_RECIPIENTS"`
	Sender        string   `toml:"sender" yaml:"sender" env:"EXCMAILER_SENDER"`
	SubjectPrefix string   `toml:"subject_prefix" yaml:"subject_prefix" env:"EXCMAILER_SUBJECT_PREFIX"`
}

// SMTPConfig holds mail server settings
type SMTPConfig struct {
	Host     string `toml:"host" yaml:"host" env:"EXCMAILER_SMTP_HOST"`
	Port     int    `toml:"port" yaml:"port" env:"EXCMAILER_SMTP_PORT"`
	Username string `toml:"username" yaml:"username" env:"EXCMAILER_SMTP_USERNAME"`
	Password string `toml:"password" yaml:"password" env:"EXCMAILER_SMTP_PASSWORD"`

	// Auth is one of none, plain, login
	Auth string `toml:"auth" yaml:"auth" env:"EXCMAILER_SMTP_AUTH"`

	// TLS is one of mandatory, opportunistic, none
	TLS string `toml:"tls" yaml:"tls" env:"EXCMAILER_SMTP_TLS"`

	// Timeout is a duration string, e.g. "15s"
	Timeout string `toml:"timeout" yaml:"timeout" env:"EXCMAILER_SMTP_TIMEOUT"`
}

// CaptureConfig bounds what goes into a report
type CaptureConfig struct {
	ContextLines  int    `toml:"context_lines" yaml:"context_lines" env:"EXCMAILER_CONTEXT_LINES"`
	MaxFileBytes  int64  `toml:"max_file_bytes" yaml:"max_file_bytes" env:"EXCMAILER_MAX_FILE_BYTES"`
	MaxValueBytes int    `toml:"max_value_bytes" yaml:"max_value_bytes" env:"EXCMAILER_MAX_VALUE_BYTES"`
	MaxDepth      int    `toml:"max_depth" yaml:"max_depth" env:"EXCMAILER_MAX_DEPTH"`
	MaxFrames     int    `toml:"max_frames" yaml:"max_frames" env:"EXCMAILER_MAX_FRAMES"`
	Highlight     bool   `toml:"highlight" yaml:"highlight" env:"EXCMAILER_HIGHLIGHT"`
	Style         string `toml:"style" yaml:"style" env:"EXCMAILER_STYLE"`
}

// AsyncConfig controls background dispatch
type AsyncConfig struct {
	Enabled   bool `toml:"enabled" yaml:"enabled" env:"EXCMAILER_ASYNC"`
	Workers   int  `toml:"workers" yaml:"workers" env:"EXCMAILER_ASYNC_WORKERS"`
	QueueSize int  `toml:"queue_size" yaml:"queue_size" env:"EXCMAILER_ASYNC_QUEUE_SIZE"`
}

// ServerConfig holds demo server settings
type ServerConfig struct {
	Addr        string `toml:"addr" yaml:"addr" env:"EXCMAILER_SERVER_ADDR"`
	MetricsPath string `toml:"metrics_path" yaml:"metrics_path"`
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `toml:"level" yaml:"level" env:"EXCMAILER_LOG_LEVEL"`

	// Format is the log format (json, text)
	Format string `toml:"format" yaml:"format" env:"EXCMAILER_LOG_FORMAT"`

	// Output is stdout, stderr, or a file path
	Output string `toml:"output" yaml:"output" env:"EXCMAILER_LOG_OUTPUT"`
}

// DefaultConfig returns a configuration that validates and sends nothing:
// reports go to the log until SMTP is set up.
func DefaultConfig() *Config {
	return &Config{
		Mailer: MailerConfig{
			Enabled:    true,
			DryRun:     true,
			Recipients: []string{"admin@localhost"},
			Sender:     "exceptionmailer@localhost",
		},
		SMTP: SMTPConfig{
			Host:    "localhost",
			Port:    25,
			Auth:    "none",
			TLS:     "opportunistic",
			Timeout: "15s",
		},
		Capture: CaptureConfig{
			ContextLines:  5,
			MaxFileBytes:  4 << 20,
			MaxValueBytes: 2048,
			MaxDepth:      4,
			MaxFrames:     32,
			Highlight:     true,
			Style:         "github",
		},
		Async: AsyncConfig{
			Workers:   2,
			QueueSize: 64,
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8080",
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".exceptionmailer", "config.toml"),
		filepath.Join("/etc", "exceptionmailer", "config.toml"),
		"./exceptionmailer.toml",
		"./exceptionmailer.yaml",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Mailer.Enabled {
		if len(c.Mailer.Recipients) == 0 {
			return fmt.Errorf("%w: mailer.recipients", ErrMissingValue)
		}
		for _, r := range c.Mailer.Recipients {
			if _, err := netmail.ParseAddress(r); err != nil {
				return fmt.Errorf("%w: mailer.recipients: %q is not a valid address", ErrInvalidConfig, r)
			}
		}
		if c.Mailer.Sender != "" {
			if _, err := netmail.ParseAddress(c.Mailer.Sender); err != nil {
				return fmt.Errorf("%w: mailer.sender: %q is not a valid address", ErrInvalidConfig, c.Mailer.Sender)
			}
		}
		if !c.Mailer.DryRun && c.SMTP.Host == "" {
			return fmt.Errorf("%w: smtp.host is required unless mailer.dry_run is set", ErrMissingValue)
		}
	}

	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("%w: smtp.port must be between 0 and 65535", ErrInvalidConfig)
	}
	validAuth := map[string]bool{"": true, "none": true, "plain": true, "login": true}
	if !validAuth[c.SMTP.Auth] {
		return fmt.Errorf("%w: smtp.auth must be one of: none, plain, login", ErrInvalidConfig)
	}
	validTLS := map[string]bool{"": true, "mandatory": true, "opportunistic": true, "none": true}
	if !validTLS[c.SMTP.TLS] {
		return fmt.Errorf("%w: smtp.tls must be one of: mandatory, opportunistic, none", ErrInvalidConfig)
	}
	if c.SMTP.Timeout != "" {
		if _, err := time.ParseDuration(c.SMTP.Timeout); err != nil {
			return fmt.Errorf("%w: smtp.timeout: %v", ErrInvalidConfig, err)
		}
	}

	if c.Capture.ContextLines < 0 {
		return fmt.Errorf("%w: capture.context_lines cannot be negative", ErrInvalidConfig)
	}
	if c.Capture.MaxFileBytes < 0 || c.Capture.MaxValueBytes < 0 || c.Capture.MaxDepth < 0 || c.Capture.MaxFrames < 0 {
		return fmt.Errorf("%w: capture limits cannot be negative", ErrInvalidConfig)
	}

	if c.Async.Workers < 0 || c.Async.QueueSize < 0 {
		return fmt.Errorf("%w: async.workers and async.queue_size cannot be negative", ErrInvalidConfig)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	return nil
}

// SMTPTimeout returns the parsed SMTP timeout, zero when unset
func (c *Config) SMTPTimeout() time.Duration {
	d, err := time.ParseDuration(c.SMTP.Timeout)
	if err != nil {
		return 0
	}
	return d
}
