package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/armorclaw/exceptionmailer/pkg/logger"
)

// Load loads configuration from a file path. An empty path searches
// ConfigPaths. A .env file next to the config file, or in the working
// directory, is loaded before environment overrides are applied; variables
// already set in the environment win over it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		logger.Debug("no configuration file found, using defaults",
			"checked", strings.Join(ConfigPaths(), ", "),
		)
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadDotEnv(path); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return toml.Unmarshal(data, cfg)
}

func loadDotEnv(configPath string) error {
	dir := "."
	if configPath != "" {
		dir = filepath.Dir(configPath)
	}
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err != nil {
		return nil
	}
	return godotenv.Load(envFile)
}

// applyEnvOverrides applies EXCMAILER_* environment variables
func applyEnvOverrides(cfg *Config) error {
	var err error
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	integer := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" || err != nil {
			return
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, name, v)
			return
		}
		*dst = n
	}

	// Mailer overrides
	boolean("EXCMAILER_ENABLED", &cfg.Mailer.Enabled)
	boolean("EXCMAILER_DRY_RUN", &cfg.Mailer.DryRun)
	if v := os.Getenv("EXCMAILER_RECIPIENTS"); v != "" {
		cfg.Mailer.Recipients = splitList(v)
	}
	str("EXCMAILER_SENDER", &cfg.Mailer.Sender)
	str("EXCMAILER_SUBJECT_PREFIX", &cfg.Mailer.SubjectPrefix)

	// SMTP overrides
	str("EXCMAILER_SMTP_HOST", &cfg.SMTP.Host)
	integer("EXCMAILER_SMTP_PORT", &cfg.SMTP.Port)
	str("EXCMAILER_SMTP_USERNAME", &cfg.SMTP.Username)
	str("EXCMAILER_SMTP_PASSWORD", &cfg.SMTP.Password)
	str("EXCMAILER_SMTP_AUTH", &cfg.SMTP.Auth)
	str("EXCMAILER_SMTP_TLS", &cfg.SMTP.TLS)
	str("EXCMAILER_SMTP_TIMEOUT", &cfg.SMTP.Timeout)

	// Capture overrides
	integer("EXCMAILER_CONTEXT_LINES", &cfg.Capture.ContextLines)
	if v := os.Getenv("EXCMAILER_MAX_FILE_BYTES"); v != "" && err == nil {
		n, convErr := strconv.ParseInt(v, 10, 64)
		if convErr != nil {
			err = fmt.Errorf("%w: EXCMAILER_MAX_FILE_BYTES=%q is not an integer", ErrInvalidConfig, v)
		} else {
			cfg.Capture.MaxFileBytes = n
		}
	}
	integer("EXCMAILER_MAX_VALUE_BYTES", &cfg.Capture.MaxValueBytes)
	integer("EXCMAILER_MAX_DEPTH", &cfg.Capture.MaxDepth)
	integer("EXCMAILER_MAX_FRAMES", &cfg.Capture.MaxFrames)
	boolean("EXCMAILER_HIGHLIGHT", &cfg.Capture.Highlight)
	str("EXCMAILER_STYLE", &cfg.Capture.Style)

	// Async overrides
	boolean("EXCMAILER_ASYNC", &cfg.Async.Enabled)
	integer("EXCMAILER_ASYNC_WORKERS", &cfg.Async.Workers)
	integer("EXCMAILER_ASYNC_QUEUE_SIZE", &cfg.Async.QueueSize)

	// Server overrides
	str("EXCMAILER_SERVER_ADDR", &cfg.Server.Addr)

	// Logging overrides
	str("EXCMAILER_LOG_LEVEL", &cfg.Logging.Level)
	str("EXCMAILER_LOG_FORMAT", &cfg.Logging.Format)
	str("EXCMAILER_LOG_OUTPUT", &cfg.Logging.Output)

	return err
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Save writes the configuration as TOML, or YAML for .yaml/.yml paths
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	// may contain the SMTP password
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateExampleConfig writes an example configuration file
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()

	cfg.Mailer.DryRun = false
	cfg.Mailer.Recipients = []string{"ops@example.com"}
	cfg.Mailer.Sender = "exceptions@example.com"
	cfg.Mailer.SubjectPrefix = "[app] "
	cfg.SMTP.Host = "smtp.example.com"
	cfg.SMTP.Port = 587
	cfg.SMTP.Auth = "plain"
	cfg.SMTP.TLS = "mandatory"
	cfg.SMTP.Username = "exceptions@example.com"
	cfg.SMTP.Password = "change-me"

	return Save(cfg, path)
}
