package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if !cfg.Mailer.Enabled || !cfg.Mailer.DryRun {
		t.Error("default mailer should be enabled in dry-run mode")
	}
	if cfg.Capture.ContextLines != 5 {
		t.Errorf("ContextLines should be 5, got %d", cfg.Capture.ContextLines)
	}
	if cfg.Capture.MaxValueBytes != 2048 {
		t.Errorf("MaxValueBytes should be 2048, got %d", cfg.Capture.MaxValueBytes)
	}
	if cfg.Capture.MaxFrames != 32 {
		t.Errorf("MaxFrames should be 32, got %d", cfg.Capture.MaxFrames)
	}
	if cfg.SMTPTimeout() != 15*time.Second {
		t.Errorf("SMTPTimeout() = %v", cfg.SMTPTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig validation failed: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"no recipients", func(c *Config) { c.Mailer.Recipients = nil }, ErrMissingValue},
		{"disabled without recipients", func(c *Config) { c.Mailer.Enabled = false; c.Mailer.Recipients = nil }, nil},
		{"bad recipient", func(c *Config) { c.Mailer.Recipients = []string{"nope"} }, ErrInvalidConfig},
		{"bad sender", func(c *Config) { c.Mailer.Sender = "a@b@c" }, ErrInvalidConfig},
		{"live without host", func(c *Config) { c.Mailer.DryRun = false; c.SMTP.Host = "" }, ErrMissingValue},
		{"bad port", func(c *Config) { c.SMTP.Port = 70000 }, ErrInvalidConfig},
		{"bad auth", func(c *Config) { c.SMTP.Auth = "ntlm" }, ErrInvalidConfig},
		{"bad tls", func(c *Config) { c.SMTP.TLS = "maybe" }, ErrInvalidConfig},
		{"bad timeout", func(c *Config) { c.SMTP.Timeout = "soon" }, ErrInvalidConfig},
		{"negative context", func(c *Config) { c.Capture.ContextLines = -1 }, ErrInvalidConfig},
		{"negative value cap", func(c *Config) { c.Capture.MaxValueBytes = -1 }, ErrInvalidConfig},
		{"negative workers", func(c *Config) { c.Async.Workers = -2 }, ErrInvalidConfig},
		{"bad log level", func(c *Config) { c.Logging.Level = "invalid" }, ErrInvalidConfig},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

const sampleTOML = `
[mailer]
enabled = true
dry_run = false
recipients = ["ops@example.com", "dev@example.com"]
sender = "reports@example.com"
subject_prefix = "[shop] "

[smtp]
host = "smtp.example.com"
port = 587
auth = "plain"
tls = "mandatory"
timeout = "5s"

[capture]
context_lines = 3
highlight = false
`

const sampleYAML = `
mailer:
  enabled: true
  dry_run: true
  recipients:
    - yaml@example.com
capture:
  max_value_bytes: 512
logging:
  level: debug
  format: json
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", sampleTOML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Mailer.Recipients) != 2 || cfg.Mailer.Recipients[1] != "dev@example.com" {
		t.Errorf("Recipients = %v", cfg.Mailer.Recipients)
	}
	if cfg.SMTP.Port != 587 || cfg.SMTP.Auth != "plain" {
		t.Errorf("SMTP = %+v", cfg.SMTP)
	}
	if cfg.Capture.ContextLines != 3 || cfg.Capture.Highlight {
		t.Errorf("Capture = %+v", cfg.Capture)
	}
	// untouched sections keep their defaults
	if cfg.Capture.MaxValueBytes != 2048 || cfg.Logging.Level != "info" {
		t.Errorf("defaults lost: %+v %+v", cfg.Capture, cfg.Logging)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mailer.Recipients[0] != "yaml@example.com" {
		t.Errorf("Recipients = %v", cfg.Mailer.Recipients)
	}
	if cfg.Capture.MaxValueBytes != 512 || cfg.Logging.Format != "json" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", sampleTOML)

	t.Setenv("EXCMAILER_RECIPIENTS", "a@example.com, b@example.com")
	t.Setenv("EXCMAILER_SMTP_PORT", "2525")
	t.Setenv("EXCMAILER_ASYNC", "true")
	t.Setenv("EXCMAILER_CONTEXT_LINES", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Mailer.Recipients) != 2 || cfg.Mailer.Recipients[0] != "a@example.com" {
		t.Errorf("Recipients = %v", cfg.Mailer.Recipients)
	}
	if cfg.SMTP.Port != 2525 {
		t.Errorf("Port = %d", cfg.SMTP.Port)
	}
	if !cfg.Async.Enabled || cfg.Capture.ContextLines != 7 {
		t.Errorf("Async = %+v, Capture = %+v", cfg.Async, cfg.Capture)
	}
}

func TestLoad_BadEnvInteger(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", sampleTOML)
	t.Setenv("EXCMAILER_SMTP_PORT", "smtp")

	_, err := Load(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoad_InvalidRecipientRejected(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", sampleTOML)
	t.Setenv("EXCMAILER_RECIPIENTS", "not-an-address")

	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", sampleTOML)
	writeFile(t, dir, ".env", "EXCMAILER_SUBJECT_PREFIX=[dotenv] \nEXCMAILER_SMTP_HOST=dotenv.example.com\n")

	// a real environment variable beats the .env file
	t.Setenv("EXCMAILER_SMTP_HOST", "env.example.com")
	// godotenv sets variables for the process; clear ours afterwards
	t.Cleanup(func() { os.Unsetenv("EXCMAILER_SUBJECT_PREFIX") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mailer.SubjectPrefix != "[dotenv]" {
		t.Errorf("SubjectPrefix = %q", cfg.Mailer.SubjectPrefix)
	}
	if cfg.SMTP.Host != "env.example.com" {
		t.Errorf("Host = %q", cfg.SMTP.Host)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := writeFile(t, dir, "bad.toml", "[mailer\nrecipients = ")
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"example.toml", "example.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			if err := GenerateExampleConfig(path); err != nil {
				t.Fatalf("GenerateExampleConfig() error = %v", err)
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("mode = %v, want 0600", info.Mode().Perm())
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.SMTP.Host != "smtp.example.com" || cfg.Mailer.SubjectPrefix != "[app] " {
				t.Errorf("round trip lost values: %+v", cfg)
			}
		})
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"

	if err := Save(cfg, filepath.Join(t.TempDir(), "c.toml")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Save() error = %v", err)
	}
}
