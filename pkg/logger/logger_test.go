package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	return entry
}

// TestNewLogger tests creating a new logger instance
func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "text to stdout",
			config: Config{Level: "info", Format: "text", Output: "stdout", Component: "test"},
		},
		{
			name:   "json to stderr",
			config: Config{Level: "debug", Format: "json", Output: "stderr", Component: "test"},
		},
		{
			name:   "invalid level falls back to info",
			config: Config{Level: "invalid", Format: "text", Output: "stdout"},
		},
		{
			name:   "empty values use defaults",
			config: Config{},
		},
		{
			name:   "file output",
			config: Config{Output: filepath.Join(t.TempDir(), "logs", "mailer.log")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if logger == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "mailer.log")

	logger, err := New(Config{Format: "json", Output: path, Component: "file"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("written")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"written"`) {
		t.Errorf("log file = %s", data)
	}
}

// TestLoggerLevels checks that the configured level filters output
func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}

	logger.Warn("shown", "key", "value")
	entry := decode(t, &buf)
	if entry["level"] != "WARN" || entry["key"] != "value" {
		t.Errorf("entry = %v", entry)
	}
	if entry["service"] != "exceptionmailer" {
		t.Errorf("service = %v", entry["service"])
	}
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	base, _ := New(Config{Format: "json", Writer: &buf, Component: "base"})

	l := base.WithComponent("dispatch").WithRequestID("req-1").WithReportID("rp_1")
	if l == base {
		t.Fatal("With helpers returned the same instance")
	}
	if l.Component() != "dispatch" {
		t.Errorf("Component() = %q", l.Component())
	}

	l.Info("tagged")
	entry := decode(t, &buf)
	if entry["request_id"] != "req-1" || entry["report_id"] != "rp_1" {
		t.Errorf("entry = %v", entry)
	}
}

func TestErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Config{Format: "json", Writer: &buf})

	logger.ErrorEvent(context.Background(), "send failed", os.ErrDeadlineExceeded,
		slog.String("report_id", "rp_9"),
	)

	entry := decode(t, &buf)
	if entry["error"] == nil || entry["error_type"] == nil {
		t.Errorf("missing error fields: %v", entry)
	}
	if entry["report_id"] != "rp_9" {
		t.Errorf("report_id = %v", entry["report_id"])
	}
}

func TestReportEvent(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Config{Format: "json", Writer: &buf})

	logger.ReportEvent(context.Background(), slog.LevelInfo, "test_event", slog.Int("frames", 3))

	entry := decode(t, &buf)
	if entry["event_type"] != "test_event" || entry["category"] != "report" {
		t.Errorf("entry = %v", entry)
	}
	if entry["frames"] != float64(3) {
		t.Errorf("frames = %v", entry["frames"])
	}
	if _, err := time.Parse(time.RFC3339, entry["timestamp"].(string)); err != nil {
		t.Errorf("invalid timestamp: %v", err)
	}
}

func TestEventLogger(t *testing.T) {
	var buf bytes.Buffer
	base, _ := New(Config{Level: "debug", Format: "json", Writer: &buf})
	el := NewEventLogger(base)
	ctx := context.Background()

	tests := []struct {
		name  string
		log   func()
		event EventType
		level string
		check map[string]interface{}
	}{
		{
			name:  "sent",
			log:   func() { el.LogCaptureSent(ctx, "rp_1", "view :: IndexError", time.Millisecond) },
			event: CaptureSent,
			level: "INFO",
			check: map[string]interface{}{"report_id": "rp_1", "subject": "view :: IndexError"},
		},
		{
			name:  "suppressed",
			log:   func() { el.LogCaptureSuppressed(ctx, "view") },
			event: CaptureSuppressed,
			level: "DEBUG",
			check: map[string]interface{}{"name": "view"},
		},
		{
			name:  "queued",
			log:   func() { el.LogCaptureQueued(ctx, "rp_2", "s") },
			event: CaptureQueued,
			level: "INFO",
		},
		{
			name:  "failed",
			log:   func() { el.LogCaptureFailed(ctx, "rp_3", errors.New("boom")) },
			event: CaptureFailed,
			level: "ERROR",
			check: map[string]interface{}{"error": "boom"},
		},
		{
			name:  "dispatch failed",
			log:   func() { el.LogDispatchFailed(ctx, "rp_4", nil) },
			event: DispatchFailed,
			level: "WARN",
			check: map[string]interface{}{"error": ""},
		},
		{
			name:  "highlight fallback",
			log:   func() { el.LogHighlightFallback(ctx, "rp_5", 2) },
			event: HighlightFallback,
			level: "DEBUG",
			check: map[string]interface{}{"blocks": float64(2)},
		},
		{
			name:  "unrenderable",
			log:   func() { el.LogBindingUnrenderable(ctx, "rp_6", "conn", "*net.OpError") },
			event: BindingUnrenderable,
			level: "DEBUG",
			check: map[string]interface{}{"binding": "conn", "failure": "*net.OpError"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log()

			entry := decode(t, &buf)
			if entry["event_type"] != string(tt.event) {
				t.Errorf("event_type = %v, want %s", entry["event_type"], tt.event)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["source_file"] != "logger_test.go" {
				t.Errorf("source_file = %v", entry["source_file"])
			}
			if entry["component"] != "reports" {
				t.Errorf("component = %v", entry["component"])
			}
			for k, v := range tt.check {
				if entry[k] != v {
					t.Errorf("%s = %v, want %v", k, entry[k], v)
				}
			}
		})
	}
}

// TestGlobalLogger tests the global logger functions
func TestGlobalLogger(t *testing.T) {
	globalLogger = nil
	once = *new(sync.Once)

	if Global() == nil {
		t.Fatal("Global() returned nil")
	}

	if err := Initialize("debug", "json", "stderr"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	first := Global()

	if err := Initialize("error", "text", "stdout"); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if Global() != first {
		t.Error("second Initialize() replaced the global logger")
	}

	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	globalLogger = l

	Info("shutdown signal received")
	Debug("hidden")
	Warn("mail pool did not stop cleanly")
	Error("command failed", "error", "boom")

	out := buf.String()
	for _, want := range []string{"shutdown signal received", "mail pool did not stop cleanly", `"msg":"command failed"`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Errorf("global output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug message written at info level")
	}

	globalLogger = nil
	once = *new(sync.Once)
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing to see")
	NewEventLogger(l).LogCaptureFailed(context.Background(), "rp", errors.New("x"))
}
