package logger

import (
	"context"
	"log/slog"
	"time"
)

// EventType names a report lifecycle event
type EventType string

const (
	CaptureSent       EventType = "capture_sent"
	CaptureSuppressed EventType = "capture_suppressed"
	CaptureQueued     EventType = "capture_queued"
	CaptureFailed     EventType = "capture_failed"

	DispatchFailed EventType = "dispatch_failed"

	HighlightFallback   EventType = "highlight_fallback"
	BindingUnrenderable EventType = "binding_unrenderable"
)

// EventLogger logs report lifecycle events. Message bodies and variable
// values are never logged, only identifiers and counts.
type EventLogger struct {
	logger *Logger
}

// NewEventLogger creates an event logger
func NewEventLogger(baseLogger *Logger) *EventLogger {
	return &EventLogger{
		logger: baseLogger.WithComponent("reports"),
	}
}

// LogCaptureSent logs a report handed to the mail sink
func (el *EventLogger) LogCaptureSent(ctx context.Context, reportID, subject string, took time.Duration, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("report_id", reportID),
		slog.String("subject", subject),
		slog.Duration("duration", took),
	}
	el.logger.ReportEvent(ctx, slog.LevelInfo, string(CaptureSent), append(baseAttrs, attrs...)...)
}

// LogCaptureSuppressed logs a capture skipped by the ignore flag
func (el *EventLogger) LogCaptureSuppressed(ctx context.Context, name string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("name", name),
	}
	el.logger.ReportEvent(ctx, slog.LevelDebug, string(CaptureSuppressed), append(baseAttrs, attrs...)...)
}

// LogCaptureQueued logs a report handed to the async pool
func (el *EventLogger) LogCaptureQueued(ctx context.Context, reportID, subject string, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("report_id", reportID),
		slog.String("subject", subject),
	}
	el.logger.ReportEvent(ctx, slog.LevelInfo, string(CaptureQueued), append(baseAttrs, attrs...)...)
}

// LogCaptureFailed logs a capture that produced no mail
func (el *EventLogger) LogCaptureFailed(ctx context.Context, reportID string, err error, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("report_id", reportID),
		slog.String("error", errString(err)),
	}
	el.logger.ReportEvent(ctx, slog.LevelError, string(CaptureFailed), append(baseAttrs, attrs...)...)
}

// LogDispatchFailed logs a sink failure
func (el *EventLogger) LogDispatchFailed(ctx context.Context, reportID string, err error, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("report_id", reportID),
		slog.String("error", errString(err)),
	}
	el.logger.ReportEvent(ctx, slog.LevelWarn, string(DispatchFailed), append(baseAttrs, attrs...)...)
}

// LogHighlightFallback logs source blocks that were rendered as plain text
func (el *EventLogger) LogHighlightFallback(ctx context.Context, reportID string, blocks int) {
	el.logger.ReportEvent(ctx, slog.LevelDebug, string(HighlightFallback),
		slog.String("report_id", reportID),
		slog.Int("blocks", blocks),
	)
}

// LogBindingUnrenderable logs a variable whose value could not be shown.
// Only the name and failure type are recorded.
func (el *EventLogger) LogBindingUnrenderable(ctx context.Context, reportID, name, failure string) {
	el.logger.ReportEvent(ctx, slog.LevelDebug, string(BindingUnrenderable),
		slog.String("report_id", reportID),
		slog.String("binding", name),
		slog.String("failure", failure),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
