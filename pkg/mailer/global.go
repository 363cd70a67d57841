package mailer

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/armorclaw/exceptionmailer/pkg/config"
	"github.com/armorclaw/exceptionmailer/pkg/dispatch"
	"github.com/armorclaw/exceptionmailer/pkg/highlight"
	"github.com/armorclaw/exceptionmailer/pkg/logger"
	"github.com/armorclaw/exceptionmailer/pkg/mail"
)

// FromConfig maps file configuration onto a mailer Config
func FromConfig(cfg *config.Config) Config {
	mc := Config{
		Dispatch: dispatch.Config{
			Recipients:    cfg.Mailer.Recipients,
			Sender:        cfg.Mailer.Sender,
			SubjectPrefix: cfg.Mailer.SubjectPrefix,
		},
		Disabled:      !cfg.Mailer.Enabled,
		ContextLines:  cfg.Capture.ContextLines,
		MaxFileBytes:  cfg.Capture.MaxFileBytes,
		MaxValueBytes: cfg.Capture.MaxValueBytes,
		MaxDepth:      cfg.Capture.MaxDepth,
		MaxFrames:     cfg.Capture.MaxFrames,
		Async:         cfg.Async.Enabled,
		AsyncOptions: dispatch.AsyncOptions{
			Workers:   cfg.Async.Workers,
			QueueSize: cfg.Async.QueueSize,
		},
	}
	if cfg.Capture.Highlight {
		mc.Highlighter = highlight.NewChroma(highlight.Options{Style: cfg.Capture.Style})
	}
	return mc
}

// NewSink builds the sink the configuration asks for: a LogSink in dry-run
// mode, SMTP otherwise.
func NewSink(cfg *config.Config, log *logger.Logger) (mail.Sink, error) {
	if log == nil {
		log = logger.Global()
	}
	if cfg.Mailer.DryRun {
		return mail.NewLogSink(log.WithComponent("mail").Logger), nil
	}
	return mail.NewSMTPSink(mail.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		Auth:     cfg.SMTP.Auth,
		TLS:      cfg.SMTP.TLS,
		Timeout:  cfg.SMTPTimeout(),
	}, log.WithComponent("mail").Logger)
}

// NewFromConfig builds a mailer and its sink from file configuration
func NewFromConfig(cfg *config.Config, opts ...Option) (*Mailer, error) {
	m := &Mailer{}
	for _, opt := range opts {
		opt(m)
	}

	sink, err := NewSink(cfg, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail sink: %w", err)
	}
	return New(FromConfig(cfg), sink, opts...)
}

var (
	globalMailer   *Mailer
	globalMailerMu sync.RWMutex
)

// SetDefault sets the mailer used by the package-level helpers
func SetDefault(m *Mailer) {
	globalMailerMu.Lock()
	defer globalMailerMu.Unlock()
	globalMailer = m
}

// Default returns the package-level mailer, nil if none is set
func Default() *Mailer {
	globalMailerMu.RLock()
	defer globalMailerMu.RUnlock()
	return globalMailer
}

// Mail reports err through the default mailer. Without a default mailer
// the capture is suppressed.
func Mail(ctx context.Context, r *http.Request, name string, err error, opts ...CaptureOption) Result {
	m := Default()
	if m == nil {
		return Result{Result: dispatch.Result{Status: dispatch.Suppressed}}
	}
	opts = append(opts, func(req *CaptureRequest) { req.Skip++ })
	return m.Mail(ctx, r, name, err, opts...)
}
