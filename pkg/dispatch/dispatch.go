// Package dispatch hands rendered reports to a mail sink
package dispatch

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/armorclaw/exceptionmailer/pkg/logger"
	"github.com/armorclaw/exceptionmailer/pkg/mail"
	"github.com/armorclaw/exceptionmailer/pkg/metrics"
	"github.com/armorclaw/exceptionmailer/pkg/report"
)

// DefaultSender is used when no sender is configured
const DefaultSender = "exceptionmailer@localhost"

var (
	// ErrNoRecipients is returned when the recipient list is empty
	ErrNoRecipients = errors.New("no report recipients configured")

	// ErrInvalidAddress is returned for a malformed sender or recipient
	ErrInvalidAddress = errors.New("invalid email address")

	// ErrNoSink is returned when the dispatcher has nowhere to send
	ErrNoSink = errors.New("no mail sink configured")

	// ErrDispatchFailed wraps every sink failure
	ErrDispatchFailed = errors.New("report dispatch failed")
)

// Status is the outcome of a dispatch
type Status string

const (
	Sent       Status = "sent"
	Suppressed Status = "suppressed"
	Queued     Status = "queued"
	Failed     Status = "failed"
)

// Result describes what happened to one report
type Result struct {
	Status   Status
	ReportID string
	Err      error
}

// Config holds the fixed recipients and envelope settings
type Config struct {
	Recipients    []string
	Sender        string
	SubjectPrefix string
}

// Validate checks every address
func (c Config) Validate() error {
	if len(c.Recipients) == 0 {
		return ErrNoRecipients
	}
	for _, r := range c.Recipients {
		if _, err := netmail.ParseAddress(r); err != nil {
			return fmt.Errorf("%w: recipient %q: %v", ErrInvalidAddress, r, err)
		}
	}
	if c.Sender != "" {
		if _, err := netmail.ParseAddress(c.Sender); err != nil {
			return fmt.Errorf("%w: sender %q: %v", ErrInvalidAddress, c.Sender, err)
		}
	}
	return nil
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher sends one message per non-suppressed report. It never retries.
type Dispatcher struct {
	config  Config
	sink    mail.Sink
	logger  *logger.Logger
	events  *logger.EventLogger
	metrics *metrics.Metrics
}

// New validates cfg and creates a dispatcher
func New(cfg Config, sink mail.Sink, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, ErrNoSink
	}
	if cfg.Sender == "" {
		cfg.Sender = DefaultSender
	}

	d := &Dispatcher{config: cfg, sink: sink}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Global()
	}
	if d.metrics == nil {
		d.metrics = metrics.New()
	}
	d.logger = d.logger.WithComponent("dispatch")
	d.events = logger.NewEventLogger(d.logger)

	return d, nil
}

// Config returns the validated configuration
func (d *Dispatcher) Config() Config {
	return d.config
}

// Message builds the outgoing message for an artifact
func (d *Dispatcher) Message(a report.Artifact) mail.Message {
	return mail.Message{
		From:    d.config.Sender,
		To:      append([]string(nil), d.config.Recipients...),
		Subject: d.config.SubjectPrefix + a.Subject,
		Text:    a.Text,
		HTML:    a.HTML,
		Headers: map[string]string{mail.HeaderReportID: a.ID},
	}
}

// Dispatch sends a unless ignore is set. Sink errors and panics come back
// as a Failed result wrapping ErrDispatchFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, a report.Artifact, ignore bool) Result {
	if ignore {
		d.metrics.RecordDispatch(string(Suppressed), 0)
		return Result{Status: Suppressed, ReportID: a.ID}
	}

	start := time.Now()
	err := d.send(ctx, d.Message(a))
	took := time.Since(start)

	if err != nil {
		d.metrics.RecordDispatch(string(Failed), took)
		d.events.LogDispatchFailed(ctx, a.ID, err)
		return Result{
			Status:   Failed,
			ReportID: a.ID,
			Err:      fmt.Errorf("%w: %v", ErrDispatchFailed, err),
		}
	}

	d.metrics.RecordDispatch(string(Sent), took)
	d.logger.WithReportID(a.ID).Debug("report sent",
		"recipients", strings.Join(d.config.Recipients, ","),
		"duration", took,
	)
	return Result{Status: Sent, ReportID: a.ID}
}

func (d *Dispatcher) send(ctx context.Context, msg mail.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mail sink panicked: %v", r)
		}
	}()
	return d.sink.Send(ctx, msg)
}
