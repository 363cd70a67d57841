// Package mailer is the single entry point for exception reports: capture
// an error with its request and scopes, compose the report and mail it.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/armorclaw/exceptionmailer/pkg/dispatch"
	"github.com/armorclaw/exceptionmailer/pkg/highlight"
	"github.com/armorclaw/exceptionmailer/pkg/logger"
	"github.com/armorclaw/exceptionmailer/pkg/mail"
	"github.com/armorclaw/exceptionmailer/pkg/metrics"
	"github.com/armorclaw/exceptionmailer/pkg/report"
	"github.com/armorclaw/exceptionmailer/pkg/request"
	"github.com/armorclaw/exceptionmailer/pkg/snapshot"
	"github.com/armorclaw/exceptionmailer/pkg/source"
	"github.com/armorclaw/exceptionmailer/pkg/trace"
)

// ErrCaptureFailed wraps internal faults turned into a Failed result
var ErrCaptureFailed = errors.New("exception capture failed")

// Config configures a Mailer
type Config struct {
	Dispatch dispatch.Config

	// Disabled makes every capture a suppressed no-op
	Disabled bool

	ContextLines  int
	MaxFileBytes  int64
	MaxValueBytes int
	MaxDepth      int
	MaxFrames     int

	// Highlighter is used for HTML source blocks; nil renders plain text
	Highlighter highlight.Highlighter

	Async        bool
	AsyncOptions dispatch.AsyncOptions
}

// CaptureRequest is one call to Capture
type CaptureRequest struct {
	Request *http.Request
	Name    string
	Err     error
	Ignore  bool
	Globals snapshot.Vars
	Locals  snapshot.Vars

	// Skip drops additional frames above the caller of Capture when
	// recording the capture site
	Skip int
}

// Result is the dispatch outcome plus what was sent
type Result struct {
	dispatch.Result
	Subject  string
	Artifact report.Artifact
}

// Option configures a Mailer
type Option func(*Mailer)

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(m *Mailer) { m.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mailer) { m.metrics = mt }
}

// WithClock overrides the report clock
func WithClock(now func() time.Time) Option {
	return func(m *Mailer) { m.now = now }
}

// WithReportIDs overrides report ID generation
func WithReportIDs(newID func() string) Option {
	return func(m *Mailer) { m.newID = newID }
}

// Mailer coordinates composition and dispatch
type Mailer struct {
	config     Config
	composer   *report.Composer
	dispatcher *dispatch.Dispatcher
	pool       *dispatch.Async

	logger  *logger.Logger
	events  *logger.EventLogger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	mu      sync.RWMutex
	started bool
}

// New creates a mailer that sends through sink
func New(cfg Config, sink mail.Sink, opts ...Option) (*Mailer, error) {
	m := &Mailer{config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logger.Global()
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	m.logger = m.logger.WithComponent("mailer")
	m.events = logger.NewEventLogger(m.logger)

	dispatcher, err := dispatch.New(cfg.Dispatch, sink,
		dispatch.WithLogger(m.logger),
		dispatch.WithMetrics(m.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	m.dispatcher = dispatcher

	m.composer = report.NewComposer(report.Options{
		Extractor: source.NewExtractor(source.Options{
			ContextLines: cfg.ContextLines,
			MaxFileBytes: cfg.MaxFileBytes,
		}),
		Collector: snapshot.NewCollector(snapshot.Options{
			MaxValueBytes: cfg.MaxValueBytes,
			MaxDepth:      cfg.MaxDepth,
		}),
		Highlighter: cfg.Highlighter,
		MaxFrames:   cfg.MaxFrames,
		Now:         m.now,
		NewID:       m.newID,
	})

	if cfg.Async {
		opts := cfg.AsyncOptions
		userHook := opts.OnResult
		opts.OnResult = func(r dispatch.Result) {
			m.recordAsync(r)
			if userHook != nil {
				userHook(r)
			}
		}
		m.pool = dispatch.NewAsync(dispatcher, opts)
	}

	return m, nil
}

// Start launches the async pool when configured
func (m *Mailer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	if m.pool != nil {
		if err := m.pool.Start(ctx); err != nil {
			return fmt.Errorf("failed to start dispatch pool: %w", err)
		}
	}
	m.started = true
	return nil
}

// Stop drains the async pool
func (m *Mailer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	m.started = false
	if m.pool != nil {
		return m.pool.Stop()
	}
	return nil
}

// Metrics returns the collector the mailer records into
func (m *Mailer) Metrics() *metrics.Metrics {
	return m.metrics
}

// Composer returns the report composer
func (m *Mailer) Composer() *report.Composer {
	return m.composer
}

// Message returns the mail that dispatching a would send
func (m *Mailer) Message(a report.Artifact) mail.Message {
	return m.dispatcher.Message(a)
}

// Capture composes and dispatches one report. Ignore returns Suppressed
// before any work is done. Capture never panics.
func (m *Mailer) Capture(ctx context.Context, req CaptureRequest) (res Result) {
	if req.Ignore || m.config.Disabled {
		m.metrics.RecordCapture(string(dispatch.Suppressed))
		m.events.LogCaptureSuppressed(ctx, req.Name)
		return Result{Result: dispatch.Result{Status: dispatch.Suppressed}}
	}

	site := trace.CaptureSite(1 + req.Skip)
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			res = Result{Result: dispatch.Result{
				Status:   dispatch.Failed,
				ReportID: res.Artifact.ID,
				Err:      fmt.Errorf("%w: %v", ErrCaptureFailed, p),
			}}
			m.metrics.RecordCapture(string(dispatch.Failed))
			m.logger.WithReportID(res.ReportID).ErrorEvent(ctx, "capture panicked", res.Err,
				slog.String("name", req.Name),
			)
		}
	}()

	rep, art := m.composer.ComposeAndRender(report.Input{
		Name:    req.Name,
		Err:     req.Err,
		Request: request.FromHTTP(req.Request, m.now()),
		Globals: req.Globals,
		Locals:  req.Locals,
		Site:    site,
	})
	res.Artifact = art
	res.Subject = art.Subject
	m.recordReport(ctx, rep, art)

	if m.pool != nil && m.pool.Running() {
		res.Result = m.pool.Submit(art)
	} else {
		res.Result = m.dispatcher.Dispatch(ctx, art, false)
	}

	m.metrics.RecordCapture(string(res.Status))
	switch res.Status {
	case dispatch.Sent:
		m.events.LogCaptureSent(ctx, art.ID, art.Subject, time.Since(start))
	case dispatch.Queued:
		m.events.LogCaptureQueued(ctx, art.ID, art.Subject)
	default:
		m.events.LogCaptureFailed(ctx, art.ID, res.Err)
	}
	return res
}

func (m *Mailer) recordReport(ctx context.Context, rep report.Report, art report.Artifact) {
	for _, b := range rep.Bindings() {
		m.metrics.RecordBinding(string(b.Outcome))
		if b.Outcome == snapshot.Unrenderable {
			m.events.LogBindingUnrenderable(ctx, art.ID, b.Name, b.Failure)
		}
	}
	if art.Fallbacks > 0 {
		m.metrics.RecordHighlightFallbacks(art.Fallbacks)
		m.events.LogHighlightFallback(ctx, art.ID, art.Fallbacks)
	}
}

func (m *Mailer) recordAsync(r dispatch.Result) {
	if r.Status == dispatch.Failed {
		m.events.LogCaptureFailed(context.Background(), r.ReportID, r.Err)
	}
}

// Mail captures err for the request r. It is Capture with options.
func (m *Mailer) Mail(ctx context.Context, r *http.Request, name string, err error, opts ...CaptureOption) Result {
	req := CaptureRequest{Request: r, Name: name, Err: err}
	for _, opt := range opts {
		opt(&req)
	}
	req.Skip++
	return m.Capture(ctx, req)
}

// CaptureOption adjusts a CaptureRequest built by Mail
type CaptureOption func(*CaptureRequest)

// WithIgnore suppresses the report when ignore is true
func WithIgnore(ignore bool) CaptureOption {
	return func(r *CaptureRequest) { r.Ignore = ignore }
}

// WithGlobals attaches process-level bindings
func WithGlobals(vars snapshot.Vars) CaptureOption {
	return func(r *CaptureRequest) { r.Globals = vars }
}

// WithLocals attaches the caller's local bindings
func WithLocals(vars snapshot.Vars) CaptureOption {
	return func(r *CaptureRequest) { r.Locals = vars }
}
