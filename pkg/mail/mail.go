// Package mail delivers rendered reports.
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	gomail "github.com/wneessen/go-mail"
)

// Auth mechanisms
const (
	AuthNone  = "none"
	AuthPlain = "plain"
	AuthLogin = "login"
)

// TLS policies
const (
	TLSMandatory     = "mandatory"
	TLSOpportunistic = "opportunistic"
	TLSNone          = "none"
)

// DefaultTimeout bounds a single SMTP session
const DefaultTimeout = 15 * time.Second

var (
	// ErrNoHost is returned when the SMTP host is not configured
	ErrNoHost = errors.New("smtp host not configured")

	// ErrUnknownAuth is returned for an unsupported auth mechanism
	ErrUnknownAuth = errors.New("unknown smtp auth mechanism")

	// ErrUnknownTLS is returned for an unsupported TLS policy
	ErrUnknownTLS = errors.New("unknown smtp tls policy")
)

// Message is a single outgoing email
type Message struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
	Headers map[string]string
}

// Sink delivers messages
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures the SMTP sink
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Auth     string
	TLS      string
	Timeout  time.Duration
}

// SMTPSink sends messages over SMTP
type SMTPSink struct {
	config  SMTPConfig
	options []gomail.Option
	logger  *slog.Logger
}

// NewSMTPSink validates config and creates the sink. No connection is made
// until the first Send.
func NewSMTPSink(config SMTPConfig, logger *slog.Logger) (*SMTPSink, error) {
	if config.Host == "" {
		return nil, ErrNoHost
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []gomail.Option{gomail.WithTimeout(config.Timeout)}
	if config.Port > 0 {
		opts = append(opts, gomail.WithPort(config.Port))
	}

	switch strings.ToLower(config.Auth) {
	case "", AuthNone:
	case AuthPlain:
		opts = append(opts, gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(config.Username), gomail.WithPassword(config.Password))
	case AuthLogin:
		opts = append(opts, gomail.WithSMTPAuth(gomail.SMTPAuthLogin),
			gomail.WithUsername(config.Username), gomail.WithPassword(config.Password))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAuth, config.Auth)
	}

	switch strings.ToLower(config.TLS) {
	case "", TLSMandatory:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	case TLSOpportunistic:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	case TLSNone:
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTLS, config.TLS)
	}

	return &SMTPSink{
		config:  config,
		options: opts,
		logger:  logger.With("component", "smtp"),
	}, nil
}

// Send implements Sink. Each call opens its own session.
func (s *SMTPSink) Send(ctx context.Context, msg Message) error {
	m, err := Build(msg)
	if err != nil {
		return err
	}

	client, err := gomail.NewClient(s.config.Host, s.options...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	start := time.Now()
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		s.logger.Warn("smtp send failed",
			"host", s.config.Host,
			"recipients", len(msg.To),
			"error", err,
		)
		return fmt.Errorf("failed to send mail via %s: %w", s.config.Host, err)
	}

	s.logger.Debug("smtp send complete",
		"host", s.config.Host,
		"recipients", len(msg.To),
		"duration", time.Since(start),
	)
	return nil
}

// Build converts msg into a multipart/alternative MIME message
func Build(msg Message) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()

	for _, name := range headerNames(msg.Headers) {
		m.SetGenHeader(gomail.Header(name), msg.Headers[name])
	}

	m.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}
	return m, nil
}

// Encode renders msg as an RFC 5322 message, as it would go on the wire
func Encode(msg Message) ([]byte, error) {
	m, err := Build(msg)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}

func headerNames(h map[string]string) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogSink writes a message summary to a structured log instead of sending.
// It is the dry-run sink.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "mail")}
}

// Send implements Sink
func (s *LogSink) Send(ctx context.Context, msg Message) error {
	s.logger.InfoContext(ctx, "report mail (dry run)",
		"from", msg.From,
		"to", strings.Join(msg.To, ","),
		"subject", msg.Subject,
		"report_id", msg.Headers[HeaderReportID],
		"text_bytes", len(msg.Text),
		"html_bytes", len(msg.HTML),
	)
	return nil
}

// HeaderReportID carries the report ID on every dispatched message
const HeaderReportID = "X-Report-ID"

// Recorder keeps sent messages in memory
type Recorder struct {
	mu       sync.Mutex
	messages []Message

	// Err, when set, is returned from Send instead of recording
	Err error
}

// Send implements Sink
func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns a copy of everything recorded
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of recorded messages
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}
