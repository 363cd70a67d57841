// Package report composes exception reports and renders them for mailing.
//
// Composition is total: every input, including a missing error, unreadable
// sources and unrenderable variables, produces a complete Report. Failures
// along the way are kept as data on the report.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/armorclaw/exceptionmailer/pkg/highlight"
	"github.com/armorclaw/exceptionmailer/pkg/request"
	"github.com/armorclaw/exceptionmailer/pkg/snapshot"
	"github.com/armorclaw/exceptionmailer/pkg/source"
	"github.com/armorclaw/exceptionmailer/pkg/trace"
)

// Subject parts
const (
	Placeholder = "Exception!"
	Separator   = " :: "
	NoException = "none"
)

// Input is everything the caller hands to a single composition
type Input struct {
	Name    string
	Err     error
	Request request.Metadata
	Globals snapshot.Vars
	Locals  snapshot.Vars
	Site    trace.Site
}

// FrameBlock pairs a frame with its source window and variables
type FrameBlock struct {
	Frame    trace.Frame       `json:"frame"`
	Context  source.Context    `json:"context"`
	Snapshot snapshot.Snapshot `json:"snapshot"`
}

// Report is the composed exception report
type Report struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Name      string           `json:"name,omitempty"`
	Subject   string           `json:"subject"`
	Request   request.Metadata `json:"request"`

	HasException     bool   `json:"has_exception"`
	ExceptionType    string `json:"exception_type"`
	ExceptionMessage string `json:"exception_message"`

	Frames []FrameBlock `json:"frames,omitempty"`

	// CapturedAt is where capture was requested; set only with an error
	CapturedAt *trace.Frame `json:"captured_at,omitempty"`

	Locals  snapshot.Snapshot `json:"locals"`
	Globals snapshot.Snapshot `json:"globals"`

	// Problems records composition steps that failed outright
	Problems []string `json:"problems,omitempty"`
}

// Bindings returns every variable binding in the report
func (r Report) Bindings() []snapshot.Binding {
	var out []snapshot.Binding
	for _, f := range r.Frames {
		out = append(out, f.Snapshot.Bindings...)
	}
	out = append(out, r.Locals.Bindings...)
	out = append(out, r.Globals.Bindings...)
	return out
}

// Minimal reports whether there is nothing beyond the subject to show
func (r Report) Minimal() bool {
	if r.HasException || len(r.Bindings()) > 0 {
		return false
	}
	for _, f := range r.Frames {
		if !f.Context.Empty() {
			return false
		}
	}
	return true
}

// Subject builds "name :: Type". The name is omitted when empty, the type
// when there was no error; with neither the placeholder is used.
func Subject(name, excType string) string {
	name = strings.TrimSpace(name)
	switch {
	case name != "" && excType != "":
		return name + Separator + excType
	case name != "":
		return name
	case excType != "":
		return excType
	default:
		return Placeholder
	}
}

// ParseSubject splits a subject built by Subject. A subject without the
// separator is read as a bare name.
func ParseSubject(subject string) (name, excType string) {
	if subject == Placeholder {
		return "", ""
	}
	if i := strings.LastIndex(subject, Separator); i >= 0 {
		return subject[:i], subject[i+len(Separator):]
	}
	return subject, ""
}

// Options configures a Composer
type Options struct {
	Extractor   *source.Extractor
	Collector   *snapshot.Collector
	Highlighter highlight.Highlighter
	MaxFrames   int

	Now   func() time.Time
	NewID func() string
}

// Composer builds and renders reports. It holds no per-report state.
type Composer struct {
	extractor   *source.Extractor
	collector   *snapshot.Collector
	highlighter highlight.Highlighter
	walk        trace.WalkOptions
	now         func() time.Time
	newID       func() string
}

// NewComposer creates a composer, filling unset options with defaults
func NewComposer(opts Options) *Composer {
	if opts.Extractor == nil {
		opts.Extractor = source.NewExtractor(source.Options{})
	}
	if opts.Collector == nil {
		opts.Collector = snapshot.NewCollector(snapshot.Options{})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return "rp_" + uuid.NewString() }
	}

	return &Composer{
		extractor:   opts.Extractor,
		collector:   opts.Collector,
		highlighter: opts.Highlighter,
		walk:        trace.WalkOptions{MaxFrames: opts.MaxFrames},
		now:         opts.Now,
		newID:       opts.NewID,
	}
}

// Compose builds the report for in. It never panics. Without a Site the
// caller of Compose is the capture site.
func (c *Composer) Compose(in Input) Report {
	if in.Site.Empty() {
		in.Site = trace.CaptureSite(1)
	}
	r := Report{
		ID:               c.safeID(),
		Timestamp:        c.now(),
		Name:             strings.TrimSpace(in.Name),
		Request:          in.Request,
		ExceptionType:    NoException,
		ExceptionMessage: NoException,
	}
	if r.Request.Timestamp.IsZero() {
		r.Request.Timestamp = r.Timestamp
	}

	if in.Err != nil {
		r.HasException = true
		r.ExceptionType = trace.TypeName(in.Err)
		r.ExceptionMessage = errorText(in.Err)
	}

	c.step(&r, "frames", func() { r.Frames = c.frames(in) })
	if in.Err != nil {
		c.step(&r, "capture site", func() { r.CapturedAt = capturedAt(in.Site) })
	}
	c.step(&r, "locals", func() { r.Locals = c.collector.Collect(snapshot.ScopeLocals, 0, in.Locals) })
	c.step(&r, "globals", func() { r.Globals = c.collector.Collect(snapshot.ScopeGlobals, 0, in.Globals) })

	if r.HasException {
		r.Subject = Subject(r.Name, r.ExceptionType)
	} else {
		r.Subject = Subject(r.Name, "")
	}
	return r
}

func (c *Composer) frames(in Input) []FrameBlock {
	frames := trace.Walk(in.Err, in.Site, c.walk)

	blocks := make([]FrameBlock, 0, len(frames))
	for i, f := range frames {
		ctx := c.extractor.Extract(f)
		f.Source = ctx.FocusLine()
		blocks = append(blocks, FrameBlock{
			Frame:    f,
			Context:  ctx,
			Snapshot: c.collector.Collect(snapshot.ScopeFrame, i, f.Vars),
		})
	}
	return blocks
}

func capturedAt(site trace.Site) *trace.Frame {
	frames := trace.Walk(nil, site, trace.WalkOptions{MaxFrames: 1})
	if len(frames) == 0 {
		return nil
	}
	f := frames[0]
	f.Synthetic = false
	return &f
}

// step runs fn, turning a panic into a recorded problem
func (c *Composer) step(r *Report, what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.Problems = append(r.Problems, fmt.Sprintf("%s unavailable: %v", what, p))
		}
	}()
	fn()
}

func (c *Composer) safeID() (id string) {
	defer func() {
		if recover() != nil {
			id = fmt.Sprintf("rp_%x", time.Now().UnixNano())
		}
	}()
	return c.newID()
}

func errorText(err error) (text string) {
	defer func() {
		if recover() != nil {
			text = fmt.Sprintf("<unprintable %T>", err)
		}
	}()
	return err.Error()
}

// Artifact is the rendered, self-contained report handed to a mail sink
type Artifact struct {
	ID      string
	Subject string
	Text    string
	HTML    string

	// Fallbacks counts source blocks rendered without highlighting
	Fallbacks int
}

// ComposeAndRender is Compose followed by Render
func (c *Composer) ComposeAndRender(in Input) (Report, Artifact) {
	if in.Site.Empty() {
		in.Site = trace.CaptureSite(1)
	}
	r := c.Compose(in)
	return r, c.Render(r)
}
