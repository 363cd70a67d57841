package report

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"
	"time"

	"github.com/armorclaw/exceptionmailer/pkg/highlight"
	"github.com/armorclaw/exceptionmailer/pkg/request"
	"github.com/armorclaw/exceptionmailer/pkg/snapshot"
	"github.com/armorclaw/exceptionmailer/pkg/source"
)

// Body text used when a section has nothing to show
const (
	NoExceptionText = "No exception occurred."
	NoContextText   = "No additional context available."
)

// Render produces the text and HTML bodies for r
func (c *Composer) Render(r Report) Artifact {
	a := Artifact{
		ID:      r.ID,
		Subject: r.Subject,
		Text:    FormatText(r),
	}
	a.HTML, a.Fallbacks = c.formatHTML(r)
	return a
}

// FormatText renders the plain-text body. Sections always appear in the
// same order: header, request, exception, frames, capture site, locals,
// globals.
func FormatText(r Report) string {
	var sb strings.Builder

	formatTextHeader(&sb, r)
	formatTextRequest(&sb, r.Request)
	formatTextException(&sb, r)
	formatTextFrames(&sb, r)
	if r.CapturedAt != nil {
		sb.WriteString(fmt.Sprintf("# == Captured At ==\n%s\n\n", r.CapturedAt.Location()))
	}
	formatTextScope(&sb, "Locals", r.Locals)
	formatTextScope(&sb, "Globals", r.Globals)

	return sb.String()
}

func formatTextHeader(sb *strings.Builder, r Report) {
	sb.WriteString(fmt.Sprintf("# == %s ==\n", r.Subject))
	sb.WriteString(fmt.Sprintf("Report ID: %s\n", r.ID))
	sb.WriteString(fmt.Sprintf("Timestamp: %s\n", r.Timestamp.UTC().Format(time.RFC3339)))
	for _, p := range r.Problems {
		sb.WriteString(fmt.Sprintf("Problem: %s\n", p))
	}
	sb.WriteString("\n")
}

func formatTextRequest(sb *strings.Builder, md request.Metadata) {
	sb.WriteString("# == Request ==\n")
	if md.Empty() && len(md.Problems) == 0 {
		sb.WriteString("No request available.\n\n")
		return
	}

	kv := func(k, v string) {
		if v != "" {
			sb.WriteString(fmt.Sprintf("%-13s %s\n", k+":", v))
		}
	}
	kv("Method", md.Method)
	kv("URL", md.URL)
	kv("Base Path", md.Path)
	kv("Query String", md.Query)
	kv("Route", md.Route)
	kv("Remote IP", md.RemoteAddr)
	kv("User", md.User)
	kv("User Agent", md.UserAgent)
	kv("Referer", md.Referer)
	kv("Request ID", md.RequestID)
	for _, p := range md.Problems {
		sb.WriteString(p + "\n")
	}

	formatTextFields(sb, "GET", md.Get)
	formatTextFields(sb, "POST", md.Post)
	formatTextFields(sb, "Headers", md.Headers)
	sb.WriteString("\n")
}

func formatTextFields(sb *strings.Builder, title string, fields []request.Field) {
	if len(fields) == 0 {
		return
	}
	sb.WriteString(title + ": {\n")
	for _, f := range fields {
		sb.WriteString(fmt.Sprintf("  %s: %s\n", f.Name, f.Value))
	}
	sb.WriteString("}\n")
}

func formatTextException(sb *strings.Builder, r Report) {
	sb.WriteString("# == Exception ==\n")
	if !r.HasException {
		sb.WriteString(NoExceptionText + "\n")
	} else {
		sb.WriteString(fmt.Sprintf("Type:    %s\n", r.ExceptionType))
		sb.WriteString(fmt.Sprintf("Message: %s\n", r.ExceptionMessage))
	}
	if r.Minimal() {
		sb.WriteString(NoContextText + "\n")
	}
	sb.WriteString("\n")
}

func formatTextFrames(sb *strings.Builder, r Report) {
	if len(r.Frames) == 0 {
		return
	}
	sb.WriteString("# == Traceback (innermost first) ==\n")
	for i, f := range r.Frames {
		sb.WriteString(fmt.Sprintf("## Frame %d: %s\n", i, f.Frame.Location()))
		formatTextSource(sb, f.Context)
		if !f.Snapshot.Empty() {
			sb.WriteString("Variables:\n")
			formatTextBindings(sb, f.Snapshot.Bindings)
		}
		sb.WriteString("\n")
	}
}

func formatTextSource(sb *strings.Builder, ctx source.Context) {
	if ctx.Empty() {
		sb.WriteString(fmt.Sprintf("  [source unavailable: %s]\n", ctx.Reason))
		return
	}
	width := len(fmt.Sprint(ctx.Lines[len(ctx.Lines)-1].Number))
	for i, l := range ctx.Lines {
		marker := " "
		if i == ctx.Focus {
			marker = ">"
		}
		sb.WriteString(fmt.Sprintf("%s %*d | %s\n", marker, width, l.Number, l.Text))
	}
}

func formatTextBindings(sb *strings.Builder, bindings []snapshot.Binding) {
	for _, b := range bindings {
		value := strings.ReplaceAll(b.Value, "\n", "\n    ")
		sb.WriteString(fmt.Sprintf("  %s = %s\n", b.Name, value))
	}
}

func formatTextScope(sb *strings.Builder, title string, s snapshot.Snapshot) {
	if s.Empty() {
		return
	}
	sb.WriteString(fmt.Sprintf("# == %s ==\n", title))
	formatTextBindings(sb, s.Bindings)
	sb.WriteString("\n")
}

type htmlFrame struct {
	Index    int
	Location string
	Reason   string
	Code     template.HTML
	Bindings []snapshot.Binding
}

type htmlView struct {
	Report
	Stylesheet  template.CSS
	Frames      []htmlFrame
	NoException string
	NoContext   string
}

var htmlBody = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Subject}}</title>
<style>
body { font-family: sans-serif; font-size: 13px; }
table.kv th { text-align: left; padding-right: 1em; vertical-align: top; }
pre { background: #f6f8fa; padding: 4px; overflow-x: auto; }
.hl, .marked { background: #fff5b1; }
{{.Stylesheet}}
</style>
</head>
<body>
<h1>{{.Subject}}</h1>
<p>Report ID: {{.ID}}<br>Timestamp: {{.Timestamp.UTC.Format "2006-01-02T15:04:05Z07:00"}}</p>
{{range .Problems}}<p class="problem">{{.}}</p>
{{end}}
<h2>Request</h2>
{{with .Request}}{{if or (not .Empty) .Problems}}<table class="kv">
{{if .Method}}<tr><th>Method</th><td>{{.Method}}</td></tr>{{end}}
{{if .URL}}<tr><th>URL</th><td>{{.URL}}</td></tr>{{end}}
{{if .Route}}<tr><th>Route</th><td>{{.Route}}</td></tr>{{end}}
{{if .RemoteAddr}}<tr><th>Remote IP</th><td>{{.RemoteAddr}}</td></tr>{{end}}
{{if .User}}<tr><th>User</th><td>{{.User}}</td></tr>{{end}}
{{if .UserAgent}}<tr><th>User Agent</th><td>{{.UserAgent}}</td></tr>{{end}}
{{if .RequestID}}<tr><th>Request ID</th><td>{{.RequestID}}</td></tr>{{end}}
</table>
{{range .Problems}}<p class="problem">{{.}}</p>
{{end}}{{if .Get}}<h3>GET</h3><table class="kv">{{range .Get}}<tr><th>{{.Name}}</th><td>{{.Value}}</td></tr>{{end}}</table>{{end}}
{{if .Post}}<h3>POST</h3><table class="kv">{{range .Post}}<tr><th>{{.Name}}</th><td>{{.Value}}</td></tr>{{end}}</table>{{end}}
{{if .Headers}}<h3>Headers</h3><table class="kv">{{range .Headers}}<tr><th>{{.Name}}</th><td>{{.Value}}</td></tr>{{end}}</table>{{end}}
{{else}}<p>No request available.</p>{{end}}{{end}}
<h2>Exception</h2>
{{if .HasException}}<p><strong>{{.ExceptionType}}</strong>: {{.ExceptionMessage}}</p>
{{else}}<p>{{.NoException}}</p>
{{end}}{{if .Minimal}}<p>{{.NoContext}}</p>
{{end}}{{if .Frames}}<h2>Traceback (innermost first)</h2>
{{range .Frames}}<h3>Frame {{.Index}}: {{.Location}}</h3>
{{if .Reason}}<p class="reason">source unavailable: {{.Reason}}</p>
{{else}}{{.Code}}
{{end}}{{if .Bindings}}<table class="kv">{{range .Bindings}}<tr><th>{{.Name}}</th><td><pre>{{.Value}}</pre></td></tr>{{end}}</table>
{{end}}{{end}}{{end}}
{{with .CapturedAt}}<h2>Captured At</h2>
<p>{{.Location}}</p>
{{end}}{{if .Locals.Bindings}}<h2>Locals</h2>
<table class="kv">{{range .Locals.Bindings}}<tr><th>{{.Name}}</th><td><pre>{{.Value}}</pre></td></tr>{{end}}</table>
{{end}}{{if .Globals.Bindings}}<h2>Globals</h2>
<table class="kv">{{range .Globals.Bindings}}<tr><th>{{.Name}}</th><td><pre>{{.Value}}</pre></td></tr>{{end}}</table>
{{end}}</body>
</html>
`))

// formatHTML renders the HTML body. A failing highlighter degrades each
// block to escaped plain text; a failing template degrades the whole body
// to the escaped text rendering.
func (c *Composer) formatHTML(r Report) (body string, fallbacks int) {
	view := htmlView{
		Report:      r,
		Stylesheet:  template.CSS(c.stylesheet()),
		NoException: NoExceptionText,
		NoContext:   NoContextText,
	}
	for i, f := range r.Frames {
		hf := htmlFrame{
			Index:    i,
			Location: f.Frame.Location(),
			Bindings: f.Snapshot.Bindings,
		}
		if f.Context.Empty() {
			hf.Reason = f.Context.Reason
		} else {
			code, fellBack := c.highlightBlock(f.Context)
			hf.Code = code
			if fellBack {
				fallbacks++
			}
		}
		view.Frames = append(view.Frames, hf)
	}

	var buf bytes.Buffer
	if err := htmlBody.Execute(&buf, view); err != nil {
		return "<pre>" + html.EscapeString(FormatText(r)) + "</pre>", fallbacks
	}
	return buf.String(), fallbacks
}

func (c *Composer) stylesheet() (css string) {
	if c.highlighter == nil {
		return ""
	}
	defer func() {
		if recover() != nil {
			css = ""
		}
	}()
	return c.highlighter.Stylesheet()
}

// highlightBlock highlights one source window, falling back to PlainBlock
// when the highlighter errors or panics.
func (c *Composer) highlightBlock(ctx source.Context) (code template.HTML, fellBack bool) {
	if c.highlighter == nil {
		return PlainBlock(ctx), false
	}
	defer func() {
		if recover() != nil {
			code, fellBack = PlainBlock(ctx), true
		}
	}()

	var (
		out string
		err error
	)
	if lh, ok := c.highlighter.(highlight.LineHighlighter); ok {
		focus := 0
		if ctx.Focus >= 0 {
			focus = ctx.Lines[ctx.Focus].Number
		}
		out, err = lh.HighlightLines(ctx.Text(), ctx.Language, ctx.Lines[0].Number, focus)
	} else {
		out, err = c.highlighter.Highlight(ctx.Text(), ctx.Language)
	}
	if err != nil {
		return PlainBlock(ctx), true
	}
	return template.HTML(out), false
}

// PlainBlock renders a numbered, escaped source window with the focus
// line marked.
func PlainBlock(ctx source.Context) template.HTML {
	var sb strings.Builder
	sb.WriteString(`<pre class="source">`)
	for i, l := range ctx.Lines {
		line := fmt.Sprintf("%5d  %s", l.Number, html.EscapeString(l.Text))
		if i == ctx.Focus {
			line = `<span class="marked">` + line + `</span>`
		}
		sb.WriteString(line + "\n")
	}
	sb.WriteString("</pre>")
	return template.HTML(sb.String())
}
