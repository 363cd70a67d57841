// Package highlight turns source text into HTML markup for report bodies.
package highlight

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// DefaultStyle is the chroma style used when none is configured
const DefaultStyle = "github"

// ErrUnknownLanguage is returned when no lexer matches the language hint
var ErrUnknownLanguage = errors.New("unknown language")

// Highlighter converts source text to markup. Implementations must be pure.
type Highlighter interface {
	Highlight(src, lang string) (string, error)
	Stylesheet() string
}

// LineHighlighter can number lines starting at first and mark the focus line
type LineHighlighter interface {
	HighlightLines(src, lang string, first, focus int) (string, error)
}

// Options configures the chroma highlighter
type Options struct {
	Style string
}

// Chroma highlights with github.com/alecthomas/chroma
type Chroma struct {
	style *chroma.Style
}

// NewChroma creates a chroma-backed highlighter
func NewChroma(opts Options) *Chroma {
	name := opts.Style
	if name == "" {
		name = DefaultStyle
	}
	return &Chroma{style: styles.Get(name)}
}

// Highlight implements Highlighter
func (c *Chroma) Highlight(src, lang string) (string, error) {
	return c.format(src, lang, chromahtml.WithClasses(true))
}

// HighlightLines implements LineHighlighter
func (c *Chroma) HighlightLines(src, lang string, first, focus int) (string, error) {
	if first < 1 {
		first = 1
	}
	opts := []chromahtml.Option{
		chromahtml.WithClasses(true),
		chromahtml.WithLineNumbers(true),
		chromahtml.BaseLineNumber(first),
	}
	if focus >= first {
		opts = append(opts, chromahtml.HighlightLines([][2]int{{focus, focus}}))
	}
	return c.format(src, lang, opts...)
}

func (c *Chroma) format(src, lang string, opts ...chromahtml.Option) (string, error) {
	lexer := lookup(lang)
	if lexer == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, src)
	if err != nil {
		return "", fmt.Errorf("failed to tokenise source: %w", err)
	}

	var buf bytes.Buffer
	if err := chromahtml.New(opts...).Format(&buf, c.style, iterator); err != nil {
		return "", fmt.Errorf("failed to format source: %w", err)
	}
	return buf.String(), nil
}

// Stylesheet returns the CSS rules for the configured style
func (c *Chroma) Stylesheet() string {
	var buf bytes.Buffer
	if err := chromahtml.New(chromahtml.WithClasses(true)).WriteCSS(&buf, c.style); err != nil {
		return ""
	}
	return buf.String()
}

func lookup(lang string) chroma.Lexer {
	if lang == "" {
		return nil
	}
	if l := lexers.Get(lang); l != nil {
		return l
	}
	return lexers.Match(lang)
}

// Plain escapes source without colouring it
type Plain struct{}

// Highlight implements Highlighter
func (Plain) Highlight(src, _ string) (string, error) {
	return Escape(src), nil
}

// Stylesheet implements Highlighter
func (Plain) Stylesheet() string {
	return ""
}

// Escape wraps HTML-escaped text in a pre block
func Escape(src string) string {
	var sb strings.Builder
	sb.WriteString(`<pre class="source">`)
	sb.WriteString(html.EscapeString(src))
	sb.WriteString("</pre>")
	return sb.String()
}
