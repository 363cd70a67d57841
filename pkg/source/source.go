// Package source slices a window of lines around a frame's failing line.
package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/armorclaw/exceptionmailer/pkg/trace"
)

// Default limits
const (
	DefaultContextLines = 5
	DefaultMaxFileBytes = 4 << 20
)

// Reasons recorded on an empty context
const (
	ReasonNoFile      = "no source file recorded"
	ReasonMissing     = "source file not found"
	ReasonPermission  = "source file not readable: permission denied"
	ReasonTooLarge    = "source file too large"
	ReasonEncoding    = "source file is not valid UTF-8"
	ReasonLineMissing = "line is beyond end of file"
)

// Line is a numbered line of source
type Line struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Context is the window of source around a failing line
type Context struct {
	File     string `json:"file"`
	Language string `json:"language,omitempty"`
	Lines    []Line `json:"lines,omitempty"`

	// Focus is the index of the failing line in Lines, -1 when empty
	Focus int `json:"focus"`

	// Reason explains an empty context
	Reason string `json:"reason,omitempty"`
}

// Empty reports whether no lines were extracted
func (c Context) Empty() bool {
	return len(c.Lines) == 0
}

// FocusLine returns the failing line text
func (c Context) FocusLine() string {
	if c.Focus < 0 || c.Focus >= len(c.Lines) {
		return ""
	}
	return c.Lines[c.Focus].Text
}

// Text joins the window into plain source text
func (c Context) Text() string {
	var sb strings.Builder
	for i, l := range c.Lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(l.Text)
	}
	return sb.String()
}

// Options configures an Extractor
type Options struct {
	ContextLines int
	MaxFileBytes int64

	// ReadFile defaults to os.ReadFile
	ReadFile func(name string) ([]byte, error)
}

// Extractor reads source windows. It caches nothing.
type Extractor struct {
	contextLines int
	maxBytes     int64
	readFile     func(string) ([]byte, error)
}

// NewExtractor creates an extractor
func NewExtractor(opts Options) *Extractor {
	if opts.ContextLines < 0 {
		opts.ContextLines = 0
	} else if opts.ContextLines == 0 {
		opts.ContextLines = DefaultContextLines
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}

	return &Extractor{
		contextLines: opts.ContextLines,
		maxBytes:     opts.MaxFileBytes,
		readFile:     opts.ReadFile,
	}
}

// Extract returns the source window for frame. Failures come back as an
// empty Context with Reason set.
func (e *Extractor) Extract(frame trace.Frame) (ctx Context) {
	ctx = Context{File: frame.File, Language: Language(frame.File), Focus: -1}

	defer func() {
		if r := recover(); r != nil {
			ctx.Lines = nil
			ctx.Focus = -1
			ctx.Reason = fmt.Sprintf("source extraction failed: %v", r)
		}
	}()

	if frame.File == "" {
		ctx.Reason = ReasonNoFile
		return ctx
	}

	data, err := e.readFile(frame.File)
	if err != nil {
		ctx.Reason = readReason(err)
		return ctx
	}
	if int64(len(data)) > e.maxBytes {
		ctx.Reason = fmt.Sprintf("%s (%d bytes)", ReasonTooLarge, len(data))
		return ctx
	}

	lines, err := decodeLines(data)
	if err != nil {
		ctx.Reason = err.Error()
		return ctx
	}

	if frame.Line < 1 || frame.Line > len(lines) {
		ctx.Reason = fmt.Sprintf("%s (line %d of %d)", ReasonLineMissing, frame.Line, len(lines))
		return ctx
	}

	start := frame.Line - e.contextLines
	if start < 1 {
		start = 1
	}
	end := frame.Line + e.contextLines
	if end > len(lines) {
		end = len(lines)
	}

	ctx.Lines = make([]Line, 0, end-start+1)
	for n := start; n <= end; n++ {
		ctx.Lines = append(ctx.Lines, Line{Number: n, Text: lines[n-1]})
	}
	ctx.Focus = frame.Line - start

	return ctx
}

func readReason(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ReasonMissing
	case errors.Is(err, fs.ErrPermission):
		return ReasonPermission
	default:
		return fmt.Sprintf("source file not readable: %v", err)
	}
}

// decodeLines honours a UTF-8 or UTF-16 byte order mark and splits the text
// into lines without their terminators.
func decodeLines(data []byte) ([]string, error) {
	if !hasUTF16BOM(data) && !utf8.Valid(data) {
		return nil, errors.New(ReasonEncoding)
	}

	decoded, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", ReasonEncoding, err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(decoded))
	scanner.Buffer(make([]byte, 0, 64*1024), len(decoded)+1)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("source file not readable: %w", err)
	}
	return lines, nil
}

func hasUTF16BOM(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0xFE, 0xFF}) || bytes.HasPrefix(data, []byte{0xFF, 0xFE})
}

var languages = map[string]string{
	".go":     "go",
	".tmpl":   "go-html-template",
	".gohtml": "go-html-template",
	".html":   "html",
	".js":     "javascript",
	".ts":     "typescript",
	".py":     "python",
	".sql":    "sql",
	".yaml":   "yaml",
	".yml":    "yaml",
	".toml":   "toml",
	".json":   "json",
	".sh":     "bash",
	".s":      "gas",
	".c":      "c",
	".h":      "c",
}

// Language guesses a highlighter language hint from a file name
func Language(file string) string {
	return languages[strings.ToLower(filepath.Ext(file))]
}
