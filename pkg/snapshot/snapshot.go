// Package snapshot renders caller-supplied variables into bounded text.
//
// Every binding is converted in isolation: a value whose rendering fails or
// panics is recorded as Unrenderable and never affects its siblings.
package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/davecgh/go-spew/spew"
)

// Default limits
const (
	DefaultMaxValueBytes = 2048
	DefaultMaxDepth      = 4
)

// Var is one named value supplied by the caller
type Var struct {
	Name  string
	Value interface{}
}

// Vars is an ordered list of variables
type Vars []Var

// V is shorthand for building a Var
func V(name string, value interface{}) Var {
	return Var{Name: name, Value: value}
}

// FromMap builds Vars from a map, ordered by key
func FromMap(m map[string]interface{}) Vars {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vars := make(Vars, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, Var{Name: k, Value: m[k]})
	}
	return vars
}

// Outcome tells how a value was rendered
type Outcome string

const (
	Rendered     Outcome = "rendered"
	Truncated    Outcome = "truncated"
	Unrenderable Outcome = "unrenderable"
)

// Scope identifies where a snapshot came from
type Scope string

const (
	ScopeGlobals Scope = "globals"
	ScopeLocals  Scope = "locals"
	ScopeFrame   Scope = "frame"
)

// Binding is a rendered variable
type Binding struct {
	Name    string  `json:"name"`
	Value   string  `json:"value"`
	Outcome Outcome `json:"outcome"`

	// Failure is the type name of the error or panic value when Unrenderable
	Failure string `json:"failure,omitempty"`
}

// Snapshot is an ordered set of bindings for one scope
type Snapshot struct {
	Scope    Scope     `json:"scope"`
	Frame    int       `json:"frame,omitempty"`
	Bindings []Binding `json:"bindings,omitempty"`
}

// Empty reports whether the snapshot holds no bindings
func (s Snapshot) Empty() bool {
	return len(s.Bindings) == 0
}

// Count returns how many bindings ended with the given outcome
func (s Snapshot) Count(o Outcome) int {
	n := 0
	for _, b := range s.Bindings {
		if b.Outcome == o {
			n++
		}
	}
	return n
}

// Renderer lets a value control its own report representation
type Renderer interface {
	Render() (string, error)
}

// Options configures a Collector
type Options struct {
	MaxValueBytes int
	MaxDepth      int
}

// Collector renders variable scopes into snapshots
type Collector struct {
	maxBytes int
	dumper   *spew.ConfigState
}

// NewCollector creates a collector
func NewCollector(opts Options) *Collector {
	if opts.MaxValueBytes <= 0 {
		opts.MaxValueBytes = DefaultMaxValueBytes
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}

	return &Collector{
		maxBytes: opts.MaxValueBytes,
		dumper: &spew.ConfigState{
			Indent:                  "  ",
			MaxDepth:                opts.MaxDepth,
			DisableMethods:          true,
			DisablePointerMethods:   true,
			DisablePointerAddresses: true,
			DisableCapacities:       true,
			SortKeys:                true,
		},
	}
}

// Collect renders vars in order. frame is only meaningful for ScopeFrame.
func (c *Collector) Collect(scope Scope, frame int, vars Vars) Snapshot {
	snap := Snapshot{Scope: scope, Frame: frame}
	if len(vars) == 0 {
		return snap
	}

	snap.Bindings = make([]Binding, 0, len(vars))
	for _, v := range vars {
		snap.Bindings = append(snap.Bindings, c.Bind(v.Name, v.Value))
	}
	return snap
}

// Bind renders a single value
func (c *Collector) Bind(name string, value interface{}) Binding {
	b := Binding{Name: name}

	text, failure := c.render(value)
	if failure != "" {
		b.Value = fmt.Sprintf("<unrenderable: %s>", failure)
		b.Outcome = Unrenderable
		b.Failure = failure
		return b
	}

	b.Value, b.Outcome = truncate(text, c.maxBytes)
	return b
}

// render converts value to text. A non-empty failure is the type name of the
// error returned or the panic raised while rendering.
func (c *Collector) render(value interface{}) (text, failure string) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			failure = fmt.Sprintf("%T", r)
		}
	}()

	if value == nil {
		return "<nil>", ""
	}

	switch v := value.(type) {
	case Renderer:
		s, err := v.Render()
		if err != nil {
			return "", fmt.Sprintf("%T", err)
		}
		return s, ""
	case string:
		return fmt.Sprintf("%q", v), ""
	case bool:
		if v {
			return "true", ""
		}
		return "false", ""
	case error:
		return v.Error(), ""
	case fmt.Stringer:
		return v.String(), ""
	}

	return strings.TrimRight(c.dumper.Sdump(value), "\n"), ""
}

func truncate(s string, max int) (string, Outcome) {
	if len(s) <= max {
		return s, Rendered
	}

	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s…(truncated, %d bytes)", s[:cut], len(s)), Truncated
}
