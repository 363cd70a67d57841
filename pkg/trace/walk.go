package trace

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/armorclaw/exceptionmailer/pkg/snapshot"
)

// DefaultMaxFrames bounds the number of frames reported per error
const DefaultMaxFrames = 32

// Frame describes one stack level
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`

	// Source is the raw failing line, filled in by the source extractor
	Source string `json:"source,omitempty"`

	// Vars holds bindings supplied by a FrameSource
	Vars snapshot.Vars `json:"-"`

	// Synthetic marks the frame made up for a capture without an error
	Synthetic bool `json:"synthetic,omitempty"`
}

// Location formats the frame as function @ file:line
func (f Frame) Location() string {
	fn := f.Function
	if fn == "" {
		fn = "?"
	}
	return fmt.Sprintf("%s @ %s:%d", fn, f.File, f.Line)
}

// FrameSource is implemented by errors that carry explicit frames
type FrameSource interface {
	Frames() []Frame
}

// StackTracer is implemented by errors that carry raw program counters
type StackTracer interface {
	StackTrace() []uintptr
}

type pkgStackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// Site is the call stack of the code that requested a capture
type Site struct {
	pcs []uintptr
}

// Empty reports whether no stack was recorded
func (s Site) Empty() bool {
	return len(s.pcs) == 0
}

// CaptureSite records the stack starting at the caller of CaptureSite,
// skipping skip additional frames.
func CaptureSite(skip int) Site {
	return Site{pcs: callers(skip + 1)}
}

// WalkOptions configures Walk
type WalkOptions struct {
	MaxFrames int
}

// Walk returns the frames for err, innermost first. A nil err yields a
// single synthetic frame for the capture site; an empty site stands for the
// caller of Walk. Walk never panics; a misbehaving stack source truncates the
// result at the last good frame.
func Walk(err error, site Site, opts WalkOptions) []Frame {
	if site.Empty() {
		site = CaptureSite(1)
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}

	if err == nil {
		frames := framesFromPCs(site.pcs, 1, false)
		for i := range frames {
			frames[i].Synthetic = true
		}
		return frames
	}

	if frames, ok := stackOf(err, opts.MaxFrames); ok {
		return frames
	}

	return framesFromPCs(site.pcs, opts.MaxFrames, false)
}

// stackOf finds the deepest stack-carrying error in the chain
func stackOf(err error, max int) (frames []Frame, found bool) {
	for _, e := range chain(err) {
		if f, ok := framesOf(e, max); ok {
			frames, found = f, true
		}
	}
	return frames, found
}

func framesOf(err error, max int) (frames []Frame, ok bool) {
	defer func() {
		// keep whatever was read before the panic
		if r := recover(); r != nil {
			ok = len(frames) > 0
		}
	}()

	switch e := err.(type) {
	case FrameSource:
		ok = true
		for _, f := range e.Frames() {
			if f.File == "" && f.Function == "" {
				break
			}
			frames = append(frames, f)
			if len(frames) >= max {
				break
			}
		}
		return frames, ok
	case StackTracer:
		panicked := false
		if te, isTrace := err.(*Error); isTrace {
			panicked = te.panicked
		}
		return framesFromPCs(e.StackTrace(), max, panicked), true
	case pkgStackTracer:
		st := e.StackTrace()
		pcs := make([]uintptr, len(st))
		for i, f := range st {
			pcs[i] = uintptr(f)
		}
		return framesFromPCs(pcs, max, false), true
	}
	return nil, false
}

// chain flattens the unwrap tree of err, depth first, outermost first
func chain(err error) []error {
	var out []error
	var visit func(error, int)
	visit = func(e error, depth int) {
		if e == nil || depth > maxDepth {
			return
		}
		out = append(out, e)
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range safeUnwrapMulti(u) {
				visit(inner, depth+1)
			}
		default:
			visit(safeUnwrap(e), depth+1)
		}
	}
	visit(err, 0)
	return out
}

func safeUnwrap(err error) (inner error) {
	defer func() {
		if recover() != nil {
			inner = nil
		}
	}()
	return errors.Unwrap(err)
}

func safeUnwrapMulti(u interface{ Unwrap() []error }) (inner []error) {
	defer func() {
		if recover() != nil {
			inner = nil
		}
	}()
	return u.Unwrap()
}

func framesFromPCs(pcs []uintptr, max int, panicked bool) []Frame {
	var frames []Frame
	if len(pcs) == 0 {
		return frames
	}

	seenPanic := !panicked
	callers := runtime.CallersFrames(pcs)
	for {
		frame, more := callers.Next()

		// frames above gopanic belong to the recovering code
		if !seenPanic && frame.Function == "runtime.gopanic" {
			frames = frames[:0]
			seenPanic = true
			if !more {
				break
			}
			continue
		}

		if strings.HasPrefix(frame.Function, "runtime.") {
			if !more {
				break
			}
			continue
		}

		if frame.File == "" && frame.Function == "" {
			break
		}

		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})

		if frame.Function == "main.main" || !more {
			break
		}
		if seenPanic && len(frames) >= max {
			break
		}
	}

	if len(frames) > max {
		frames = frames[:max]
	}
	return frames
}

// TypeName returns the exception type name for err: the first TypeName()
// in the chain, otherwise the dynamic type of the root cause without the
// pointer marker.
func TypeName(err error) (name string) {
	if err == nil {
		return ""
	}
	defer func() {
		if recover() != nil {
			name = "unknown"
		}
	}()

	var named interface{ TypeName() string }
	if errors.As(err, &named) {
		if n := named.TypeName(); n != "" {
			return n
		}
	}

	errs := chain(err)
	root := errs[len(errs)-1]
	return strings.TrimPrefix(fmt.Sprintf("%T", root), "*")
}
