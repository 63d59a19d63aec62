package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidGraph covers malformed declarations discovered during
	// expansion (bad references, empty names).
	ErrInvalidGraph = errors.New("invalid pipeline graph")

	// ErrCycle is reported when a target transitively depends on itself.
	ErrCycle = errors.New("dependency cycle detected")

	// ErrAmbiguousRule is reported when two rules claim the same output path.
	ErrAmbiguousRule = errors.New("ambiguous rule")

	// ErrUnknownTarget is reported when a requested target is not declared.
	ErrUnknownTarget = errors.New("unknown target")
)

// Error wraps graph construction and resolution failures with a stable kind
// so callers can map them to semantic exit codes.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &Error{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func ambiguousf(format string, args ...any) error {
	return &Error{Kind: ErrAmbiguousRule, Msg: fmt.Sprintf(format, args...)}
}

func unknownTarget(name string) error {
	return &Error{Kind: ErrUnknownTarget, Msg: fmt.Sprintf("%q", name)}
}

func cycleError(path []string) error {
	msg := ""
	if len(path) > 0 {
		msg = strings.Join(path, " -> ")
	}
	return &Error{Kind: ErrCycle, Msg: msg}
}
