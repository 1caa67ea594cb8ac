// Package otaerr defines the structured error taxonomy shared by every
// component of the builder (§7). Errors are never stringly-typed: callers
// that need to branch on failure kind use errors.As against one of the
// Kind-tagged types below, and every wrap site uses golang.org/x/xerrors so
// that %+v prints a frame trace in -debug mode.
package otaerr

import "golang.org/x/xerrors"

// Kind classifies a structured error into one of the five taxonomy buckets
// from §7. It exists so that the Coordinator can decide retry/cleanup
// policy without type-switching on every concrete error type.
type Kind int

const (
	// KindInput covers missing files, invalid XML, unreadable maps,
	// unsupported sparse images and downgrade attempts.
	KindInput Kind = iota
	// KindInvariant covers BlockSet canonicalization failures, map
	// coverage mismatches and transfer-list identity failures.
	KindInvariant
	// KindScheduling covers unresolvable cycles and chunking that fails to
	// converge.
	KindScheduling
	// KindExternal covers differ non-zero exit, differ timeout and a
	// missing binary.
	KindExternal
	// KindIO covers any underlying file I/O failure. Never retried.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "InputError"
	case KindInvariant:
		return "InvariantViolation"
	case KindScheduling:
		return "SchedulingError"
	case KindExternal:
		return "ExternalFailure"
	case KindIO:
		return "IoError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete structured error type every component returns.
// Code further narrows Kind to a specific, stable reason string (e.g.
// "SparseUnsupported", "Downgrade", "DifferTimeout") so callers and tests
// can match on it without string-matching Error().
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + "." + e.Code
	}
	return e.Kind.String() + "." + e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a structured Error, wrapping cause (if non-nil) with
// xerrors so the frame is preserved for -debug output.
func New(kind Kind, code string, cause error) *Error {
	var err error
	if cause != nil {
		err = xerrors.Errorf("%w", cause)
	}
	return &Error{Kind: kind, Code: code, Err: err}
}

// Input, Invariant, Scheduling, External and IO are constructors for the
// five taxonomy buckets, named after the §7 categories.
func Input(code string, cause error) *Error      { return New(KindInput, code, cause) }
func Invariant(code string, cause error) *Error  { return New(KindInvariant, code, cause) }
func Scheduling(code string, cause error) *Error { return New(KindScheduling, code, cause) }
func External(code string, cause error) *Error   { return New(KindExternal, code, cause) }
func IO(code string, cause error) *Error         { return New(KindIO, code, cause) }

// Is reports whether err is a structured Error of the given kind and code,
// unwrapping through xerrors-wrapped chains.
func Is(err error, kind Kind, code string) bool {
	var e *Error
	if !xerrors.As(err, &e) {
		return false
	}
	return e.Kind == kind && e.Code == code
}
