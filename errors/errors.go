// Package errors defines the structured error taxonomy shared by the runtime.
//
// Every failure surfaced by vmrt is an *Error carrying a Phase (where it
// happened) and a Kind (what went wrong). Callers test for a category with the
// standard library:
//
//	if errors.Is(err, vmerrors.ErrModuleResolution) { ... }
package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLoad     Phase = "load"     // module decoding
	PhaseLink     Phase = "link"     // module registration and import resolution
	PhasePack     Phase = "pack"     // host values into a variant list
	PhaseAllocate Phase = "allocate" // result storage
	PhaseUnpack   Phase = "unpack"   // variant list back into host values
	PhaseInvoke   Phase = "invoke"   // function execution
	PhaseDriver   Phase = "driver"   // driver lookup and device creation
	PhaseDevice   Phase = "device"   // buffer and dispatch operations
	PhaseList     Phase = "list"     // variant list mutation
)

// Kind categorizes the error
type Kind string

const (
	KindModuleResolution  Kind = "module_resolution"
	KindMalformedModule   Kind = "malformed_module"
	KindDriverNotFound    Kind = "driver_not_found"
	KindCapacityExceeded  Kind = "capacity_exceeded"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindInvocation        Kind = "invocation"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindUnsupported       Kind = "unsupported"
	KindInvalidInput      Kind = "invalid_input"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrModuleResolution  = &Error{Kind: KindModuleResolution}
	ErrMalformedModule   = &Error{Kind: KindMalformedModule}
	ErrDriverNotFound    = &Error{Kind: KindDriverNotFound}
	ErrCapacityExceeded  = &Error{Kind: KindCapacityExceeded}
	ErrSignatureMismatch = &Error{Kind: KindSignatureMismatch}
	ErrInvocation        = &Error{Kind: KindInvocation}
	ErrOutOfBounds       = &Error{Kind: KindOutOfBounds}
	ErrUnsupported       = &Error{Kind: KindUnsupported}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
)

// Error is the structured error type used throughout the runtime
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target without a Phase
// matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Phase == "" || t.Phase == e.Phase
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the path of the offending element, e.g. module and function name
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// ModuleResolution creates an error for an import that no earlier module satisfies
func ModuleResolution(module, detail string) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindModuleResolution,
		Path:   []string{module},
		Detail: detail,
	}
}

// Malformed creates an error for a module binary that cannot be loaded
func Malformed(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindMalformedModule,
		Detail: detail,
		Cause:  cause,
	}
}

// DriverNotFound creates an error for an unknown or unavailable driver
func DriverNotFound(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseDriver,
		Kind:   KindDriverNotFound,
		Detail: fmt.Sprintf("driver %q is not available", name),
		Cause:  cause,
	}
}

// CapacityExceeded creates an error for a variant list that cannot hold more values
func CapacityExceeded(capacity, requested int) *Error {
	return &Error{
		Phase:  PhaseList,
		Kind:   KindCapacityExceeded,
		Detail: fmt.Sprintf("capacity %d exceeded (requested %d)", capacity, requested),
	}
}

// SignatureMismatch creates an error for a value incompatible with a function signature
func SignatureMismatch(phase Phase, format string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindSignatureMismatch,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Invocation creates an error for a failed call, carrying the backend diagnostic
func Invocation(path []string, diagnostic string, cause error) *Error {
	return &Error{
		Phase:  PhaseInvoke,
		Kind:   KindInvocation,
		Path:   path,
		Detail: diagnostic,
		Cause:  cause,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}
