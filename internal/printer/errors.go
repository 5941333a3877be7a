package printer

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors for the printer package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, printer.ErrUnknownPrinter) {
//	    // 404
//	}
var (
	// ErrUnknownPrinter is returned when a name is not in the Registry.
	ErrUnknownPrinter = errors.New("printer: unknown printer")

	// ErrIncompleteConfig is returned when a known printer lacks a host,
	// serial or access code.
	ErrIncompleteConfig = errors.New("printer: incomplete configuration")

	// ErrDuplicatePrinter is returned when a Registry is built with the same
	// name twice.
	ErrDuplicatePrinter = errors.New("printer: duplicate printer")

	// ErrNotConnected is returned by actions that need an existing connection.
	ErrNotConnected = errors.New("printer: not connected")

	// ErrSessionLost is recorded when an established session drops.
	ErrSessionLost = errors.New("printer: session lost")

	// ErrManagerClosed is returned for connection attempts after CloseAll.
	ErrManagerClosed = errors.New("printer: manager closed")

	// ErrConnectTimeout is returned when the device never reports itself
	// connected within the configured timeout.
	ErrConnectTimeout = errors.New("printer: connected=false after wait")

	// ErrUnsupported is returned when the device does not expose an operation.
	ErrUnsupported = errors.New("printer: operation not supported")

	// ErrSignatureMismatch is returned by a job starter that cannot accept the
	// request in the form it was called with. The dispatcher then tries the
	// next form.
	ErrSignatureMismatch = errors.New("printer: signature mismatch")

	// ErrInvalidJob is returned when a print is requested without a gcode URL.
	ErrInvalidJob = errors.New("printer: job requires a gcode url")

	// ErrProtocolViolation is returned when a camera stream yields a
	// non-binary frame.
	ErrProtocolViolation = errors.New("printer: non-binary frame in camera stream")
)

// Kind classifies a failure for the API layer.
type Kind int

// Failure kinds.
const (
	KindInternal Kind = iota
	KindUnknownPrinter
	KindIncompleteConfig
	KindNotConnected
	KindConnectionFailure
	KindUnsupported
	KindUpstream
	KindProtocolViolation
	KindInvalidRequest
)

var kindNames = map[Kind]string{
	KindInternal:          "InternalError",
	KindUnknownPrinter:    "UnknownPrinter",
	KindIncompleteConfig:  "IncompleteConfig",
	KindNotConnected:      "NotConnected",
	KindConnectionFailure: "ConnectionFailure",
	KindUnsupported:       "UnsupportedCapability",
	KindUpstream:          "UpstreamActionFailure",
	KindProtocolViolation: "ProtocolViolation",
	KindInvalidRequest:    "InvalidRequest",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the typed failure returned by the Manager and Dispatcher.
type Error struct {
	Kind    Kind
	Printer string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" failed")
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Printer != "" {
		fmt.Fprintf(&b, " for '%s'", e.Printer)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Categorizer lets backend errors name their own category.
type Categorizer interface {
	Category() string
}

// Category names the underlying failure for diagnostics: the first
// Categorizer in the chain, else the dynamic type of the innermost error.
// Plain errors.New / fmt.Errorf values fall back to the Kind name.
func (e *Error) Category() string {
	var c Categorizer
	if errors.As(e.Err, &c) {
		return c.Category()
	}
	return typeName(e.Err, e.Kind.String())
}

func typeName(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", inner), "*")
	switch name {
	case "errors.errorString", "fmt.wrapError", "fmt.wrapErrors", "errors.joinError":
		return fallback
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// describe renders a connection error as "Category: message" for failure
// records.
func describe(err error) string {
	return typeName(err, KindConnectionFailure.String()) + ": " + err.Error()
}

// lookupError wraps a Registry lookup error in the matching Kind.
func lookupError(name, op string, err error) *Error {
	kind := KindInternal
	switch {
	case errors.Is(err, ErrUnknownPrinter):
		kind = KindUnknownPrinter
	case errors.Is(err, ErrIncompleteConfig):
		kind = KindIncompleteConfig
	}
	return &Error{Kind: kind, Printer: name, Op: op, Err: err}
}
