package senseme

import (
	"errors"
	"fmt"
)

// Sentinel errors for the SenseMe bridge. Only ErrOutOfRange and
// ErrCommandFailed are surfaced to clients; the rest are absorbed by the
// retry loop and wrapped inside a CommandError.
var (
	// ErrOutOfRange is returned for caller input that cannot be translated.
	// No device I/O is attempted.
	ErrOutOfRange = errors.New("senseme: value out of range")

	// ErrUnknownField is returned for field names outside AllFields.
	ErrUnknownField = errors.New("senseme: unknown field")

	// ErrMalformedFrame is returned when a device response cannot be parsed.
	ErrMalformedFrame = errors.New("senseme: malformed frame")

	// ErrTimeout is returned when an attempt gets no matching response.
	ErrTimeout = errors.New("senseme: response timeout")

	// ErrTransport is returned for socket-level failures.
	ErrTransport = errors.New("senseme: transport error")

	// ErrCommandFailed is returned when every attempt of a command failed.
	ErrCommandFailed = errors.New("senseme: command failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("senseme: link closed")
)

// CommandError describes a command that reached the terminal Failed state.
//
// errors.Is(err, ErrCommandFailed) is true, as is errors.Is against the
// cause of the final attempt (ErrTimeout or ErrTransport).
type CommandError struct {
	Field    Field
	Verb     Verb
	Attempts []Attempt

	// Value is the device's last reported value for the field when known,
	// otherwise the requested value. Zero for reads with nothing cached.
	Value int

	// Err is the cause of the last attempt.
	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("senseme: %s %s failed after %d attempts: %v", e.Verb, e.Field, len(e.Attempts), e.Err)
}

// Unwrap exposes both the ErrCommandFailed classification and the cause.
func (e *CommandError) Unwrap() []error {
	return []error{ErrCommandFailed, e.Err}
}

// Outcome labels used by telemetry.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeError    = "error"
)

// CommandOutcome classifies a command result for telemetry: rejected
// before any I/O, failed at the device, or an unexpected error.
func CommandOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrOutOfRange), errors.Is(err, ErrUnknownField):
		return OutcomeRejected
	case errors.Is(err, ErrCommandFailed):
		return OutcomeFailed
	default:
		return OutcomeError
	}
}
