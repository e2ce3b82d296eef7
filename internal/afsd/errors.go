package afsd

import (
	"fmt"

	"github.com/agent-harbor/ah/internal/afsd/wire"
)

// DaemonError is the structured error type every AFSD operation returns,
// following the teacher's EnforcementError pattern
// (internal/sandbox/sandbox.go): a machine-readable Kind plus a human
// message, here additionally carrying the POSIX errno a client re-raises.
type DaemonError struct {
	Kind    wire.Kind
	Message string
	Cause   error
}

func (e *DaemonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DaemonError) Unwrap() error { return e.Cause }

// Errno returns the POSIX errno a client should re-raise for this error.
func (e *DaemonError) Errno() int32 { return wire.Errno(e.Kind) }

func errf(kind wire.Kind, format string, args ...any) *DaemonError {
	return &DaemonError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapf(kind wire.Kind, cause error, format string, args ...any) *DaemonError {
	return &DaemonError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}
