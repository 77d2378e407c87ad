package fml

import (
	"errors"
	"fmt"
)

var (
	// ErrShutdown is returned by calls that were pending, or issued, while
	// their port was shutting down.
	ErrShutdown = errors.New("fml: port shut down")

	// ErrProtocolViolation marks a divergence between the two ends of a
	// port. It is raised with panic, never returned.
	ErrProtocolViolation = errors.New("fml: protocol violation")

	// ErrMisuse marks a programming error in the caller. It is raised with
	// panic, never returned.
	ErrMisuse = errors.New("fml: misuse")

	// ErrUnknownPort is returned for a port id the runtime has no link for.
	ErrUnknownPort = errors.New("fml: unknown port")
)

// RemoteError is an error returned by the remote implementation of a method.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "fml: remote error: " + e.Message
}

func violation(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...)))
}

func misuse(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrMisuse, fmt.Sprintf(format, args...)))
}
