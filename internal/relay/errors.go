package relay

import (
	"errors"
	"strings"
)

// Error kinds. Only ErrInvalidArgument and ErrNotConnected are returned to
// callers of Subscribe and Unsubscribe; the others are reported through the
// logger and metrics.
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotConnected     = errors.New("not connected")
	ErrConnectFailure   = errors.New("connect failure")
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrRemoteClosed     = errors.New("remote closed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("relay closed")
)

// Error classifies a failure and records where it happened.
type Error struct {
	Kind    error
	Op      string
	Address string
	Topic   string
	Err     error
}

func newError(kind error, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("relay: ")
	b.WriteString(e.Op)
	if e.Topic != "" {
		b.WriteString(" topic=")
		b.WriteString(e.Topic)
	}
	if e.Address != "" {
		b.WriteString(" address=")
		b.WriteString(e.Address)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}
