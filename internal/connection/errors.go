package connection

import (
	"errors"
	"fmt"

	"github.com/yuuki/rdmakv/internal/completion"
)

// Kind classifies a connection failure.
type Kind int

const (
	KindConnectionManager Kind = iota + 1
	KindRegistration
	KindCompletion
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindConnectionManager:
		return "connection manager"
	case KindRegistration:
		return "registration"
	case KindCompletion:
		return "completion"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrDisconnected = errors.New("peer disconnected")
	ErrRejected     = errors.New("connection rejected by peer")
	ErrNoPeerBuffer = errors.New("peer advertised no buffer")

	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Error is a classified failure. ConnID is set when the failure is scoped
// to a single connection; controller-wide failures leave it empty.
type Error struct {
	Kind   Kind
	Op     string
	ConnID string
	Err    error
}

func (e *Error) Error() string {
	if e.ConnID != "" {
		return fmt.Sprintf("%s error in %s (conn %s): %v", e.Kind, e.Op, e.ConnID, e.Err)
	}
	return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError returns an *Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (c *Connection) errorf(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, ConnID: c.ID(), Err: err}
}

// Fail classifies err as a failure of this connection only.
func (c *Connection) Fail(kind Kind, op string, err error) error {
	return c.errorf(kind, op, err)
}

// KindOf returns the kind of err, or zero when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ConnectionScoped reports whether err only affects one connection, so the
// controller may keep listening.
func ConnectionScoped(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.ConnID != ""
}

// IsFlushed reports whether err is a completion flushed by a queue pair
// error, the way outstanding requests end when the peer disconnects.
func IsFlushed(err error) bool {
	var cerr *completion.CompletionError
	return errors.As(err, &cerr) && cerr.Flushed()
}
