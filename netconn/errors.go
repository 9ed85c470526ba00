package netconn

import "fmt"

type ErrorKind int

const (
	ErrTimeout ErrorKind = iota
	ErrCancelled
	ErrConnect
	ErrRead
	ErrWrite
	ErrInvalidState
)

// ConnError is the error kind taxonomy spec.md §7 defines for the
// connection layer, wrapping the underlying cause where there is one.
type ConnError struct {
	Kind  ErrorKind
	State State // populated for ErrInvalidState
	Cause error
}

func (e *ConnError) Error() string {
	switch e.Kind {
	case ErrTimeout:
		return "netconn: timeout"
	case ErrCancelled:
		return "netconn: cancelled"
	case ErrConnect:
		return fmt.Sprintf("netconn: connect failed: %v", e.Cause)
	case ErrRead:
		return fmt.Sprintf("netconn: read failed: %v", e.Cause)
	case ErrWrite:
		return fmt.Sprintf("netconn: write failed: %v", e.Cause)
	case ErrInvalidState:
		return fmt.Sprintf("netconn: invalid state: %s", e.State)
	default:
		return "netconn: error"
	}
}

func (e *ConnError) Unwrap() error { return e.Cause }
