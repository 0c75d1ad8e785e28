package visa

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("resource is closed")
	ErrInvalidAddress = errors.New("invalid visa address")
	ErrTimeout        = errors.New("i/o timeout")
)

// CommunicationError reports a transport failure while sending or receiving
// a command. It is never retried by this package.
type CommunicationError struct {
	Op      string // "write" or "query"
	Command string
	Err     error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("visa %s %q: %v", e.Op, e.Command, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}
