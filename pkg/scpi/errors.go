package scpi

import (
	"errors"
	"fmt"
)

var ErrReadOnly = errors.New("property is read-only")

// ConversionError reports a reply (or user value) that does not have the
// lexical form the decoder expects.
type ConversionError struct {
	Command string
	Value   string
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("cannot convert %q: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("%s: cannot convert %q: %v", e.Command, e.Value, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// ParseError reports a reply whose structure is wrong, e.g. a field count
// mismatch.
type ParseError struct {
	Command  string
	Response string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s in %q", e.Command, e.Reason, e.Response)
}
