// Package scpi maps named instrument properties to SCPI command strings and
// decodes the replies into typed values.
package scpi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Conn is the part of a channel a facet needs: one line out, and for
// queries one line back.
type Conn interface {
	Write(cmd string) error
	Query(cmd string) (string, error)
}

// Facet binds a property name to a SCPI command. The query form is the
// command with a trailing '?'; read-only facets are declared with the '?'
// already in place and have no set form.
type Facet[T any] struct {
	name     string
	command  string
	readOnly bool
	units    Unit
	decode   func(string) (T, error)
	encode   func(T) (string, error)
}

// NumericFacet declares a settable float property with a unit.
func NumericFacet(name, command string, units Unit) Facet[Quantity] {
	return Facet[Quantity]{
		name:    name,
		command: command,
		units:   units,
		decode:  quantityDecoder(units),
		encode:  quantityEncoder(units),
	}
}

// NumericQuery declares a read-only float property with a unit.
func NumericQuery(name, command string, units Unit) Facet[Quantity] {
	return Facet[Quantity]{
		name:     name,
		command:  command,
		readOnly: true,
		units:    units,
		decode:   quantityDecoder(units),
	}
}

// StateFacet declares a settable ON/OFF property.
func StateFacet(name, command string) Facet[OnOffState] {
	return Facet[OnOffState]{
		name:    name,
		command: command,
		decode:  ParseOnOffState,
		encode: func(s OnOffState) (string, error) {
			return s.String(), nil
		},
	}
}

func quantityDecoder(units Unit) func(string) (Quantity, error) {
	return func(s string) (Quantity, error) {
		v, err := ParseFloat(s)
		if err != nil {
			return Quantity{}, err
		}
		return Quantity{Value: v, Unit: units}, nil
	}
}

func quantityEncoder(units Unit) func(Quantity) (string, error) {
	return func(q Quantity) (string, error) {
		if q.Unit != None && q.Unit != units {
			return "", fmt.Errorf("unit mismatch: got %s, want %s", q.Unit, units)
		}
		return strconv.FormatFloat(q.Value, 'g', -1, 64), nil
	}
}

// ParseFloat decodes a numeric reply.
func ParseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, &ConversionError{Value: s, Err: errors.Unwrap(err)}
	}
	return v, nil
}

func (f Facet[T]) Name() string {
	return f.name
}

func (f Facet[T]) Command() string {
	return f.command
}

func (f Facet[T]) ReadOnly() bool {
	return f.readOnly
}

func (f Facet[T]) Units() Unit {
	return f.units
}

// QueryCommand returns the exact line sent by Get.
func (f Facet[T]) QueryCommand() string {
	if f.readOnly {
		return f.command
	}
	return f.command + "?"
}

// Get queries the instrument and decodes the reply.
func (f Facet[T]) Get(c Conn) (T, error) {
	var zero T

	cmd := f.QueryCommand()
	resp, err := c.Query(cmd)
	if err != nil {
		return zero, err
	}

	v, err := f.decode(resp)
	if err != nil {
		return zero, WithCommand(err, cmd)
	}
	return v, nil
}

// Set writes v to the instrument. No reply is read.
func (f Facet[T]) Set(c Conn, v T) error {
	if f.readOnly {
		return fmt.Errorf("%s: %w", f.name, ErrReadOnly)
	}

	arg, err := f.encode(v)
	if err != nil {
		return fmt.Errorf("%s: %w", f.name, err)
	}
	return c.Write(f.command + " " + arg)
}

// Read is Get with the result boxed, for use through Property.
func (f Facet[T]) Read(c Conn) (any, error) {
	return f.Get(c)
}

// WriteString decodes raw with the facet's own decoder and sets it.
func (f Facet[T]) WriteString(c Conn, raw string) error {
	if f.readOnly {
		return fmt.Errorf("%s: %w", f.name, ErrReadOnly)
	}

	v, err := f.decode(raw)
	if err != nil {
		return WithCommand(err, f.command)
	}
	return f.Set(c, v)
}

// WithCommand attaches the command that produced a ConversionError.
func WithCommand(err error, cmd string) error {
	var convErr *ConversionError
	if errors.As(err, &convErr) && convErr.Command == "" {
		return &ConversionError{Command: cmd, Value: convErr.Value, Err: convErr.Err}
	}
	return err
}
