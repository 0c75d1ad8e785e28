package api

import (
	"errors"

	"itech/pkg/scpi"
)

var (
	ErrNotConnected    = errors.New("device is not connected")
	ErrUnknownProperty = errors.New("unknown property")
)

// Error numbers carried in the ErrorNumber field of responses.
const (
	ErrorNone           = 0
	ErrorNotImplemented = 0x400
	ErrorInvalidValue   = 0x401
	ErrorNotConnected   = 0x407
	ErrorDriver         = 0x500
)

// errorNumber maps a driver error to the number reported to clients.
func errorNumber(err error) int {
	var convErr *scpi.ConversionError

	switch {
	case errors.Is(err, ErrNotConnected):
		return ErrorNotConnected
	case errors.Is(err, ErrUnknownProperty):
		return ErrorNotImplemented
	case errors.Is(err, scpi.ErrReadOnly), errors.As(err, &convErr):
		return ErrorInvalidValue
	}
	// Transport failures and malformed replies alike.
	return ErrorDriver
}
