package scpi

import (
	"errors"
	"strings"
)

// OnOffState is the SCPI boolean vocabulary.
type OnOffState bool

const (
	On  OnOffState = true
	Off OnOffState = false
)

var errBadState = errors.New("expected 1, 0, ON or OFF")

// ParseOnOffState decodes "1"/"ON" and "0"/"OFF". Keywords are matched
// without regard to case.
func ParseOnOffState(s string) (OnOffState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "ON":
		return On, nil
	case "0", "OFF":
		return Off, nil
	}
	return Off, &ConversionError{Value: s, Err: errBadState}
}

func (s OnOffState) String() string {
	if s {
		return "ON"
	}
	return "OFF"
}

// Int returns 1 for On and 0 for Off.
func (s OnOffState) Int() int {
	if s {
		return 1
	}
	return 0
}

func (s OnOffState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OnOffState) UnmarshalText(text []byte) error {
	v, err := ParseOnOffState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
