package scpi

import (
	"strconv"
)

// Unit tags a numeric reading. It carries no conversion logic.
type Unit string

const (
	None     Unit = ""
	Volt     Unit = "V"
	Ampere   Unit = "A"
	AmpHour  Unit = "Ah"
	WattHour Unit = "Wh"
)

// Quantity is a value with its unit.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  Unit    `json:"unit,omitempty"`
}

func (q Quantity) String() string {
	s := strconv.FormatFloat(q.Value, 'g', -1, 64)
	if q.Unit == None {
		return s
	}
	return s + " " + string(q.Unit)
}
