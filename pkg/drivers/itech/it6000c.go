package itech

import (
	"fmt"
	"strings"

	"itech/pkg/scpi"
	"itech/pkg/visa"
)

const (
	manufacturer = "ITech"
	termination  = "\n"

	cmdAmpHours       = "MEASure:AHOur?"
	cmdAmpHoursReset  = "SENSe:AHOur:RESet"
	cmdWattHours      = "MEASure:WHOur?"
	cmdWattHoursReset = "SENSe:WHOur:RESet"
	cmdRemoteSense    = "SOURce:REMote:SENSe:STATe"
)

// Models handled by this driver.
var models = []string{"IT6015C-80-450"}

var (
	voltage                = scpi.NumericFacet("voltage", "SOURce:VOLTage:LEVel:IMMediate:AMPLitude", scpi.Volt)
	current                = scpi.NumericFacet("current", "SOURce:CURRent:LEVel:IMMediate:AMPLitude", scpi.Ampere)
	localVoltage           = scpi.NumericQuery("local_voltage", "MEASure:SCALar:LOCAL:VOLTage?", scpi.Volt)
	remoteVoltage          = scpi.NumericQuery("remote_voltage", "MEASure:SCALar:REMOte:VOLTage?", scpi.Volt)
	currentProtection      = scpi.NumericFacet("current_protection", "SOURce:CURRent:PROTection", scpi.Ampere)
	currentProtectionState = scpi.StateFacet("current_protection_state", "SOURce:CURRent:PROTection:STATe")
	output                 = scpi.StateFacet("output", "OUTPut:STATe")
	beeper                 = scpi.StateFacet("beeper", "SYSTem:BEEPer")

	facets = scpi.NewTable(
		voltage,
		current,
		localVoltage,
		remoteVoltage,
		currentProtection,
		currentProtectionState,
		output,
		beeper,
	)
)

// IT6000C is an iTech IT6000C series DC power supply on an open channel.
// It is not safe for concurrent use; callers sharing one instance must
// serialise access themselves.
type IT6000C struct {
	ch visa.Channel
}

// New configures ch for the instrument's newline terminated dialogue. No
// command is sent.
func New(ch visa.Channel) *IT6000C {
	ch.SetWriteTermination(termination)
	ch.SetReadTermination(termination)
	return &IT6000C{ch: ch}
}

// Facets returns the table of named SCPI properties.
func (p *IT6000C) Facets() scpi.Table {
	return facets
}

// Channel returns the channel the instrument talks over.
func (p *IT6000C) Channel() visa.Channel {
	return p.ch
}

func (p *IT6000C) Voltage() (scpi.Quantity, error) {
	return voltage.Get(p.ch)
}

func (p *IT6000C) SetVoltage(volts float64) error {
	return voltage.Set(p.ch, scpi.Quantity{Value: volts, Unit: scpi.Volt})
}

func (p *IT6000C) Current() (scpi.Quantity, error) {
	return current.Get(p.ch)
}

func (p *IT6000C) SetCurrent(amps float64) error {
	return current.Set(p.ch, scpi.Quantity{Value: amps, Unit: scpi.Ampere})
}

// LocalVoltage measures the voltage at the output terminals.
func (p *IT6000C) LocalVoltage() (scpi.Quantity, error) {
	return localVoltage.Get(p.ch)
}

// RemoteVoltage measures the voltage at the sense terminals.
func (p *IT6000C) RemoteVoltage() (scpi.Quantity, error) {
	return remoteVoltage.Get(p.ch)
}

func (p *IT6000C) CurrentProtection() (scpi.Quantity, error) {
	return currentProtection.Get(p.ch)
}

func (p *IT6000C) SetCurrentProtection(amps float64) error {
	return currentProtection.Set(p.ch, scpi.Quantity{Value: amps, Unit: scpi.Ampere})
}

func (p *IT6000C) CurrentProtectionState() (scpi.OnOffState, error) {
	return currentProtectionState.Get(p.ch)
}

func (p *IT6000C) SetCurrentProtectionState(s scpi.OnOffState) error {
	return currentProtectionState.Set(p.ch, s)
}

func (p *IT6000C) Output() (scpi.OnOffState, error) {
	return output.Get(p.ch)
}

func (p *IT6000C) SetOutput(s scpi.OnOffState) error {
	return output.Set(p.ch, s)
}

func (p *IT6000C) Beeper() (scpi.OnOffState, error) {
	return beeper.Get(p.ch)
}

func (p *IT6000C) SetBeeper(s scpi.OnOffState) error {
	return beeper.Set(p.ch, s)
}

// Identity returns all four *IDN? fields from a single query.
func (p *IT6000C) Identity() (scpi.Identity, error) {
	return scpi.Identify(p.ch)
}

// Manufacturer queries *IDN? and returns its first field.
func (p *IT6000C) Manufacturer() (string, error) {
	id, err := p.Identity()
	return id.Manufacturer, err
}

// Model queries *IDN? and returns its second field.
func (p *IT6000C) Model() (string, error) {
	id, err := p.Identity()
	return id.Model, err
}

// Serial queries *IDN? and returns its third field.
func (p *IT6000C) Serial() (string, error) {
	id, err := p.Identity()
	return id.Serial, err
}

// Version queries *IDN? and returns its fourth field.
func (p *IT6000C) Version() (string, error) {
	id, err := p.Identity()
	return id.Version, err
}

// AmpHours returns the ampere-hours passed through the supply. With reset
// the counter is cleared after it has been read, so the result is the
// pre-reset total.
func (p *IT6000C) AmpHours(reset bool) (scpi.Quantity, error) {
	return p.accumulator(cmdAmpHours, cmdAmpHoursReset, scpi.AmpHour, reset)
}

// WattHours returns the watt-hours passed through the supply, clearing the
// counter afterwards when reset is set.
func (p *IT6000C) WattHours(reset bool) (scpi.Quantity, error) {
	return p.accumulator(cmdWattHours, cmdWattHoursReset, scpi.WattHour, reset)
}

func (p *IT6000C) accumulator(query, resetCmd string, units scpi.Unit, reset bool) (scpi.Quantity, error) {
	resp, err := p.ch.Query(query)
	if err != nil {
		return scpi.Quantity{}, err
	}

	v, err := scpi.ParseFloat(resp)
	if err != nil {
		return scpi.Quantity{}, scpi.WithCommand(err, query)
	}

	if reset {
		if err := p.ch.Write(resetCmd); err != nil {
			return scpi.Quantity{}, err
		}
	}
	return scpi.Quantity{Value: v, Unit: units}, nil
}

// RemoteSense returns the instrument's raw reply to the remote sense query.
func (p *IT6000C) RemoteSense() (string, error) {
	return p.ch.Query(cmdRemoteSense + "?")
}

// RemoteSenseState is RemoteSense decoded.
func (p *IT6000C) RemoteSenseState() (scpi.OnOffState, error) {
	resp, err := p.RemoteSense()
	if err != nil {
		return scpi.Off, err
	}

	s, err := scpi.ParseOnOffState(resp)
	if err != nil {
		return scpi.Off, scpi.WithCommand(err, cmdRemoteSense+"?")
	}
	return s, nil
}

// SetRemoteSense enables or disables sensing at the remote terminals.
func (p *IT6000C) SetRemoteSense(enabled bool) error {
	return p.ch.Write(fmt.Sprintf("%s %d", cmdRemoteSense, scpi.OnOffState(enabled).Int()))
}

// Supports reports whether id names a model this driver was written for.
func Supports(id scpi.Identity) bool {
	if !strings.EqualFold(id.Manufacturer, manufacturer) {
		return false
	}
	for _, m := range models {
		if id.Model == m {
			return true
		}
	}
	return false
}

// Readings is a snapshot of the supply's set-points and measurements.
type Readings struct {
	Voltage       scpi.Quantity   `json:"voltage"`
	Current       scpi.Quantity   `json:"current"`
	LocalVoltage  scpi.Quantity   `json:"local_voltage"`
	RemoteVoltage scpi.Quantity   `json:"remote_voltage"`
	Output        scpi.OnOffState `json:"output"`
}

// Readings collects a snapshot. It stops at the first failure.
func (p *IT6000C) Readings() (Readings, error) {
	var r Readings
	var err error

	if r.Voltage, err = p.Voltage(); err != nil {
		return r, err
	}
	if r.Current, err = p.Current(); err != nil {
		return r, err
	}
	if r.LocalVoltage, err = p.LocalVoltage(); err != nil {
		return r, err
	}
	if r.RemoteVoltage, err = p.RemoteVoltage(); err != nil {
		return r, err
	}
	if r.Output, err = p.Output(); err != nil {
		return r, err
	}
	return r, nil
}
