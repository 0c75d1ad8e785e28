// Package psu_simulator emulates the SCPI dialogue of an iTech IT6000C power
// supply in memory.
package psu_simulator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"itech/pkg/visa"
)

const (
	Manufacturer = "ITech"
	Model        = "IT6015C-80-450"
	Version      = "v1.00"

	maxVoltage = 80.0
	maxCurrent = 450.0
)

var ErrUndefinedHeader = errors.New("undefined header")

// Simulator implements visa.Channel.
type Simulator struct {
	mu     sync.Mutex
	logger log.FieldLogger
	now    func() time.Time

	serial   string
	writeEOL string
	readEOL  string
	closed   bool
	sent     []string

	voltage           float64
	current           float64
	currentProtection float64
	protectionState   bool
	output            bool
	beeper            bool
	remoteSense       bool

	ampHours  float64
	wattHours float64
	lastTick  time.Time
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithClock replaces time.Now, which drives the ampere-hour and watt-hour
// counters.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) {
		s.now = now
	}
}

func WithSerial(serial string) Option {
	return func(s *Simulator) {
		s.serial = serial
	}
}

func WithLogger(logger log.FieldLogger) Option {
	return func(s *Simulator) {
		s.logger = logger
	}
}

// New returns a simulator in its power-on state: output off, beeper on,
// current protection disabled at full scale.
func New(opts ...Option) *Simulator {
	s := Simulator{
		now:               time.Now,
		serial:            "SIM0001",
		writeEOL:          "\n",
		readEOL:           "\n",
		currentProtection: maxCurrent,
		beeper:            true,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = log.WithField("device", "psu_simulator")
	}
	s.lastTick = s.now()
	return &s
}

func (s *Simulator) SetWriteTermination(term string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeEOL = term
}

func (s *Simulator) SetReadTermination(term string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readEOL = term
}

// Terminations returns the configured write and read terminations.
func (s *Simulator) Terminations() (write, read string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeEOL, s.readEOL
}

// Sent returns every line received so far.
func (s *Simulator) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) Write(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.receive("write", cmd); err != nil {
		return err
	}
	if err := s.execute(cmd); err != nil {
		return &visa.CommunicationError{Op: "write", Command: cmd, Err: err}
	}
	return nil
}

func (s *Simulator) Query(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.receive("query", cmd); err != nil {
		return "", err
	}
	resp, err := s.answer(cmd)
	if err != nil {
		return "", &visa.CommunicationError{Op: "query", Command: cmd, Err: err}
	}
	s.logger.Debugf("%s -> %s", cmd, resp)
	return resp, nil
}

func (s *Simulator) receive(op, cmd string) error {
	if s.closed {
		return &visa.CommunicationError{Op: op, Command: cmd, Err: visa.ErrClosed}
	}
	s.sent = append(s.sent, cmd)
	s.tick()
	return nil
}

// tick integrates the output power since the last command.
func (s *Simulator) tick() {
	now := s.now()
	hours := now.Sub(s.lastTick).Hours()
	s.lastTick = now

	if !s.output || hours <= 0 {
		return
	}
	s.ampHours += s.current * hours
	s.wattHours += s.voltage * s.current * hours
}

func (s *Simulator) answer(cmd string) (string, error) {
	switch cmd {
	case "*IDN?":
		return strings.Join([]string{Manufacturer, Model, s.serial, Version}, ","), nil
	case "SOURce:VOLTage:LEVel:IMMediate:AMPLitude?":
		return formatFloat(s.voltage), nil
	case "SOURce:CURRent:LEVel:IMMediate:AMPLitude?":
		return formatFloat(s.current), nil
	case "MEASure:SCALar:LOCAL:VOLTage?", "MEASure:SCALar:REMOte:VOLTage?":
		if !s.output {
			return formatFloat(0), nil
		}
		return formatFloat(s.voltage), nil
	case "SOURce:CURRent:PROTection?":
		return formatFloat(s.currentProtection), nil
	case "SOURce:CURRent:PROTection:STATe?":
		return formatBool(s.protectionState), nil
	case "OUTPut:STATe?":
		return formatBool(s.output), nil
	case "SYSTem:BEEPer?":
		return formatBool(s.beeper), nil
	case "MEASure:AHOur?":
		return formatFloat(s.ampHours), nil
	case "MEASure:WHOur?":
		return formatFloat(s.wattHours), nil
	case "SOURce:REMote:SENSe:STATe?":
		return formatBool(s.remoteSense), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUndefinedHeader, cmd)
}

func (s *Simulator) execute(cmd string) error {
	switch cmd {
	case "SENSe:AHOur:RESet":
		s.ampHours = 0
		return nil
	case "SENSe:WHOur:RESet":
		s.wattHours = 0
		return nil
	}

	header, arg, ok := strings.Cut(cmd, " ")
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndefinedHeader, cmd)
	}

	switch header {
	case "SOURce:VOLTage:LEVel:IMMediate:AMPLitude":
		return setFloat(&s.voltage, arg, maxVoltage)
	case "SOURce:CURRent:LEVel:IMMediate:AMPLitude":
		return setFloat(&s.current, arg, maxCurrent)
	case "SOURce:CURRent:PROTection":
		return setFloat(&s.currentProtection, arg, maxCurrent)
	case "SOURce:CURRent:PROTection:STATe":
		return setBool(&s.protectionState, arg)
	case "OUTPut:STATe":
		return setBool(&s.output, arg)
	case "SYSTem:BEEPer":
		return setBool(&s.beeper, arg)
	case "SOURce:REMote:SENSe:STATe":
		return setBool(&s.remoteSense, arg)
	}
	return fmt.Errorf("%w: %s", ErrUndefinedHeader, header)
}

func setFloat(dst *float64, arg string, max float64) error {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return fmt.Errorf("bad numeric argument %q", arg)
	}
	if v < 0 || v > max {
		return fmt.Errorf("argument %v out of range [0, %v]", v, max)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, arg string) error {
	switch strings.ToUpper(arg) {
	case "1", "ON":
		*dst = true
	case "0", "OFF":
		*dst = false
	default:
		return fmt.Errorf("bad boolean argument %q", arg)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
