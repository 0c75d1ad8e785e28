// Package visa provides line oriented channels to instruments addressed by
// VISA resource strings. Only raw TCP sockets and serial ports are supported;
// there is no resource discovery.
package visa

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	defaultTermination = "\n"
	defaultTimeout     = 2 * time.Second
	defaultBaudRate    = 9600

	// How long a desynchronised channel listens for stale replies.
	drainWindow = 50 * time.Millisecond
)

// Channel is a textual request/response link to an instrument. Every call
// is a single line out and, for queries, a single line back.
type Channel interface {
	Write(cmd string) error
	Query(cmd string) (string, error)
	SetWriteTermination(term string)
	SetReadTermination(term string)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Resource is a Channel over a byte stream.
type Resource struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader
	name   string

	writeTermination string
	readTermination  string
	timeout          time.Duration
	baudRate         int
	closed           bool
	desynced         bool // a reply may still be in flight

	logger log.FieldLogger
}

// Option configures a Resource.
type Option func(*Resource)

// WithLogger sets the logger used for command tracing.
func WithLogger(logger log.FieldLogger) Option {
	return func(r *Resource) {
		r.logger = logger
	}
}

// WithTimeout sets the dial timeout and the per operation I/O deadline.
// Zero disables deadlines.
func WithTimeout(d time.Duration) Option {
	return func(r *Resource) {
		r.timeout = d
	}
}

// WithBaudRate sets the line speed of serial resources.
func WithBaudRate(baud int) Option {
	return func(r *Resource) {
		r.baudRate = baud
	}
}

func newResource(name string, opts []Option) *Resource {
	r := Resource{
		name:             name,
		writeTermination: defaultTermination,
		readTermination:  defaultTermination,
		timeout:          defaultTimeout,
		baudRate:         defaultBaudRate,
	}
	for _, opt := range opts {
		opt(&r)
	}
	if r.logger == nil {
		r.logger = log.WithField("component", "visa")
	}
	r.logger = r.logger.WithField("resource", name)
	return &r
}

// NewResource wraps an already open stream.
func NewResource(rw io.ReadWriteCloser, opts ...Option) *Resource {
	r := newResource(fmt.Sprintf("%T", rw), opts)
	r.attach(rw)
	return r
}

// Open parses addr and connects to the instrument it names.
func Open(addr string, opts ...Option) (*Resource, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	r := newResource(a.String(), opts)

	switch a.Kind {
	case KindSocket:
		dialer := net.Dialer{Timeout: r.timeout}
		conn, err := dialer.Dial("tcp", net.JoinHostPort(a.Host, strconv.Itoa(a.Port)))
		if err != nil {
			return nil, &CommunicationError{Op: "open", Command: a.String(), Err: err}
		}
		r.attach(conn)

	case KindSerial:
		mode := &serial.Mode{
			BaudRate: r.baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(a.Device, mode)
		if err != nil {
			return nil, &CommunicationError{Op: "open", Command: a.String(), Err: err}
		}
		if r.timeout > 0 {
			if err := port.SetReadTimeout(r.timeout); err != nil {
				port.Close()
				return nil, &CommunicationError{Op: "open", Command: a.String(), Err: err}
			}
		}
		r.attach(&serialPort{port})
	}

	r.logger.Debugf("Opened %s", a)
	return r, nil
}

func (r *Resource) attach(rw io.ReadWriteCloser) {
	r.rw = rw
	r.reader = bufio.NewReader(rw)
}

// Name returns the resource string the channel was opened with.
func (r *Resource) Name() string {
	return r.name
}

func (r *Resource) SetWriteTermination(term string) {
	r.writeTermination = term
}

func (r *Resource) SetReadTermination(term string) {
	r.readTermination = term
}

// Write sends cmd followed by the write termination.
func (r *Resource) Write(cmd string) error {
	commandCounters.WithLabelValues("write").Inc()
	if err := r.send(cmd); err != nil {
		errorCounters.WithLabelValues("write").Inc()
		return &CommunicationError{Op: "write", Command: cmd, Err: err}
	}
	return nil
}

// Query sends cmd and returns the next line received, without its
// termination.
func (r *Resource) Query(cmd string) (string, error) {
	commandCounters.WithLabelValues("query").Inc()
	start := time.Now()

	resp, err := r.roundTrip(cmd)
	if err != nil {
		errorCounters.WithLabelValues("query").Inc()
		return "", &CommunicationError{Op: "query", Command: cmd, Err: err}
	}

	roundTripHistogram.Observe(time.Since(start).Seconds())
	return resp, nil
}

func (r *Resource) roundTrip(cmd string) (string, error) {
	if err := r.send(cmd); err != nil {
		return "", err
	}

	resp, err := r.readLine()
	if err != nil {
		r.desynced = true
		return "", err
	}
	r.logger.Debugf("Received: %q", resp)
	return resp, nil
}

func (r *Resource) send(cmd string) error {
	if r.closed {
		return ErrClosed
	}
	if r.desynced {
		r.drain()
	}
	if err := r.setDeadline(); err != nil {
		return errors.Wrap(err, "set deadline failed")
	}

	r.logger.Debugf("Sending command: %s", cmd)
	if _, err := io.WriteString(r.rw, cmd+r.writeTermination); err != nil {
		r.desynced = true
		return errors.Wrap(err, "write failed")
	}
	return nil
}

// drain discards whatever arrives within drainWindow, so that the reply to
// a timed out query is not taken as the answer to the next one.
func (r *Resource) drain() {
	r.desynced = false
	if n := r.reader.Buffered(); n > 0 {
		r.logger.Debugf("Discarding %d buffered bytes", n)
	}
	r.reader.Reset(r.rw)

	d, ok := r.rw.(deadliner)
	if !ok {
		return
	}
	deadline := time.Now().Add(drainWindow)
	if err := d.SetDeadline(deadline); err != nil {
		r.logger.Warnf("Cannot drain stale replies: %v", err)
		return
	}

	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := r.rw.Read(buf)
		if n > 0 {
			r.logger.Debugf("Discarding stale reply: %q", buf[:n])
		}
		if err != nil {
			break
		}
	}
	d.SetDeadline(time.Time{})
}

func (r *Resource) readLine() (string, error) {
	if r.readTermination == "" {
		return "", errors.New("read termination not set")
	}
	last := r.readTermination[len(r.readTermination)-1]

	var line strings.Builder
	for {
		chunk, err := r.reader.ReadString(last)
		line.WriteString(chunk)
		if err != nil {
			return "", errors.Wrap(err, "read failed")
		}
		if s := line.String(); strings.HasSuffix(s, r.readTermination) {
			return strings.TrimSuffix(s, r.readTermination), nil
		}
	}
}

func (r *Resource) setDeadline() error {
	if r.timeout <= 0 {
		return nil
	}
	if d, ok := r.rw.(deadliner); ok {
		return d.SetDeadline(time.Now().Add(r.timeout))
	}
	return nil
}

// Close releases the underlying stream. Closing twice is a no-op.
func (r *Resource) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.logger.Debug("Closing resource")
	return r.rw.Close()
}

// serialPort turns the zero length reads go.bug.st/serial returns on a read
// timeout into ErrTimeout.
type serialPort struct {
	serial.Port
}

// SetDeadline bounds each following read by the time left until t. A zero
// t blocks reads indefinitely.
func (p *serialPort) SetDeadline(t time.Time) error {
	if t.IsZero() {
		return p.Port.SetReadTimeout(serial.NoTimeout)
	}
	d := time.Until(t)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return p.Port.SetReadTimeout(d)
}

func (p *serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil {
		return 0, ErrTimeout
	}
	return n, err
}
