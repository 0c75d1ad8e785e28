package visa

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the interface type named by a VISA resource address.
type Kind int

const (
	KindSocket Kind = iota // TCPIP raw socket
	KindSerial             // ASRL serial port
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "SOCKET"
	case KindSerial:
		return "ASRL"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Address is a parsed VISA resource string.
type Address struct {
	Kind   Kind
	Board  int
	Host   string // KindSocket only
	Port   int    // KindSocket only
	Device string // KindSerial only
}

// ParseAddress parses the VISA resource strings this package can open:
//
//	TCPIP[board]::<host>::<port>::SOCKET
//	ASRL<device>::INSTR
//	ASRL::<device>::INSTR
//
// A purely numeric serial device such as ASRL3::INSTR names a port of the
// host: COM3 on Windows, /dev/ttyS3 elsewhere.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(strings.TrimSpace(s), "::")
	head := strings.ToUpper(parts[0])

	switch {
	case strings.HasPrefix(head, "TCPIP"):
		return parseSocket(s, parts)
	case strings.HasPrefix(head, "ASRL"):
		return parseSerial(s, parts)
	}
	return Address{}, errors.Wrapf(ErrInvalidAddress, "unsupported interface in %q", s)
}

func parseSocket(s string, parts []string) (Address, error) {
	if len(parts) != 4 || !strings.EqualFold(parts[3], "SOCKET") {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "expected TCPIP::<host>::<port>::SOCKET, got %q", s)
	}

	board, err := parseBoard(parts[0][len("TCPIP"):])
	if err != nil {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "bad board number in %q", s)
	}
	if parts[1] == "" {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "missing host in %q", s)
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port < 1 || port > 65535 {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "bad port in %q", s)
	}

	return Address{Kind: KindSocket, Board: board, Host: parts[1], Port: port}, nil
}

func parseSerial(s string, parts []string) (Address, error) {
	var device string
	switch len(parts) {
	case 2:
		device = parts[0][len("ASRL"):]
	case 3:
		if len(parts[0]) != len("ASRL") {
			return Address{}, errors.Wrapf(ErrInvalidAddress, "unexpected board in %q", s)
		}
		device = parts[1]
	default:
		return Address{}, errors.Wrapf(ErrInvalidAddress, "expected ASRL<device>::INSTR, got %q", s)
	}
	if !strings.EqualFold(parts[len(parts)-1], "INSTR") {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "serial resource must end in INSTR: %q", s)
	}
	if device == "" {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "missing serial device in %q", s)
	}
	if _, err := strconv.Atoi(device); err == nil {
		device = serialPortName(runtime.GOOS, device)
	}

	return Address{Kind: KindSerial, Device: device}, nil
}

// serialPortName returns the device name of numbered serial port n on goos.
func serialPortName(goos, n string) string {
	if goos == "windows" {
		return "COM" + n
	}
	return "/dev/ttyS" + n
}

func parseBoard(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// String returns the canonical resource string.
func (a Address) String() string {
	switch a.Kind {
	case KindSocket:
		return fmt.Sprintf("TCPIP%d::%s::%d::SOCKET", a.Board, a.Host, a.Port)
	case KindSerial:
		return fmt.Sprintf("ASRL::%s::INSTR", a.Device)
	default:
		return ""
	}
}
