package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DiscoveryPort    = 32227
	discoveryMessage = "itechdiscovery1"
)

// DiscoveryResponder answers UDP discovery broadcasts with the HTTP API port.
type DiscoveryResponder struct {
	addr     string
	port     int
	response string
	logger   log.FieldLogger
}

// NewDiscoveryResponder creates a responder listening on addr:DiscoveryPort
// that advertises apiPort.
func NewDiscoveryResponder(addr string, apiPort int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		port:     DiscoveryPort,
		response: fmt.Sprintf(`{"ApiPort": %d}`, apiPort),
		logger:   logger,
	}
}

// Run serves discovery requests until ctx is cancelled.
func (d *DiscoveryResponder) Run(ctx context.Context) error {
	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, fmt.Sprint(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve device address: %v", err)
	}

	sock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind discovery socket: %v", err)
	}
	defer sock.Close()

	d.logger.Debugf("Discovery responder started on %s", deviceAddress.String())
	return d.serve(ctx, sock)
}

func (d *DiscoveryResponder) serve(ctx context.Context, sock *net.UDPConn) error {
	buf := make([]byte, 1024)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			// Set a read deadline to periodically check for context cancellation
			sock.SetReadDeadline(time.Now().Add(1 * time.Second))

			n, addr, err := sock.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				d.logger.Debugf("Error reading from socket: %v", err)
				continue
			}

			data := string(buf[:n])
			d.logger.Debugf("Received %s from %s", data, addr.String())

			if strings.Contains(data, discoveryMessage) {
				if _, err := sock.WriteToUDP([]byte(d.response), addr); err != nil {
					d.logger.Errorf("Error writing to socket: %v", err)
				}
			}
		}
	}
}
