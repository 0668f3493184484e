package discovery

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
	// Port is the Alpaca discovery port.
	Port    = 32227
	Request = "alpacadiscovery1"
)

// Responder answers Alpaca discovery requests with the port of a local
// Alpaca server.
type Responder struct {
	addr     string
	port     int
	response []byte
	logger   log.FieldLogger

	conn *net.UDPConn
}

// NewResponder creates a responder listening on addr:port that advertises
// alpacaPort.
func NewResponder(addr string, port, alpacaPort int, logger log.FieldLogger) *Responder {
	return &Responder{
		addr:     addr,
		port:     port,
		response: []byte(fmt.Sprintf(`{"AlpacaPort": %d}`, alpacaPort)),
		logger:   logger,
	}
}

// Listen binds the discovery socket.
func (d *Responder) Listen() error {
	laddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(d.addr, fmt.Sprint(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve discovery address: %v", err)
	}

	d.conn, err = net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("cannot bind discovery socket: %v", err)
	}
	return nil
}

// LocalAddr returns the bound address once Listen has succeeded.
func (d *Responder) LocalAddr() *net.UDPAddr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// Run listens and answers requests until ctx is cancelled.
func (d *Responder) Run(ctx context.Context) error {
	if d.conn == nil {
		if err := d.Listen(); err != nil {
			return err
		}
	}
	defer d.conn.Close()

	buf := make([]byte, 1024)
	d.logger.Debugf("Discovery responder started on %s", d.conn.LocalAddr())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Periodically wake up to check for cancellation.
		d.conn.SetReadDeadline(time.Now().Add(time.Second))

		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			d.logger.Debugf("Error reading from socket: %v", err)
			continue
		}

		data := string(buf[:n])
		d.logger.Debugf("Received %s from %s", data, addr)

		if strings.Contains(data, Request) {
			if _, err := d.conn.WriteToUDP(d.response, addr); err != nil {
				d.logger.Errorf("Error writing to socket: %v", err)
			}
		}
	}
}
