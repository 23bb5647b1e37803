package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"
)

// Dialer opens the byte stream of a Connector.
type Dialer interface {
	// Dial opens a new stream. It must return when ctx is done.
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	// Address identifies the remote end, it is used as the connection token.
	Address() string
}

// TCPDialer dials a TCP endpoint, e.g. "10.0.0.5:502".
type TCPDialer struct {
	addr      string
	keepAlive time.Duration
}

var _ Dialer = (*TCPDialer)(nil)

// NewTCPDialer creates a TCPDialer for addr in "host:port" form.
func NewTCPDialer(addr string) *TCPDialer {
	return &TCPDialer{addr: addr, keepAlive: 30 * time.Second}
}

func (d *TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	nd := net.Dialer{KeepAlive: d.keepAlive}
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func (d *TCPDialer) Address() string { return d.addr }

// SerialDialer opens a serial port, e.g. "/dev/ttyUSB0" or "COM3".
type SerialDialer struct {
	cfg serial.Config
}

var _ Dialer = (*SerialDialer)(nil)

// DefaultSerialPollTimeout is the read timeout of a serial port between checks for close.
const DefaultSerialPollTimeout = 500 * time.Millisecond

// NewSerialDialer creates a SerialDialer from cfg. Zero fields of cfg default to
// 9600 baud, 8 data bits, 1 stop bit, even parity.
func NewSerialDialer(cfg serial.Config) *SerialDialer {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Parity == "" {
		cfg.Parity = "E"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSerialPollTimeout
	}

	return &SerialDialer{cfg: cfg}
}

func (d *SerialDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	type result struct {
		port serial.Port
		err  error
	}

	cfg := d.cfg
	ch := make(chan result, 1)
	go func() {
		port, err := serial.Open(&cfg)
		ch <- result{port, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.port.Close()
			}
		}()

		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", cfg.Address, r.err)
		}

		return &serialConn{port: r.port}, nil
	}
}

func (d *SerialDialer) Address() string { return d.cfg.Address }

// serialConn turns the read timeouts of a serial port into a blocking read that ends
// on Close.
type serialConn struct {
	port   serial.Port
	closed atomic.Bool
}

func (c *serialConn) Read(b []byte) (int, error) {
	for {
		if c.closed.Load() {
			return 0, os.ErrClosed
		}

		n, err := c.port.Read(b)
		if errors.Is(err, serial.ErrTimeout) && n == 0 {
			continue
		}

		return n, err
	}
}

func (c *serialConn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, os.ErrClosed
	}

	return c.port.Write(b)
}

func (c *serialConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	return c.port.Close()
}
