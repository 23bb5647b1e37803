// Package connector owns the transport of one polled link.
//
// A Connector dials a Dialer, runs a dedicated receive goroutine handing every inbound
// frame to a Correlator, and performs request/response round trips with a hard timeout.
// A read error is connection death: the transport is closed, the correlator's send loop
// is stopped and every pending request is evicted. The next Send reconnects implicitly.
package connector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-modnet/controller"
	"github.com/arloliu/go-modnet/internal/pool"
	"github.com/arloliu/go-modnet/internal/task"
	"github.com/arloliu/go-modnet/logger"
)

// Correlator is the request/response correlation surface consumed by a Connector.
// *controller.Controller implements it.
type Correlator interface {
	TryRegister(sent []byte) (*controller.PendingRequest, error)
	StartSendLoop()
	StopSendLoop()
	Confirm(received []byte) bool
	Evict(req *controller.PendingRequest) bool
	Clear() int
}

var _ Correlator = (*controller.Controller)(nil)

// Connector manages one transport and its receive loop.
type Connector struct {
	cfg    *Config
	dialer Dialer
	ctrl   Correlator
	logger logger.Logger

	connMu    sync.Mutex // serializes Connect and Disconnect
	conn      io.ReadWriteCloser
	writeMu   sync.Mutex
	ctxMu     sync.Mutex
	connCtx   context.Context // done when the current transport dies
	ctxCancel context.CancelFunc

	state   linkState
	taskMgr *task.Manager
	metrics Metrics
}

// New creates a Connector dialing with dialer and correlating with ctrl.
func New(dialer Dialer, ctrl Correlator, opts ...Option) (*Connector, error) {
	if dialer == nil {
		return nil, ErrDialerNil
	}
	if ctrl == nil {
		return nil, ErrCorrelatorNil
	}

	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	c := &Connector{
		cfg:     cfg,
		dialer:  dialer,
		ctrl:    ctrl,
		logger:  cfg.logger.With("address", dialer.Address()),
		taskMgr: task.NewManager(context.Background(), cfg.logger),
	}

	// a fresh connector has no transport, its context is already done
	c.connCtx, c.ctxCancel = context.WithCancel(context.Background())
	c.ctxCancel()

	return c, nil
}

// UpdateOptions applies runtime options to the configuration.
func (c *Connector) UpdateOptions(opts ...Option) error {
	for _, opt := range opts {
		o, ok := opt.(*optFunc)
		if !ok {
			return errors.New("invalid Option type")
		}
		if !o.runtime {
			return fmt.Errorf("option %s can't be changed at runtime", o.name)
		}
		if err := o.apply(c.cfg); err != nil {
			return err
		}
	}

	return nil
}

// ConnectionToken returns the dial address, it identifies the link within a fleet.
func (c *Connector) ConnectionToken() string {
	return c.dialer.Address()
}

// GetMetrics returns the connector metrics.
func (c *Connector) GetMetrics() *Metrics {
	return &c.metrics
}

// State returns the transport state.
func (c *Connector) State() LinkState {
	return c.state.get()
}

// IsConnected reports whether the transport is open.
func (c *Connector) IsConnected() bool {
	return c.state.is(Connected)
}

// Connect dials the transport under the connect timeout. It returns false when the dial
// fails; on success the correlator send loop and the receive loop are started.
// Connect on an open connector returns true.
func (c *Connector) Connect(ctx context.Context) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.state.is(Connected) {
		return true
	}

	if !c.state.beginDial() {
		c.logger.Debug("connect skipped", "method", "Connect", "state", c.state.get().String())
		return false
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout())
	defer cancel()

	conn, err := c.dialer.Dial(dialCtx)
	if err != nil {
		c.metrics.incConnRetryGauge()
		c.state.reset(Disconnected)
		c.logger.Warn("failed to connect", "method", "Connect", "error", err, "retry", c.metrics.ConnRetryGauge.Load())

		return false
	}

	c.conn = conn
	c.ctxMu.Lock()
	c.connCtx, c.ctxCancel = context.WithCancel(context.Background())
	c.ctxMu.Unlock()

	c.ctrl.StartSendLoop()

	reader := bufio.NewReader(conn)
	err = c.taskMgr.Start("receiver", func(_ context.Context) bool {
		return c.receiverTask(conn, reader)
	})
	if err != nil {
		c.logger.Error("failed to start receiver", "method", "Connect", "error", err)
		c.state.reset(Disconnecting)
		_ = c.shutdown(conn, true)

		return false
	}

	if !c.state.dialed() {
		// the receive loop already hit a read error
		return false
	}
	c.metrics.resetConnRetryGauge()
	c.logger.Info("connected", "method", "Connect")

	return true
}

// Disconnect closes the transport. It is idempotent and safe to call concurrently with
// the receive loop; only the first call closes, later calls return nil.
func (c *Connector) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.state.beginClose() {
		return nil
	}

	return c.shutdown(c.conn, true)
}

// Send performs one round trip: the frame is registered with the correlator, written
// when released, and the matching response is returned.
//
// When not connected Send first tries to Connect. The whole round trip is bounded by
// the send timeout; on expiry the pending request is evicted before ErrTimeout is
// returned, so a late response is discarded as unsolicited.
func (c *Connector) Send(ctx context.Context, frame []byte) ([]byte, error) {
	if !c.IsConnected() && !c.Connect(ctx) {
		return nil, ErrNotConnected
	}

	connCtx := c.connContext()
	timer := pool.GetTimer(c.cfg.SendTimeout())
	defer pool.PutTimer(timer)

	req, err := c.register(ctx, connCtx, timer, frame)
	if err != nil {
		return nil, err
	}

	select {
	case <-req.SendReady():
	case <-ctx.Done():
		c.ctrl.Evict(req)
		return nil, ctx.Err()
	case <-connCtx.Done():
		c.ctrl.Evict(req)
		return nil, ErrConnClosed
	case <-timer.C:
		c.ctrl.Evict(req)
		c.metrics.incTimeoutCount()
		c.logger.Warn("send-ready timeout", "method", "Send", "key", req.Key().String())

		return nil, ErrTimeout
	}

	if err := c.write(frame); err != nil {
		c.ctrl.Evict(req)
		c.metrics.incErrCount()
		c.logger.Error("failed to write frame", "method", "Send", "error", err)
		_ = c.Disconnect()

		return nil, fmt.Errorf("%w: %w", ErrConnClosed, err)
	}

	c.metrics.incSendCount()
	c.metrics.incInflightCount()
	defer c.metrics.decInflightCount()

	select {
	case <-req.Done():
		return req.Received(), nil
	case <-ctx.Done():
		return c.abandon(req, ctx.Err())
	case <-connCtx.Done():
		return c.abandon(req, ErrConnClosed)
	case <-timer.C:
		c.metrics.incTimeoutCount()
		c.logger.Warn("response timeout", "method", "Send", "key", req.Key().String(), "timeout", c.cfg.SendTimeout())

		return c.abandon(req, ErrTimeout)
	}
}

// abandon evicts req and reports err. When the eviction loses the race against a match
// the response is already owned by this caller and is returned instead.
//
// A written request without a correlation key can't be told apart from its successor
// on the wire, so its late response would match the next request. The transport is
// closed instead and the next Send reconnects.
func (c *Connector) abandon(req *controller.PendingRequest, err error) ([]byte, error) {
	if c.ctrl.Evict(req) {
		if req.Key().IsWildcard() && !errors.Is(err, ErrConnClosed) {
			c.logger.Warn("unkeyed request abandoned, closing transport to resync",
				"method", "abandon", "error", err)
			_ = c.Disconnect()
		}

		return nil, err
	}

	select {
	case <-req.Done():
		return req.Received(), nil
	default:
		return nil, err
	}
}

func (c *Connector) register(ctx, connCtx context.Context, timer *time.Timer, frame []byte) (*controller.PendingRequest, error) {
	for {
		req, err := c.ctrl.TryRegister(frame)
		if err == nil {
			return req, nil
		}

		if !errors.Is(err, controller.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %w", ErrRequestRejected, err)
		}

		retry := pool.GetTimer(c.cfg.registerRetryInterval)
		select {
		case <-ctx.Done():
			pool.PutTimer(retry)
			return nil, ctx.Err()
		case <-connCtx.Done():
			pool.PutTimer(retry)
			return nil, ErrConnClosed
		case <-timer.C:
			pool.PutTimer(retry)
			c.metrics.incTimeoutCount()

			return nil, ErrTimeout
		case <-retry.C:
			pool.PutTimer(retry)
		}
	}
}

func (c *Connector) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil || !c.state.is(Connected) {
		return ErrNotConnected
	}

	if nc, ok := conn.(net.Conn); ok {
		if err := nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout())); err != nil {
			return err
		}
	}

	_, err := conn.Write(frame)

	return err
}

func (c *Connector) connContext() context.Context {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()

	return c.connCtx
}

// receiverTask reads one frame and hands it to the correlator.
func (c *Connector) receiverTask(conn io.ReadWriteCloser, reader *bufio.Reader) bool {
	frame, err := c.cfg.frameReader.ReadFrame(reader)
	if err != nil {
		if !isClosedErr(err) {
			c.metrics.incErrCount()
			c.logger.Error("failed to read frame", "method", "receiverTask", "error", err)
		}

		// the receive goroutine can't wait for itself
		if c.state.beginClose() {
			_ = c.shutdown(conn, false)
		}

		return false
	}

	c.metrics.incRecvCount()

	if !c.ctrl.Confirm(frame) {
		c.metrics.incUnsolicitedCount()
		c.logger.Warn("unsolicited frame discarded", "method", "receiverTask", "len", len(frame))
	}

	return true
}

// shutdown tears down the transport. The caller must have moved the state to Disconnecting.
func (c *Connector) shutdown(conn io.Closer, wait bool) error {
	c.logger.Debug("start shutdown", "method", "shutdown", "wait", wait)

	c.ctxMu.Lock()
	c.ctxCancel()
	c.ctxMu.Unlock()

	if wait {
		c.taskMgr.Stop()
	}

	var err error
	if conn != nil {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0)
		}
		err = conn.Close()
		if err != nil && !isClosedErr(err) {
			c.logger.Error("failed to close transport", "method", "shutdown", "error", err)
		} else {
			err = nil
		}
	}

	c.ctrl.StopSendLoop()
	if n := c.ctrl.Clear(); n > 0 {
		c.logger.Debug("pending requests evicted", "method", "shutdown", "count", n)
	}

	if wait {
		c.taskMgr.Wait()
	}

	c.state.closed()
	c.logger.Info("disconnected", "method", "shutdown")

	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(err.Error(), "connection reset by peer")
}
