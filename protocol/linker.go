package protocol

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-modnet/connector"
	"github.com/arloliu/go-modnet/controller"
	"github.com/arloliu/go-modnet/logger"
)

// Linker binds a Framer to a Connector and exchanges PDUs with one slave.
//
// Units are indexed by name, SendReceive(ctx, linker.Unit(UnitReadData), input) is the
// generic entry point; ReadData, WriteData and WriteSingle are typed shortcuts.
type Linker struct {
	typ     Type
	slaveID byte
	framer  Framer
	ctrl    *controller.Controller
	conn    *connector.Connector
	units   *xsync.MapOf[string, Unit]
	logger  logger.Logger
}

// NewLinker creates a Linker exchanging frames of framer with slaveID over conn.
// ctrl must be the correlator conn was created with.
func NewLinker(typ Type, slaveID byte, framer Framer, ctrl *controller.Controller, conn *connector.Connector, l logger.Logger) *Linker {
	if l == nil {
		l = logger.GetLogger()
	}

	lk := &Linker{
		typ:     typ,
		slaveID: slaveID,
		framer:  framer,
		ctrl:    ctrl,
		conn:    conn,
		units:   xsync.NewMapOf[string, Unit](),
		logger:  l,
	}

	for _, u := range []Unit{ReadDataUnit{}, WriteDataUnit{}, WriteSingleUnit{}} {
		lk.RegisterUnit(u)
	}

	return lk
}

// Type returns the protocol type of the link.
func (l *Linker) Type() Type { return l.typ }

// SlaveID returns the addressed slave.
func (l *Linker) SlaveID() byte { return l.slaveID }

// Connector returns the underlying connector.
func (l *Linker) Connector() *connector.Connector { return l.conn }

// Controller returns the correlator of the link.
func (l *Linker) Controller() *controller.Controller { return l.ctrl }

// RegisterUnit adds or replaces a unit.
func (l *Linker) RegisterUnit(u Unit) {
	l.units.Store(u.Name(), u)
}

// Unit returns the unit registered under name, or nil.
func (l *Linker) Unit(name string) Unit {
	u, _ := l.units.Load(name)
	return u
}

// Connect connects the underlying transport.
func (l *Linker) Connect(ctx context.Context) bool { return l.conn.Connect(ctx) }

// Disconnect closes the underlying transport.
func (l *Linker) Disconnect() error { return l.conn.Disconnect() }

// IsConnected reports whether the underlying transport is open.
func (l *Linker) IsConnected() bool { return l.conn.IsConnected() }

// ConnectionToken identifies the underlying transport.
func (l *Linker) ConnectionToken() string { return l.conn.ConnectionToken() }

// SendReceive encodes input with unit, performs the round trip and decodes the response.
func (l *Linker) SendReceive(ctx context.Context, unit Unit, input any) (any, error) {
	if unit == nil {
		return nil, ErrUnknownUnit
	}

	req, err := unit.Encode(input)
	if err != nil {
		return nil, err
	}

	rsp, err := l.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}

	return unit.Decode(req, rsp)
}

// Exchange frames req, sends it and returns the unframed response PDU.
func (l *Linker) Exchange(ctx context.Context, req PDU) (PDU, error) {
	frame := l.framer.Encode(l.slaveID, req)

	raw, err := l.conn.Send(ctx, frame)
	if err != nil {
		return PDU{}, err
	}

	slaveID, rsp, err := l.framer.Decode(raw)
	if err != nil {
		l.logger.Warn("failed to decode response", "method", "Exchange", "error", err, "token", l.ConnectionToken())
		return PDU{}, err
	}

	if slaveID != l.slaveID && l.typ != TypeTCP {
		return PDU{}, fmt.Errorf("%w: slave %d answered, want %d", ErrUnexpectedResponse, slaveID, l.slaveID)
	}

	return rsp, nil
}

// ReadData sends a read request.
func (l *Linker) ReadData(ctx context.Context, in ReadDataInput) (*ReadDataOutput, error) {
	return sendTyped[*ReadDataOutput](ctx, l, UnitReadData, in)
}

// WriteData sends a multi-element write request.
func (l *Linker) WriteData(ctx context.Context, in WriteDataInput) (*WriteDataOutput, error) {
	return sendTyped[*WriteDataOutput](ctx, l, UnitWriteData, in)
}

// WriteSingle sends a single-element write request.
func (l *Linker) WriteSingle(ctx context.Context, in WriteSingleInput) (*WriteSingleOutput, error) {
	return sendTyped[*WriteSingleOutput](ctx, l, UnitWriteSingle, in)
}

func sendTyped[T any](ctx context.Context, l *Linker, name string, input any) (T, error) {
	var zero T

	unit := l.Unit(name)
	if unit == nil {
		return zero, fmt.Errorf("%w: %s", ErrUnknownUnit, name)
	}

	out, err := l.SendReceive(ctx, unit, input)
	if err != nil {
		return zero, err
	}

	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unit %s returned %T", ErrUnexpectedResponse, name, out)
	}

	return typed, nil
}
