// Package device implements a polled Modbus device made of named data points.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-modnet/address"
	"github.com/arloliu/go-modnet/connector"
	"github.com/arloliu/go-modnet/fleet"
	"github.com/arloliu/go-modnet/logger"
	"github.com/arloliu/go-modnet/protocol"
	"github.com/arloliu/go-modnet/utility"
)

var (
	// ErrInvalidPoint indicates a point definition that can't be polled.
	ErrInvalidPoint = errors.New("invalid point")

	// ErrNoPoints indicates a device without points.
	ErrNoPoints = errors.New("device has no points")
)

// Type is the wire encoding of a point value.
type Type string

const (
	TypeBool    Type = "bool"
	TypeUint16  Type = "uint16"
	TypeInt16   Type = "int16"
	TypeUint32  Type = "uint32"
	TypeInt32   Type = "int32"
	TypeFloat32 Type = "float32"
	TypeFloat64 Type = "float64"
)

func (t Type) byteLen() int {
	switch t {
	case TypeBool, TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeFloat64:
		return 8
	default:
		return 0
	}
}

// Point is one named value of a device.
type Point struct {
	Name    string
	Address string
	Type    Type
	// Scale multiplies the raw value, zero means 1.
	Scale float64
}

type point struct {
	Point
	desc    address.Descriptor
	bitArea bool
	scale   float64
}

// Config describes a device built by NewFromConfig.
type Config struct {
	ID      int
	Dialect string
	Link    protocol.LinkConfig
	Points  []Point
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// Device polls its points through a ModbusUtility.
//
// A device with keep-connect disabled disconnects after every poll; its IsConnected then
// reports whether the last poll reached the slave.
type Device struct {
	id     int
	util   *utility.ModbusUtility
	points []point
	logger logger.Logger

	pollMu      sync.Mutex
	keepConnect atomic.Bool
	reachable   atomic.Bool
}

var _ fleet.Device = (*Device)(nil)

// New creates a Device. Every point address is translated up front, an invalid address
// fails construction.
func New(id int, util *utility.ModbusUtility, points []Point, opts ...Option) (*Device, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}

	d := &Device{
		id:     id,
		util:   util,
		logger: logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("device", id, "token", util.ConnectionToken())
	d.keepConnect.Store(true)

	seen := make(map[string]struct{}, len(points))
	for _, p := range points {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: empty name at %q", ErrInvalidPoint, p.Address)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidPoint, p.Name)
		}
		seen[p.Name] = struct{}{}

		rp, err := resolve(util.Translator(), p)
		if err != nil {
			return nil, err
		}
		d.points = append(d.points, rp)
	}

	return d, nil
}

// NewFromConfig builds the link and the utility described by cfg and creates the Device.
func NewFromConfig(cfg Config, opts ...Option) (*Device, error) {
	util, err := utility.NewFromConfig(cfg.Link, cfg.Dialect)
	if err != nil {
		return nil, fmt.Errorf("device %d: %w", cfg.ID, err)
	}

	return New(cfg.ID, util, cfg.Points, opts...)
}

func resolve(tr address.Translator, p Point) (point, error) {
	if p.Type.byteLen() == 0 {
		return point{}, fmt.Errorf("%w: %s has unknown type %q", ErrInvalidPoint, p.Name, p.Type)
	}

	desc, err := tr.Translate(p.Address, true)
	if err != nil {
		return point{}, fmt.Errorf("point %s: %w", p.Name, err)
	}

	rp := point{
		Point:   p,
		desc:    desc,
		bitArea: address.FunctionCode(desc.Area).IsBitAccess(),
		scale:   p.Scale,
	}
	if rp.scale == 0 {
		rp.scale = 1
	}

	switch {
	case rp.bitArea && p.Type != TypeBool:
		return point{}, fmt.Errorf("%w: %s reads a bit area as %s", ErrInvalidPoint, p.Name, p.Type)
	case rp.bitArea && desc.SubAddress != 0:
		return point{}, fmt.Errorf("%w: %s has a bit index on a bit area", ErrInvalidPoint, p.Name)
	case !rp.bitArea && p.Type == TypeBool && desc.SubAddress > 15:
		return point{}, fmt.Errorf("%w: %s bit %d exceeds a register", ErrInvalidPoint, p.Name, desc.SubAddress)
	}

	return rp, nil
}

func (d *Device) ID() int { return d.id }

func (d *Device) ConnectionToken() string { return d.util.ConnectionToken() }

func (d *Device) SetKeepConnect(keep bool) { d.keepConnect.Store(keep) }

func (d *Device) KeepConnect() bool { return d.keepConnect.Load() }

// Utility returns the utility the device polls through.
func (d *Device) Utility() *utility.ModbusUtility { return d.util }

// IsConnected reports the transport state of a keep-connect device, and whether the last
// poll reached the slave otherwise.
func (d *Device) IsConnected() bool {
	if d.keepConnect.Load() {
		return d.util.IsConnected()
	}

	return d.reachable.Load()
}

func (d *Device) Disconnect() error {
	return d.util.Disconnect()
}

// GetData reads every point. Transport failures abort the poll and return an error,
// protocol failures such as exception responses are reported per point.
func (d *Device) GetData(ctx context.Context) (map[string]fleet.Value, error) {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()

	if !d.util.IsConnected() && !d.util.Connect(ctx) {
		d.reachable.Store(false)
		return nil, fmt.Errorf("device %d: %w", d.id, connector.ErrNotConnected)
	}

	values := make(map[string]fleet.Value, len(d.points))
	for _, p := range d.points {
		v, err := d.read(ctx, p)
		if err != nil {
			if isTransportError(err) {
				d.reachable.Store(false)
				d.release()

				return nil, fmt.Errorf("device %d point %s: %w", d.id, p.Name, err)
			}

			d.logger.Debug("point read failed", "point", p.Name, "address", p.Address, "error", err)
			values[p.Name] = fleet.Value{Err: err}

			continue
		}
		values[p.Name] = fleet.Value{Number: v}
	}

	d.reachable.Store(true)
	d.release()

	return values, nil
}

func (d *Device) release() {
	if d.keepConnect.Load() {
		return
	}
	if err := d.util.Disconnect(); err != nil {
		d.logger.Debug("disconnect after poll failed", "error", err)
	}
}

func (d *Device) read(ctx context.Context, p point) (float64, error) {
	n := p.Type.byteLen()
	if p.bitArea {
		n = 1
	}

	data, err := d.util.GetDatas(ctx, p.Address, n)
	if err != nil {
		return 0, err
	}
	if len(data) < n {
		return 0, fmt.Errorf("%w: %d bytes for %s", protocol.ErrUnexpectedResponse, len(data), p.Type)
	}

	var raw float64
	switch p.Type {
	case TypeBool:
		var bit uint16
		if p.bitArea {
			bit = uint16(data[0] & 1)
		} else {
			bit = binary.BigEndian.Uint16(data) >> p.desc.SubAddress & 1
		}
		raw = float64(bit)
	case TypeUint16:
		raw = float64(binary.BigEndian.Uint16(data))
	case TypeInt16:
		raw = float64(int16(binary.BigEndian.Uint16(data)))
	case TypeUint32:
		raw = float64(binary.BigEndian.Uint32(data))
	case TypeInt32:
		raw = float64(int32(binary.BigEndian.Uint32(data)))
	case TypeFloat32:
		raw = float64(math.Float32frombits(binary.BigEndian.Uint32(data)))
	case TypeFloat64:
		raw = math.Float64frombits(binary.BigEndian.Uint64(data))
	}

	return raw * p.scale, nil
}

func isTransportError(err error) bool {
	return errors.Is(err, connector.ErrNotConnected) ||
		errors.Is(err, connector.ErrConnClosed) ||
		errors.Is(err, connector.ErrTimeout) ||
		errors.Is(err, connector.ErrRequestRejected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ConnectorMetrics returns the transport counters of the device link.
func (d *Device) ConnectorMetrics() *connector.Metrics {
	return d.util.Linker().Connector().GetMetrics()
}
