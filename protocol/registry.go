package protocol

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/goburrow/serial"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-modnet/connector"
	"github.com/arloliu/go-modnet/controller"
	"github.com/arloliu/go-modnet/logger"
)

// Type names a link variant.
type Type string

const (
	// TypeTCP is Modbus TCP with MBAP framing.
	TypeTCP Type = "tcp"
	// TypeRTU is Modbus RTU over a serial port.
	TypeRTU Type = "rtu"
	// TypeRTUOverTCP is Modbus RTU framing tunnelled through a TCP connection.
	TypeRTUOverTCP Type = "rtu-tcp"
)

// DefaultTCPPort is used when a TCP address carries no port.
const DefaultTCPPort = "502"

// LinkConfig describes one link to construct.
type LinkConfig struct {
	Type Type
	// Address is "host[:port]" for TCP variants, the serial device path for RTU.
	Address string
	SlaveID byte
	// Serial carries the line settings of RTU links; its Address is replaced by Address.
	Serial serial.Config
	// AcquireInterval spaces the dispatch of queued requests, zero disables it.
	AcquireInterval time.Duration
	// ConnectorOptions are applied after the framing defaults.
	ConnectorOptions []connector.Option
	Logger           logger.Logger
}

// Constructor builds a Linker from a LinkConfig.
type Constructor func(cfg LinkConfig) (*Linker, error)

// Registry maps link types to constructors.
type Registry struct {
	ctors *xsync.MapOf[Type, Constructor]
}

// NewRegistry creates a Registry with the built-in link types registered.
func NewRegistry() *Registry {
	r := &Registry{ctors: xsync.NewMapOf[Type, Constructor]()}
	r.Register(TypeTCP, newTCPLinker)
	r.Register(TypeRTU, newRTULinker)
	r.Register(TypeRTUOverTCP, newRTUOverTCPLinker)

	return r
}

// Register adds or replaces the constructor of typ.
func (r *Registry) Register(typ Type, ctor Constructor) {
	r.ctors.Store(typ, ctor)
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []Type {
	types := make([]Type, 0, r.ctors.Size())
	r.ctors.Range(func(typ Type, _ Constructor) bool {
		types = append(types, typ)
		return true
	})
	slices.Sort(types)

	return types
}

// NewLinker constructs a Linker for cfg.Type.
func (r *Registry) NewLinker(cfg LinkConfig) (*Linker, error) {
	ctor, ok := r.ctors.Load(Type(strings.ToLower(string(cfg.Type))))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}

	return ctor(cfg)
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry holding the built-in link types.
func DefaultRegistry() *Registry { return defaultRegistry }

func newTCPLinker(cfg LinkConfig) (*Linker, error) {
	return buildLinker(TypeTCP, cfg, connector.NewTCPDialer(withDefaultPort(cfg.Address)), NewTCPFramer())
}

func newRTUOverTCPLinker(cfg LinkConfig) (*Linker, error) {
	return buildLinker(TypeRTUOverTCP, cfg, connector.NewTCPDialer(withDefaultPort(cfg.Address)), RTUFramer{})
}

func newRTULinker(cfg LinkConfig) (*Linker, error) {
	sc := cfg.Serial
	if cfg.Address != "" {
		sc.Address = cfg.Address
	}
	if sc.Address == "" {
		return nil, fmt.Errorf("%w: serial device is empty", ErrInvalidInput)
	}

	return buildLinker(TypeRTU, cfg, connector.NewSerialDialer(sc), RTUFramer{})
}

func buildLinker(typ Type, cfg LinkConfig, dialer connector.Dialer, framer Framer) (*Linker, error) {
	l := cfg.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	l = l.With("protocol", string(typ), "slave", cfg.SlaveID)

	ctrl := controller.New(framer.KeyPolicy(),
		controller.WithLogger(l),
		controller.WithAcquireInterval(cfg.AcquireInterval),
	)

	opts := append([]connector.Option{
		connector.WithFrameReader(framer.FrameReader()),
		connector.WithLogger(l),
	}, cfg.ConnectorOptions...)

	conn, err := connector.New(dialer, ctrl, opts...)
	if err != nil {
		return nil, err
	}

	return NewLinker(typ, cfg.SlaveID, framer, ctrl, conn, l), nil
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(addr, DefaultTCPPort)
}
