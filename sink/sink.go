package sink

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/arloliu/go-modnet/fleet"
	"github.com/arloliu/go-modnet/logger"
)

// ErrNilPublisher indicates a NATS sink without connection.
var ErrNilPublisher = errors.New("publisher is nil")

// Sink consumes result events. Handle has the signature of fleet.ResultHandler, so
// manager.OnResult(s.Handle) subscribes a sink.
type Sink interface {
	Handle(ev fleet.ResultEvent)
	Close() error
}

// LogSink writes every result event to a logger, failures at warn level.
type LogSink struct {
	logger logger.Logger
}

// NewLogSink creates a LogSink. A nil logger selects the package default.
func NewLogSink(l logger.Logger) *LogSink {
	if l == nil {
		l = logger.GetLogger()
	}

	return &LogSink{logger: l.With("sink", "log")}
}

func (s *LogSink) Handle(ev fleet.ResultEvent) {
	if ev.Err != nil {
		s.logger.Warn("poll failed",
			"cycle", ev.CycleID, "driver", ev.Driver, "device", ev.DeviceID, "token", ev.Token, "error", ev.Err)
		return
	}

	rec := NewRecord(ev)
	kv := make([]any, 0, 8+2*len(rec.Fields))
	kv = append(kv, "cycle", ev.CycleID, "driver", ev.Driver, "device", ev.DeviceID, "duration", ev.Duration)
	for _, f := range rec.Fields {
		if f.Error != "" {
			kv = append(kv, f.Name, f.Error)
		} else {
			kv = append(kv, f.Name, f.Value)
		}
	}
	s.logger.Info("poll result", kv...)
}

func (s *LogSink) Close() error { return nil }

// Publisher publishes a payload to a subject. *nats.Conn implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes encoded records to "<prefix>.<device id>".
type NATSSink struct {
	pub     Publisher
	conn    *nats.Conn // set when the sink owns the connection
	prefix  string
	encoder Encoder
	logger  logger.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NATSConfig describes the connection of a NATS sink.
type NATSConfig struct {
	URL           string
	Subject       string
	ClientName    string
	MaxReconnects int
	ReconnectWait time.Duration
	Encoding      string
}

// DialNATS connects to the server of cfg and returns a sink owning the connection.
func DialNATS(cfg NATSConfig, l logger.Logger) (*NATSSink, error) {
	enc, err := NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.GetLogger()
	}
	l = l.With("sink", "nats", "url", cfg.URL)

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("nats reconnected", "server", nc.ConnectedUrl())
		}),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	s, err := NewNATSSink(nc, cfg.Subject, enc, l)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.conn = nc

	return s, nil
}

// NewNATSSink creates a sink publishing through pub. A nil encoder selects JSON.
func NewNATSSink(pub Publisher, prefix string, enc Encoder, l logger.Logger) (*NATSSink, error) {
	if pub == nil {
		return nil, ErrNilPublisher
	}
	if prefix == "" {
		prefix = "modnet.results"
	}
	if enc == nil {
		enc = jsonEncoder{}
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &NATSSink{pub: pub, prefix: prefix, encoder: enc, logger: l}, nil
}

// Subject returns the subject results of device id are published to.
func (s *NATSSink) Subject(id int) string {
	return s.prefix + "." + strconv.Itoa(id)
}

func (s *NATSSink) Handle(ev fleet.ResultEvent) {
	data, err := s.encoder.Encode(NewRecord(ev))
	if err != nil {
		s.failed.Add(1)
		s.logger.Error("failed to encode result", "device", ev.DeviceID, "encoding", s.encoder.Name(), "error", err)

		return
	}

	if err := s.pub.Publish(s.Subject(ev.DeviceID), data); err != nil {
		s.failed.Add(1)
		s.logger.Warn("failed to publish result", "device", ev.DeviceID, "error", err)

		return
	}
	s.published.Add(1)
}

// Published returns the number of published records.
func (s *NATSSink) Published() uint64 { return s.published.Load() }

// Failed returns the number of records that could not be encoded or published.
func (s *NATSSink) Failed() uint64 { return s.failed.Load() }

// Close drains the connection when the sink owns it.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}

	return s.conn.Drain()
}
