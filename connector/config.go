package connector

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-modnet/logger"
)

// Config represents the configuration parameters of a Connector.
type Config struct {
	mu sync.RWMutex

	// connectTimeout bounds a single dial. It should be between 100 milliseconds and 60 seconds.
	// Defaults to 5 seconds.
	connectTimeout time.Duration

	// sendTimeout bounds a whole round trip: registration, send-ready, write and response.
	// It should be between 10 milliseconds and 120 seconds.
	// Defaults to 10 seconds.
	sendTimeout time.Duration

	// writeTimeout is the write deadline of a single frame on transports supporting deadlines.
	// Defaults to 5 seconds.
	writeTimeout time.Duration

	// registerRetryInterval is the pause between registration attempts while a request with
	// the same correlation key is outstanding.
	// Defaults to 5 milliseconds.
	registerRetryInterval time.Duration

	// frameReader splits the inbound byte stream into frames.
	// Defaults to a ChunkReader.
	frameReader FrameReader

	logger logger.Logger
}

// NewConfig creates a Config with default values and applies opts.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		connectTimeout:        5 * time.Second,
		sendTimeout:           10 * time.Second,
		writeTimeout:          5 * time.Second,
		registerRetryInterval: 5 * time.Millisecond,
		frameReader:           NewChunkReader(DefaultChunkSize),
		logger:                logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// ConnectTimeout returns the dial timeout.
func (cfg *Config) ConnectTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.connectTimeout
}

// SendTimeout returns the round trip timeout.
func (cfg *Config) SendTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.sendTimeout
}

func (cfg *Config) WriteTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.writeTimeout
}

// Option represents a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc struct {
	name      string
	runtime   bool
	applyFunc func(*Config) error
}

func (o *optFunc) apply(cfg *Config) error {
	if cfg == nil {
		return ErrConfigNil
	}

	return o.applyFunc(cfg)
}

func newOptFunc(name string, runtime bool, f func(*Config) error) *optFunc {
	return &optFunc{name: name, runtime: runtime, applyFunc: f}
}

// WithConnectTimeout sets the dial timeout.
// An error is returned if the timeout is outside [100ms, 60s].
//
// This option can't be changed at runtime.
func WithConnectTimeout(val time.Duration) Option {
	return newOptFunc("WithConnectTimeout", false, func(cfg *Config) error {
		if val < 100*time.Millisecond || val > 60*time.Second {
			return errors.New("connect timeout out of range [100ms, 60s]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithSendTimeout sets the round trip timeout.
// An error is returned if the timeout is outside [10ms, 120s].
//
// This option can be changed at runtime.
func WithSendTimeout(val time.Duration) Option {
	return newOptFunc("WithSendTimeout", true, func(cfg *Config) error {
		if val < 10*time.Millisecond || val > 120*time.Second {
			return errors.New("send timeout out of range [10ms, 120s]")
		}
		cfg.mu.Lock()
		cfg.sendTimeout = val
		cfg.mu.Unlock()

		return nil
	})
}

// WithWriteTimeout sets the write deadline of a single frame.
// An error is returned if the timeout is not positive.
//
// This option can be changed at runtime.
func WithWriteTimeout(val time.Duration) Option {
	return newOptFunc("WithWriteTimeout", true, func(cfg *Config) error {
		if val <= 0 {
			return errors.New("write timeout must be positive")
		}
		cfg.mu.Lock()
		cfg.writeTimeout = val
		cfg.mu.Unlock()

		return nil
	})
}

// WithRegisterRetryInterval sets the pause between registration attempts.
//
// This option can't be changed at runtime.
func WithRegisterRetryInterval(val time.Duration) Option {
	return newOptFunc("WithRegisterRetryInterval", false, func(cfg *Config) error {
		if val <= 0 || val > time.Second {
			return fmt.Errorf("register retry interval %v out of range (0, 1s]", val)
		}
		cfg.registerRetryInterval = val

		return nil
	})
}

// WithFrameReader sets the frame reader splitting the inbound stream.
//
// This option can't be changed at runtime.
func WithFrameReader(fr FrameReader) Option {
	return newOptFunc("WithFrameReader", false, func(cfg *Config) error {
		if fr == nil {
			return errors.New("frame reader is nil")
		}
		cfg.frameReader = fr

		return nil
	})
}

// WithLogger sets the logger.
//
// This option can't be changed at runtime.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", false, func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
