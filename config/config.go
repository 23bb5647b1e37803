// Package config loads a polling fleet from a YAML file.
//
// Example configuration:
//
//	log_level: info
//
//	fleet:
//	  max_running: 4
//	  cycle: 2s
//	  keep_connect: true
//
//	metrics:
//	  listen: ":9102"
//
//	sinks:
//	  log: true
//	  nats:
//	    url: ${NATS_URL:-nats://127.0.0.1:4222}
//	    subject: plant.results
//	    encoding: cbor
//
//	devices:
//	  - id: 1
//	    protocol: tcp
//	    address: 10.0.0.5
//	    dialect: modbus
//	    points:
//	      - {name: temp, address: "4X 1", type: int16, scale: 0.1}
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-modnet/address"
	"github.com/arloliu/go-modnet/protocol"
	"github.com/arloliu/go-modnet/sink"
)

// Defaults applied by Parse.
const (
	DefaultMaxRunning = 4
	DefaultCycle      = 2 * time.Second
	DefaultDialect    = address.DialectModbus
	DefaultSlaveID    = 1
)

const minCycle = 100 * time.Millisecond

// Config is the root of a fleet configuration file.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Sinks    SinksConfig    `yaml:"sinks"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// FleetConfig configures the TaskManager.
type FleetConfig struct {
	MaxRunning int `yaml:"max_running"`
	// Cycle is the fast driver period and the per-poll timeout. Defaults to 2s.
	Cycle Duration `yaml:"cycle"`
	// KeepConnect is propagated to every device. Defaults to true.
	KeepConnect *bool `yaml:"keep_connect"`
	// SlowFactor is the slow driver period in cycles. Defaults to 6.
	SlowFactor  int      `yaml:"slow_factor"`
	SlowTimeout Duration `yaml:"slow_timeout"`
}

// MetricsConfig configures the prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// SinksConfig selects where result events go.
type SinksConfig struct {
	Log  bool        `yaml:"log"`
	NATS *NATSConfig `yaml:"nats"`
}

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	URL           string   `yaml:"url"`
	Subject       string   `yaml:"subject"`
	Encoding      string   `yaml:"encoding"`
	ClientName    string   `yaml:"client_name"`
	MaxReconnects int      `yaml:"max_reconnects"`
	ReconnectWait Duration `yaml:"reconnect_wait"`
}

// DeviceConfig describes one polled device.
type DeviceConfig struct {
	ID int `yaml:"id"`
	// Protocol is one of tcp, rtu, rtu-tcp.
	Protocol string `yaml:"protocol"`
	// Address is host[:port] for TCP variants, the serial device for rtu.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Address         string        `yaml:"address"`
	SlaveID         *int          `yaml:"slave_id"`
	Dialect         string        `yaml:"dialect"`
	AcquireInterval Duration      `yaml:"acquire_interval"`
	ConnectTimeout  Duration      `yaml:"connect_timeout"`
	SendTimeout     Duration      `yaml:"send_timeout"`
	Serial          SerialConfig  `yaml:"serial"`
	Points          []PointConfig `yaml:"points"`
}

// SerialConfig holds the line settings of rtu devices; zero values select the defaults.
type SerialConfig struct {
	BaudRate int      `yaml:"baud_rate"`
	DataBits int      `yaml:"data_bits"`
	StopBits int      `yaml:"stop_bits"`
	Parity   string   `yaml:"parity"`
	Timeout  Duration `yaml:"timeout"`
}

// PointConfig describes one point of a device.
type PointConfig struct {
	Name    string  `yaml:"name"`
	Address string  `yaml:"address"`
	Type    string  `yaml:"type"`
	Scale   float64 `yaml:"scale"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// KeepConnectEnabled returns the keep-connect policy, true when unset.
func (f FleetConfig) KeepConnectEnabled() bool {
	return f.KeepConnect == nil || *f.KeepConnect
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		m := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(m[1]); ok {
			return value
		}
		if m[2] != "" {
			return m[3]
		}
		firstErr = fmt.Errorf("environment variable %q is not set", m[1])

		return match
	})
	if firstErr != nil {
		return "", firstErr
	}

	return result, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Fleet.MaxRunning == 0 {
		c.Fleet.MaxRunning = DefaultMaxRunning
	}
	if c.Fleet.Cycle == 0 {
		c.Fleet.Cycle = Duration(DefaultCycle)
	}
	if c.Metrics.Listen != "" && c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Protocol == "" {
			d.Protocol = string(protocol.TypeTCP)
		}
		if d.Dialect == "" {
			d.Dialect = DefaultDialect
		}
	}
}

func (c *Config) expandAndValidate() error {
	if c.Fleet.MaxRunning < 1 {
		return fmt.Errorf("fleet: max_running must be at least 1, got %d", c.Fleet.MaxRunning)
	}
	if c.Fleet.Cycle.Duration() < minCycle {
		return fmt.Errorf("fleet: cycle must be at least %s, got %s", minCycle, c.Fleet.Cycle.Duration())
	}
	if c.Fleet.SlowFactor < 0 {
		return fmt.Errorf("fleet: slow_factor cannot be negative, got %d", c.Fleet.SlowFactor)
	}

	if n := c.Sinks.NATS; n != nil {
		url, err := expandEnvVars(n.URL)
		if err != nil {
			return fmt.Errorf("sinks.nats: url: %w", err)
		}
		if url == "" {
			return errors.New("sinks.nats: url is required")
		}
		n.URL = url
		if _, err := sink.NewEncoder(n.Encoding); err != nil {
			return fmt.Errorf("sinks.nats: %w", err)
		}
	}

	if len(c.Devices) == 0 {
		return errors.New("at least one device must be defined")
	}

	types := protocol.DefaultRegistry().Types()
	seen := make(map[int]struct{}, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		ctx := fmt.Sprintf("devices[%d] (id %d)", i, d.ID)

		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%s: duplicate id", ctx)
		}
		seen[d.ID] = struct{}{}

		if !slices.Contains(types, protocol.Type(strings.ToLower(d.Protocol))) {
			return fmt.Errorf("%s: unknown protocol %q", ctx, d.Protocol)
		}
		if !slices.Contains(address.Dialects(), strings.ToLower(d.Dialect)) {
			return fmt.Errorf("%s: unknown dialect %q, supported: %s", ctx, d.Dialect, strings.Join(address.Dialects(), ", "))
		}

		addr, err := expandEnvVars(d.Address)
		if err != nil {
			return fmt.Errorf("%s: address: %w", ctx, err)
		}
		if addr == "" {
			return fmt.Errorf("%s: address is required", ctx)
		}
		d.Address = addr

		if d.SlaveID != nil && (*d.SlaveID < 0 || *d.SlaveID > 247) {
			return fmt.Errorf("%s: slave_id must be between 0 and 247, got %d", ctx, *d.SlaveID)
		}
		if len(d.Points) == 0 {
			return fmt.Errorf("%s: at least one point is required", ctx)
		}
	}

	return nil
}
