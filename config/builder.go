package config

import (
	"fmt"

	"github.com/goburrow/serial"

	"github.com/arloliu/go-modnet/connector"
	"github.com/arloliu/go-modnet/device"
	"github.com/arloliu/go-modnet/fleet"
	"github.com/arloliu/go-modnet/logger"
	"github.com/arloliu/go-modnet/protocol"
	"github.com/arloliu/go-modnet/sink"
)

// BuildDevices creates every configured device. Devices are not connected.
func BuildDevices(cfg *Config, l logger.Logger) ([]*device.Device, error) {
	devs := make([]*device.Device, 0, len(cfg.Devices))
	for i, dc := range cfg.Devices {
		dev, err := device.NewFromConfig(dc.deviceConfig(l), device.WithLogger(l))
		if err != nil {
			return nil, fmt.Errorf("devices[%d] (id %d): %w", i, dc.ID, err)
		}
		devs = append(devs, dev)
	}

	return devs, nil
}

func (dc DeviceConfig) deviceConfig(l logger.Logger) device.Config {
	slaveID := DefaultSlaveID
	if dc.SlaveID != nil {
		slaveID = *dc.SlaveID
	}

	var opts []connector.Option
	if dc.ConnectTimeout != 0 {
		opts = append(opts, connector.WithConnectTimeout(dc.ConnectTimeout.Duration()))
	}
	if dc.SendTimeout != 0 {
		opts = append(opts, connector.WithSendTimeout(dc.SendTimeout.Duration()))
	}

	points := make([]device.Point, 0, len(dc.Points))
	for _, pc := range dc.Points {
		points = append(points, device.Point{
			Name:    pc.Name,
			Address: pc.Address,
			Type:    device.Type(pc.Type),
			Scale:   pc.Scale,
		})
	}

	return device.Config{
		ID:      dc.ID,
		Dialect: dc.Dialect,
		Link: protocol.LinkConfig{
			Type:    protocol.Type(dc.Protocol),
			Address: dc.Address,
			SlaveID: byte(slaveID),
			Serial: serial.Config{
				BaudRate: dc.Serial.BaudRate,
				DataBits: dc.Serial.DataBits,
				StopBits: dc.Serial.StopBits,
				Parity:   dc.Serial.Parity,
				Timeout:  dc.Serial.Timeout.Duration(),
			},
			AcquireInterval:  dc.AcquireInterval.Duration(),
			ConnectorOptions: opts,
			Logger:           l,
		},
		Points: points,
	}
}

// ManagerOptions returns the TaskManager options of the fleet section.
func (c *Config) ManagerOptions(l logger.Logger) []fleet.Option {
	opts := []fleet.Option{fleet.WithLogger(l)}
	if c.Fleet.SlowFactor > 0 {
		opts = append(opts, fleet.WithSlowFactor(c.Fleet.SlowFactor))
	}
	if c.Fleet.SlowTimeout > 0 {
		opts = append(opts, fleet.WithSlowTimeout(c.Fleet.SlowTimeout.Duration()))
	}

	return opts
}

// BuildManager creates a stopped TaskManager holding every configured device.
func BuildManager(cfg *Config, l logger.Logger) (*fleet.TaskManager, error) {
	devs, err := BuildDevices(cfg, l)
	if err != nil {
		return nil, err
	}

	m, err := fleet.NewTaskManager(cfg.Fleet.MaxRunning, cfg.Fleet.Cycle.Duration(), cfg.Fleet.KeepConnectEnabled(), cfg.ManagerOptions(l)...)
	if err != nil {
		return nil, err
	}
	for _, dev := range devs {
		m.AddDevice(dev)
	}

	return m, nil
}

// NATSSinkConfig converts the NATS section, nil when the sink is disabled.
func (c *Config) NATSSinkConfig() *sink.NATSConfig {
	n := c.Sinks.NATS
	if n == nil {
		return nil
	}

	return &sink.NATSConfig{
		URL:           n.URL,
		Subject:       n.Subject,
		ClientName:    n.ClientName,
		MaxReconnects: n.MaxReconnects,
		ReconnectWait: n.ReconnectWait.Duration(),
		Encoding:      n.Encoding,
	}
}
