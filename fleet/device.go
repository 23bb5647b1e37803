package fleet

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Value is one polled field: either a number or the error that prevented reading it.
type Value struct {
	Number float64
	Err    error
}

// Device is a polling target tracked by a TaskManager.
//
// Devices are identified by ID; two devices with the same ID are the same device.
type Device interface {
	ID() int
	ConnectionToken() string
	SetKeepConnect(keep bool)
	KeepConnect() bool
	IsConnected() bool
	// GetData polls every field of the device. A non-nil error means the poll as a
	// whole failed, field-level failures are reported through Value.Err.
	GetData(ctx context.Context) (map[string]Value, error)
	Disconnect() error
}

// Driver names the periodic loop that produced a result.
type Driver string

const (
	// DriverFast polls linked devices every cycle.
	DriverFast Driver = "fast"
	// DriverSlow probes unlinked devices every slow cycle.
	DriverSlow Driver = "slow"
)

// ResultEvent is emitted once per device per poll, successful or not.
type ResultEvent struct {
	// CycleID identifies the driver tick the poll belongs to.
	CycleID   uuid.UUID
	Driver    Driver
	DeviceID  int
	Token     string
	Result    map[string]Value // nil when the poll failed
	Err       error
	Timestamp time.Time
	Duration  time.Duration
}

// ResultHandler receives result events. Handlers run on the driver goroutine and must not
// call Stop or any setter of the TaskManager.
type ResultHandler func(ev ResultEvent)
