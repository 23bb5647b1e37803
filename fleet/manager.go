// Package fleet drives periodic polling of a dynamic set of devices.
//
// A TaskManager keeps every device in exactly one of two sets. Linked devices are polled
// by the fast driver every cycle, unlinked devices are probed by the slow driver every
// slow cycle (six cycles by default). A successful poll of a connected device moves it to
// the linked set, a poll after which the device is disconnected moves it to the unlinked
// set.
//
// Within one tick devices are polled one after another; each poll runs as a unit of a
// bounded scheduler. The fast driver isolates failures, every device of the tick is
// polled. The slow driver abandons the rest of its batch on the first failure.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/arloliu/go-modnet/internal/task"
	"github.com/arloliu/go-modnet/logger"
	"github.com/arloliu/go-modnet/scheduler"
)

var (
	// ErrInvalidCycle indicates a non-positive polling cycle.
	ErrInvalidCycle = errors.New("polling cycle must be positive")

	// ErrPollTimeout indicates a poll that didn't finish within its deadline.
	ErrPollTimeout = errors.New("poll timeout")

	// ErrStopped indicates a poll that was not run because the TaskManager stopped.
	ErrStopped = errors.New("task manager stopped")
)

const (
	// DefaultSlowFactor is the slow cycle length in fast cycles.
	DefaultSlowFactor = 6
	// DefaultSlowTimeout bounds each probe of the slow driver.
	DefaultSlowTimeout = 30 * time.Second

	fastDriverName = "fleet-fast"
	slowDriverName = "fleet-slow"
)

// Option configures a TaskManager.
type Option func(*TaskManager)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *TaskManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSlowFactor sets the slow cycle to factor fast cycles.
func WithSlowFactor(factor int) Option {
	return func(m *TaskManager) {
		if factor > 0 {
			m.slowFactor = factor
		}
	}
}

// WithSlowTimeout sets the deadline of each slow-driver probe.
func WithSlowTimeout(d time.Duration) Option {
	return func(m *TaskManager) {
		if d > 0 {
			m.slowTimeout = d
		}
	}
}

// TaskManager polls a fleet of devices.
type TaskManager struct {
	logger      logger.Logger
	slowFactor  int
	slowTimeout time.Duration

	linkedMu   sync.Mutex
	linked     []Device
	unlinkedMu sync.Mutex
	unlinked   []Device

	// ctrlMu serializes Start, Stop and the setters
	ctrlMu      sync.Mutex
	maxRunning  int
	cycle       time.Duration
	keepConnect bool
	running     bool
	sched       *scheduler.Scheduler
	taskMgr     *task.Manager

	handlerMu sync.RWMutex
	handlers  []ResultHandler

	metrics Metrics
}

// NewTaskManager creates a stopped TaskManager running at most maxRunning polls at once,
// polling linked devices every cycle. keepConnect is propagated to every added device.
func NewTaskManager(maxRunning int, cycle time.Duration, keepConnect bool, opts ...Option) (*TaskManager, error) {
	if maxRunning < 1 {
		return nil, scheduler.ErrInvalidConcurrency
	}
	if cycle <= 0 {
		return nil, ErrInvalidCycle
	}

	m := &TaskManager{
		logger:      logger.GetLogger(),
		slowFactor:  DefaultSlowFactor,
		slowTimeout: DefaultSlowTimeout,
		maxRunning:  maxRunning,
		cycle:       cycle,
		keepConnect: keepConnect,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "fleet")
	m.taskMgr = task.NewManager(context.Background(), m.logger)

	return m, nil
}

// GetMetrics returns the counters of the TaskManager.
func (m *TaskManager) GetMetrics() *Metrics { return &m.metrics }

// OnResult subscribes h to result events.
func (m *TaskManager) OnResult(h ResultHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()

	m.handlers = append(m.handlers, h)
}

// AddDevice sets the keep-alive policy of dev and adds it to the linked set. It returns
// false when a device with the same ID is already tracked.
func (m *TaskManager) AddDevice(dev Device) bool {
	if m.Contains(dev.ID()) {
		return false
	}

	dev.SetKeepConnect(m.KeepConnect())

	m.linkedMu.Lock()
	defer m.linkedMu.Unlock()
	if indexByID(m.linked, dev.ID()) >= 0 {
		return false
	}
	m.linked = append(m.linked, dev)
	m.metrics.LinkedCount.Store(int64(len(m.linked)))

	return true
}

// AddDevices adds every device of devs and returns how many were added.
func (m *TaskManager) AddDevices(devs ...Device) int {
	n := 0
	for _, dev := range devs {
		if m.AddDevice(dev) {
			n++
		}
	}

	return n
}

// RemoveDeviceByID removes the device with the given ID from both sets.
func (m *TaskManager) RemoveDeviceByID(id int) bool {
	return m.removeWhere(func(d Device) bool { return d.ID() == id }) > 0
}

// RemoveDeviceByToken removes every device connected through token and returns how many
// were removed.
func (m *TaskManager) RemoveDeviceByToken(token string) int {
	return m.removeWhere(func(d Device) bool { return d.ConnectionToken() == token })
}

// RemoveDevice removes dev.
func (m *TaskManager) RemoveDevice(dev Device) bool {
	return m.RemoveDeviceByID(dev.ID())
}

func (m *TaskManager) removeWhere(match func(Device) bool) int {
	m.linkedMu.Lock()
	before := len(m.linked)
	m.linked = slices.DeleteFunc(m.linked, match)
	removed := before - len(m.linked)
	m.metrics.LinkedCount.Store(int64(len(m.linked)))
	m.linkedMu.Unlock()

	m.unlinkedMu.Lock()
	before = len(m.unlinked)
	m.unlinked = slices.DeleteFunc(m.unlinked, match)
	removed += before - len(m.unlinked)
	m.metrics.UnlinkedCount.Store(int64(len(m.unlinked)))
	m.unlinkedMu.Unlock()

	return removed
}

// MoveToUnlinked moves the device with the given ID from the linked to the unlinked set.
// It does nothing when the device isn't linked.
func (m *TaskManager) MoveToUnlinked(id int) {
	m.linkedMu.Lock()
	i := indexByID(m.linked, id)
	if i < 0 {
		m.linkedMu.Unlock()
		return
	}
	dev := m.linked[i]
	m.linked = slices.Delete(m.linked, i, i+1)
	m.metrics.LinkedCount.Store(int64(len(m.linked)))
	m.linkedMu.Unlock()

	m.unlinkedMu.Lock()
	if indexByID(m.unlinked, id) < 0 {
		m.unlinked = append(m.unlinked, dev)
	}
	m.metrics.UnlinkedCount.Store(int64(len(m.unlinked)))
	m.unlinkedMu.Unlock()

	m.logger.Warn("device unlinked", "id", id, "token", dev.ConnectionToken())
}

// MoveToLinked moves the device with the given ID from the unlinked to the linked set.
// It does nothing when the device isn't unlinked.
func (m *TaskManager) MoveToLinked(id int) {
	m.unlinkedMu.Lock()
	i := indexByID(m.unlinked, id)
	if i < 0 {
		m.unlinkedMu.Unlock()
		return
	}
	dev := m.unlinked[i]
	m.unlinked = slices.Delete(m.unlinked, i, i+1)
	m.metrics.UnlinkedCount.Store(int64(len(m.unlinked)))
	m.unlinkedMu.Unlock()

	m.linkedMu.Lock()
	if indexByID(m.linked, id) < 0 {
		m.linked = append(m.linked, dev)
	}
	m.metrics.LinkedCount.Store(int64(len(m.linked)))
	m.linkedMu.Unlock()

	m.logger.Info("device linked", "id", id, "token", dev.ConnectionToken())
}

// Linked returns a snapshot of the linked set.
func (m *TaskManager) Linked() []Device {
	m.linkedMu.Lock()
	defer m.linkedMu.Unlock()

	return slices.Clone(m.linked)
}

// Unlinked returns a snapshot of the unlinked set.
func (m *TaskManager) Unlinked() []Device {
	m.unlinkedMu.Lock()
	defer m.unlinkedMu.Unlock()

	return slices.Clone(m.unlinked)
}

// Contains reports whether a device with the given ID is tracked in either set.
func (m *TaskManager) Contains(id int) bool {
	m.linkedMu.Lock()
	found := indexByID(m.linked, id) >= 0
	m.linkedMu.Unlock()
	if found {
		return true
	}

	m.unlinkedMu.Lock()
	defer m.unlinkedMu.Unlock()

	return indexByID(m.unlinked, id) >= 0
}

func (m *TaskManager) IsRunning() bool {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	return m.running
}

func (m *TaskManager) MaxRunning() int {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	return m.maxRunning
}

func (m *TaskManager) Cycle() time.Duration {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	return m.cycle
}

// Scheduler returns the scheduler of the current run, nil while stopped.
func (m *TaskManager) Scheduler() *scheduler.Scheduler {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	return m.sched
}

func (m *TaskManager) KeepConnect() bool {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	return m.keepConnect
}

// Start rebuilds the scheduler and arms both drivers. A running TaskManager is stopped
// first. The fast driver ticks immediately, the slow driver after one slow cycle.
func (m *TaskManager) Start() error {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	if m.running {
		if err := m.stopLocked(); err != nil {
			m.logger.Warn("failed to disconnect devices on restart", "error", err)
		}
	}

	sched, err := scheduler.New(m.maxRunning, scheduler.WithLogger(m.logger))
	if err != nil {
		return err
	}
	m.sched = sched

	cycle := m.cycle
	fast := func(ctx context.Context) bool {
		m.runFast(ctx, sched, cycle)
		return true
	}
	slow := func(ctx context.Context) bool {
		m.runSlow(ctx, sched)
		return true
	}

	if _, err := m.taskMgr.StartInterval(fastDriverName, fast, cycle, true); err != nil {
		return err
	}
	if _, err := m.taskMgr.StartInterval(slowDriverName, slow, cycle*time.Duration(m.slowFactor), false); err != nil {
		m.taskMgr.Stop()
		m.taskMgr.Wait()

		return err
	}

	m.running = true
	m.logger.Info("fleet polling started", "cycle", cycle, "max_running", m.maxRunning, "keep_connect", m.keepConnect)

	return nil
}

// Stop disarms both drivers, cancels in-flight polls and disconnects every linked device.
// Polling resumes only with an explicit Start. Stop must not be called from a result handler.
func (m *TaskManager) Stop() error {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	return m.stopLocked()
}

func (m *TaskManager) stopLocked() error {
	m.taskMgr.Stop()
	m.taskMgr.Wait()

	if m.sched != nil {
		m.sched.Close()
		m.sched = nil
	}

	var errs error
	for _, dev := range m.Linked() {
		if err := dev.Disconnect(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("device %d: %w", dev.ID(), err))
		}
	}

	if m.running {
		m.logger.Info("fleet polling stopped")
	}
	m.running = false

	return errs
}

// SetMaxRunning stops the TaskManager and sets the concurrency limit used by the next Start.
func (m *TaskManager) SetMaxRunning(n int) error {
	if n < 1 {
		return scheduler.ErrInvalidConcurrency
	}

	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	err := m.stopLocked()
	m.maxRunning = n

	return err
}

// SetCycle stops the TaskManager and sets the cycle used by the next Start.
func (m *TaskManager) SetCycle(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidCycle
	}

	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	err := m.stopLocked()
	m.cycle = d

	return err
}

// SetKeepConnect stops the TaskManager and propagates keep to every tracked device.
func (m *TaskManager) SetKeepConnect(keep bool) error {
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()

	err := m.stopLocked()
	m.keepConnect = keep

	for _, dev := range m.Linked() {
		dev.SetKeepConnect(keep)
	}
	for _, dev := range m.Unlinked() {
		dev.SetKeepConnect(keep)
	}

	return err
}

func (m *TaskManager) runFast(ctx context.Context, sched *scheduler.Scheduler, cycle time.Duration) {
	m.metrics.FastTicks.Add(1)
	cycleID := uuid.New()

	for _, dev := range m.Linked() {
		if ctx.Err() != nil {
			return
		}
		_ = m.runTask(ctx, sched, dev, cycle, DriverFast, cycleID)
	}
}

func (m *TaskManager) runSlow(ctx context.Context, sched *scheduler.Scheduler) {
	m.metrics.SlowTicks.Add(1)
	cycleID := uuid.New()

	devs := m.Unlinked()
	for i, dev := range devs {
		if ctx.Err() != nil {
			return
		}
		if err := m.runTask(ctx, sched, dev, m.slowTimeout, DriverSlow, cycleID); err != nil {
			m.metrics.AbortedProbes.Add(1)
			m.logger.Debug("probe batch abandoned", "id", dev.ID(), "skipped", len(devs)-i-1, "error", err)
			return
		}
	}
}

type pollOutcome struct {
	values map[string]Value
	err    error
}

// runTask polls dev as a scheduler unit, updates its linkage and emits the result event.
func (m *TaskManager) runTask(ctx context.Context, sched *scheduler.Scheduler, dev Device, timeout time.Duration, driver Driver, cycleID uuid.UUID) error {
	m.metrics.Polls.Add(1)
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan pollOutcome, 1)
	var out pollOutcome
	h := sched.Submit(func() {
		values, err := dev.GetData(pctx)
		ch <- pollOutcome{values: values, err: err}
	})
	if h == nil {
		out.err = ErrStopped
	} else {
		select {
		case out = <-ch:
		case <-pctx.Done():
			sched.Remove(h)
			out.err = pctx.Err()
		}
	}

	if out.err != nil && pctx.Err() != nil {
		if ctx.Err() != nil {
			// cancelled by Stop, the device keeps its set and no event is emitted
			out.err = ErrStopped
		} else {
			out.err = fmt.Errorf("%w: device %d after %v: %w", ErrPollTimeout, dev.ID(), timeout, out.err)
		}
	}
	if errors.Is(out.err, ErrStopped) {
		return out.err
	}

	if out.err != nil {
		out.values = nil
		m.metrics.PollFailures.Add(1)
		if !dev.IsConnected() {
			m.MoveToUnlinked(dev.ID())
		}
		m.logger.Debug("poll failed", "driver", driver, "id", dev.ID(), "error", out.err)
	} else if dev.IsConnected() {
		m.MoveToLinked(dev.ID())
	} else {
		m.MoveToUnlinked(dev.ID())
	}

	m.emit(ResultEvent{
		CycleID:   cycleID,
		Driver:    driver,
		DeviceID:  dev.ID(),
		Token:     dev.ConnectionToken(),
		Result:    out.values,
		Err:       out.err,
		Timestamp: start,
		Duration:  time.Since(start),
	})

	return out.err
}

func (m *TaskManager) emit(ev ResultEvent) {
	m.handlerMu.RLock()
	handlers := m.handlers
	m.handlerMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func indexByID(devs []Device, id int) int {
	return slices.IndexFunc(devs, func(d Device) bool { return d.ID() == id })
}
