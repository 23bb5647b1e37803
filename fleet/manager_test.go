package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-modnet/logger"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

var errUnreachable = errors.New("unreachable")

type fakeDevice struct {
	id          int
	token       string
	fail        atomic.Bool
	delay       atomic.Int64
	connected   atomic.Bool
	keepConnect atomic.Bool
	polls       atomic.Int32
	disconnects atomic.Int32
}

func newFakeDevice(id int) *fakeDevice {
	d := &fakeDevice{id: id, token: fmt.Sprintf("10.0.0.%d:502", id)}
	d.connected.Store(true)

	return d
}

func (d *fakeDevice) ID() int                  { return d.id }
func (d *fakeDevice) ConnectionToken() string  { return d.token }
func (d *fakeDevice) SetKeepConnect(keep bool) { d.keepConnect.Store(keep) }
func (d *fakeDevice) KeepConnect() bool        { return d.keepConnect.Load() }
func (d *fakeDevice) IsConnected() bool        { return d.connected.Load() }

func (d *fakeDevice) GetData(ctx context.Context) (map[string]Value, error) {
	d.polls.Add(1)

	if delay := time.Duration(d.delay.Load()); delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if d.fail.Load() {
		d.connected.Store(false)
		return nil, errUnreachable
	}
	d.connected.Store(true)

	return map[string]Value{"temp": {Number: float64(d.id)}}, nil
}

func (d *fakeDevice) Disconnect() error {
	d.disconnects.Add(1)
	d.connected.Store(false)

	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []ResultEvent
}

func (l *eventLog) handle(ev ResultEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []ResultEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ResultEvent, len(l.events))
	copy(out, l.events)

	return out
}

// firstTick returns the events of the first tick of driver once it has n of them.
func (l *eventLog) firstTick(driver Driver, n int) []ResultEvent {
	var cycle uuid.UUID
	var tick []ResultEvent
	for _, ev := range l.snapshot() {
		if ev.Driver != driver {
			continue
		}
		if cycle == uuid.Nil {
			cycle = ev.CycleID
		}
		if ev.CycleID == cycle {
			tick = append(tick, ev)
		}
	}
	if len(tick) < n {
		return nil
	}

	return tick
}

func newTestManager(t *testing.T, maxRunning int, cycle time.Duration, opts ...Option) *TaskManager {
	t.Helper()

	opts = append([]Option{WithLogger(logger.NewNopMockLogger())}, opts...)
	m, err := NewTaskManager(maxRunning, cycle, true, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })

	return m
}

func TestNewTaskManager(t *testing.T) {
	assert := assert.New(t)

	_, err := NewTaskManager(0, time.Second, false)
	assert.Error(err)

	_, err = NewTaskManager(1, 0, false)
	assert.ErrorIs(err, ErrInvalidCycle)

	m, err := NewTaskManager(4, time.Second, true)
	require.NoError(t, err)
	assert.Equal(4, m.MaxRunning())
	assert.Equal(time.Second, m.Cycle())
	assert.True(m.KeepConnect())
	assert.False(m.IsRunning())
}

func TestTaskManager_Membership(t *testing.T) {
	assert := assert.New(t)

	m := newTestManager(t, 2, time.Second)
	a, b, c := newFakeDevice(1), newFakeDevice(2), newFakeDevice(3)
	c.token = a.token

	assert.Equal(3, m.AddDevices(a, b, c))
	assert.False(m.AddDevice(newFakeDevice(1)), "duplicate id")
	assert.True(a.KeepConnect())
	assert.Len(m.Linked(), 3)
	assert.Equal(int64(3), m.GetMetrics().LinkedCount.Load())

	m.MoveToUnlinked(2)
	m.MoveToUnlinked(2)
	assert.Len(m.Linked(), 2)
	assert.Len(m.Unlinked(), 1)
	assert.True(m.Contains(2))
	assert.False(m.AddDevice(newFakeDevice(2)), "unlinked devices count as tracked")

	m.MoveToLinked(2)
	assert.Len(m.Linked(), 3)
	assert.Empty(m.Unlinked())

	assert.Equal(2, m.RemoveDeviceByToken(a.token))
	assert.True(m.RemoveDeviceByID(2))
	assert.False(m.RemoveDevice(b))
	assert.Empty(m.Linked())
	assert.Equal(int64(0), m.GetMetrics().LinkedCount.Load())
}

func TestTaskManager_FastDriverIsolatesFailures(t *testing.T) {
	assert := assert.New(t)

	m := newTestManager(t, 2, 200*time.Millisecond)
	a, b, c := newFakeDevice(1), newFakeDevice(2), newFakeDevice(3)
	b.fail.Store(true)
	m.AddDevices(a, b, c)

	var log eventLog
	m.OnResult(log.handle)
	require.NoError(t, m.Start())

	var tick []ResultEvent
	require.Eventually(t, func() bool {
		tick = log.firstTick(DriverFast, 3)
		return tick != nil
	}, 2*time.Second, 5*time.Millisecond)

	byID := make(map[int]ResultEvent)
	for _, ev := range tick {
		byID[ev.DeviceID] = ev
	}
	assert.NotNil(byID[1].Result)
	assert.NoError(byID[1].Err)
	assert.Nil(byID[2].Result)
	assert.ErrorIs(byID[2].Err, errUnreachable)
	assert.NotNil(byID[3].Result)
	assert.Equal(float64(3), byID[3].Result["temp"].Number)

	require.Eventually(t, func() bool { return len(m.Unlinked()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(2, m.Unlinked()[0].ID())
	assert.Len(m.Linked(), 2)
	assert.GreaterOrEqual(m.GetMetrics().PollFailures.Load(), uint64(1))
}

func TestTaskManager_FastDriverTimeout(t *testing.T) {
	assert := assert.New(t)

	m := newTestManager(t, 1, 50*time.Millisecond)
	slow := newFakeDevice(1)
	slow.delay.Store(int64(time.Second))
	m.AddDevice(slow)

	var log eventLog
	m.OnResult(log.handle)
	require.NoError(t, m.Start())

	var tick []ResultEvent
	require.Eventually(t, func() bool {
		tick = log.firstTick(DriverFast, 1)
		return tick != nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(tick[0].Err, ErrPollTimeout)
	assert.Nil(tick[0].Result)
	// still connected, the device stays linked
	assert.Len(m.Linked(), 1)
}

func TestTaskManager_SlowDriverFailFast(t *testing.T) {
	assert := assert.New(t)

	m := newTestManager(t, 2, 20*time.Millisecond, WithSlowFactor(1))
	devs := []*fakeDevice{newFakeDevice(1), newFakeDevice(2), newFakeDevice(3)}
	for _, d := range devs {
		d.fail.Store(true)
		d.connected.Store(false)
		m.AddDevice(d)
		m.MoveToUnlinked(d.ID())
	}

	var log eventLog
	m.OnResult(log.handle)
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool { return m.GetMetrics().SlowTicks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())

	assert.GreaterOrEqual(devs[0].polls.Load(), int32(1))
	assert.Equal(int32(0), devs[1].polls.Load())
	assert.Equal(int32(0), devs[2].polls.Load())
	assert.Len(m.Unlinked(), 3)
	assert.Empty(m.Linked())
	assert.GreaterOrEqual(m.GetMetrics().AbortedProbes.Load(), uint64(1))

	for _, ev := range log.snapshot() {
		assert.Equal(DriverSlow, ev.Driver)
		assert.Equal(1, ev.DeviceID)
	}
}

func TestTaskManager_SlowDriverRelinks(t *testing.T) {
	m := newTestManager(t, 1, 20*time.Millisecond, WithSlowFactor(2))
	d := newFakeDevice(7)
	m.AddDevice(d)
	m.MoveToUnlinked(d.ID())
	require.NoError(t, m.Start())

	require.Eventually(t, func() bool { return len(m.Linked()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, m.Unlinked())
}

func TestTaskManager_StopDisconnectsLinked(t *testing.T) {
	assert := assert.New(t)

	m := newTestManager(t, 2, time.Hour)
	a, b := newFakeDevice(1), newFakeDevice(2)
	m.AddDevices(a, b)
	m.MoveToUnlinked(2)

	require.NoError(t, m.Start())
	assert.True(m.IsRunning())
	require.NoError(t, m.Stop())
	assert.False(m.IsRunning())

	assert.Equal(int32(1), a.disconnects.Load())
	assert.Equal(int32(0), b.disconnects.Load())
}

func TestTaskManager_SettersStop(t *testing.T) {
	assert := assert.New(t)

	m := newTestManager(t, 2, time.Hour)
	a, b := newFakeDevice(1), newFakeDevice(2)
	m.AddDevices(a, b)
	m.MoveToUnlinked(2)

	require.NoError(t, m.Start())
	require.NoError(t, m.SetKeepConnect(false))
	assert.False(m.IsRunning(), "no automatic resume")
	assert.False(a.KeepConnect())
	assert.False(b.KeepConnect())

	require.NoError(t, m.Start())
	require.NoError(t, m.SetMaxRunning(5))
	assert.False(m.IsRunning())
	assert.Equal(5, m.MaxRunning())
	assert.Error(m.SetMaxRunning(0))

	require.NoError(t, m.Start())
	require.NoError(t, m.SetCycle(time.Minute))
	assert.False(m.IsRunning())
	assert.Equal(time.Minute, m.Cycle())
	assert.ErrorIs(m.SetCycle(-1), ErrInvalidCycle)

	// restart while running
	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	assert.True(m.IsRunning())
}
