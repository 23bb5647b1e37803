// Package fleetintegration runs a configured fleet end to end against in-process
// Modbus slaves: YAML config, device construction, both drivers, sinks and metrics.
package fleetintegration

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-modnet/config"
	"github.com/arloliu/go-modnet/fleet"
	"github.com/arloliu/go-modnet/internal/modbustest"
	"github.com/arloliu/go-modnet/logger"
	"github.com/arloliu/go-modnet/metrics"
	"github.com/arloliu/go-modnet/sink"
)

type memPublisher struct {
	mu       sync.Mutex
	subjects map[string]int
}

func (p *memPublisher) Publish(subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects[subject]++

	return nil
}

func (p *memPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.subjects[subject]
}

func TestFleet_EndToEnd(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tcp := modbustest.NewTCPServer(t)
	tcp.SetHolding(0, 215)
	rtu := modbustest.NewRTUServer(t)
	rtu.SetCoil(10009, true)

	down := modbustest.NewTCPServer(t)
	downAddr := down.Addr()
	down.Close()

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
fleet:
  max_running: 2
  cycle: 200ms
  slow_factor: 2
  slow_timeout: 500ms
devices:
  - id: 1
    address: %s
    connect_timeout: 200ms
    send_timeout: 200ms
    points: [{name: temp, address: "4X 1", type: int16, scale: 0.1}]
  - id: 2
    protocol: rtu-tcp
    address: %s
    dialect: na200h
    send_timeout: 200ms
    points: [{name: run, address: M10, type: bool}]
  - id: 3
    address: %s
    connect_timeout: 100ms
    points: [{name: temp, address: "4X 1", type: int16}]
`, tcp.Addr(), rtu.Addr(), downAddr)))
	require.NoError(err)

	nop := logger.NewNopMockLogger()
	m, err := config.BuildManager(cfg, nop)
	require.NoError(err)
	t.Cleanup(func() { _ = m.Stop() })

	pub := &memPublisher{subjects: make(map[string]int)}
	ns, err := sink.NewNATSSink(pub, "plant", nil, nop)
	require.NoError(err)

	var mu sync.Mutex
	last := make(map[int]fleet.ResultEvent)
	m.OnResult(ns.Handle)
	m.OnResult(func(ev fleet.ResultEvent) {
		mu.Lock()
		defer mu.Unlock()
		last[ev.DeviceID] = ev
	})

	require.NoError(m.Start())

	require.Eventually(func() bool {
		return len(m.Unlinked()) == 1 && pub.count("plant.1") >= 2 && pub.count("plant.2") >= 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(3, m.Unlinked()[0].ID())
	assert.Len(m.Linked(), 2)

	mu.Lock()
	assert.InDelta(21.5, last[1].Result["temp"].Number, 1e-9)
	assert.Equal(float64(1), last[2].Result["run"].Number)
	assert.Error(last[3].Err)
	mu.Unlock()

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(metrics.NewCollector(m))
	expected := `
# HELP modnet_fleet_devices Tracked devices per set.
# TYPE modnet_fleet_devices gauge
modnet_fleet_devices{set="linked"} 2
modnet_fleet_devices{set="unlinked"} 1
`
	assert.NoError(testutil.GatherAndCompare(reg, strings.NewReader(expected), "modnet_fleet_devices"))

	require.NoError(m.Stop())
	assert.Zero(ns.Failed())
}
