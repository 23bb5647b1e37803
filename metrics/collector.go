// Package metrics exports fleet, scheduler and connector counters to prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/go-modnet/connector"
	"github.com/arloliu/go-modnet/fleet"
)

const namespace = "modnet"

// ConnectorMetricsProvider is implemented by devices exposing their transport counters.
type ConnectorMetricsProvider interface {
	ConnectorMetrics() *connector.Metrics
}

// Collector is a prometheus.Collector reading the counters of a TaskManager and of every
// device it tracks at scrape time, so devices added later are picked up without
// re-registration.
type Collector struct {
	manager *fleet.TaskManager

	ticks         *prometheus.Desc
	polls         *prometheus.Desc
	pollFailures  *prometheus.Desc
	abortedProbes *prometheus.Desc
	devices       *prometheus.Desc

	schedMax       *prometheus.Desc
	schedRunning   *prometheus.Desc
	schedQueued    *prometheus.Desc
	schedCompleted *prometheus.Desc

	connSent        *prometheus.Desc
	connRecv        *prometheus.Desc
	connErrors      *prometheus.Desc
	connTimeouts    *prometheus.Desc
	connUnsolicited *prometheus.Desc
	connInflight    *prometheus.Desc
	connRetries     *prometheus.Desc
	deviceUp        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector for m.
func NewCollector(m *fleet.TaskManager) *Collector {
	devLabels := []string{"device", "token"}

	return &Collector{
		manager: m,

		ticks:         desc("fleet", "ticks_total", "Driver ticks.", "driver"),
		polls:         desc("fleet", "polls_total", "Device polls."),
		pollFailures:  desc("fleet", "poll_failures_total", "Device polls that failed or timed out."),
		abortedProbes: desc("fleet", "aborted_probes_total", "Slow driver batches abandoned after a failure."),
		devices:       desc("fleet", "devices", "Tracked devices per set.", "set"),

		schedMax:       desc("scheduler", "max_concurrency", "Concurrency limit of the poll scheduler."),
		schedRunning:   desc("scheduler", "running", "Poll units currently executing."),
		schedQueued:    desc("scheduler", "queued", "Poll units waiting for a worker."),
		schedCompleted: desc("scheduler", "completed_total", "Poll units completed by the current scheduler."),

		connSent:        desc("connector", "sent_total", "Frames written.", devLabels...),
		connRecv:        desc("connector", "received_total", "Frames read.", devLabels...),
		connErrors:      desc("connector", "errors_total", "Transport errors.", devLabels...),
		connTimeouts:    desc("connector", "timeouts_total", "Round trips that timed out.", devLabels...),
		connUnsolicited: desc("connector", "unsolicited_total", "Frames matching no pending request.", devLabels...),
		connInflight:    desc("connector", "inflight", "Requests awaiting a response.", devLabels...),
		connRetries:     desc("connector", "connect_retries", "Failed connect attempts since the last success.", devLabels...),
		deviceUp:        desc("device", "up", "1 when the device is connected.", devLabels...),
	}
}

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.ticks, c.polls, c.pollFailures, c.abortedProbes, c.devices,
		c.schedMax, c.schedRunning, c.schedQueued, c.schedCompleted,
		c.connSent, c.connRecv, c.connErrors, c.connTimeouts, c.connUnsolicited,
		c.connInflight, c.connRetries, c.deviceUp,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.manager.GetMetrics()
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(m.FastTicks.Load()), string(fleet.DriverFast))
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(m.SlowTicks.Load()), string(fleet.DriverSlow))
	ch <- prometheus.MustNewConstMetric(c.polls, prometheus.CounterValue, float64(m.Polls.Load()))
	ch <- prometheus.MustNewConstMetric(c.pollFailures, prometheus.CounterValue, float64(m.PollFailures.Load()))
	ch <- prometheus.MustNewConstMetric(c.abortedProbes, prometheus.CounterValue, float64(m.AbortedProbes.Load()))

	linked, unlinked := c.manager.Linked(), c.manager.Unlinked()
	ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue, float64(len(linked)), "linked")
	ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue, float64(len(unlinked)), "unlinked")

	ch <- prometheus.MustNewConstMetric(c.schedMax, prometheus.GaugeValue, float64(c.manager.MaxRunning()))
	if s := c.manager.Scheduler(); s != nil {
		ch <- prometheus.MustNewConstMetric(c.schedRunning, prometheus.GaugeValue, float64(s.Running()))
		ch <- prometheus.MustNewConstMetric(c.schedQueued, prometheus.GaugeValue, float64(s.Queued()))
		ch <- prometheus.MustNewConstMetric(c.schedCompleted, prometheus.CounterValue, float64(s.Completed()))
	}

	for _, dev := range append(linked, unlinked...) {
		c.collectDevice(ch, dev)
	}
}

func (c *Collector) collectDevice(ch chan<- prometheus.Metric, dev fleet.Device) {
	labels := []string{strconv.Itoa(dev.ID()), dev.ConnectionToken()}

	up := 0.0
	if dev.IsConnected() {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.deviceUp, prometheus.GaugeValue, up, labels...)

	p, ok := dev.(ConnectorMetricsProvider)
	if !ok {
		return
	}
	cm := p.ConnectorMetrics()
	ch <- prometheus.MustNewConstMetric(c.connSent, prometheus.CounterValue, float64(cm.SendCount.Load()), labels...)
	ch <- prometheus.MustNewConstMetric(c.connRecv, prometheus.CounterValue, float64(cm.RecvCount.Load()), labels...)
	ch <- prometheus.MustNewConstMetric(c.connErrors, prometheus.CounterValue, float64(cm.ErrCount.Load()), labels...)
	ch <- prometheus.MustNewConstMetric(c.connTimeouts, prometheus.CounterValue, float64(cm.TimeoutCount.Load()), labels...)
	ch <- prometheus.MustNewConstMetric(c.connUnsolicited, prometheus.CounterValue, float64(cm.UnsolicitedCount.Load()), labels...)
	ch <- prometheus.MustNewConstMetric(c.connInflight, prometheus.GaugeValue, float64(cm.InflightCount.Load()), labels...)
	ch <- prometheus.MustNewConstMetric(c.connRetries, prometheus.GaugeValue, float64(cm.ConnRetryGauge.Load()), labels...)
}
