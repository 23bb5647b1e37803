package connector

import "sync/atomic"

// Metrics contains atomic metrics for a connector.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// SendCount indicates the number of frames written.
	SendCount atomic.Uint64
	// RecvCount indicates the number of frames read.
	RecvCount atomic.Uint64
	// ErrCount indicates the number of transport errors.
	ErrCount atomic.Uint64
	// TimeoutCount indicates the number of round trips that timed out.
	TimeoutCount atomic.Uint64
	// UnsolicitedCount indicates the number of frames matching no pending request.
	UnsolicitedCount atomic.Uint64
	// InflightCount indicates the number of requests written and awaiting a response.
	InflightCount atomic.Int64

	// ConnRetryGauge indicates the number of failed connect attempts since the last success.
	ConnRetryGauge atomic.Uint32
}

func (m *Metrics) incSendCount()        { m.SendCount.Add(1) }
func (m *Metrics) incRecvCount()        { m.RecvCount.Add(1) }
func (m *Metrics) incErrCount()         { m.ErrCount.Add(1) }
func (m *Metrics) incTimeoutCount()     { m.TimeoutCount.Add(1) }
func (m *Metrics) incUnsolicitedCount() { m.UnsolicitedCount.Add(1) }
func (m *Metrics) incInflightCount()    { m.InflightCount.Add(1) }
func (m *Metrics) decInflightCount()    { m.InflightCount.Add(-1) }
func (m *Metrics) incConnRetryGauge()   { m.ConnRetryGauge.Add(1) }
func (m *Metrics) resetConnRetryGauge() { m.ConnRetryGauge.Store(0) }
