package fleet

import "sync/atomic"

// Metrics holds the counters of a TaskManager.
type Metrics struct {
	FastTicks     atomic.Uint64
	SlowTicks     atomic.Uint64
	Polls         atomic.Uint64
	PollFailures  atomic.Uint64
	AbortedProbes atomic.Uint64 // slow batches abandoned after a failure
	LinkedCount   atomic.Int64
	UnlinkedCount atomic.Int64
}
