package controller

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-modnet/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

func tcpFrame(tid uint16, fc byte) []byte {
	return []byte{byte(tid >> 8), byte(tid), 0, 0, 0, 2, 1, fc}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("channel not closed in time")
	}
}

func TestFieldMatchPolicy(t *testing.T) {
	assert := assert.New(t)

	p := NewFieldMatchPolicy([]IndexPair{{0, 0}, {1, 1}})

	sk, ok := p.SendKey(tcpFrame(0x0102, 3))
	assert.True(ok)
	rk, ok := p.ReceiveKey(tcpFrame(0x0102, 3))
	assert.True(ok)
	assert.Equal(sk, rk)
	assert.Equal("258 ", sk.String())

	other, _ := p.ReceiveKey(tcpFrame(0x0201, 3))
	assert.NotEqual(sk, other)

	// scattered fields compare the sent bytes against different received positions
	scattered := NewFieldMatchPolicy([]IndexPair{{0, 2}}, []IndexPair{{1, 0}, {2, 1}})
	sk, ok = scattered.SendKey([]byte{7, 0x01, 0x02})
	assert.True(ok)
	rk, ok = scattered.ReceiveKey([]byte{0x01, 0x02, 7})
	assert.True(ok)
	assert.Equal(sk, rk)

	_, ok = p.ReceiveKey([]byte{1})
	assert.False(ok, "out-of-range index must fail closed")
	_, ok = p.SendKey(nil)
	assert.False(ok)
}

func TestController_RegisterDistinctKeys(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := New(NewFieldMatchPolicy([]IndexPair{{0, 0}, {1, 1}}), WithLogger(logger.NewNopMockLogger()))

	const n = 32
	reqs := make([]*PendingRequest, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reqs[i] = c.Register(tcpFrame(uint16(i), 3))
		}(i)
	}
	wg.Wait()

	for i, req := range reqs {
		require.NotNil(req, "request %d rejected", i)
		assert.Equal(Queued, req.State())
	}
	assert.Equal(n, c.Len())

	// duplicate key is rejected while in flight
	assert.Nil(c.Register(tcpFrame(5, 4)))
	_, err := c.TryRegister(tcpFrame(5, 4))
	assert.ErrorIs(err, ErrDuplicateKey)

	_, err = c.TryRegister([]byte{1})
	assert.ErrorIs(err, ErrKeyUnavailable)

	c.StartSendLoop()
	defer c.StopSendLoop()
	for _, req := range reqs {
		waitClosed(t, req.SendReady())
	}

	// matched: key becomes available again
	assert.True(c.Confirm(tcpFrame(5, 3)))
	waitClosed(t, reqs[5].Done())
	assert.Equal(Matched, reqs[5].State())
	assert.Equal(tcpFrame(5, 3), reqs[5].Received())
	assert.NotNil(c.Register(tcpFrame(5, 4)))

	// evicted: key becomes available again
	assert.True(c.Evict(reqs[6]))
	assert.False(c.Evict(reqs[6]))
	assert.Equal(Evicted, reqs[6].State())
	assert.NotNil(c.Register(tcpFrame(6, 4)))
}

func TestController_ConfirmUnknownKey(t *testing.T) {
	assert := assert.New(t)

	c := New(NewFieldMatchPolicy([]IndexPair{{0, 0}, {1, 1}}), WithLogger(logger.NewNopMockLogger()))
	c.StartSendLoop()
	defer c.StopSendLoop()

	req := c.Register(tcpFrame(1, 3))
	assert.NotNil(req)
	waitClosed(t, req.SendReady())

	assert.False(c.Confirm(tcpFrame(2, 3)))
	assert.False(c.Confirm([]byte{0}))
	assert.Equal(1, c.Len())
	assert.Equal(Awaiting, req.State())
	assert.Nil(req.Received())

	select {
	case <-req.Done():
		t.Fatal("unknown key must not resolve the request")
	default:
	}
}

func TestController_EvictedNeverMatched(t *testing.T) {
	assert := assert.New(t)

	c := New(NewFieldMatchPolicy([]IndexPair{{0, 0}, {1, 1}}), WithLogger(logger.NewNopMockLogger()))
	c.StartSendLoop()
	defer c.StopSendLoop()

	req := c.Register(tcpFrame(9, 3))
	waitClosed(t, req.SendReady())

	assert.True(c.Evict(req))
	assert.False(c.Confirm(tcpFrame(9, 3)), "late response must be unsolicited")
	assert.Equal(Evicted, req.State())

	// a later request reusing the key gets only its own response
	next := c.Register(tcpFrame(9, 4))
	waitClosed(t, next.SendReady())
	assert.True(c.Confirm(tcpFrame(9, 4)))
	waitClosed(t, next.Done())
	assert.Equal(tcpFrame(9, 4), next.Received())

	select {
	case <-req.Done():
		t.Fatal("evicted request must never be signalled")
	default:
	}
}

func TestController_FIFO(t *testing.T) {
	assert := assert.New(t)

	c := New(FIFOPolicy{}, WithLogger(logger.NewNopMockLogger()))

	first := c.Register([]byte{1, 3})
	assert.NotNil(first)
	assert.Nil(c.Register([]byte{2, 3}), "only one request may be outstanding")

	// not yet released, so a response can't match it
	assert.False(c.Confirm([]byte{1, 3, 0}))

	c.StartSendLoop()
	c.StartSendLoop()
	defer c.StopSendLoop()
	assert.True(c.IsSendLoopRunning())

	waitClosed(t, first.SendReady())
	assert.True(c.Confirm([]byte{0xff, 0xff}), "any frame matches the front entry")
	waitClosed(t, first.Done())

	assert.False(c.Confirm([]byte{1}), "nothing outstanding")

	second := c.Register([]byte{2, 3})
	assert.NotNil(second)
	waitClosed(t, second.SendReady())
}

func TestController_ClearAndStop(t *testing.T) {
	assert := assert.New(t)

	c := New(NewFieldMatchPolicy([]IndexPair{{0, 0}, {1, 1}}), WithLogger(logger.NewNopMockLogger()))
	c.StopSendLoop() // no-op before start

	reqs := []*PendingRequest{
		c.Register(tcpFrame(1, 3)),
		c.Register(tcpFrame(2, 3)),
		c.Register(tcpFrame(3, 3)),
	}
	assert.Equal(3, c.Clear())
	assert.Equal(0, c.Len())
	for _, req := range reqs {
		assert.Equal(Evicted, req.State())
		assert.False(c.Evict(req))
	}

	c.StartSendLoop()
	c.StopSendLoop()
	assert.False(c.IsSendLoopRunning())

	// queued requests stay queued while the loop is stopped
	req := c.Register(tcpFrame(4, 3))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(Queued, req.State())

	c.StartSendLoop()
	defer c.StopSendLoop()
	waitClosed(t, req.SendReady())
}

func TestController_AcquireInterval(t *testing.T) {
	assert := assert.New(t)

	interval := 50 * time.Millisecond
	c := New(NewFieldMatchPolicy([]IndexPair{{0, 0}, {1, 1}}),
		WithAcquireInterval(interval), WithLogger(logger.NewNopMockLogger()))
	c.StartSendLoop()
	defer c.StopSendLoop()

	start := time.Now()
	r1 := c.Register(tcpFrame(1, 3))
	r2 := c.Register(tcpFrame(2, 3))
	r3 := c.Register(tcpFrame(3, 3))

	waitClosed(t, r1.SendReady())
	waitClosed(t, r2.SendReady())
	waitClosed(t, r3.SendReady())

	assert.GreaterOrEqual(time.Since(start), 2*interval-10*time.Millisecond)
}
