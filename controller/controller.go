// Package controller correlates responses with in-flight requests on a shared duplex link.
//
// A request is registered with the outbound frame, waits for its turn to be written
// (send-ready), then waits for the matching response (done). The lifecycle of a request is
//
//	Queued -> Awaiting -> Matched
//	                  \-> Evicted
//
// Matched and Evicted are terminal and mutually exclusive. A request is removed from the
// outstanding set exactly once, by Confirm (matched) or by Evict/Clear (evicted). Eviction
// never signals the waiter: the waiter is the one evicting, after its own timeout.
//
// How responses are paired with requests is decided by a KeyPolicy: FIFOPolicy allows one
// outstanding request and pairs it with the next frame, FieldMatchPolicy pairs frames by
// transaction fields.
package controller

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-modnet/internal/pool"
	"github.com/arloliu/go-modnet/internal/queue"
	"github.com/arloliu/go-modnet/internal/task"
	"github.com/arloliu/go-modnet/logger"
)

var (
	// ErrDuplicateKey indicates that a request with the same key is already outstanding.
	// For a wildcard policy any outstanding request counts. Callers retry later.
	ErrDuplicateKey = errors.New("request with the same key is outstanding")

	// ErrKeyUnavailable indicates that the key can't be derived from the frame.
	ErrKeyUnavailable = errors.New("correlation key can't be derived from frame")
)

// State is the lifecycle state of a PendingRequest.
type State int32

const (
	// Queued means the request is registered but not released for sending.
	Queued State = iota
	// Awaiting means the request was released for sending and waits for its response.
	Awaiting
	// Matched means a response was paired with the request.
	Matched
	// Evicted means the request was removed without a response.
	Evicted
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Awaiting:
		return "awaiting"
	case Matched:
		return "matched"
	case Evicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// PendingRequest is an outstanding request owned by a Controller.
type PendingRequest struct {
	key       Key
	sent      []byte
	received  []byte
	state     atomic.Int32
	sendReady chan struct{}
	done      chan struct{}
	handle    *queue.Handle[*PendingRequest]
}

func newPendingRequest(key Key, sent []byte) *PendingRequest {
	return &PendingRequest{
		key:       key,
		sent:      sent,
		sendReady: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Key returns the correlation key of the request.
func (r *PendingRequest) Key() Key { return r.key }

// Sent returns the outbound frame.
func (r *PendingRequest) Sent() []byte { return r.sent }

// Received returns the matched response frame. It is nil until Done is closed.
func (r *PendingRequest) Received() []byte {
	select {
	case <-r.done:
		return r.received
	default:
		return nil
	}
}

// State returns the current lifecycle state.
func (r *PendingRequest) State() State { return State(r.state.Load()) }

// SendReady is closed when the request may be written to the link.
func (r *PendingRequest) SendReady() <-chan struct{} { return r.sendReady }

// Done is closed when a response was matched. It is never closed for an evicted request.
func (r *PendingRequest) Done() <-chan struct{} { return r.done }

// Controller is the correlation state machine of one link.
//
// All mutations of the outstanding set happen under one mutex, waiters are signalled
// after the mutex is released.
type Controller struct {
	policy          KeyPolicy
	logger          logger.Logger
	acquireInterval time.Duration

	mu      sync.Mutex
	pending *queue.FIFO[*PendingRequest]
	byKey   map[Key]*PendingRequest

	notify  chan struct{}
	taskMgr *task.Manager
	loopMu  sync.Mutex
	running bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger of the controller. Defaults to logger.GetLogger().
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAcquireInterval spaces the release of queued requests by d, releasing one request
// per interval. Zero, the default, releases every queued request at once.
func WithAcquireInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.acquireInterval = d
		}
	}
}

// New creates a Controller using policy to derive correlation keys.
// A nil policy defaults to FIFOPolicy.
func New(policy KeyPolicy, opts ...Option) *Controller {
	if policy == nil {
		policy = FIFOPolicy{}
	}

	c := &Controller{
		policy:  policy,
		logger:  logger.GetLogger(),
		pending: queue.NewFIFO[*PendingRequest](),
		byKey:   make(map[Key]*PendingRequest),
		notify:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.taskMgr = task.NewManager(context.Background(), c.logger)

	return c
}

// Policy returns the key policy of the controller.
func (c *Controller) Policy() KeyPolicy { return c.policy }

// Register registers an outbound frame and returns its PendingRequest, or nil when the
// request is rejected because a request with the same key is outstanding or the key
// can't be derived.
func (c *Controller) Register(sent []byte) *PendingRequest {
	req, err := c.TryRegister(sent)
	if err != nil {
		return nil
	}

	return req
}

// TryRegister is like Register and reports why a request was rejected.
func (c *Controller) TryRegister(sent []byte) (*PendingRequest, error) {
	key, ok := c.policy.SendKey(sent)
	if !ok {
		c.logger.Warn("can't derive key from request frame", "method", "TryRegister", "len", len(sent))
		return nil, ErrKeyUnavailable
	}

	req := newPendingRequest(key, sent)

	c.mu.Lock()
	if key.IsWildcard() {
		if !c.pending.IsEmpty() {
			c.mu.Unlock()
			return nil, ErrDuplicateKey
		}
	} else {
		if _, dup := c.byKey[key]; dup {
			c.mu.Unlock()
			return nil, ErrDuplicateKey
		}
		c.byKey[key] = req
	}
	req.handle = c.pending.Enqueue(req)
	c.mu.Unlock()

	c.wake()

	return req, nil
}

// Confirm pairs a received frame with an outstanding request. It returns false and
// changes nothing when no awaiting request matches, the frame is then unsolicited.
func (c *Controller) Confirm(received []byte) bool {
	key, ok := c.policy.ReceiveKey(received)
	if !ok {
		c.logger.Warn("can't derive key from response frame", "method", "Confirm", "len", len(received))
		return false
	}

	c.mu.Lock()
	var req *PendingRequest
	if key.IsWildcard() {
		if front, ok := c.pending.Peek(); ok && front.State() == Awaiting {
			req = front
		}
	} else if r, ok := c.byKey[key]; ok && r.State() == Awaiting {
		req = r
	}

	if req == nil {
		c.mu.Unlock()
		return false
	}

	c.removeLocked(req)
	req.received = slices.Clone(received)
	req.state.Store(int32(Matched))
	c.mu.Unlock()

	close(req.done)
	c.wake()

	return true
}

// Evict removes req without signalling its waiter. It returns false when req is no
// longer outstanding, i.e. it was already matched or evicted.
func (c *Controller) Evict(req *PendingRequest) bool {
	if req == nil {
		return false
	}

	c.mu.Lock()
	if !c.pending.Remove(req.handle) {
		c.mu.Unlock()
		return false
	}
	c.dropKeyLocked(req)
	req.state.Store(int32(Evicted))
	c.mu.Unlock()

	c.wake()

	return true
}

// Clear evicts every outstanding request and returns how many were evicted.
func (c *Controller) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.pending.Length()
	c.pending.Range(func(req *PendingRequest) bool {
		req.state.Store(int32(Evicted))
		return true
	})
	c.pending.Reset()
	clear(c.byKey)

	return n
}

// Len returns the number of outstanding requests.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pending.Length()
}

// StartSendLoop starts the send-dispatch loop releasing queued requests. It is idempotent.
func (c *Controller) StartSendLoop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.running {
		return
	}

	if err := c.taskMgr.Start("controllerSendLoop", c.sendLoop); err != nil {
		c.logger.Error("failed to start send loop", "error", err)
		return
	}
	c.running = true
	c.wake()
}

// StopSendLoop stops the send-dispatch loop and waits for it to exit. It is idempotent.
// Queued requests stay queued until the loop is started again or they are evicted.
func (c *Controller) StopSendLoop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if !c.running {
		return
	}

	c.taskMgr.Stop()
	c.taskMgr.Wait()
	c.running = false
}

// IsSendLoopRunning reports whether the send-dispatch loop is running.
func (c *Controller) IsSendLoopRunning() bool {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	return c.running
}

func (c *Controller) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Controller) sendLoop(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.notify:
	}

	if c.dispatch() == 0 || c.acquireInterval <= 0 {
		return true
	}

	// hold the next release back for one interval
	if !pool.Sleep(ctx, c.acquireInterval) {
		return false
	}
	c.wake()

	return true
}

// dispatch releases queued requests and returns how many were released. With an
// acquire interval at most one request is released per call.
func (c *Controller) dispatch() int {
	var ready []*PendingRequest

	c.mu.Lock()
	c.pending.Range(func(req *PendingRequest) bool {
		if req.State() != Queued {
			return true
		}
		req.state.Store(int32(Awaiting))
		ready = append(ready, req)

		return c.acquireInterval <= 0
	})
	c.mu.Unlock()

	for _, req := range ready {
		close(req.sendReady)
	}

	return len(ready)
}

func (c *Controller) removeLocked(req *PendingRequest) {
	c.pending.Remove(req.handle)
	c.dropKeyLocked(req)
}

func (c *Controller) dropKeyLocked(req *PendingRequest) {
	if req.key.IsWildcard() {
		return
	}
	if cur, ok := c.byKey[req.key]; ok && cur == req {
		delete(c.byKey, req.key)
	}
}
