// Package task manages the goroutines behind connectors, controllers and fleet drivers.
//
// A Manager owns a cancellable context shared by every goroutine it starts. Stop cancels
// the context and disarms interval tickers, Wait blocks until all goroutines exited and
// re-arms the Manager so it can be started again.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-modnet/logger"
)

// Func is one iteration of a task loop. It should return true to keep running, or
// false to stop the goroutine. ctx is cancelled when the Manager stops.
type Func func(ctx context.Context) bool

// CleanupFunc is called once when a goroutine started with StartWithCleanup exits,
// whether by returning false or by cancellation.
type CleanupFunc func()

// Manager manages the lifecycle of goroutines.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, log)
//
//	_ = mgr.Start("receiver", func(ctx context.Context) bool {
//	    // ... blocking read honouring ctx ...
//	    return true
//	})
//
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx    context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  logger.Logger
	count   atomic.Int32
	tickers sync.Map     // map[string]*time.Ticker
	mu      sync.RWMutex // protect ctx and cancel
	taskMu  sync.RWMutex // protect task creation during Wait()
}

// ErrStopped is returned when starting a task on a stopped Manager that was not re-armed by Wait.
var ErrStopped = errors.New("task manager already stopped")

// NewManager creates a Manager using ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the current generation of tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start starts a goroutine running fn in a loop until it returns false or the Manager stops.
func (mgr *Manager) Start(name string, fn Func) error {
	return mgr.StartWithCleanup(name, fn, nil)
}

// StartWithCleanup is like Start and additionally calls cleanup when the goroutine exits.
func (mgr *Manager) StartWithCleanup(name string, fn Func, cleanup CleanupFunc) error {
	mgr.logger.Debug("start task", "name", name)

	ctx := mgr.Context()
	if ctx.Err() != nil {
		return ErrStopped
	}

	mgr.spawn(name, func() {
		if cleanup != nil {
			defer cleanup()
		}
		mgr.runLoop(ctx, name, fn)
	})

	return nil
}

// StartInterval starts a goroutine executing fn every interval. If runNow is true the
// first execution happens immediately in the new goroutine instead of after one interval.
//
// The returned ticker may be used to Reset the interval; StopInterval or Stop disarms it.
func (mgr *Manager) StartInterval(name string, fn Func, interval time.Duration, runNow bool) (*time.Ticker, error) {
	mgr.logger.Debug("start interval task", "name", name, "interval", interval, "runNow", runNow)

	if interval <= 0 {
		return nil, fmt.Errorf("invalid interval: %v", interval)
	}

	ctx := mgr.Context()
	if ctx.Err() != nil {
		return nil, ErrStopped
	}

	ticker := time.NewTicker(interval)
	if _, loaded := mgr.tickers.LoadOrStore(name, ticker); loaded {
		ticker.Stop()
		return nil, fmt.Errorf("interval task %s already exists", name)
	}

	mgr.spawn(name, func() {
		defer func() {
			ticker.Stop()
			mgr.tickers.CompareAndDelete(name, ticker)
		}()

		if runNow && !mgr.callWithRecover(ctx, name, fn) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !mgr.callWithRecover(ctx, name, fn) {
					return
				}
			}
		}
	})

	return ticker, nil
}

// StopInterval disarms the interval task with the given name. The goroutine exits when the
// Manager stops; a pending execution is not interrupted.
func (mgr *Manager) StopInterval(name string) error {
	val, ok := mgr.tickers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("ticker %s not found", name)
	}

	ticker, _ := val.(*time.Ticker)
	ticker.Stop()

	return nil
}

// Stop disarms every ticker and cancels the context of every running goroutine.
func (mgr *Manager) Stop() {
	mgr.tickers.Range(func(_, value any) bool {
		if ticker, ok := value.(*time.Ticker); ok {
			ticker.Stop()
		}

		return true
	})

	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate, then re-arms the Manager with a fresh context.
//
// Wait must not be called from a goroutine owned by the Manager.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	if mgr.ctx.Err() != nil {
		mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	}
	mgr.mu.Unlock()
}

// TaskCount returns the number of running goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) spawn(name string, body func()) {
	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
			mgr.wg.Done()
		}()

		body()
	}()
}

func (mgr *Manager) runLoop(ctx context.Context, name string, fn Func) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if !mgr.callWithRecover(ctx, name, fn) {
				return
			}
		}
	}
}

// callWithRecover runs fn and converts a panic into a stop of the task.
func (mgr *Manager) callWithRecover(ctx context.Context, name string, fn Func) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task", "name", name, "panic", r)
			cont = false
		}
	}()

	return fn(ctx)
}
