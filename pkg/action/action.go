// Package action defines the uniform trigger interface the scheduler
// dispatches through, with a synchronous and an asynchronous variant.
//
// A trigger's boolean result is a protocol, not an error: true keeps the
// action registered, false tells the scheduler to evict the category (both
// its rate and its action).
package action

import (
	"sync"
	"sync/atomic"
)

// Action is the scheduler-facing vocabulary: Start is idempotent and must be
// called before the first Trigger; Close releases any resources the action
// owns and may block until an in-flight callback finishes.
type Action interface {
	Start()
	Trigger() bool
	Close()
}

// ─── synchronous actions ─────────────────────────────────────────────────────

// Sync invokes its callback inline on the goroutine that triggers it.
//
// The callback must be safe for concurrent invocation if the owning
// scheduler runs more than one worker. A long-running callback blocks the
// worker that fired it for the whole interval — use Async for that, and for
// any callback that re-enters the scheduler (for example to stop it).
type Sync struct {
	mu     sync.RWMutex
	fn     func() bool
	closed bool
}

// NewSync wraps fn as a synchronous action. A nil fn always triggers false.
func NewSync(fn func() bool) *Sync {
	return &Sync{fn: fn}
}

// Start is a no-op; a Sync action has no resources to spin up.
func (a *Sync) Start() {}

// Trigger runs the callback under a read lock that serializes against Close,
// and returns its result.
func (a *Sync) Trigger() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed || a.fn == nil {
		return false
	}
	return a.fn()
}

// Close waits for any in-flight callback to return, then marks the action
// dead. Subsequent triggers report false.
func (a *Sync) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

// ─── asynchronous actions ────────────────────────────────────────────────────

// Async runs its callback on a dedicated goroutine. Triggering it signals
// that goroutine and returns immediately, so the scheduler worker spends
// almost no time on dispatch regardless of how slow the callback is.
//
// The first callback failure is latched: the worker goroutine exits and
// every later trigger reports false without invoking the callback, which is
// what prompts the scheduler to evict the category.
type Async struct {
	fn func() bool

	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
	closed  bool
	started bool

	failed atomic.Bool
	wg     sync.WaitGroup
}

// NewAsync wraps fn as an asynchronous action. A nil fn always triggers
// false. Call Start before the first Trigger; the scheduler does this when
// the action is installed.
func NewAsync(fn func() bool) *Async {
	a := &Async{fn: fn}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Start spawns the worker goroutine. Further calls are no-ops.
func (a *Async) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.closed {
		return
	}
	a.started = true
	a.wg.Add(1)
	go a.loop()
}

// Trigger flags work for the dedicated goroutine and returns immediately.
// The result is false once the action has been closed or has latched a
// callback failure; the callback itself is never invoked on this goroutine.
//
// If a trigger arrives while the callback is still running, the work flag
// simply stays set — coincident triggers coalesce into one callback run.
func (a *Async) Trigger() bool {
	a.mu.Lock()
	if !a.failed.Load() {
		a.pending = true
	}
	closed := a.closed
	a.cond.Broadcast()
	a.mu.Unlock()
	return !closed && !a.failed.Load() && a.fn != nil
}

// Close tells the worker goroutine to exit and joins it. This may wait for
// an in-flight callback run to finish; the consequences are no worse than
// that run completing, so callbacks must not block forever.
func (a *Async) Close() {
	a.mu.Lock()
	a.closed = true
	a.cond.Broadcast()
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Async) loop() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		for !a.pending && !a.closed {
			a.cond.Wait()
		}
		if a.closed {
			a.mu.Unlock()
			return
		}
		a.pending = false
		a.mu.Unlock()

		if a.fn == nil || !a.fn() {
			a.failed.Store(true)
			return
		}
	}
}
