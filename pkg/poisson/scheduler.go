// Package poisson schedules user actions at independent random times whose
// rates follow per-category Poisson processes.
//
// A Scheduler holds one rate per category in a rate-weighted tree. Each
// worker goroutine repeatedly draws a category (weighted by its rate) and an
// exponential delay (rate = total of all categories), sleeps on a
// drift-corrected timer, then triggers the category's action. Rates and
// actions can change live; a category whose action reports failure is
// evicted automatically.
//
// The composite Queue in this package layers bounded per-category
// processors on top of the Scheduler for rate-limited consumption of a
// shared work stream.
package poisson

import (
	"cmp"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/poissonq/pkg/action"
	"github.com/snehjoshi/poissonq/pkg/ratetree"
	"github.com/snehjoshi/poissonq/pkg/timing"
)

// TimerFactory builds the sleep timer a worker will own. Every worker calls
// the factory once; the returned timer must not be shared.
type TimerFactory func() timing.SleepTimer

// settings collects construction-time knobs so options stay non-generic.
type settings struct {
	seed         int64
	seedSet      bool
	timerFactory TimerFactory
}

// Option configures a Scheduler or composite Queue at construction.
type Option func(*settings)

// WithSeed fixes the PRNG seed. Each worker derives its own generator from
// seed XOR its worker index, so runs with the same seed and worker count
// draw the same delays. The default seed is taken from the current time.
func WithSeed(seed int64) Option {
	return func(s *settings) {
		s.seed = seed
		s.seedSet = true
	}
}

// WithTimerFactory overrides the per-worker sleep timer. The default is a
// PreciseTimer with the package default cancel granularity and no spin
// tail.
func WithTimerFactory(f TimerFactory) Option {
	return func(s *settings) { s.timerFactory = f }
}

// Scheduler fires actions for categories at Poisson-distributed times.
//
// Construction does not start workers; call Start. All methods except
// SetTimerFactory are safe for concurrent use while the scheduler runs.
type Scheduler[K cmp.Ordered] struct {
	threadCount  int
	timerFactory TimerFactory
	seed         int64

	// stateMu guards running and backs stateCond, which is broadcast on
	// stop requests, stop completion, and rate insertions (the empty-wait
	// path).
	stateMu   sync.Mutex
	stateCond *sync.Cond
	running   bool

	stopRequested atomic.Bool
	stopped       atomic.Bool
	workers       sync.WaitGroup

	scaleMu sync.RWMutex
	scale   float64

	treeMu sync.RWMutex
	tree   *ratetree.Tree[K]

	actionMu sync.RWMutex
	actions  map[K]action.Action

	// evictHook, when set, is called by the evicting worker after a
	// category's rate and action have been removed. Set only while
	// stopped; workers read it without a lock.
	evictHook func(category K)
}

// New returns a stopped scheduler with the given number of workers.
// threads must be positive; more workers make short delays more accurate at
// high total rates, because each worker's sleep is stretched by the worker
// count and the overhead-to-sleep ratio drops.
func New[K cmp.Ordered](threads int, opts ...Option) *Scheduler[K] {
	if threads <= 0 {
		panic("poissonq: thread count must be positive")
	}
	var cfg settings
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.seedSet {
		cfg.seed = time.Now().UnixNano()
	}

	s := &Scheduler[K]{
		threadCount:  threads,
		timerFactory: cfg.timerFactory,
		seed:         cfg.seed,
		scale:        1.0,
		tree:         ratetree.New[K](),
		actions:      make(map[K]action.Action),
	}
	s.stateCond = sync.NewCond(&s.stateMu)
	s.stopRequested.Store(true)
	s.stopped.Store(true)
	return s
}

// ─── rates ───────────────────────────────────────────────────────────────────

// SetRate installs or updates the category's rate (mean firings per second)
// and wakes workers parked on an empty tree. A rate of zero is accepted as
// an alias for EraseRate; negative rates are a contract violation.
func (s *Scheduler[K]) SetRate(category K, rate float64) {
	if rate < 0 {
		panic("poissonq: negative rate")
	}
	if rate == 0 {
		s.EraseRate(category)
		return
	}
	s.treeMu.Lock()
	s.tree.Update(category, rate)
	s.treeMu.Unlock()

	s.stateMu.Lock()
	s.stateCond.Broadcast()
	s.stateMu.Unlock()
}

// EraseRate removes the category's rate. Workers stop selecting the
// category on their next iteration; a sleep already in progress for it
// still fires.
func (s *Scheduler[K]) EraseRate(category K) {
	s.treeMu.Lock()
	s.tree.Erase(category)
	s.treeMu.Unlock()
}

// RateExists reports whether the category currently has a rate.
func (s *Scheduler[K]) RateExists(category K) bool {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	return s.tree.Exists(category)
}

// Rate returns the category's current rate, or 0 when absent.
func (s *Scheduler[K]) Rate(category K) float64 {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	return s.tree.Rate(category)
}

// TotalRate returns the sum of all category rates.
func (s *Scheduler[K]) TotalRate() float64 {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	return s.tree.Total()
}

// ─── actions ─────────────────────────────────────────────────────────────────

// SetAction starts act (idempotent) and installs it for the category,
// replacing any previous action. A nil act erases instead. The outgoing
// action is closed after the registry lock is released, so closing an
// asynchronous action (which joins its goroutine) never happens under the
// lock.
func (s *Scheduler[K]) SetAction(category K, act action.Action) {
	if act != nil {
		act.Start()
	}
	s.actionMu.Lock()
	old := s.actions[category]
	if act != nil {
		s.actions[category] = act
	} else {
		delete(s.actions, category)
	}
	s.actionMu.Unlock()

	if old != nil && old != act {
		old.Close()
	}
}

// SetActionIfAbsent installs act only when the category has no action yet,
// reporting whether the install happened. When the category is already
// occupied, act is closed (it has not been started) and the existing action
// is left untouched.
func (s *Scheduler[K]) SetActionIfAbsent(category K, act action.Action) bool {
	if act == nil {
		return false
	}

	s.actionMu.Lock()
	_, occupied := s.actions[category]
	if !occupied {
		act.Start()
		s.actions[category] = act
	}
	s.actionMu.Unlock()

	if occupied {
		act.Close()
	}
	return !occupied
}

// EraseAction removes and closes the category's action, if any.
func (s *Scheduler[K]) EraseAction(category K) {
	s.SetAction(category, nil)
}

// ActionExists reports whether the category has a registered action.
func (s *Scheduler[K]) ActionExists(category K) bool {
	s.actionMu.RLock()
	defer s.actionMu.RUnlock()
	_, ok := s.actions[category]
	return ok
}

// ─── scale ───────────────────────────────────────────────────────────────────

// SetScale sets the global speed multiplier. Sampled delays are divided by
// scale, so scale > 1 makes every category fire proportionally faster.
// scale must be positive.
func (s *Scheduler[K]) SetScale(scale float64) {
	if scale <= 0 {
		panic("poissonq: scale must be positive")
	}
	s.scaleMu.Lock()
	s.scale = scale
	s.scaleMu.Unlock()
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

// SetTimerFactory replaces the per-worker timer factory. Calling it while
// workers are running is a contract violation.
func (s *Scheduler[K]) SetTimerFactory(f TimerFactory) {
	if !s.IsStopped() {
		panic("poissonq: SetTimerFactory on a running scheduler")
	}
	s.timerFactory = f
}

// SetEvictHook registers fn to be called whenever a worker evicts a
// category after a failing trigger, with both the rate and the action
// already removed. fn must be safe for concurrent use and must not call
// back into the scheduler. Calling SetEvictHook while workers are running
// is a contract violation; nil clears the hook.
func (s *Scheduler[K]) SetEvictHook(fn func(category K)) {
	if !s.IsStopped() {
		panic("poissonq: SetEvictHook on a running scheduler")
	}
	s.evictHook = fn
}

// Start spawns the worker goroutines. Calling Start on a scheduler that is
// not stopped is a contract violation.
func (s *Scheduler[K]) Start() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.running || !s.stopped.Load() {
		panic("poissonq: Start on a running scheduler")
	}
	s.stopped.Store(false)
	s.stopRequested.Store(false)
	s.running = true
	for i := 0; i < s.threadCount; i++ {
		s.workers.Add(1)
		go s.worker(i)
	}
}

// AsyncStop requests a stop without waiting. Use this from an action owned
// by the scheduler; Stop from such an action would deadlock on the join.
func (s *Scheduler[K]) AsyncStop() {
	s.stateMu.Lock()
	s.stopRequested.Store(true)
	s.stateCond.Broadcast()
	s.stateMu.Unlock()
}

// Stop requests a stop and joins every worker. After Stop returns the
// scheduler may be started again. Stop must not be called from a goroutine
// the scheduler owns (a synchronous action callback) — that is a
// self-join; use AsyncStop there instead.
func (s *Scheduler[K]) Stop() {
	s.AsyncStop()
	s.workers.Wait()

	s.stateMu.Lock()
	s.running = false
	s.stopped.Store(true)
	s.stateCond.Broadcast()
	s.stateMu.Unlock()
}

// IsStopping reports whether a stop has been requested. True does not mean
// every worker has exited yet.
func (s *Scheduler[K]) IsStopping() bool { return s.stopRequested.Load() }

// IsStopped reports whether all workers have exited.
func (s *Scheduler[K]) IsStopped() bool { return s.stopped.Load() }

// WaitStopping blocks until a stop request is observed.
func (s *Scheduler[K]) WaitStopping() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for !s.stopRequested.Load() {
		s.stateCond.Wait()
	}
}

// WaitStopped blocks until all workers have exited. Unlike Stop it does not
// itself join, so it is safe from scheduler-owned goroutines.
func (s *Scheduler[K]) WaitStopped() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for !s.stopped.Load() {
		s.stateCond.Wait()
	}
}

// Close stops the scheduler and closes every registered action. The
// scheduler must not be reused afterwards.
func (s *Scheduler[K]) Close() {
	s.Stop()

	s.actionMu.Lock()
	acts := s.actions
	s.actions = make(map[K]action.Action)
	s.actionMu.Unlock()

	for _, a := range acts {
		a.Close()
	}
}

// ─── worker loop ─────────────────────────────────────────────────────────────

func (s *Scheduler[K]) worker(index int) {
	defer s.workers.Done()

	// Both the generator and the timer are strictly worker-private:
	// sharing either would need locks and would bias the statistics.
	rng := rand.New(rand.NewSource(s.seed ^ int64(index)))
	var timer timing.SleepTimer
	if s.timerFactory != nil {
		timer = s.timerFactory()
	} else {
		timer = timing.NewPreciseTimer(timing.DefaultCancelGranularity, 0)
	}
	timer.Mark()

	for !s.stopRequested.Load() {
		s.scaleMu.RLock()
		scale := s.scale
		s.scaleMu.RUnlock()

		u := rng.Float64()
		e := rng.ExpFloat64() / scale

		// Category selection comes before the sleep, so the sleep belongs
		// to the categories available when it starts: a rate change made
		// during the sleep takes effect on the next iteration. The action
		// for the chosen category may still change or disappear before the
		// trigger; that is allowed.
		s.treeMu.RLock()
		total := s.tree.Total()
		if total == 0 {
			s.treeMu.RUnlock()
			s.stateMu.Lock()
			if s.stopRequested.Load() {
				s.stateMu.Unlock()
				break
			}
			// Re-check under the state lock: a SetRate that committed after
			// the tree lock was released has already broadcast, and waiting
			// now would miss it.
			s.treeMu.RLock()
			stillEmpty := s.tree.Total() == 0
			s.treeMu.RUnlock()
			if stillEmpty {
				s.stateCond.Wait()
			}
			s.stateMu.Unlock()
			// Don't let the timer treat the park as oversleep.
			timer.Mark()
			continue
		}
		// u < 1, but u*total can still round up to total; keep the point
		// inside the tree's half-open interval.
		point := u * total
		if point >= total {
			point = math.Nextafter(total, 0)
		}
		chosen := s.tree.Locate(point)
		// With threadCount workers each stretching its delay by the worker
		// count, the merged process keeps the aggregate rate `total`.
		delay := e / total * float64(s.threadCount)
		s.treeMu.RUnlock()

		timer.SleepFor(
			time.Duration(delay*float64(time.Second)),
			func() bool { return s.stopRequested.Load() },
		)
		if s.stopRequested.Load() {
			break
		}

		s.actionMu.RLock()
		act := s.actions[chosen]
		keep := true
		if act != nil {
			keep = act.Trigger()
		}
		s.actionMu.RUnlock()

		if !keep {
			// Eviction takes the write locks, so no later worker iteration
			// can re-select the category once this completes.
			s.EraseRate(chosen)
			s.EraseAction(chosen)
			if s.evictHook != nil {
				s.evictHook(chosen)
			}
		}
	}
}
