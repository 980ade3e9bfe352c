package poisson

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"

	"github.com/snehjoshi/poissonq/pkg/action"
	"github.com/snehjoshi/poissonq/pkg/bqueue"
)

// QueueObserver receives item-movement events from a composite Queue.
// Implementations must be safe for concurrent use and must not call back
// into the Queue or its Scheduler. The metrics registry in the demo
// binaries is one implementation.
type QueueObserver[K cmp.Ordered] interface {
	// Transferred reports one item moved from the shared input into the
	// category's processor.
	Transferred(category K)

	// ItemsRecovered reports items returned to the shared input when the
	// category's zombie processor was scavenged.
	ItemsRecovered(category K, n int64)
}

// Queue binds a Scheduler to per-category bounded processors for
// rate-limited concurrent consumption of a shared item stream.
//
// Items enter through QueueItem and sit in a shared input sequence. A
// category registered with SetProcessor gets a bounded queue, a worker
// goroutine, and a scheduler action that moves one item from the shared
// input into that queue per fire — so each category drains the stream at
// its own Poisson-modulated rate.
//
// When a processor's function fails, the processor self-terminates as a
// zombie holding its unprocessed items (the failing one first). Call
// ZombieCleanup — or register it as an asynchronous action — to scavenge
// zombies: their scheduler entries are removed and their residual items are
// returned to the front of the shared input.
type Queue[K cmp.Ordered, T any] struct {
	sched *Scheduler[K]
	log   *slog.Logger
	obs   QueueObserver[K]

	inputMu sync.Mutex
	input   []T

	procMu sync.Mutex
	procs  map[K]*bqueue.Processor[T]
}

// NewQueue returns a composite over a fresh scheduler with the given worker
// count. logger may be nil to disable zombie-cleanup reporting.
func NewQueue[K cmp.Ordered, T any](threads int, logger *slog.Logger, opts ...Option) *Queue[K, T] {
	return &Queue[K, T]{
		sched: New[K](threads, opts...),
		log:   logger,
		procs: make(map[K]*bqueue.Processor[T]),
	}
}

// Scheduler exposes the underlying scheduler for rate inspection, scale
// changes, and stop coordination.
func (q *Queue[K, T]) Scheduler() *Scheduler[K] { return q.sched }

// SetObserver attaches obs to the composite. Like the scheduler's timer
// factory, it may only be set while the scheduler is stopped; drain actions
// read it without a lock once workers run.
func (q *Queue[K, T]) SetObserver(obs QueueObserver[K]) {
	if !q.sched.IsStopped() {
		panic("poissonq: SetObserver on a running queue")
	}
	q.obs = obs
}

// Start starts the scheduler workers.
func (q *Queue[K, T]) Start() { q.sched.Start() }

// Close stops the scheduler (closing all registered actions) and tears down
// every processor. Items still held by processors or the shared input are
// not recovered; call ZombieCleanup first if they matter.
func (q *Queue[K, T]) Close() {
	q.sched.Close()

	q.procMu.Lock()
	procs := q.procs
	q.procs = make(map[K]*bqueue.Processor[T])
	q.procMu.Unlock()

	for _, p := range procs {
		p.Close()
	}
}

// QueueItem appends an item to the shared input sequence.
func (q *Queue[K, T]) QueueItem(item T) {
	q.inputMu.Lock()
	q.input = append(q.input, item)
	q.inputMu.Unlock()
}

// Items returns a snapshot of the shared input sequence in FIFO order.
func (q *Queue[K, T]) Items() []T {
	q.inputMu.Lock()
	defer q.inputMu.Unlock()
	return append([]T(nil), q.input...)
}

// ProcessorCount returns the number of registered processors, zombies
// included until ZombieCleanup collects them.
func (q *Queue[K, T]) ProcessorCount() int {
	q.procMu.Lock()
	defer q.procMu.Unlock()
	return len(q.procs)
}

// SetAction installs an action that does not consume queue items, firing at
// the given rate. Any processor previously registered for the category is
// dropped, and items it held are lost (ZombieCleanup cannot see it
// anymore).
func (q *Queue[K, T]) SetAction(category K, act action.Action, rate float64) {
	q.sched.SetAction(category, act)
	q.sched.SetRate(category, rate)

	q.procMu.Lock()
	old := q.procs[category]
	delete(q.procs, category)
	q.procMu.Unlock()
	if old != nil {
		old.Close()
	}
}

// SetProcessor registers a bounded processor for the category: fn handles
// one item at a time from a queue of the given capacity, fed from the
// shared input at the given rate. An existing processor for the category is
// replaced; the old one is closed outside the registry lock.
func (q *Queue[K, T]) SetProcessor(category K, fn bqueue.ProcessFunc[T], rate float64, capacity int) {
	proc := bqueue.NewProcessor(fn, capacity)
	proc.Start()

	// The drain action holds non-owning references to the processor and the
	// shared input. One fire moves at most one item.
	act := action.NewSync(func() bool {
		q.inputMu.Lock()
		moved := proc.TransferNextItem(&q.input, false)
		q.inputMu.Unlock()
		if moved && q.obs != nil {
			q.obs.Transferred(category)
		}
		return true
	})

	// Install the action before swapping processors, so the old action is
	// gone before the processor it references is closed.
	q.sched.SetAction(category, act)

	q.procMu.Lock()
	old := q.procs[category]
	q.procs[category] = proc
	q.procMu.Unlock()
	if old != nil {
		old.Close()
	}

	q.sched.SetRate(category, rate)
}

// RemoveAction clears the category's rate, action, and processor. Items
// held by the dropped processor are intentionally lost; the recovery path
// for failed processors is ZombieCleanup.
func (q *Queue[K, T]) RemoveAction(category K) {
	q.sched.EraseRate(category)
	q.sched.EraseAction(category)

	q.procMu.Lock()
	old := q.procs[category]
	delete(q.procs, category)
	q.procMu.Unlock()
	if old != nil {
		old.Close()
	}
}

// ZombieCleanup scavenges processors that have terminated on their own:
// each zombie's residual items are recovered, its category is removed from
// the scheduler, and the items are prepended to the shared input in their
// original order.
//
// The bool result carries no information; it makes ZombieCleanup directly
// usable as an action callback. Register it with action.NewAsync only —
// run synchronously it would re-enter the scheduler from a worker and
// deadlock on the registry lock.
func (q *Queue[K, T]) ZombieCleanup() bool {
	var recovered []T
	type scavenged struct {
		category K
		items    int64
	}
	var zombies []scavenged

	q.procMu.Lock()
	// Scavenge in sorted key order so that repeated runs over the same
	// failures merge recovered items into the input identically; ranging
	// the map directly would make the cross-category order random.
	var keys []K
	for category, p := range q.procs {
		if p.IsTerminated() {
			keys = append(keys, category)
		}
	}
	slices.Sort(keys)
	for _, category := range keys {
		p := q.procs[category]
		p.Close()
		before := len(recovered)
		p.Recover(&recovered)
		q.sched.EraseRate(category)
		q.sched.EraseAction(category)
		delete(q.procs, category)
		zombies = append(zombies, scavenged{category, int64(len(recovered) - before)})
	}
	q.procMu.Unlock()

	if len(recovered) > 0 {
		q.inputMu.Lock()
		q.input = append(recovered, q.input...)
		q.inputMu.Unlock()
	}
	for _, z := range zombies {
		if q.obs != nil {
			q.obs.ItemsRecovered(z.category, z.items)
		}
	}
	if len(zombies) > 0 && q.log != nil {
		q.log.Info("zombie cleanup",
			"processors", len(zombies),
			"items_recovered", len(recovered),
		)
	}
	return true
}
