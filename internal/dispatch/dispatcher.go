package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// queueOrder is the fixed scan order of the drain loop (spec.md §4.2: "the
// loop scans queues in a fixed order"). DispatcherNone never holds items.
var queueOrder = []pipgraph.DispatcherKind{
	pipgraph.DispatcherChooseWorkerCpu,
	pipgraph.DispatcherChooseWorkerCacheLookup,
	pipgraph.DispatcherCPU,
	pipgraph.DispatcherCacheLookup,
	pipgraph.DispatcherDelayedCacheLookup,
	pipgraph.DispatcherMaterialize,
	pipgraph.DispatcherSealDirs,
	pipgraph.DispatcherIO,
	pipgraph.DispatcherLight,
}

// StepExecutor runs one dispatched pip's current step. It must eventually
// call Dispatcher.Finish when the step completes so the queue's running
// count is released.
type StepExecutor interface {
	ExecuteStep(pip *pipgraph.RunnablePip)
}

// Dispatcher owns every named queue plus the semaphore tier and runs the
// single drain loop (spec.md §4.2, C3). Grounded on the ring-buffer
// processor's channel-plus-dedicated-goroutine shape, generalized from one
// queue to N named priority queues scanned in a fixed order each
// iteration.
type Dispatcher struct {
	log *zap.Logger

	queues map[pipgraph.DispatcherKind]*Queue
	tier   *SemaphoreTier
	exec   StepExecutor

	mu        sync.Mutex
	cond      *sync.Cond
	cancelled bool
}

// New constructs a Dispatcher with one Queue per DispatcherKind, each
// capped at the given max-running degree.
func New(log *zap.Logger, exec StepExecutor, maxByKind map[pipgraph.DispatcherKind]int) *Dispatcher {
	d := &Dispatcher{
		log:    log,
		queues: make(map[pipgraph.DispatcherKind]*Queue),
		tier:   &SemaphoreTier{},
		exec:   exec,
	}
	d.cond = sync.NewCond(&d.mu)
	for _, k := range queueOrder {
		max := maxByKind[k]
		if max <= 0 {
			max = 1
		}
		d.queues[k] = NewQueue(k, max)
	}
	return d
}

// Queue returns the named queue, or nil if kind is not recognized.
func (d *Dispatcher) Queue(kind pipgraph.DispatcherKind) *Queue {
	return d.queues[kind]
}

// Tier returns the semaphore tier.
func (d *Dispatcher) Tier() *SemaphoreTier { return d.tier }

// Enqueue adds a pip to its DispatcherKind's queue and wakes the drain
// loop ("item-enqueued" per spec.md §4.2).
func (d *Dispatcher) Enqueue(pip *pipgraph.RunnablePip, priority int32) {
	d.mu.Lock()
	cancelled := d.cancelled
	d.mu.Unlock()
	if cancelled {
		return
	}
	q := d.queues[pip.DispatcherKind]
	if q == nil {
		d.log.Warn("enqueue to unrecognized dispatcher kind", zap.String("kind", pip.DispatcherKind.String()))
		return
	}
	q.Enqueue(pip, priority)
	d.wake()
}

// EnqueueSemaphoreWait adds a pip to the semaphore tier, blocked on the
// given semaphores.
func (d *Dispatcher) EnqueueSemaphoreWait(pip *pipgraph.RunnablePip, sems []*Semaphore) {
	d.tier.Hold(pip, sems)
}

// Finish signals that a dispatched item's step execution has completed,
// releasing its queue's running slot and waking the loop
// ("item-finished").
func (d *Dispatcher) Finish(kind pipgraph.DispatcherKind) {
	if q := d.queues[kind]; q != nil {
		q.Finish()
	}
	d.wake()
}

// AdjustDegree changes a queue's max-running degree and wakes the loop
// ("max-degree-adjusted") — used by the adaptive I/O degree monitor.
func (d *Dispatcher) AdjustDegree(kind pipgraph.DispatcherKind, max int) {
	if q := d.queues[kind]; q != nil {
		q.SetMax(max)
	}
	d.wake()
}

// Cancel marks every queue cancelled and wakes the loop to terminate; no
// new items may be enqueued afterward (spec.md §4.2).
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	d.cancelled = true
	d.mu.Unlock()
	d.wake()
}

func (d *Dispatcher) wake() {
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Run is the single drain loop. It blocks until ctx is canceled or Cancel
// is called.
func (d *Dispatcher) Run(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		d.Cancel()
		close(stop)
	}()

	for {
		d.mu.Lock()
		for !d.cancelled && !d.hasWork() {
			d.cond.Wait()
		}
		cancelled := d.cancelled
		d.mu.Unlock()

		if cancelled {
			d.log.Info("dispatch loop terminating: cancelled")
			return
		}

		d.drainOnce()
	}
}

// hasWork reports whether any queue has a dequeueable item or the
// semaphore tier holds any waiter, whether or not its semaphores are free
// yet. Called with d.mu held.
func (d *Dispatcher) hasWork() bool {
	for _, k := range queueOrder {
		q := d.queues[k]
		if q.Len() > 0 && q.HasCapacity() {
			return true
		}
	}
	return d.tier.Len() > 0
}

// drainOnce scans every queue once in fixed order, dequeuing at most one
// item per queue subject to its running cap, and submits each to the
// executor (spec.md §4.2).
func (d *Dispatcher) drainOnce() {
	for _, k := range queueOrder {
		q := d.queues[k]
		pip := q.TryDequeue()
		if pip == nil {
			continue
		}
		d.submit(k, pip)
	}
	for _, w := range d.tier.DrainReady() {
		d.submitSemaphoreWait(w)
	}
}

func (d *Dispatcher) submit(kind pipgraph.DispatcherKind, pip *pipgraph.RunnablePip) {
	go func() {
		defer d.Finish(kind)
		d.exec.ExecuteStep(pip)
	}()
}

// submitSemaphoreWait executes a pip that left the semaphore tier,
// releasing its semaphores (not a queue running slot) on completion.
func (d *Dispatcher) submitSemaphoreWait(w ReadyWait) {
	go func() {
		defer func() {
			for _, s := range w.Sems {
				s.Release()
			}
			d.wake()
		}()
		d.exec.ExecuteStep(w.Pip)
	}()
}
