package worker

import "sync"

// Pool holds every attached Worker: the always-present local worker at
// index 0, plus zero or more remote workers attached over the transport
// (spec.md §3 Worker, §4.3).
type Pool struct {
	mu      sync.RWMutex
	workers map[int32]*Worker
	nextID  int32
}

// NewPool constructs a Pool seeded with the local worker at index 0.
func NewPool(localCfg Config) *Pool {
	p := &Pool{workers: make(map[int32]*Worker), nextID: 1}
	local := New(0, KindLocal, localCfg)
	local.SetState(StateAttached)
	p.workers[0] = local
	return p
}

// Local returns the always-present local worker.
func (p *Pool) Local() *Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workers[0]
}

// Attach registers a new remote worker and returns it.
func (p *Pool) Attach(cfg Config) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	w := New(id, KindRemote, cfg)
	w.SetState(StateAttached)
	p.workers[id] = w
	return w
}

// Detach removes a remote worker from the pool (e.g. after it exceeds its
// heartbeat timeout and every in-flight pip has been reassigned).
func (p *Pool) Detach(id int32) {
	if id == 0 {
		return // local worker is never detached
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
}

// Get returns the worker with the given id, or (nil, false).
func (p *Pool) Get(id int32) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[id]
	return w, ok
}

// Range calls fn for every attached worker, in no particular order.
func (p *Pool) Range(fn func(*Worker)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.workers {
		fn(w)
	}
}

// Count returns the number of currently attached workers (including local).
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}
