package engine

import (
	"sync"
	"time"

	"tagflow/logging"
)

// DefaultRuleWorkers is the number of rule evaluation goroutines.
const DefaultRuleWorkers = 8

// rulePool evaluates dependent rules on a bounded set of goroutines.
//
// Pending work is a set of rule ids rather than a queue of evaluations: a rule
// submitted again before a worker picks it up is evaluated once, against the
// inputs current at that time. Submit never blocks and never drops, and the
// backlog is bounded by the number of rules.
type rulePool struct {
	evaluate func(ruleID int64)
	workers  int

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[int64]struct{}
	order   []int64
	started bool
	gen     int
	wg      sync.WaitGroup
}

func newRulePool(workers int, evaluate func(ruleID int64)) *rulePool {
	if workers <= 0 {
		workers = DefaultRuleWorkers
	}
	p := &rulePool{
		evaluate: evaluate,
		workers:  workers,
		pending:  make(map[int64]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *rulePool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(gen)
	}
}

func (p *rulePool) worker(gen int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.order) == 0 && p.started && p.gen == gen {
			p.cond.Wait()
		}
		if !p.started || p.gen != gen {
			p.mu.Unlock()
			return
		}
		id := p.order[0]
		p.order[0] = 0
		p.order = p.order[1:]
		delete(p.pending, id)
		p.mu.Unlock()

		p.evaluate(id)
	}
}

// Submit marks a rule for evaluation. A rule already pending is not queued a
// second time. Returns false only when the pool is stopped.
func (p *rulePool) Submit(ruleID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return false
	}
	if _, ok := p.pending[ruleID]; ok {
		logging.DebugLog("engine", "rule %d already pending, coalesced", ruleID)
		return true
	}
	p.pending[ruleID] = struct{}{}
	p.order = append(p.order, ruleID)
	p.cond.Signal()
	return true
}

// Pending returns the number of rules waiting for a worker.
func (p *rulePool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Stop signals the workers and waits briefly for them to exit. Pending
// evaluations are discarded.
func (p *rulePool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.pending = make(map[int64]struct{})
	p.order = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logging.DebugLog("engine", "timeout waiting for rule workers to stop")
	}
}
