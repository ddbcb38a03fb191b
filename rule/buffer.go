package rule

import (
	"errors"
	"sort"
	"sync"
	"time"

	"tagflow/logging"
	"tagflow/metrics"
	"tagflow/tag"
	"tagflow/tagstore"
)

const (
	// DefaultTickInterval is the flush check period of the result buffer.
	DefaultTickInterval = 75 * time.Millisecond
	// DefaultMaxCycles is the number of consecutive ticks a continuously
	// updated rule may stay buffered before it is flushed anyway.
	DefaultMaxCycles = 6
)

// Publisher receives the coalesced rule results.
type Publisher interface {
	UpdateAndValidate(ruleID int64, value any, description string, ts time.Time) error
	Invalidate(ruleID int64, quality tag.Quality, ts time.Time) error
}

// pendingResult is the latest buffered outcome for one rule. A non-empty
// quality makes it an invalidation, otherwise it is a valid value.
type pendingResult struct {
	ruleID      int64
	value       any
	description string
	quality     tag.Quality
	timestamp   time.Time
}

// flushItem is a pending result removed from the buffer for publishing.
type flushItem struct {
	result pendingResult
	forced bool
}

// Buffer coalesces bursts of rule results into at most one publish per rule
// per tick. A rule is flushed once a tick passes without a new result for it,
// or after MaxCycles consecutive ticks that all saw new results.
type Buffer struct {
	publisher Publisher
	tick      time.Duration
	maxCycles int
	metrics   *metrics.Metrics

	// mu guards the three maps and the loop state.
	mu       sync.Mutex
	pending  map[int64]*pendingResult
	received map[int64]bool
	cycles   map[int64]int
	running  bool
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup

	logMu sync.RWMutex
	logFn func(format string, args ...interface{})
}

// NewBuffer creates a buffer publishing to pub. Non-positive tick or
// maxCycles select the defaults.
func NewBuffer(pub Publisher, tick time.Duration, maxCycles int, m *metrics.Metrics) *Buffer {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	if maxCycles <= 0 {
		maxCycles = DefaultMaxCycles
	}
	return &Buffer{
		publisher: pub,
		tick:      tick,
		maxCycles: maxCycles,
		metrics:   m,
		pending:   make(map[int64]*pendingResult),
		received:  make(map[int64]bool),
		cycles:    make(map[int64]int),
	}
}

// SetLogFunc sets the logging callback.
func (b *Buffer) SetLogFunc(fn func(format string, args ...interface{})) {
	b.logMu.Lock()
	b.logFn = fn
	b.logMu.Unlock()
}

func (b *Buffer) log(format string, args ...interface{}) {
	b.logMu.RLock()
	fn := b.logFn
	b.logMu.RUnlock()
	if fn != nil {
		fn("[RuleBuffer] "+format, args...)
	}
	logging.DebugLog("rulebuffer", format, args...)
}

// Update buffers a valid result. Results older than the one already pending
// for the rule are dropped.
func (b *Buffer) Update(ruleID int64, value any, description string, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.mergeTarget(ruleID, ts)
	if !ok {
		return
	}
	obj.value = value
	obj.description = description
	obj.quality = nil
	obj.timestamp = ts
	b.markReceivedLocked(ruleID)
}

// Invalidate buffers an invalidation. Reasons accumulate until the rule is
// flushed or a valid result replaces them.
func (b *Buffer) Invalidate(ruleID int64, status tag.QualityStatus, description string, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.mergeTarget(ruleID, ts)
	if !ok {
		return
	}
	obj.quality = obj.quality.With(status, description)
	obj.timestamp = ts
	b.markReceivedLocked(ruleID)
}

// mergeTarget returns the pending result to merge into, creating it if
// needed. Must be called with b.mu held.
func (b *Buffer) mergeTarget(ruleID int64, ts time.Time) (*pendingResult, bool) {
	if b.stopped {
		return nil, false
	}
	obj, ok := b.pending[ruleID]
	if !ok {
		obj = &pendingResult{ruleID: ruleID, timestamp: ts}
		b.pending[ruleID] = obj
		return obj, true
	}
	if ts.Before(obj.timestamp) {
		logging.DebugLog("rulebuffer", "rule %d: dropping result at %s, pending result is newer",
			ruleID, ts.Format(time.RFC3339Nano))
		return nil, false
	}
	return obj, true
}

// markReceivedLocked flags the rule and makes sure the flush loop runs.
// Must be called with b.mu held.
func (b *Buffer) markReceivedLocked(ruleID int64) {
	b.received[ruleID] = true
	b.metrics.Pending(len(b.pending))
	if !b.running {
		b.running = true
		b.stopCh = make(chan struct{})
		b.wg.Add(1)
		go b.flushLoop(b.stopCh)
	}
}

// Pending returns the number of buffered rules.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Running reports whether the flush loop is active.
func (b *Buffer) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Buffer) flushLoop(stop chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !b.flushTick() {
				return
			}
		}
	}
}

// flushTick collects the rules due for publishing and publishes them after
// releasing the lock. Returns false once nothing is left pending, in which
// case the loop has already been marked as stopped.
func (b *Buffer) flushTick() bool {
	b.mu.Lock()
	var batch []flushItem
	for id, obj := range b.pending {
		if b.received[id] {
			b.cycles[id]++
			if b.cycles[id] < b.maxCycles {
				b.received[id] = false
				continue
			}
		}
		batch = append(batch, flushItem{result: *obj, forced: b.received[id]})
		delete(b.pending, id)
		delete(b.received, id)
		delete(b.cycles, id)
	}

	keepRunning := len(b.pending) > 0
	if !keepRunning {
		b.running = false
		b.stopCh = nil
	}
	b.metrics.Pending(len(b.pending))
	b.mu.Unlock()

	b.publishBatch(batch)
	return keepRunning
}

// Flush publishes everything pending immediately, regardless of tick state.
func (b *Buffer) Flush() {
	b.mu.Lock()
	batch := make([]flushItem, 0, len(b.pending))
	for id, obj := range b.pending {
		batch = append(batch, flushItem{result: *obj})
		delete(b.pending, id)
		delete(b.received, id)
		delete(b.cycles, id)
	}
	b.metrics.Pending(0)
	b.mu.Unlock()

	b.publishBatch(batch)
}

// Stop terminates the flush loop. Results buffered afterwards are dropped;
// call Flush first to drain.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	ch := b.stopCh
	b.stopCh = nil
	b.running = false
	b.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	b.wg.Wait()
}

func (b *Buffer) publishBatch(batch []flushItem) {
	if len(batch) == 0 {
		return
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].result.ruleID < batch[j].result.ruleID })
	for _, item := range batch {
		b.publish(item)
	}
}

func (b *Buffer) publish(item flushItem) {
	r := item.result
	defer func() {
		if rec := recover(); rec != nil {
			b.metrics.PublishError()
			b.log("rule %d: publish panicked: %v", r.ruleID, rec)
		}
	}()

	valid := r.quality.IsValid()
	var err error
	if valid {
		err = b.publisher.UpdateAndValidate(r.ruleID, r.value, r.description, r.timestamp)
	} else {
		err = b.publisher.Invalidate(r.ruleID, r.quality, r.timestamp)
	}

	if err != nil {
		b.metrics.PublishError()
		if errors.Is(err, tagstore.ErrNotFound) {
			b.log("rule %d was removed before its result could be published", r.ruleID)
			return
		}
		b.log("rule %d: publish failed: %v", r.ruleID, err)
		return
	}

	b.metrics.Flush(valid, item.forced)
	logging.DebugLog("rulebuffer", "rule %d flushed (valid=%v forced=%v)", r.ruleID, valid, item.forced)
}
