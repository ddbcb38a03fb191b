package supervision

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"tagflow/logging"
)

// DefaultCheckInterval is how often alive timers are checked for expiry.
const DefaultCheckInterval = 100 * time.Millisecond

// AliveTimer watches the heartbeat of one supervised entity. Its id is the id
// of the alive tag carrying the heartbeat.
type AliveTimer struct {
	ID          int64         `json:"id"`
	RelatedID   int64         `json:"related_id"`
	RelatedKind Kind          `json:"-"`
	Interval    time.Duration `json:"interval"`

	LastUpdate time.Time `json:"last_update"`
	Active     bool      `json:"active"`
}

// ExpiryFunc is called once per timer expiry.
type ExpiryFunc func(timerID int64)

// TimerManager drives every alive timer from a single checker goroutine.
type TimerManager struct {
	mu       sync.Mutex
	timers   map[int64]*AliveTimer
	onExpire ExpiryFunc
	check    time.Duration
	now      func() time.Time

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewTimerManager creates a timer manager. A non-positive check interval
// selects DefaultCheckInterval.
func NewTimerManager(check time.Duration) *TimerManager {
	if check <= 0 {
		check = DefaultCheckInterval
	}
	return &TimerManager{
		timers: make(map[int64]*AliveTimer),
		check:  check,
		now:    time.Now,
	}
}

// SetOnExpire sets the expiry callback.
func (m *TimerManager) SetOnExpire(fn ExpiryFunc) {
	m.mu.Lock()
	m.onExpire = fn
	m.mu.Unlock()
}

// SetClock replaces the clock. Intended for tests.
func (m *TimerManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Register adds a timer. It stays inactive until its first heartbeat.
func (m *TimerManager) Register(id, relatedID int64, kind Kind, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("alive timer %d: interval must be positive", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.timers[id]; exists {
		return fmt.Errorf("alive timer %d already registered", id)
	}
	m.timers[id] = &AliveTimer{ID: id, RelatedID: relatedID, RelatedKind: kind, Interval: interval}
	return nil
}

// IsRegistered reports whether id is a known alive timer.
func (m *TimerManager) IsRegistered(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[id]
	return ok
}

// Get returns a copy of the timer.
func (m *TimerManager) Get(id int64) (AliveTimer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return AliveTimer{}, fmt.Errorf("alive timer %d: %w", id, ErrUnknownTimer)
	}
	return *t, nil
}

// List returns copies of all timers ordered by id.
func (m *TimerManager) List() []AliveTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AliveTimer, 0, len(m.timers))
	for _, t := range m.timers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Heartbeat renews a timer with a heartbeat produced at ts and re-arms it.
// Heartbeats older than twice the timer interval are rejected as delayed.
func (m *TimerManager) Heartbeat(id int64, ts time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return false, fmt.Errorf("alive timer %d: %w", id, ErrUnknownTimer)
	}
	if m.now().Sub(ts) > 2*t.Interval {
		logging.DebugLog("alive", "rejecting delayed heartbeat for timer %d (produced %s)", id, ts.Format(time.RFC3339Nano))
		return false, nil
	}
	if ts.After(t.LastUpdate) {
		t.LastUpdate = ts
	}
	t.Active = true
	return true, nil
}

// Disarm deactivates a timer until its next heartbeat.
func (m *TimerManager) Disarm(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Active = false
	}
}

// Start launches the checker goroutine.
func (m *TimerManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.checkLoop(m.stopChan)
}

// Stop terminates the checker goroutine and waits for it.
func (m *TimerManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *TimerManager) checkLoop(stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.check)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.CheckExpired()
		}
	}
}

// CheckExpired fires every active timer whose deadline has passed. Each
// fired timer is disarmed so it fires once per expiry.
func (m *TimerManager) CheckExpired() {
	m.mu.Lock()
	now := m.now()
	var expired []int64
	for id, t := range m.timers {
		if t.Active && now.Sub(t.LastUpdate) > t.Interval {
			t.Active = false
			expired = append(expired, id)
		}
	}
	fn := m.onExpire
	m.mu.Unlock()

	if fn == nil {
		return
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, id := range expired {
		m.fire(fn, id)
	}
}

func (m *TimerManager) fire(fn ExpiryFunc, id int64) {
	defer func() {
		if r := recover(); r != nil {
			logging.DebugLog("alive", "expiry handler for timer %d panicked: %v", id, r)
		}
	}()
	fn(id)
}
