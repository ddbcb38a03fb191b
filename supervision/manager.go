package supervision

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tagflow/admission"
	"tagflow/logging"
	"tagflow/metrics"
	"tagflow/tag"
)

// CommFault values written to comm-fault control tags.
const (
	CommFaultValue = false
	CommOKValue    = true
)

// TagWriter is the control and data tag write path. *admission.Updater
// implements it. State and comm-fault tags are written through
// UpdateAndValidate so that the tags always follow the registry, whatever the
// timestamp of the event that caused the transition.
type TagWriter interface {
	UpdateAndValidate(tagID int64, value any, description string, ts time.Time) (admission.Outcome, error)
	Invalidate(tagID int64, status tag.QualityStatus, description string, ts time.Time) (admission.Outcome, error)
	Revalidate(tagID int64, ts time.Time, statuses ...tag.QualityStatus) (admission.Outcome, error)
}

// TransitionFunc is called after every recorded status change.
type TransitionFunc func(e *Entity, t Transition)

// Manager applies supervision events to the entity hierarchy.
type Manager struct {
	registry *Registry
	timers   *TimerManager
	writer   TagWriter
	history  *History
	metrics  *metrics.Metrics
	now      func() time.Time

	mu           sync.RWMutex
	logFn        func(format string, args ...interface{})
	onTransition TransitionFunc
}

// NewManager creates a manager and subscribes it to expiries of timers.
func NewManager(reg *Registry, timers *TimerManager, w TagWriter, history *History, m *metrics.Metrics) *Manager {
	if history == nil {
		history = NewHistory(DefaultHistorySize)
	}
	mgr := &Manager{
		registry: reg,
		timers:   timers,
		writer:   w,
		history:  history,
		metrics:  m,
		now:      time.Now,
	}
	if timers != nil {
		timers.SetOnExpire(func(id int64) {
			_ = mgr.OnAliveTimerExpiration(id)
		})
	}
	return mgr
}

// SetLogFunc sets the logging callback.
func (m *Manager) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	m.logFn = fn
	m.mu.Unlock()
}

// SetOnTransition sets the transition callback.
func (m *Manager) SetOnTransition(fn TransitionFunc) {
	m.mu.Lock()
	m.onTransition = fn
	m.mu.Unlock()
}

// SetClock replaces the clock. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) log(format string, args ...interface{}) {
	m.mu.RLock()
	fn := m.logFn
	m.mu.RUnlock()
	if fn != nil {
		fn("[Supervision] "+format, args...)
	}
	logging.DebugLog("supervision", format, args...)
}

// Registry returns the entity registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Timers returns the alive timer manager.
func (m *Manager) Timers() *TimerManager { return m.timers }

// History returns the transition history.
func (m *Manager) History() *History { return m.history }

// Entity returns a snapshot of one entity.
func (m *Manager) Entity(kind Kind, id int64) (*Entity, error) {
	return m.registry.Get(kind, id)
}

// OnAliveTimerExpiration brings down the entity supervised by the timer.
func (m *Manager) OnAliveTimerExpiration(timerID int64) error {
	if m.timers == nil {
		m.log("ERROR alive timer %d expired but no timers are configured", timerID)
		return fmt.Errorf("alive timer %d: %w", timerID, ErrUnknownTimer)
	}
	timer, err := m.timers.Get(timerID)
	if err != nil {
		m.log("ERROR alive timer %d expired but is not registered", timerID)
		return err
	}
	e, err := m.registry.Get(timer.RelatedKind, timer.RelatedID)
	if err != nil {
		m.log("ERROR alive timer %d refers to unknown %s %d", timerID, timer.RelatedKind, timer.RelatedID)
		return err
	}

	m.metrics.AliveExpired(timer.RelatedKind.String())
	msg := fmt.Sprintf("Alive timer for %s %s expired: alive signal not received within %d ms",
		timer.RelatedKind, e.Name, timer.Interval.Milliseconds())
	return m.OnDown(timer.RelatedKind, timer.RelatedID, m.now(), msg)
}

// cascadeStep describes one entity still to visit during a cascade.
type cascadeStep struct {
	kind Kind
	id   int64
	msg  string
}

// cascade walks the subtree rooted at kind/id breadth-first. step handles one
// entity and returns it, or nil when the branch must be skipped. A failure in
// one entity is logged and does not stop its siblings.
func (m *Manager) cascade(kind Kind, id int64, msg string, verb string, step func(cascadeStep) *Entity) error {
	if _, err := m.registry.Get(kind, id); err != nil {
		m.log("ERROR cannot %s: %v", verb, err)
		return err
	}

	queue := []cascadeStep{{kind: kind, id: id, msg: msg}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		e, failed := m.safeStep(cur, step)
		if failed {
			// The entity itself failed; its children are still visited.
			e, _ = m.registry.Get(cur.kind, cur.id)
		}
		if e == nil {
			continue
		}
		childKind, ok := handlers[cur.kind].ChildKind()
		if !ok {
			continue
		}
		childMsg := fmt.Sprintf("Parent %s %s %s: %s", cur.kind, e.Name, verb, msg)
		for _, childID := range e.ChildIDs {
			queue = append(queue, cascadeStep{kind: childKind, id: childID, msg: childMsg})
		}
	}
	return nil
}

func (m *Manager) safeStep(cur cascadeStep, step func(cascadeStep) *Entity) (e *Entity, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log("ERROR unexpected failure on %s %d: %v", cur.kind, cur.id, r)
			e, failed = nil, true
		}
	}()
	return step(cur), false
}

// OnDown marks the entity and all its descendants DOWN with the same
// timestamp. Entities already DOWN or STOPPED keep their status.
func (m *Manager) OnDown(kind Kind, id int64, ts time.Time, msg string) error {
	return m.cascade(kind, id, msg, "down", func(s cascadeStep) *Entity {
		e, prev, changed, err := m.registry.transition(s.kind, s.id,
			func(st Status) bool { return st != StatusDown && st != StatusStopped },
			func(*Entity) Status { return StatusDown })
		if err != nil {
			m.log("ERROR %v", err)
			return nil
		}
		if changed {
			m.applyDown(e, prev, ts, s.msg)
		}
		return e
	})
}

// OnStop marks the entity and all its descendants STOPPED after an explicit
// disconnection and disarms their alive timers.
func (m *Manager) OnStop(kind Kind, id int64, ts time.Time, msg string) error {
	return m.cascade(kind, id, msg, "stopped", func(s cascadeStep) *Entity {
		e, prev, changed, err := m.registry.transition(s.kind, s.id,
			func(st Status) bool { return st != StatusStopped },
			func(*Entity) Status { return StatusStopped })
		if err != nil {
			m.log("ERROR %v", err)
			return nil
		}
		if e.AliveTagID != 0 && m.timers != nil {
			m.timers.Disarm(e.AliveTagID)
		}
		if changed {
			m.applyDown(e, prev, ts, s.msg)
		}
		return e
	})
}

// OnStartup moves a stopped or down entity and its descendants to STARTUP
// after a reconnection.
func (m *Manager) OnStartup(kind Kind, id int64, ts time.Time, msg string) error {
	return m.cascade(kind, id, msg, "restarted", func(s cascadeStep) *Entity {
		e, prev, changed, err := m.registry.transition(s.kind, s.id,
			func(st Status) bool { return st == StatusStopped || st == StatusDown },
			func(*Entity) Status { return StatusStartup })
		if err != nil {
			m.log("ERROR %v", err)
			return nil
		}
		if changed {
			m.writeState(e, StatusStartup, ts, s.msg)
			m.record(e, prev, ts, s.msg)
		}
		return e
	})
}

// OnUp moves a DOWN or STARTUP entity to RUNNING, or RUNNING_LOCAL for a
// process on local configuration. Running and stopped entities are left
// untouched. Children are not brought up; they report through their own
// alive tags.
func (m *Manager) OnUp(kind Kind, id int64, ts time.Time, msg string) error {
	h, ok := handlers[kind]
	if !ok {
		return fmt.Errorf("%s %d: %w", kind, id, ErrUnknownEntity)
	}
	e, prev, changed, err := m.registry.transition(kind, id,
		func(st Status) bool { return st == StatusDown || st == StatusStartup },
		h.UpStatus)
	if err != nil {
		m.log("ERROR cannot bring up: %v", err)
		return err
	}
	if !changed {
		return nil
	}

	m.writeState(e, e.Status, ts, msg)
	m.writeCommFault(e, CommOKValue, ts, msg)
	now := m.now()
	for _, tagID := range e.DataTagIDs {
		if _, err := m.writer.Revalidate(tagID, now, h.DownQuality()); err != nil {
			m.log("%s %s: cannot revalidate tag %d: %v", kind, e.Name, tagID, err)
		}
	}
	m.record(e, prev, ts, msg)
	return nil
}

// applyDown performs the tag writes of a down or stop transition.
func (m *Manager) applyDown(e *Entity, prev Status, ts time.Time, msg string) {
	m.writeState(e, e.Status, ts, msg)
	m.writeCommFault(e, CommFaultValue, ts, msg)
	status := handlers[e.Kind].DownQuality()
	now := m.now()
	for _, tagID := range e.DataTagIDs {
		if _, err := m.writer.Invalidate(tagID, status, msg, now); err != nil {
			m.log("%s %s: cannot invalidate tag %d: %v", e.Kind, e.Name, tagID, err)
		}
	}
	m.record(e, prev, ts, msg)
}

func (m *Manager) writeState(e *Entity, status Status, ts time.Time, msg string) {
	if e.StateTagID == 0 {
		return
	}
	_, err := m.writer.UpdateAndValidate(e.StateTagID, status.String(), msg, ts)
	if err != nil {
		m.log("%s %s: cannot set state tag %d: %v", e.Kind, e.Name, e.StateTagID, err)
	}
}

func (m *Manager) writeCommFault(e *Entity, value bool, ts time.Time, msg string) {
	if e.CommFaultTagID == 0 {
		return
	}
	_, err := m.writer.UpdateAndValidate(e.CommFaultTagID, value, msg, ts)
	if err != nil {
		m.log("%s %s: cannot set comm-fault tag %d: %v", e.Kind, e.Name, e.CommFaultTagID, err)
	}
}

func (m *Manager) record(e *Entity, prev Status, ts time.Time, msg string) {
	t := Transition{
		Kind:      e.Kind.String(),
		EntityID:  e.ID,
		Name:      e.Name,
		From:      prev,
		To:        e.Status,
		Timestamp: ts,
		Message:   msg,
	}
	m.history.Add(t)
	m.metrics.Transition(t.Kind, e.Status.String())
	m.log("%s %s (#%d): %s -> %s: %s", e.Kind, e.Name, e.ID, prev, e.Status, msg)

	m.mu.RLock()
	fn := m.onTransition
	m.mu.RUnlock()
	if fn != nil {
		fn(e, t)
	}
}

// OnControlTag handles a change of a control tag. Alive tags renew their
// timer and bring the entity up; comm-fault tags bring it down or up. Other
// control tags are ignored.
func (m *Manager) OnControlTag(t *tag.Tag) {
	defer func() {
		if r := recover(); r != nil {
			m.log("ERROR unexpected failure processing control tag %d: %v", t.ID, r)
		}
	}()

	ts := supervisionTimestamp(t)
	if m.timers != nil && m.timers.IsRegistered(t.ID) {
		m.handleAlive(t.ID, ts)
		return
	}
	e, ok := m.registry.FindByControlTag(t.ID)
	if !ok || e.CommFaultTagID != t.ID {
		return
	}
	m.handleCommFault(e, t, ts)
}

func (m *Manager) handleAlive(timerID int64, ts time.Time) {
	timer, err := m.timers.Get(timerID)
	if err != nil {
		m.log("ERROR %v", err)
		return
	}
	accepted, err := m.timers.Heartbeat(timerID, ts)
	if err != nil || !accepted {
		return
	}
	msg := fmt.Sprintf("%s alive tag received", capitalize(timer.RelatedKind.String()))
	if err := m.OnUp(timer.RelatedKind, timer.RelatedID, ts, msg); err != nil && !errors.Is(err, ErrUnknownEntity) {
		m.log("ERROR alive %d: %v", timerID, err)
	}
}

func (m *Manager) handleCommFault(e *Entity, t *tag.Tag, ts time.Time) {
	if !t.IsValid() || t.Value == nil {
		return
	}
	v, err := tag.Cast(t.Value, tag.Bool)
	if err != nil {
		m.log("comm-fault tag %d of %s %s has non-boolean value %v", t.ID, e.Kind, e.Name, t.Value)
		return
	}
	if v.(bool) == CommFaultValue {
		if e.Status == StatusDown || e.Status == StatusStopped {
			return
		}
		msg := fmt.Sprintf("Communication fault tag indicates that %s %s is down", e.Kind, e.Name)
		if t.ValueDescription != "" {
			msg += ": " + t.ValueDescription
		}
		_ = m.OnDown(e.Kind, e.ID, ts, msg)
		return
	}
	msg := fmt.Sprintf("Communication fault tag indicates that %s %s is up", e.Kind, e.Name)
	_ = m.OnUp(e.Kind, e.ID, ts, msg)
}

// supervisionTimestamp picks the earliest of the DAQ and source timestamps.
func supervisionTimestamp(t *tag.Tag) time.Time {
	switch {
	case t.DAQTimestamp.IsZero() && t.SourceTimestamp.IsZero():
		return t.ServerTimestamp
	case t.DAQTimestamp.IsZero():
		return t.SourceTimestamp
	case t.SourceTimestamp.IsZero():
		return t.DAQTimestamp
	case t.DAQTimestamp.Before(t.SourceTimestamp):
		return t.DAQTimestamp
	default:
		return t.SourceTimestamp
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
