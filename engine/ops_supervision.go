package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"tagflow/admission"
	"tagflow/supervision"
	"tagflow/tag"
)

// OnAliveTimerExpiration brings down the entity supervised by an expired
// alive timer and all of its descendants.
func (e *Engine) OnAliveTimerExpiration(timerID int64) error {
	e.emit(EventAliveExpired, AliveEvent{TimerID: timerID})
	return e.supervisor.OnAliveTimerExpiration(timerID)
}

// Heartbeat writes a fresh value to an alive tag as if its process had sent
// one. A zero ts means now.
func (e *Engine) Heartbeat(timerID int64, ts time.Time) (admission.Outcome, error) {
	if !e.timers.IsRegistered(timerID) {
		return admission.Outcome{}, fmt.Errorf("%w: alive timer %d", ErrNotFound, timerID)
	}
	if ts.IsZero() {
		ts = e.now()
	}
	return e.UpdateFromSource(timerID, tag.SourceValue{
		Value:     atomic.AddInt64(&e.aliveSeq, 1),
		Quality:   tag.Quality{},
		Timestamp: ts,
	})
}

// StopEntity records an explicit disconnection of a process, equipment or
// sub-equipment.
func (e *Engine) StopEntity(kind supervision.Kind, id int64, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("%s %d stopped", kind, id)
	}
	return e.wrapUnknown(e.supervisor.OnStop(kind, id, e.now(), msg))
}

// StartEntity records a reconnection of a stopped or down entity.
func (e *Engine) StartEntity(kind supervision.Kind, id int64, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("%s %d started", kind, id)
	}
	return e.wrapUnknown(e.supervisor.OnStartup(kind, id, e.now(), msg))
}

// Entity returns the current state of one supervised entity.
func (e *Engine) Entity(kind supervision.Kind, id int64) (*supervision.Entity, error) {
	ent, err := e.supervisor.Entity(kind, id)
	return ent, e.wrapUnknown(err)
}

// Entities lists all entities of one kind.
func (e *Engine) Entities(kind supervision.Kind) []*supervision.Entity {
	return e.supervisor.Registry().List(kind)
}

// History returns the supervision transitions recorded after since.
func (e *Engine) History(since time.Time) []supervision.Transition {
	return e.supervisor.History().Since(since)
}

// AliveTimers lists every alive timer and its last heartbeat.
func (e *Engine) AliveTimers() []supervision.AliveTimer {
	return e.timers.List()
}

func (e *Engine) wrapUnknown(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotFound, err)
}
