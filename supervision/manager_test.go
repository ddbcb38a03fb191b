package supervision

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagflow/admission"
	"tagflow/tag"
	"tagflow/tagstore"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	control *tagstore.Store
	data    *tagstore.Store
	updater *admission.Updater
	reg     *Registry
	timers  *TimerManager
	mgr     *Manager

	logMu sync.Mutex
	logs  []string
}

// newEnv builds process P1 with equipment E10 and E11, each with one
// sub-equipment (S20 under E10, S21 under E11).
func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		control: tagstore.New("control"),
		data:    tagstore.New("data"),
		reg:     NewRegistry(),
		timers:  NewTimerManager(time.Hour),
	}
	for _, id := range []int64{101, 110, 111, 120, 121} {
		e.control.Load(tag.New(id, fmt.Sprintf("state-%d", id), tag.KindControl, tag.String))
	}
	for _, id := range []int64{210, 211} {
		e.control.Load(tag.New(id, fmt.Sprintf("commfault-%d", id), tag.KindControl, tag.Bool))
	}
	e.control.Load(tag.New(301, "alive-P1", tag.KindControl, tag.Int64))
	for _, id := range []int64{1000, 1001} {
		d := tag.New(id, fmt.Sprintf("data-%d", id), tag.KindData, tag.Float64)
		d.Value = 1.0
		d.Quality = tag.Quality{}
		e.data.Load(d)
	}

	e.updater = admission.NewUpdater(tagstore.NewLocator(e.data, e.control), nil)
	e.updater.SetClock(func() time.Time { return base })

	require.NoError(t, e.reg.Add(&Entity{ID: 1, Name: "P1", Kind: KindProcess, StateTagID: 101, AliveTagID: 301}))
	require.NoError(t, e.reg.Add(&Entity{ID: 10, Name: "E10", Kind: KindEquipment, ParentID: 1, StateTagID: 110, CommFaultTagID: 210, DataTagIDs: []int64{1000}}))
	require.NoError(t, e.reg.Add(&Entity{ID: 11, Name: "E11", Kind: KindEquipment, ParentID: 1, StateTagID: 111, CommFaultTagID: 211}))
	require.NoError(t, e.reg.Add(&Entity{ID: 20, Name: "S20", Kind: KindSubEquipment, ParentID: 10, StateTagID: 120, DataTagIDs: []int64{1001}}))
	require.NoError(t, e.reg.Add(&Entity{ID: 21, Name: "S21", Kind: KindSubEquipment, ParentID: 11, StateTagID: 121}))
	require.NoError(t, e.timers.Register(301, 1, KindProcess, time.Second))
	e.timers.SetClock(func() time.Time { return base })

	e.mgr = NewManager(e.reg, e.timers, e.updater, NewHistory(16), nil)
	e.mgr.SetClock(func() time.Time { return base })
	e.mgr.SetLogFunc(func(format string, args ...interface{}) {
		e.logMu.Lock()
		e.logs = append(e.logs, fmt.Sprintf(format, args...))
		e.logMu.Unlock()
	})
	return e
}

func (e *env) tag(t *testing.T, id int64) *tag.Tag {
	t.Helper()
	store := e.control
	if e.data.Contains(id) {
		store = e.data
	}
	tg, err := store.Get(id)
	require.NoError(t, err)
	return tg
}

func (e *env) status(t *testing.T, kind Kind, id int64) Status {
	t.Helper()
	ent, err := e.reg.Get(kind, id)
	require.NoError(t, err)
	return ent.Status
}

func TestRegistryLinksChildren(t *testing.T) {
	e := newEnv(t)
	p, err := e.reg.Get(KindProcess, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, p.ChildIDs)

	eq, _ := e.reg.Get(KindEquipment, 10)
	assert.Equal(t, []int64{20}, eq.ChildIDs)

	assert.Error(t, e.reg.Add(&Entity{ID: 1, Kind: KindProcess}), "duplicate")
	assert.ErrorIs(t, e.reg.Add(&Entity{ID: 5, Kind: Kind(42)}), ErrUnknownEntity)
}

func TestOnDownCascadeSharesTimestamp(t *testing.T) {
	e := newEnv(t)
	ts := base.Add(-3 * time.Second)

	require.NoError(t, e.mgr.OnDown(KindProcess, 1, ts, "P1 lost"))

	for _, id := range []int64{101, 110, 111, 120, 121} {
		st := e.tag(t, id)
		assert.Equal(t, "DOWN", st.Value, "state tag %d", id)
		assert.Equal(t, ts, st.SourceTimestamp, "state tag %d", id)
	}
	assert.Equal(t, "P1 lost", e.tag(t, 101).ValueDescription)
	assert.Contains(t, e.tag(t, 110).ValueDescription, "P1")
	assert.Contains(t, e.tag(t, 120).ValueDescription, "E10")

	assert.Equal(t, StatusDown, e.status(t, KindProcess, 1))
	assert.Equal(t, StatusDown, e.status(t, KindEquipment, 11))
	assert.Equal(t, StatusDown, e.status(t, KindSubEquipment, 21))

	history := e.mgr.History().Since(time.Time{})
	require.Len(t, history, 5)
	for _, tr := range history {
		assert.Equal(t, ts, tr.Timestamp)
		assert.Equal(t, StatusDown, tr.To)
	}
}

func TestOnDownSetsCommFaultAndInvalidatesDataTags(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.mgr.OnDown(KindEquipment, 10, base, "E10 lost"))

	assert.Equal(t, false, e.tag(t, 210).Value)
	assert.True(t, e.tag(t, 1000).Quality.Has(tag.EquipmentDown))
	assert.True(t, e.tag(t, 1001).Quality.Has(tag.SubEquipmentDown))

	// Siblings and parent are untouched.
	assert.Equal(t, StatusStartup, e.status(t, KindProcess, 1))
	assert.Equal(t, StatusStartup, e.status(t, KindEquipment, 11))
	assert.Nil(t, e.tag(t, 211).Value)
}

func TestOnDownSkipsMissingChild(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Add(&Entity{ID: 12, Name: "E12", Kind: KindEquipment, ChildIDs: []int64{99, 20}}))

	require.NoError(t, e.mgr.OnDown(KindEquipment, 12, base, "E12 lost"))

	assert.Equal(t, StatusDown, e.status(t, KindSubEquipment, 20))
	e.logMu.Lock()
	defer e.logMu.Unlock()
	assert.NotEmpty(t, e.logs)
}

type panickingWriter struct {
	TagWriter
	panicOn int64
}

func (w panickingWriter) UpdateAndValidate(id int64, value any, desc string, ts time.Time) (admission.Outcome, error) {
	if id == w.panicOn {
		panic("state tag corrupted")
	}
	return w.TagWriter.UpdateAndValidate(id, value, desc, ts)
}

func TestOnDownIsolatesNodeFailure(t *testing.T) {
	e := newEnv(t)
	mgr := NewManager(e.reg, nil, panickingWriter{TagWriter: e.updater, panicOn: 111}, nil, nil)

	require.NotPanics(t, func() {
		require.NoError(t, mgr.OnDown(KindProcess, 1, base, "P1 lost"))
	})

	assert.Equal(t, "DOWN", e.tag(t, 110).Value)
	assert.Equal(t, "DOWN", e.tag(t, 120).Value)
	assert.Equal(t, "DOWN", e.tag(t, 121).Value, "children of a failed node are still visited")
	assert.Nil(t, e.tag(t, 111).Value)
}

func TestOnDownUnknownEntity(t *testing.T) {
	e := newEnv(t)
	err := e.mgr.OnDown(KindProcess, 404, base, "")
	assert.ErrorIs(t, err, ErrUnknownEntity)
}

func TestOnUpTransitions(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.mgr.OnDown(KindEquipment, 10, base, "E10 lost"))

	up := base.Add(time.Second)
	require.NoError(t, e.mgr.OnUp(KindEquipment, 10, up, "E10 back"))

	assert.Equal(t, StatusRunning, e.status(t, KindEquipment, 10))
	assert.Equal(t, "RUNNING", e.tag(t, 110).Value)
	assert.Equal(t, up, e.tag(t, 110).SourceTimestamp)
	assert.Equal(t, true, e.tag(t, 210).Value)
	assert.True(t, e.tag(t, 1000).IsValid())
	// Sub-equipment reports through its own heartbeat.
	assert.Equal(t, StatusDown, e.status(t, KindSubEquipment, 20))

	n := e.mgr.History().Len()
	require.NoError(t, e.mgr.OnUp(KindEquipment, 10, up.Add(time.Second), "again"))
	assert.Equal(t, n, e.mgr.History().Len(), "already running must not record a transition")
}

func TestOnUpLocalConfiguration(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.reg.Add(&Entity{ID: 2, Name: "P2", Kind: KindProcess, LocalConfig: true}))

	require.NoError(t, e.mgr.OnUp(KindProcess, 2, base, "alive"))
	assert.Equal(t, StatusRunningLocal, e.status(t, KindProcess, 2))
}

func TestStopAndStartup(t *testing.T) {
	e := newEnv(t)
	_, err := e.timers.Heartbeat(301, base)
	require.NoError(t, err)

	require.NoError(t, e.mgr.OnStop(KindProcess, 1, base, "disconnected"))
	assert.Equal(t, StatusStopped, e.status(t, KindProcess, 1))
	assert.Equal(t, StatusStopped, e.status(t, KindSubEquipment, 21))
	timer, _ := e.timers.Get(301)
	assert.False(t, timer.Active, "stopped entity's timer is disarmed")

	require.NoError(t, e.mgr.OnUp(KindProcess, 1, base.Add(time.Second), "alive"))
	assert.Equal(t, StatusStopped, e.status(t, KindProcess, 1), "heartbeat does not leave STOPPED")

	require.NoError(t, e.mgr.OnDown(KindProcess, 1, base.Add(time.Second), "expired"))
	assert.Equal(t, StatusStopped, e.status(t, KindProcess, 1), "expiry does not leave STOPPED")

	require.NoError(t, e.mgr.OnStartup(KindProcess, 1, base.Add(2*time.Second), "reconnected"))
	assert.Equal(t, StatusStartup, e.status(t, KindProcess, 1))
	assert.Equal(t, StatusStartup, e.status(t, KindEquipment, 10))
	assert.Equal(t, "STARTUP", e.tag(t, 101).Value)

	require.NoError(t, e.mgr.OnUp(KindProcess, 1, base.Add(3*time.Second), "alive"))
	assert.Equal(t, StatusRunning, e.status(t, KindProcess, 1))
}

func TestOnAliveTimerExpiration(t *testing.T) {
	e := newEnv(t)
	var transitions []Transition
	e.mgr.SetOnTransition(func(_ *Entity, tr Transition) {
		transitions = append(transitions, tr)
	})

	require.NoError(t, e.mgr.OnAliveTimerExpiration(301))

	assert.Equal(t, StatusDown, e.status(t, KindProcess, 1))
	st := e.tag(t, 101)
	assert.Equal(t, base, st.SourceTimestamp)
	assert.Contains(t, st.ValueDescription, "Alive timer for process P1 expired")
	assert.Len(t, transitions, 5)

	assert.ErrorIs(t, e.mgr.OnAliveTimerExpiration(999), ErrUnknownTimer)
}

func TestOnAliveTimerExpirationUnknownRelation(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.timers.Register(302, 77, KindEquipment, time.Second))
	assert.ErrorIs(t, e.mgr.OnAliveTimerExpiration(302), ErrUnknownEntity)
}

func TestAliveControlTagBringsEntityUp(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.mgr.OnDown(KindProcess, 1, base, "lost"))

	now := base.Add(10 * time.Second)
	e.timers.SetClock(func() time.Time { return now })

	delayed := tag.New(301, "alive-P1", tag.KindControl, tag.Int64)
	delayed.Value = int64(1)
	delayed.SourceTimestamp = now.Add(-3 * time.Second)
	e.mgr.OnControlTag(delayed)
	assert.Equal(t, StatusDown, e.status(t, KindProcess, 1), "delayed heartbeat is rejected")

	alive := delayed.Clone()
	alive.SourceTimestamp = now.Add(-100 * time.Millisecond)
	alive.DAQTimestamp = now
	e.mgr.OnControlTag(alive)

	assert.Equal(t, StatusRunning, e.status(t, KindProcess, 1))
	assert.Equal(t, alive.SourceTimestamp, e.tag(t, 101).SourceTimestamp, "earliest of source and DAQ time")
	timer, _ := e.timers.Get(301)
	assert.True(t, timer.Active)
}

// A heartbeat produced just before the expiry was stamped still brings the
// entity up, and the state and comm-fault tags follow the registry.
func TestHeartbeatOlderThanExpiryRestoresStateTags(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.mgr.OnDown(KindProcess, 1, base, "alive expired"))
	require.Equal(t, "DOWN", e.tag(t, 101).Value)
	require.Equal(t, false, e.tag(t, 210).Value)

	alive := tag.New(301, "alive-P1", tag.KindControl, tag.Int64)
	alive.Value = int64(1)
	alive.SourceTimestamp = base.Add(-100 * time.Millisecond)
	e.mgr.OnControlTag(alive)

	assert.Equal(t, StatusRunning, e.status(t, KindProcess, 1))
	st := e.tag(t, 101)
	assert.Equal(t, "RUNNING", st.Value)
	assert.True(t, st.IsValid())
	assert.Equal(t, alive.SourceTimestamp, st.SourceTimestamp)

	// Equipment comes back through its comm-fault tag with the same skew.
	ok := tag.New(210, "commfault-210", tag.KindControl, tag.Bool)
	ok.Value = true
	ok.Quality = tag.Quality{}
	ok.SourceTimestamp = base.Add(-time.Second)
	e.mgr.OnControlTag(ok)
	assert.Equal(t, StatusRunning, e.status(t, KindEquipment, 10))
	assert.Equal(t, "RUNNING", e.tag(t, 110).Value)
	assert.Equal(t, true, e.tag(t, 210).Value)

	// A later heartbeat keeps registry and tag in agreement.
	next := alive.Clone()
	next.Value = int64(2)
	next.SourceTimestamp = base.Add(time.Second)
	e.mgr.OnControlTag(next)
	assert.Equal(t, StatusRunning, e.status(t, KindProcess, 1))
	assert.Equal(t, "RUNNING", e.tag(t, 101).Value)
}

func TestCommFaultControlTag(t *testing.T) {
	e := newEnv(t)

	fault := tag.New(210, "commfault-210", tag.KindControl, tag.Bool)
	fault.Value = false
	fault.Quality = tag.Quality{}
	fault.SourceTimestamp = base
	e.mgr.OnControlTag(fault)

	assert.Equal(t, StatusDown, e.status(t, KindEquipment, 10))
	assert.Equal(t, StatusDown, e.status(t, KindSubEquipment, 20))
	assert.Equal(t, StatusStartup, e.status(t, KindProcess, 1))

	ok := fault.Clone()
	ok.Value = true
	ok.SourceTimestamp = base.Add(time.Second)
	e.mgr.OnControlTag(ok)
	assert.Equal(t, StatusRunning, e.status(t, KindEquipment, 10))

	// Invalid comm-fault values carry no information.
	invalid := fault.Clone()
	invalid.Quality = tag.Quality{tag.Inaccessible: "DAQ lost"}
	invalid.SourceTimestamp = base.Add(2 * time.Second)
	e.mgr.OnControlTag(invalid)
	assert.Equal(t, StatusRunning, e.status(t, KindEquipment, 10))
}

func TestOnControlTagIgnoresOtherTags(t *testing.T) {
	e := newEnv(t)
	state := tag.New(101, "state-101", tag.KindControl, tag.String)
	state.Value = "DOWN"
	assert.NotPanics(t, func() { e.mgr.OnControlTag(state) })
	assert.Equal(t, 0, e.mgr.History().Len())
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"process", KindProcess},
		{"Equipment", KindEquipment},
		{"subequipment", KindSubEquipment},
		{"sub-equipment", KindSubEquipment},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	_, err := ParseKind("rack")
	assert.Error(t, err)
}
