package engine

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tagflow/admission"
	"tagflow/config"
	"tagflow/supervision"
	"tagflow/tag"
)

// testConfig describes process P1 (id 1) with state tag 101 and alive tag
// 301, data tag A (id 1) attached to it, and the rule chain
// R1 (100) = A*2, R2 (200) = R1+1.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Namespace = "plant"
	cfg.Buffer.TickInterval = 5 * time.Millisecond
	cfg.DataTags = []config.TagConfig{
		{ID: 1, Name: "A", DataType: "Double", ProcessID: 1, InitialValue: 1.0},
		{ID: 2, Name: "B", DataType: "Long"},
	}
	cfg.ControlTags = []config.TagConfig{
		{ID: 101, Name: "P1.state", DataType: "String"},
		{ID: 301, Name: "P1.alive", DataType: "Long"},
	}
	cfg.RuleTags = []config.RuleTagConfig{
		{ID: 100, Name: "R1", DataType: "Double", Expression: "#1 * 2"},
		{ID: 200, Name: "R2", DataType: "Double", Expression: "#100 + 1"},
	}
	cfg.Processes = []config.ProcessConfig{
		{ID: 1, Name: "P1", StateTag: 101, AliveTag: 301, AliveInterval: time.Hour},
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(Config{AppConfig: cfg, SyncRules: true})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func TestRuleChainPropagates(t *testing.T) {
	e := newTestEngine(t, testConfig())

	out, err := e.UpdateFromSource(1, tag.SourceValue{Value: 10, Quality: tag.Quality{}, Timestamp: time.Now()})
	require.NoError(t, err)
	require.True(t, out.Accepted)

	require.Eventually(t, func() bool {
		r2, err := e.GetTag(200)
		return err == nil && r2.IsValid() && r2.Value == 21.0
	}, 2*time.Second, 5*time.Millisecond)

	r1, err := e.GetTag(100)
	require.NoError(t, err)
	assert.Equal(t, 20.0, r1.Value)
}

func TestRuleChainWithWorkerPool(t *testing.T) {
	e, err := New(Config{AppConfig: testConfig()})
	require.NoError(t, err)
	e.Start()
	defer e.Stop()

	_, err = e.UpdateFromSource(1, tag.SourceValue{Value: 4, Quality: tag.Quality{}, Timestamp: time.Now()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r2, err := e.GetTag(200)
		return err == nil && r2.IsValid() && r2.Value == 9.0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoadLinksRuleInputs(t *testing.T) {
	e := newTestEngine(t, testConfig())

	a, err := e.GetTag(1)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, a.RuleIDs)
	assert.True(t, a.IsValid(), "initial value makes the tag valid")

	r1, err := e.GetTag(100)
	require.NoError(t, err)
	assert.Equal(t, []int64{200}, r1.RuleIDs)
	assert.Equal(t, "#1 * 2", r1.RuleText)

	assert.Len(t, e.ListTags(tag.KindData), 2)
	assert.Len(t, e.ListTags(tag.KindControl), 2)
	assert.Len(t, e.ListTags(tag.KindRule), 2)
}

func TestLoadRejectsRuleCycle(t *testing.T) {
	cfg := testConfig()
	cfg.RuleTags = []config.RuleTagConfig{
		{ID: 100, Name: "R1", DataType: "Double", Expression: "#200 + 1"},
		{ID: 200, Name: "R2", DataType: "Double", Expression: "#100 + 1"},
	}
	_, err := New(Config{AppConfig: cfg})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.Contains(t, err.Error(), "#100 -> #200 -> #100")
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	cfg := testConfig()
	cfg.RuleTags = append(cfg.RuleTags, config.RuleTagConfig{ID: 1, Name: "dup", DataType: "Double", Expression: "1"})
	_, err := New(Config{AppConfig: cfg})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestLoadRejectsBadExpression(t *testing.T) {
	cfg := testConfig()
	cfg.RuleTags = append(cfg.RuleTags, config.RuleTagConfig{ID: 300, Name: "bad", DataType: "Double", Expression: "#1 +"})
	_, err := New(Config{AppConfig: cfg})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestFindRuleCycle(t *testing.T) {
	assert.Nil(t, findRuleCycle(map[int64][]int64{1: {2}, 2: {3}}))
	assert.Equal(t, []int64{1, 1}, findRuleCycle(map[int64][]int64{1: {1}}))
	assert.Equal(t, []int64{2, 3, 2}, findRuleCycle(map[int64][]int64{1: {2}, 2: {3}, 3: {2}}))
}

func TestRuleTagLifecycle(t *testing.T) {
	e := newTestEngine(t, testConfig())

	var mu sync.Mutex
	var events []EventType
	e.Events.SubscribeTypes(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	}, EventRuleCreated, EventRuleUpdated, EventRuleDeleted)

	require.NoError(t, e.CreateRuleTag(RuleTagCreateRequest{ID: 300, Name: "R3", DataType: "Double", Expression: "#1 + 5"}))
	a, _ := e.GetTag(1)
	assert.ElementsMatch(t, []int64{100, 300}, a.RuleIDs)
	require.NotNil(t, e.GetConfig().FindRuleTag(300))

	require.Eventually(t, func() bool {
		r3, err := e.GetTag(300)
		return err == nil && r3.IsValid() && r3.Value == 6.0
	}, 2*time.Second, 5*time.Millisecond)

	err := e.CreateRuleTag(RuleTagCreateRequest{ID: 300, Name: "again", DataType: "Double", Expression: "1"})
	assert.True(t, errors.Is(err, ErrAlreadyExists))

	err = e.CreateRuleTag(RuleTagCreateRequest{ID: 400, Name: "self", DataType: "Double", Expression: "#400 + 1"})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	err = e.CreateRuleTag(RuleTagCreateRequest{ID: 400, Name: "unknown", DataType: "Double", Expression: "#999 + 1"})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	// R1 reading R2 would close R1 -> R2 -> R1.
	err = e.UpdateRuleTag(100, RuleTagUpdateRequest{DataType: "Double", Expression: "#200 * 2"})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	require.NoError(t, e.UpdateRuleTag(300, RuleTagUpdateRequest{DataType: "Double", Expression: "#2 + 1"}))
	a, _ = e.GetTag(1)
	assert.Equal(t, []int64{100}, a.RuleIDs)
	b, _ := e.GetTag(2)
	assert.Equal(t, []int64{300}, b.RuleIDs)
	r3, _ := e.GetTag(300)
	assert.Equal(t, "R3", r3.Name, "empty name keeps the current one")

	err = e.DeleteRuleTag(100)
	assert.True(t, errors.Is(err, ErrInvalidInput), "R2 still reads R1")

	require.NoError(t, e.DeleteRuleTag(300))
	b, _ = e.GetTag(2)
	assert.Empty(t, b.RuleIDs)
	assert.Nil(t, e.GetConfig().FindRuleTag(300))
	_, err = e.GetTag(300)
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.True(t, errors.Is(e.DeleteRuleTag(300), ErrNotFound))
	assert.True(t, errors.Is(e.EvaluateRule(300), ErrNotFound))
	assert.NoError(t, e.EvaluateRule(100))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventRuleCreated, EventRuleUpdated, EventRuleDeleted}, events)
}

func TestUpdateFromSourceUnknownTag(t *testing.T) {
	e := newTestEngine(t, testConfig())
	_, err := e.UpdateFromSource(999, tag.SourceValue{Value: 1, Quality: tag.Quality{}})
	assert.True(t, errors.Is(err, ErrNotFound))

	// Rule tags are not written by sources.
	_, err = e.UpdateFromSource(100, tag.SourceValue{Value: 1, Quality: tag.Quality{}})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHeartbeatAndExpiry(t *testing.T) {
	e := newTestEngine(t, testConfig())

	var mu sync.Mutex
	var transitions []supervision.Transition
	e.Events.SubscribeTypes(func(ev Event) {
		mu.Lock()
		transitions = append(transitions, ev.Payload.(SupervisionEvent).Transition)
		mu.Unlock()
	}, EventSupervisionTransition)

	out, err := e.Heartbeat(301, time.Time{})
	require.NoError(t, err)
	require.True(t, out.Accepted)

	p, err := e.Entity(supervision.KindProcess, 1)
	require.NoError(t, err)
	assert.Equal(t, supervision.StatusRunning, p.Status)
	state, _ := e.GetTag(101)
	assert.Equal(t, "RUNNING", state.Value)

	require.NoError(t, e.OnAliveTimerExpiration(301))
	p, _ = e.Entity(supervision.KindProcess, 1)
	assert.Equal(t, supervision.StatusDown, p.Status)
	a, _ := e.GetTag(1)
	assert.True(t, a.Quality.Has(tag.ProcessDown))

	_, err = e.Heartbeat(301, time.Time{})
	require.NoError(t, err)
	p, _ = e.Entity(supervision.KindProcess, 1)
	assert.Equal(t, supervision.StatusRunning, p.Status)
	a, _ = e.GetTag(1)
	assert.True(t, a.IsValid())

	mu.Lock()
	require.Len(t, transitions, 3)
	assert.Equal(t, supervision.StatusDown, transitions[1].To)
	mu.Unlock()
	assert.Len(t, e.History(time.Time{}), 3)

	_, err = e.Heartbeat(999, time.Time{})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, http.StatusNotFound, EngineHTTPStatus(e.OnAliveTimerExpiration(999)))
}

func TestStopAndStartEntity(t *testing.T) {
	e := newTestEngine(t, testConfig())

	require.NoError(t, e.StopEntity(supervision.KindProcess, 1, ""))
	p, _ := e.Entity(supervision.KindProcess, 1)
	assert.Equal(t, supervision.StatusStopped, p.Status)

	// A stopped process ignores heartbeats until it is started again.
	_, err := e.Heartbeat(301, time.Time{})
	require.NoError(t, err)
	p, _ = e.Entity(supervision.KindProcess, 1)
	assert.Equal(t, supervision.StatusStopped, p.Status)

	require.NoError(t, e.StartEntity(supervision.KindProcess, 1, "reconnected"))
	p, _ = e.Entity(supervision.KindProcess, 1)
	assert.Equal(t, supervision.StatusStartup, p.Status)

	err = e.StopEntity(supervision.KindEquipment, 42, "")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = e.Entity(supervision.KindProcess, 42)
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.Len(t, e.Entities(supervision.KindProcess), 1)
	timers := e.AliveTimers()
	require.Len(t, timers, 1)
	assert.Equal(t, int64(301), timers[0].ID)
}

func TestForcePublishTag(t *testing.T) {
	e := newTestEngine(t, testConfig())

	var got []Event
	e.Events.SubscribeTypes(func(ev Event) { got = append(got, ev) }, EventForcePublished)

	require.NoError(t, e.ForcePublishTag(1))
	assert.True(t, errors.Is(e.ForcePublishTag(999), ErrNotFound))
	e.ForcePublishAll()
	assert.Len(t, got, 2)

	st := e.GetStatus()
	assert.Equal(t, "plant", st.Namespace)
	assert.Equal(t, 2, st.RuleTags)
	assert.False(t, st.MQTTRunning)
}

func TestServiceOpsValidate(t *testing.T) {
	e := newTestEngine(t, testConfig())

	assert.True(t, errors.Is(e.CreateMQTT(MQTTCreateRequest{Name: "m"}), ErrInvalidInput))
	assert.True(t, errors.Is(e.CreateValkey(ValkeyCreateRequest{Name: "v"}), ErrInvalidInput))
	assert.True(t, errors.Is(e.CreateKafka(KafkaCreateRequest{Name: "k"}), ErrInvalidInput))

	require.NoError(t, e.CreateKafka(KafkaCreateRequest{Name: "k", Brokers: []string{"localhost:9092"}}))
	assert.True(t, errors.Is(e.CreateKafka(KafkaCreateRequest{Name: "k", Brokers: []string{"x:1"}}), ErrAlreadyExists))
	assert.NotNil(t, e.GetKafkaMgr().GetProducer("k"))
	require.NoError(t, e.DeleteKafka("k"))
	assert.Nil(t, e.GetKafkaMgr().GetProducer("k"))
	assert.True(t, errors.Is(e.DeleteKafka("k"), ErrNotFound))

	require.NoError(t, e.CreateMQTT(MQTTCreateRequest{Name: "m", Broker: "localhost"}))
	assert.Equal(t, 1883, e.GetConfig().FindMQTT("m").Port)
	require.NoError(t, e.DeleteMQTT("m"))
	assert.True(t, errors.Is(e.StartMQTT("m"), ErrNotFound))
	assert.True(t, errors.Is(e.StopValkey("v"), ErrNotFound))
	assert.True(t, errors.Is(e.DisconnectKafka("k"), ErrNotFound))
}

func TestEngineHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{admission.ErrTagNotFound, http.StatusNotFound},
		{supervision.ErrUnknownEntity, http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrInvalidInput, http.StatusBadRequest},
		{wrapSave(errors.New("disk full")), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, EngineHTTPStatus(c.err), c.err.Error())
	}
}

func TestSourceHTTPRequest(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	v, err := SourceHTTPRequest{Value: 3.5}.ToSourceValue(7, now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.TagID)
	assert.Equal(t, now, v.Timestamp)
	assert.True(t, v.IsValid())

	v, err = SourceHTTPRequest{Quality: map[string]string{"inaccessible": "link lost"}}.ToSourceValue(7, now)
	require.NoError(t, err)
	assert.True(t, v.Quality.Has(tag.Inaccessible))

	_, err = SourceHTTPRequest{Quality: map[string]string{"broken": ""}}.ToSourceValue(7, now)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestKafkaHTTPRequestBrokers(t *testing.T) {
	r := KafkaHTTPRequest{Brokers: " a:9092, ,b:9092"}
	assert.Equal(t, []string{"a:9092", "b:9092"}, r.ParseBrokers())
	r.BrokerList = []string{"c:9092"}
	assert.Equal(t, []string{"c:9092"}, r.ParseBrokers())
}
