// Package engine wires admission, rule evaluation, result buffering and
// supervision around the tag stores, and fans every change out to the
// publishers and the EventBus.
package engine

import (
	"fmt"
	"sync"
	"time"

	"tagflow/admission"
	"tagflow/config"
	"tagflow/kafka"
	"tagflow/logging"
	"tagflow/metrics"
	"tagflow/mqtt"
	"tagflow/rule"
	"tagflow/supervision"
	"tagflow/tagstore"
	"tagflow/valkey"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc
	Metrics    *metrics.Metrics

	// SyncRules evaluates dependent rules on the notifying goroutine instead
	// of the worker pool.
	SyncRules bool
}

// Engine owns the tag stores and every component acting on them. The HTTP
// API and the Kafka source consumer are thin consumers of its operations.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc
	metrics    *metrics.Metrics

	dataStore    *tagstore.Store
	controlStore *tagstore.Store
	ruleStore    *tagstore.Store
	inputs       *tagstore.Locator

	updater    *admission.Updater
	evaluator  *rule.Evaluator
	buffer     *rule.Buffer
	timers     *supervision.TimerManager
	supervisor *supervision.Manager
	rules      *rulePool
	syncRules  bool

	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager

	Events *EventBus

	// ruleMu serializes rule tag configuration changes.
	ruleMu   sync.Mutex
	aliveSeq int64

	stopChan chan struct{}
	stopOnce sync.Once
}

// New builds the tag stores, rule graph and supervision hierarchy from the
// configuration and wires their listeners. Call Start to begin timers,
// workers and publishers.
func New(c Config) (*Engine, error) {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	cfg := c.AppConfig
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	e := &Engine{
		cfg:          cfg,
		configPath:   c.ConfigPath,
		logFn:        logFn,
		metrics:      c.Metrics,
		dataStore:    tagstore.New("data"),
		controlStore: tagstore.New("control"),
		ruleStore:    tagstore.New("rule"),
		syncRules:    c.SyncRules,
		Events:       NewEventBus(),
		stopChan:     make(chan struct{}),
	}
	e.inputs = tagstore.NewLocator(e.dataStore, e.controlStore, e.ruleStore)

	if err := e.loadTags(); err != nil {
		return nil, err
	}

	e.updater = admission.NewUpdater(tagstore.NewLocator(e.dataStore, e.controlStore), e.metrics)
	e.updater.SetLogFunc(e.componentLog)

	e.buffer = rule.NewBuffer(rule.NewStoreWriter(e.ruleStore), cfg.Buffer.TickInterval, cfg.Buffer.MaxCycles, e.metrics)
	e.buffer.SetLogFunc(e.componentLog)
	e.evaluator = rule.NewEvaluator(e.ruleStore, e.inputs, e.buffer, e.metrics)
	e.evaluator.SetLogFunc(e.componentLog)
	e.rules = newRulePool(cfg.Workers.Count, e.evaluator.EvaluateRule)

	e.timers = supervision.NewTimerManager(cfg.Alive.CheckInterval)
	registry, err := e.loadEntities()
	if err != nil {
		return nil, err
	}
	e.supervisor = supervision.NewManager(registry, e.timers, e.updater, supervision.NewHistory(cfg.Alive.HistorySize), e.metrics)
	e.supervisor.SetLogFunc(e.componentLog)
	e.supervisor.SetOnTransition(e.onTransition)
	e.timers.SetOnExpire(func(id int64) {
		_ = e.OnAliveTimerExpiration(id)
	})

	e.mqttMgr = mqtt.NewManager()
	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace, e.metrics)

	e.valkeyMgr = valkey.NewManager()
	e.valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace, e.metrics)
	e.valkeyMgr.SetOnConnectCallback(e.forcePublishAllValuesToValkey)

	e.kafkaMgr = kafka.NewManager(cfg.Namespace, e.metrics)
	for i := range cfg.Kafka {
		e.kafkaMgr.AddCluster(kafka.FromConfig(&cfg.Kafka[i]))
	}
	e.kafkaMgr.SetSourceHandler(e.consumeSource)

	e.setupStoreListeners()
	return e, nil
}

// Start auto-starts enabled services and the background loops.
func (e *Engine) Start() {
	if !e.syncRules {
		e.rules.Start()
	}
	e.timers.Start()

	// Auto-start enabled MQTT publishers
	go func() {
		if started := e.mqttMgr.StartAll(); started > 0 {
			e.forcePublishAllValuesToMQTT()
		}
	}()

	// Auto-start enabled Valkey publishers; the on-connect callback syncs state
	go e.valkeyMgr.StartAll()

	// Auto-connect enabled Kafka clusters
	go e.kafkaMgr.ConnectEnabled()

	e.log("Started with %d data, %d control and %d rule tags",
		e.dataStore.Len(), e.controlStore.Len(), e.ruleStore.Len())
}

// Stop shuts down all managers gracefully.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})

	e.timers.Stop()
	e.rules.Stop()
	e.buffer.Stop()
	e.kafkaMgr.StopAll()
	e.mqttMgr.StopAll()
	e.valkeyMgr.StopAll()
	e.log("Stopped")
}

func (e *Engine) GetConfig() *config.Config { return e.cfg }
func (e *Engine) GetConfigPath() string { return e.configPath }
func (e *Engine) GetMetrics() *metrics.Metrics { return e.metrics }
func (e *Engine) GetMQTTMgr() *mqtt.Manager { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager { return e.kafkaMgr }
func (e *Engine) GetSupervisor() *supervision.Manager { return e.supervisor }
func (e *Engine) GetBuffer() *rule.Buffer { return e.buffer }
func (e *Engine) GetTimers() *supervision.TimerManager { return e.timers }

// Subscribe registers fn for every engine event.
func (e *Engine) Subscribe(fn func(Event)) SubscriberID { return e.Events.Subscribe(fn) }

// Unsubscribe removes a subscriber registered with Subscribe.
func (e *Engine) Unsubscribe(id SubscriberID) { e.Events.Unsubscribe(id) }

// saveConfig saves the config and releases the lock taken by the caller.
// Without a config path the change stays in memory.
func (e *Engine) saveConfig() error {
	if e.configPath == "" {
		e.cfg.Unlock()
		return nil
	}
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}

func (e *Engine) log(format string, args ...interface{}) {
	e.logFn("[Engine] "+format, args...)
	logging.DebugLog("engine", format, args...)
}

// componentLog forwards already prefixed component messages.
func (e *Engine) componentLog(format string, args ...interface{}) {
	e.logFn(format, args...)
}

func (e *Engine) now() time.Time {
	return time.Now()
}

func wrapSave(err error) error {
	return fmt.Errorf("%w: %v", ErrSaveFailed, err)
}
