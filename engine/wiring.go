package engine

import (
	"tagflow/logging"
	"tagflow/supervision"
	"tagflow/tag"
	"tagflow/tagstore"
)

// setupStoreListeners wires change notifications of the three stores to the
// publishers, the EventBus, dependent rules and, for control tags, the
// supervision manager.
func (e *Engine) setupStoreListeners() {
	e.dataStore.AddListener(func(t *tag.Tag) {
		e.publishTag(t)
		e.emit(EventTagUpdated, TagEvent{Tag: t})
		e.dispatchRules(t)
	})

	e.controlStore.AddListener(func(t *tag.Tag) {
		e.publishTag(t)
		e.emit(EventTagUpdated, TagEvent{Tag: t})
		e.supervisor.OnControlTag(t)
		e.dispatchRules(t)
	})

	e.ruleStore.AddListener(func(t *tag.Tag) {
		e.publishTag(t)
		e.emit(EventRuleTagUpdated, TagEvent{Tag: t})
		e.dispatchRules(t)
	})
}

// dispatchRules schedules evaluation of every rule reading t.
func (e *Engine) dispatchRules(t *tag.Tag) {
	if len(t.RuleIDs) == 0 {
		return
	}
	if e.syncRules {
		e.evaluator.EvaluateRules(t.RuleIDs)
		return
	}
	for _, id := range t.RuleIDs {
		e.rules.Submit(id)
	}
}

// publishTag hands a tag to every publisher. None of them block.
func (e *Engine) publishTag(t *tag.Tag) {
	if e.mqttMgr.AnyRunning() {
		e.mqttMgr.PublishTag(t)
	}
	if e.valkeyMgr.AnyRunning() {
		e.valkeyMgr.PublishTag(t)
	}
	if e.kafkaMgr.AnyPublishing() {
		e.kafkaMgr.PublishTag(t)
	}
}

// onTransition publishes a supervision status change.
func (e *Engine) onTransition(_ *supervision.Entity, tr supervision.Transition) {
	logging.DebugLog("engine", "%s %d (%s): %s -> %s", tr.Kind, tr.EntityID, tr.Name, tr.From, tr.To)
	e.mqttMgr.PublishTransition(tr)
	e.valkeyMgr.PublishTransition(tr)
	e.kafkaMgr.PublishTransition(tr)
	e.emit(EventSupervisionTransition, SupervisionEvent{Transition: tr})
}

// consumeSource is the handler for source values read from Kafka.
func (e *Engine) consumeSource(v tag.SourceValue) error {
	_, err := e.UpdateFromSource(v.TagID, v)
	return err
}

// allTags returns copies of every tag of the given stores.
func allTags(stores ...*tagstore.Store) []*tag.Tag {
	var out []*tag.Tag
	for _, s := range stores {
		for _, id := range s.IDs() {
			if t, err := s.Get(id); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// forcePublishAllValuesToMQTT publishes all current tag values to MQTT brokers.
func (e *Engine) forcePublishAllValuesToMQTT() {
	tags := allTags(e.dataStore, e.controlStore, e.ruleStore)
	e.log("ForcePublishAllValuesToMQTT: publishing %d values", len(tags))
	for _, t := range tags {
		e.mqttMgr.PublishTag(t)
	}
}

// forcePublishAllValuesToValkey publishes all current tag values to Valkey servers.
func (e *Engine) forcePublishAllValuesToValkey() {
	tags := allTags(e.dataStore, e.controlStore, e.ruleStore)
	e.log("ForcePublishAllValuesToValkey: publishing %d values", len(tags))
	for _, t := range tags {
		e.valkeyMgr.PublishTag(t)
	}
}

// forcePublishAllValuesToKafka publishes all current tag values to Kafka clusters.
func (e *Engine) forcePublishAllValuesToKafka() {
	tags := allTags(e.dataStore, e.controlStore, e.ruleStore)
	e.log("ForcePublishAllValuesToKafka: publishing %d values", len(tags))
	for _, t := range tags {
		e.kafkaMgr.PublishTag(t)
	}
}
