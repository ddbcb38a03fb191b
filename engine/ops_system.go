package engine

import "fmt"

// ForcePublishAll publishes all current tag values to all services.
func (e *Engine) ForcePublishAll() {
	e.forcePublishAllValuesToMQTT()
	e.forcePublishAllValuesToValkey()
	e.forcePublishAllValuesToKafka()
	e.emit(EventForcePublished, SystemEvent{Detail: "all"})
}

// ForcePublishTag republishes one tag's current value to all services.
func (e *Engine) ForcePublishTag(id int64) error {
	t, err := e.inputs.Get(id)
	if err != nil {
		return fmt.Errorf("%w: tag %d", ErrNotFound, id)
	}
	e.mqttMgr.PublishTag(t)
	e.valkeyMgr.PublishTag(t)
	e.kafkaMgr.PublishTag(t)
	e.emit(EventForcePublished, SystemEvent{Detail: fmt.Sprintf("tag %d", id)})
	return nil
}

// Status summarizes the engine for the API.
type Status struct {
	Namespace     string `json:"namespace"`
	DataTags      int    `json:"data_tags"`
	ControlTags   int    `json:"control_tags"`
	RuleTags      int    `json:"rule_tags"`
	PendingRules  int    `json:"pending_rule_results"`
	MQTTRunning   bool   `json:"mqtt_running"`
	ValkeyRunning bool   `json:"valkey_running"`
	KafkaRunning  bool   `json:"kafka_publishing"`
}

// GetStatus returns a snapshot of store sizes and service state.
func (e *Engine) GetStatus() Status {
	return Status{
		Namespace:     e.cfg.Namespace,
		DataTags:      e.dataStore.Len(),
		ControlTags:   e.controlStore.Len(),
		RuleTags:      e.ruleStore.Len(),
		PendingRules:  e.buffer.Pending(),
		MQTTRunning:   e.mqttMgr.AnyRunning(),
		ValkeyRunning: e.valkeyMgr.AnyRunning(),
		KafkaRunning:  e.kafkaMgr.AnyPublishing(),
	}
}
