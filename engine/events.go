package engine

import (
	"time"

	"tagflow/supervision"
	"tagflow/tag"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Tag events
	EventTagUpdated EventType = iota + 1
	EventRuleTagUpdated

	// Rule tag configuration events
	EventRuleCreated
	EventRuleUpdated
	EventRuleDeleted

	// Supervision events
	EventSupervisionTransition
	EventAliveExpired

	// MQTT events
	EventMQTTCreated
	EventMQTTDeleted
	EventMQTTStarted
	EventMQTTStopped

	// Valkey events
	EventValkeyCreated
	EventValkeyDeleted
	EventValkeyStarted
	EventValkeyStopped

	// Kafka events
	EventKafkaCreated
	EventKafkaDeleted
	EventKafkaConnected
	EventKafkaDisconnected

	// System events
	EventForcePublished
)

var eventNames = map[EventType]string{
	EventTagUpdated:            "tag",
	EventRuleTagUpdated:        "rule",
	EventRuleCreated:           "rule-created",
	EventRuleUpdated:           "rule-updated",
	EventRuleDeleted:           "rule-deleted",
	EventSupervisionTransition: "supervision",
	EventAliveExpired:          "alive-expired",
	EventMQTTCreated:           "mqtt-created",
	EventMQTTDeleted:           "mqtt-deleted",
	EventMQTTStarted:           "mqtt-started",
	EventMQTTStopped:           "mqtt-stopped",
	EventValkeyCreated:         "valkey-created",
	EventValkeyDeleted:         "valkey-deleted",
	EventValkeyStarted:         "valkey-started",
	EventValkeyStopped:         "valkey-stopped",
	EventKafkaCreated:          "kafka-created",
	EventKafkaDeleted:          "kafka-deleted",
	EventKafkaConnected:        "kafka-connected",
	EventKafkaDisconnected:     "kafka-disconnected",
	EventForcePublished:        "force-published",
}

// String returns the name used for the event on the SSE stream.
func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// TagEvent is the payload for tag value events. Tag is a copy.
type TagEvent struct {
	Tag *tag.Tag
}

// RuleEvent is the payload for rule tag configuration events.
type RuleEvent struct {
	ID   int64
	Name string
}

// SupervisionEvent is the payload for supervision transitions.
type SupervisionEvent struct {
	Transition supervision.Transition
}

// AliveEvent is the payload for alive timer expiries.
type AliveEvent struct {
	TimerID int64
}

// ServiceEvent is the payload for MQTT/Valkey/Kafka lifecycle events.
type ServiceEvent struct {
	Name string
}

// SystemEvent is the payload for system-level events.
type SystemEvent struct {
	Detail string
}
