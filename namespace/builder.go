// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all services (MQTT, Valkey, Kafka).
package namespace

import "strconv"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTTagTopic returns the topic for a tag: {ns}[/{sel}]/tags/{id}
func (b *Builder) MQTTTagTopic(tagID int64) string {
	return b.mqttBase() + "/tags/" + strconv.FormatInt(tagID, 10)
}

// MQTTSupervisionTopic returns the topic for an entity status:
// {ns}[/{sel}]/supervision/{kind}/{id}
func (b *Builder) MQTTSupervisionTopic(kind string, entityID int64) string {
	return b.mqttBase() + "/supervision/" + kind + "/" + strconv.FormatInt(entityID, 10)
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyTagKey returns the key for a tag: {ns}[:{sel}]:tags:{id}
func (b *Builder) ValkeyTagKey(tagID int64) string {
	return b.valkeyBase() + ":tags:" + strconv.FormatInt(tagID, 10)
}

// ValkeySupervisionKey returns the key for an entity status:
// {ns}[:{sel}]:supervision:{kind}:{id}
func (b *Builder) ValkeySupervisionKey(kind string, entityID int64) string {
	return b.valkeyBase() + ":supervision:" + kind + ":" + strconv.FormatInt(entityID, 10)
}

// ValkeyChangesChannel returns the channel for tag changes: {ns}[:{sel}]:changes
func (b *Builder) ValkeyChangesChannel() string {
	return b.valkeyBase() + ":changes"
}

// ValkeySupervisionChannel returns the channel for supervision transitions:
// {ns}[:{sel}]:supervision:changes
func (b *Builder) ValkeySupervisionChannel() string {
	return b.valkeyBase() + ":supervision:changes"
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for selector, . for sub-topics) ---

// KafkaTagTopic returns the topic for tag values: {ns}[-{sel}]
// The tag id is used as the message key for partitioning.
func (b *Builder) KafkaTagTopic() string {
	return b.kafkaBase()
}

// KafkaSupervisionTopic returns the topic for supervision transitions:
// {ns}[-{sel}].supervision
func (b *Builder) KafkaSupervisionTopic() string {
	return b.kafkaBase() + ".supervision"
}

// KafkaSourceTopic returns the topic source values are consumed from:
// {ns}[-{sel}].sources
func (b *Builder) KafkaSourceTopic() string {
	return b.kafkaBase() + ".sources"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
