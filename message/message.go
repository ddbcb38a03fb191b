// Package message defines the JSON payloads shared by the MQTT, Valkey and
// Kafka publishers.
package message

import (
	"time"

	"github.com/google/uuid"

	"tagflow/supervision"
	"tagflow/tag"
)

// TagMessage is the published form of a tag after admission or rule flush.
type TagMessage struct {
	MessageID        string            `json:"message_id"`
	Namespace        string            `json:"namespace"`
	TagID            int64             `json:"tag_id"`
	Name             string            `json:"name"`
	Kind             string            `json:"kind"`
	Type             string            `json:"type"`
	Value            interface{}       `json:"value"`
	ValueDescription string            `json:"value_description,omitempty"`
	Valid            bool              `json:"valid"`
	Quality          map[string]string `json:"quality,omitempty"`
	Mode             string            `json:"mode"`
	SourceTimestamp  *time.Time        `json:"source_timestamp,omitempty"`
	DAQTimestamp     *time.Time        `json:"daq_timestamp,omitempty"`
	ServerTimestamp  time.Time         `json:"server_timestamp"`
}

// SupervisionMessage is the published form of an entity state transition.
type SupervisionMessage struct {
	MessageID string    `json:"message_id"`
	Namespace string    `json:"namespace"`
	Kind      string    `json:"kind"`
	EntityID  int64     `json:"entity_id"`
	Name      string    `json:"name"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTagMessage builds the payload for t. Every call gets a fresh message id.
func NewTagMessage(namespace string, t *tag.Tag) TagMessage {
	msg := TagMessage{
		MessageID:        uuid.NewString(),
		Namespace:        namespace,
		TagID:            t.ID,
		Name:             t.Name,
		Kind:             t.Kind.String(),
		Type:             t.DataType.String(),
		Value:            t.Value,
		ValueDescription: t.ValueDescription,
		Valid:            t.IsValid(),
		Mode:             t.Mode.String(),
		SourceTimestamp:  optionalTime(t.SourceTimestamp),
		DAQTimestamp:     optionalTime(t.DAQTimestamp),
		ServerTimestamp:  t.ServerTimestamp.UTC(),
	}
	if len(t.Quality) > 0 {
		msg.Quality = make(map[string]string, len(t.Quality))
		for status, desc := range t.Quality {
			msg.Quality[status.String()] = desc
		}
	}
	return msg
}

// NewSupervisionMessage builds the payload for a recorded transition.
func NewSupervisionMessage(namespace string, tr supervision.Transition) SupervisionMessage {
	return SupervisionMessage{
		MessageID: uuid.NewString(),
		Namespace: namespace,
		Kind:      tr.Kind,
		EntityID:  tr.EntityID,
		Name:      tr.Name,
		From:      tr.From.String(),
		To:        tr.To.String(),
		Message:   tr.Message,
		Timestamp: tr.Timestamp.UTC(),
	}
}

func optionalTime(ts time.Time) *time.Time {
	if ts.IsZero() {
		return nil
	}
	u := ts.UTC()
	return &u
}
