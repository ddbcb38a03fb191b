package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"tagflow/supervision"
	"tagflow/tag"
)

func TestNewTagMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tg := tag.New(42, "boiler.temp", tag.KindData, tag.Float64)
	tg.Value = 21.5
	tg.Quality = tag.Quality{}
	tg.SourceTimestamp = ts
	tg.ServerTimestamp = ts.Add(time.Second)

	msg := NewTagMessage("plant", tg)

	if _, err := uuid.Parse(msg.MessageID); err != nil {
		t.Errorf("message id is not a uuid: %q", msg.MessageID)
	}
	if msg.TagID != 42 || msg.Name != "boiler.temp" || msg.Kind != "data" || msg.Type != "Double" {
		t.Errorf("unexpected identity fields: %+v", msg)
	}
	if !msg.Valid || msg.Quality != nil {
		t.Errorf("expected valid message without quality, got %+v", msg)
	}
	if msg.SourceTimestamp == nil || !msg.SourceTimestamp.Equal(ts) {
		t.Errorf("expected source timestamp %v, got %v", ts, msg.SourceTimestamp)
	}
	if msg.DAQTimestamp != nil {
		t.Errorf("zero DAQ timestamp should be omitted, got %v", msg.DAQTimestamp)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := decoded["daq_timestamp"]; ok {
		t.Error("daq_timestamp should be omitted")
	}
	if decoded["value"] != 21.5 {
		t.Errorf("expected value 21.5, got %v", decoded["value"])
	}
}

func TestNewTagMessage_Invalid(t *testing.T) {
	tg := tag.New(7, "pump.state", tag.KindData, tag.Bool)
	tg.Quality = tag.Quality{tag.EquipmentDown: "Alive timer expired"}

	msg := NewTagMessage("plant", tg)

	if msg.Valid {
		t.Error("expected invalid message")
	}
	if msg.Quality["EQUIPMENT_DOWN"] != "Alive timer expired" {
		t.Errorf("unexpected quality: %v", msg.Quality)
	}
}

func TestNewTagMessage_UniqueIDs(t *testing.T) {
	tg := tag.New(1, "a", tag.KindRule, tag.Int32)
	first := NewTagMessage("ns", tg)
	second := NewTagMessage("ns", tg)
	if first.MessageID == second.MessageID {
		t.Error("message ids should differ between calls")
	}
}

func TestNewSupervisionMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := supervision.Transition{
		Kind:      "equipment",
		EntityID:  10,
		Name:      "E10",
		From:      supervision.StatusRunning,
		To:        supervision.StatusDown,
		Timestamp: ts,
		Message:   "Alive timer expired",
	}

	msg := NewSupervisionMessage("plant", tr)

	if msg.From != "RUNNING" || msg.To != "DOWN" {
		t.Errorf("expected RUNNING -> DOWN, got %s -> %s", msg.From, msg.To)
	}
	if msg.Kind != "equipment" || msg.EntityID != 10 || msg.Namespace != "plant" {
		t.Errorf("unexpected fields: %+v", msg)
	}
	if !msg.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, msg.Timestamp)
	}
}
