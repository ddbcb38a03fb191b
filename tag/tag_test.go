package tag

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestQualityAccessibility(t *testing.T) {
	tests := []struct {
		name       string
		quality    Quality
		accessible bool
	}{
		{"valid", Quality{}, true},
		{"nil", nil, true},
		{"unknown reason", Quality{UnknownReason: "x"}, true},
		{"out of bounds", Quality{ValueOutOfBounds: ""}, true},
		{"process down", Quality{ProcessDown: ""}, false},
		{"equipment down", Quality{EquipmentDown: ""}, false},
		{"subequipment down", Quality{SubEquipmentDown: ""}, false},
		{"inaccessible", Quality{Inaccessible: ""}, false},
		{"heartbeat expired", Quality{ServerHeartbeatExpired: ""}, false},
		{"connection down", Quality{JMSConnectionDown: ""}, false},
		{"mixed", Quality{UnknownReason: "", EquipmentDown: ""}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.quality.IsAccessible(); got != tt.accessible {
				t.Errorf("IsAccessible() = %v, want %v", got, tt.accessible)
			}
		})
	}
}

func TestQualityCopyOnWrite(t *testing.T) {
	base := Quality{UnknownReason: "first"}

	added := base.With(ProcessDown, "down")
	if len(base) != 1 {
		t.Fatalf("With mutated receiver: %v", base)
	}
	if !added.Has(ProcessDown) || !added.Has(UnknownReason) {
		t.Errorf("With lost a status: %v", added)
	}

	removed := added.Without(ProcessDown)
	if removed.Has(ProcessDown) || !added.Has(ProcessDown) {
		t.Errorf("Without wrong: removed=%v added=%v", removed, added)
	}

	merged := base.Merge(Quality{UnknownReason: "second", Inaccessible: ""})
	if merged[UnknownReason] != "second" || len(merged) != 2 {
		t.Errorf("Merge = %v", merged)
	}
}

func TestQualityDescriptionOrdering(t *testing.T) {
	q := Quality{UnknownReason: "late", ProcessDown: "P1 down"}
	want := "PROCESS_DOWN: P1 down; UNKNOWN_REASON: late"
	if got := q.Description(); got != want {
		t.Errorf("Description() = %q, want %q", got, want)
	}
	if (Quality{}).Description() != "" {
		t.Error("valid quality should have empty description")
	}
}

func TestQualityJSONKeys(t *testing.T) {
	q := Quality{EquipmentDown: "E1"}
	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"EQUIPMENT_DOWN":"E1"}` {
		t.Errorf("unexpected json: %s", data)
	}

	var back Quality
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(q) {
		t.Errorf("round trip mismatch: %v", back)
	}
}

func TestParseValueKind(t *testing.T) {
	tests := map[string]ValueKind{
		"Boolean":           Bool,
		"java.lang.Integer": Int32,
		"Long":              Int64,
		"float":             Float32,
		"java.lang.Double":  Float64,
		"String":            String,
		"com.example.Blob":  Object,
		"":                  Object,
	}
	for in, want := range tests {
		if got := ParseValueKind(in); got != want {
			t.Errorf("ParseValueKind(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCast(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		kind    ValueKind
		want    any
		wantErr bool
	}{
		{"int to double", 3, Float64, float64(3), false},
		{"string to integer", "42", Int32, int32(42), false},
		{"float to long", 7.9, Int64, int64(7), false},
		{"bool from number", 1, Bool, true, false},
		{"bool from string", "false", Bool, false, false},
		{"number to string", 1.5, String, "1.5", false},
		{"object passthrough", []int{1}, Object, []int{1}, false},
		{"bad string to double", "abc", Float64, nil, true},
		{"int32 overflow", int64(1) << 40, Int32, nil, true},
		{"large long kept exact", int64(1)<<60 + 1, Int64, int64(1)<<60 + 1, false},
		{"large long from string", "1152921504606846977", Int64, int64(1)<<60 + 1, false},
		{"nan to long", math.NaN(), Int64, nil, true},
		{"infinity to long", math.Inf(1), Int64, nil, true},
		{"negative infinity to integer", math.Inf(-1), Int32, nil, true},
		{"long overflow", 1e19, Int64, nil, true},
		{"uint64 overflow", uint64(math.MaxUint64), Int64, nil, true},
		{"bool to long", true, Int64, int64(1), false},
		{"nil", nil, Float64, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cast(tt.value, tt.kind)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.kind == Object {
				if len(got.([]int)) != 1 {
					t.Errorf("object not passed through: %v", got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Cast() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestDataTypeMatches(t *testing.T) {
	if DataTypeMatches(Float64, nil) {
		t.Error("nil must not match")
	}
	if DataTypeMatches(Object, 1) {
		t.Error("Object is never cast")
	}
	if !DataTypeMatches(Int32, "12") {
		t.Error("primitive with value should match")
	}
}

func TestValuesEqual(t *testing.T) {
	if !ValuesEqual(int32(5), float64(5)) {
		t.Error("numerics with same value should be equal")
	}
	if ValuesEqual("5", 5) {
		t.Error("string and number should differ")
	}
	if !ValuesEqual(nil, nil) || ValuesEqual(nil, 0) {
		t.Error("nil handling wrong")
	}
	if !ValuesEqual(true, true) {
		t.Error("bools should be equal")
	}
	if ValuesEqual(true, 1) || ValuesEqual(int64(0), false) {
		t.Error("bool and number should differ")
	}
	if ValuesEqual(5, "5") {
		t.Error("number and string should differ")
	}
	if !ValuesEqual(int64(1)<<60+1, uint64(1)<<60+1) || ValuesEqual(int64(1)<<60+1, int64(1)<<60) {
		t.Error("large integers must compare exactly")
	}
}

func TestTagCloneIsIndependent(t *testing.T) {
	orig := New(1, "T1", KindData, Float64)
	orig.RuleIDs = []int64{10}
	orig.SourceTimestamp = time.UnixMilli(100)

	cp := orig.Clone()
	cp.RuleIDs[0] = 99
	cp.Quality = cp.Quality.With(ProcessDown, "")
	cp.AddRuleID(11)

	if orig.RuleIDs[0] != 10 || len(orig.RuleIDs) != 1 {
		t.Errorf("clone shares rule ids: %v", orig.RuleIDs)
	}
	if orig.Quality.Has(ProcessDown) {
		t.Error("clone shares quality")
	}
}

func TestTagTimestampPreference(t *testing.T) {
	tg := New(1, "T", KindData, Int32)
	tg.ServerTimestamp = time.UnixMilli(3)
	if !tg.Timestamp().Equal(time.UnixMilli(3)) {
		t.Error("expected server timestamp fallback")
	}
	tg.DAQTimestamp = time.UnixMilli(2)
	if !tg.Timestamp().Equal(time.UnixMilli(2)) {
		t.Error("expected daq timestamp")
	}
	tg.SourceTimestamp = time.UnixMilli(1)
	if !tg.Timestamp().Equal(time.UnixMilli(1)) {
		t.Error("expected source timestamp")
	}
}

func TestNewTagIsUninitialised(t *testing.T) {
	tg := New(5, "X", KindRule, Bool)
	if tg.IsValid() {
		t.Error("new tag should be invalid")
	}
	if !tg.Quality.Has(Uninitialised) {
		t.Error("new tag should be UNINITIALISED")
	}
	if tg.RuleIDs == nil {
		t.Error("RuleIDs must never be nil")
	}
	if !tg.IsRule() {
		t.Error("expected rule tag")
	}
}

func TestRuleIDLinks(t *testing.T) {
	tg := New(1, "T", KindData, Int32)
	tg.AddRuleID(5)
	tg.AddRuleID(6)
	tg.AddRuleID(5)
	if len(tg.RuleIDs) != 2 {
		t.Fatalf("expected duplicates ignored, got %v", tg.RuleIDs)
	}
	if !tg.RemoveRuleID(5) || tg.RemoveRuleID(5) {
		t.Error("expected exactly one successful removal")
	}
	if len(tg.RuleIDs) != 1 || tg.RuleIDs[0] != 6 {
		t.Errorf("unexpected rule ids %v", tg.RuleIDs)
	}
}
