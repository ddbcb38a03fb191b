// Package tag holds the data model shared by the admission, rule and
// supervision layers: tags, rule tags, quality sets and incoming source values.
package tag

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the three tag families that live in separate stores.
type Kind int

const (
	KindData Kind = iota + 1
	KindControl
	KindRule
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindControl:
		return "control"
	case KindRule:
		return "rule"
	default:
		return "unknown"
	}
}

// Mode is the operational mode of a tag.
type Mode int

const (
	ModeOperational Mode = iota
	ModeTest
	ModeMaintenance
)

func (m Mode) String() string {
	switch m {
	case ModeOperational:
		return "operational"
	case ModeTest:
		return "test"
	case ModeMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// ParseMode converts a config string to a Mode. Empty means operational.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "operational":
		return ModeOperational, nil
	case "test":
		return ModeTest, nil
	case "maintenance":
		return ModeMaintenance, nil
	default:
		return 0, fmt.Errorf("unknown tag mode: %s", s)
	}
}

// Expression computes a rule tag value from its input tags.
type Expression interface {
	// InputTagIDs lists every tag the expression reads.
	InputTagIDs() []int64
	// Evaluate computes the result from the input values and casts it to kind.
	Evaluate(values map[int64]any, kind ValueKind) (any, error)
}

// Tag is a named, typed, timestamped value. Rule tags additionally carry an
// Expression; DataType is then the result kind of that expression.
type Tag struct {
	ID               int64
	Name             string
	Kind             Kind
	DataType         ValueKind
	Value            any
	ValueDescription string
	Quality          Quality

	SourceTimestamp time.Time
	DAQTimestamp    time.Time
	ServerTimestamp time.Time

	// RuleIDs lists the rule tags that read this tag. Never nil.
	RuleIDs []int64
	Mode    Mode

	ProcessID      int64
	EquipmentID    int64
	SubEquipmentID int64

	// Rule tags only.
	Expression Expression
	RuleText   string
}

// New creates an uninitialised tag.
func New(id int64, name string, kind Kind, dataType ValueKind) *Tag {
	return &Tag{
		ID:       id,
		Name:     name,
		Kind:     kind,
		DataType: dataType,
		Quality:  Quality{Uninitialised: "Tag has not been initialised"},
		RuleIDs:  []int64{},
	}
}

// IsRule reports whether the tag is a rule tag.
func (t *Tag) IsRule() bool {
	return t.Kind == KindRule
}

// IsValid reports whether the tag quality carries no invalidity reason.
func (t *Tag) IsValid() bool {
	return t.Quality.IsValid()
}

// Timestamp returns the most specific timestamp available: source, then DAQ,
// then server.
func (t *Tag) Timestamp() time.Time {
	switch {
	case !t.SourceTimestamp.IsZero():
		return t.SourceTimestamp
	case !t.DAQTimestamp.IsZero():
		return t.DAQTimestamp
	default:
		return t.ServerTimestamp
	}
}

// Clone returns a copy whose slices and quality map are independent from t.
// The value itself is shared; tag values are scalars or treated as immutable.
func (t *Tag) Clone() *Tag {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Quality = t.Quality.Clone()
	cp.RuleIDs = make([]int64, len(t.RuleIDs))
	copy(cp.RuleIDs, t.RuleIDs)
	return &cp
}

// AddRuleID records a dependent rule, ignoring duplicates.
func (t *Tag) AddRuleID(ruleID int64) {
	for _, id := range t.RuleIDs {
		if id == ruleID {
			return
		}
	}
	t.RuleIDs = append(t.RuleIDs, ruleID)
}

// RemoveRuleID drops a dependent rule. Returns false if it was not recorded.
func (t *Tag) RemoveRuleID(ruleID int64) bool {
	for i, id := range t.RuleIDs {
		if id == ruleID {
			t.RuleIDs = append(t.RuleIDs[:i], t.RuleIDs[i+1:]...)
			return true
		}
	}
	return false
}

// SourceValue is a measurement as delivered by the acquisition layer.
// A nil Value with a valid Quality means the source delivered nothing.
type SourceValue struct {
	TagID            int64
	Value            any
	ValueDescription string
	Quality          Quality
	// Timestamp is the time the field equipment produced the value.
	Timestamp time.Time
	// DAQTimestamp is the time the acquisition process observed it. Optional.
	DAQTimestamp time.Time
}

// IsValid reports whether the source flagged the value as good.
func (v SourceValue) IsValid() bool {
	return v.Quality.IsValid()
}
