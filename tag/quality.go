package tag

import (
	"fmt"
	"sort"
	"strings"
)

// QualityStatus is a single reason a tag value may be invalid.
type QualityStatus int

const (
	Uninitialised QualityStatus = iota + 1
	Inaccessible
	ValueOutOfBounds
	UndefinedTag
	UnknownReason
	ProcessDown
	EquipmentDown
	SubEquipmentDown
	ServerHeartbeatExpired
	JMSConnectionDown
)

var qualityNames = map[QualityStatus]string{
	Uninitialised:          "UNINITIALISED",
	Inaccessible:           "INACCESSIBLE",
	ValueOutOfBounds:       "VALUE_OUT_OF_BOUNDS",
	UndefinedTag:           "UNDEFINED_TAG",
	UnknownReason:          "UNKNOWN_REASON",
	ProcessDown:            "PROCESS_DOWN",
	EquipmentDown:          "EQUIPMENT_DOWN",
	SubEquipmentDown:       "SUBEQUIPMENT_DOWN",
	ServerHeartbeatExpired: "SERVER_HEARTBEAT_EXPIRED",
	JMSConnectionDown:      "JMS_CONNECTION_DOWN",
}

// String returns the wire name of the status.
func (s QualityStatus) String() string {
	if name, ok := qualityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("QualityStatus(%d)", int(s))
}

// MarshalText lets statuses be used as JSON object keys.
func (s QualityStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status from its wire name.
func (s *QualityStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseQualityStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseQualityStatus converts a wire name to a QualityStatus.
func ParseQualityStatus(name string) (QualityStatus, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for status, n := range qualityNames {
		if n == upper {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown quality status: %s", name)
}

// Severity orders statuses when a single reason has to be reported.
// Lower is more severe.
func (s QualityStatus) Severity() int {
	switch s {
	case ProcessDown, ServerHeartbeatExpired, JMSConnectionDown:
		return 1
	case EquipmentDown:
		return 2
	case SubEquipmentDown:
		return 3
	case Inaccessible:
		return 4
	case UndefinedTag, Uninitialised:
		return 5
	default:
		return 6
	}
}

// Quality is the set of invalidity reasons attached to a tag, each with an
// optional description. An empty Quality is valid.
//
// Quality values are treated as immutable: the mutating helpers return a
// fresh map and never touch the receiver.
type Quality map[QualityStatus]string

// IsValid reports whether no invalidity reason is present.
func (q Quality) IsValid() bool {
	return len(q) == 0
}

// Has reports whether the status is present.
func (q Quality) Has(status QualityStatus) bool {
	_, ok := q[status]
	return ok
}

// IsAccessible is false when the data source is known to be unreachable.
func (q Quality) IsAccessible() bool {
	for status := range q {
		switch status {
		case ProcessDown, EquipmentDown, SubEquipmentDown, Inaccessible,
			ServerHeartbeatExpired, JMSConnectionDown:
			return false
		}
	}
	return true
}

// Clone returns an independent copy. A nil receiver clones to nil.
func (q Quality) Clone() Quality {
	if q == nil {
		return nil
	}
	out := make(Quality, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

// With returns a copy of q with status added (or its description replaced).
func (q Quality) With(status QualityStatus, description string) Quality {
	out := make(Quality, len(q)+1)
	for k, v := range q {
		out[k] = v
	}
	out[status] = description
	return out
}

// Without returns a copy of q with the given statuses removed.
func (q Quality) Without(statuses ...QualityStatus) Quality {
	out := make(Quality, len(q))
	for k, v := range q {
		out[k] = v
	}
	for _, s := range statuses {
		delete(out, s)
	}
	return out
}

// Merge returns the union of q and other. Descriptions from other win.
func (q Quality) Merge(other Quality) Quality {
	out := make(Quality, len(q)+len(other))
	for k, v := range q {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same statuses and descriptions.
func (q Quality) Equal(other Quality) bool {
	if len(q) != len(other) {
		return false
	}
	for k, v := range q {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Statuses returns the present statuses ordered by severity.
func (q Quality) Statuses() []QualityStatus {
	out := make([]QualityStatus, 0, len(q))
	for s := range q {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity() != out[j].Severity() {
			return out[i].Severity() < out[j].Severity()
		}
		return out[i] < out[j]
	})
	return out
}

// Description joins all reasons into a single human readable string.
func (q Quality) Description() string {
	if q.IsValid() {
		return ""
	}
	parts := make([]string, 0, len(q))
	for _, s := range q.Statuses() {
		if d := q[s]; d != "" {
			parts = append(parts, s.String()+": "+d)
		} else {
			parts = append(parts, s.String())
		}
	}
	return strings.Join(parts, "; ")
}
