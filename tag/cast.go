package tag

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind is the closed set of value types a tag can declare.
type ValueKind int

const (
	Object ValueKind = iota
	Bool
	Int32
	Int64
	Float32
	Float64
	String
)

func (k ValueKind) String() string {
	switch k {
	case Bool:
		return "Boolean"
	case Int32:
		return "Integer"
	case Int64:
		return "Long"
	case Float32:
		return "Float"
	case Float64:
		return "Double"
	case String:
		return "String"
	default:
		return "Object"
	}
}

// ParseValueKind resolves a configured type name. Both short names and the
// fully qualified java.lang names used by legacy configuration are accepted.
// Unrecognised names resolve to Object.
func ParseValueKind(name string) ValueKind {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "java.lang.")
	switch n {
	case "boolean", "bool":
		return Bool
	case "integer", "int", "int32", "short", "byte":
		return Int32
	case "long", "int64":
		return Int64
	case "float", "float32":
		return Float32
	case "double", "float64", "number":
		return Float64
	case "string":
		return String
	default:
		return Object
	}
}

// DataTypeMatches reports whether value can be cast into kind: the value is
// non-nil and kind is a recognised primitive. Object values are passed
// through uncast.
func DataTypeMatches(kind ValueKind, value any) bool {
	return value != nil && kind != Object
}

// Cast converts value into the Go type backing kind. Object returns value
// unchanged.
func Cast(value any, kind ValueKind) (any, error) {
	if value == nil {
		return nil, fmt.Errorf("cannot cast nil to %s", kind)
	}
	switch kind {
	case Bool:
		return toBool(value)
	case Int32:
		i, err := toInt64(value, kind)
		if err != nil {
			return nil, err
		}
		if i > math.MaxInt32 || i < math.MinInt32 {
			return nil, fmt.Errorf("value %v out of range for %s", value, kind)
		}
		return int32(i), nil
	case Int64:
		return toInt64(value, kind)
	case Float32:
		f, ok := toFloat64(value)
		if !ok {
			return nil, fmt.Errorf("cannot cast %v (%T) to %s", value, value, kind)
		}
		return float32(f), nil
	case Float64:
		f, ok := toFloat64(value)
		if !ok {
			return nil, fmt.Errorf("cannot cast %v (%T) to %s", value, value, kind)
		}
		return f, nil
	case String:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil
	default:
		return value, nil
	}
}

// ValuesEqual compares two tag values. Numerics of different Go types are
// equal when they hold the same number; booleans, strings and numbers never
// compare equal to each other.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	}
	aNum, bNum := isNumber(a), isNumber(b)
	if aNum != bNum {
		return false
	}
	if aNum {
		ai, aInt := exactInt(a)
		bi, bInt := exactInt(b)
		if aInt && bInt {
			return ai == bi
		}
		af, _ := toFloat64(a)
		bf, _ := toFloat64(b)
		return af == bf
	}
	if _, ok := b.(bool); ok {
		return false
	}
	if _, ok := b.(string); ok {
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// exactInt returns v as int64 when it is an integer type that fits.
func exactInt(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint:
		if uint64(val) > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	}
	return 0, false
}

// toInt64 converts v for an integer kind. Integer types convert without
// going through float64; floats are truncated and must be finite and in range.
func toInt64(v any, kind ValueKind) (int64, error) {
	if i, ok := exactInt(v); ok {
		return i, nil
	}
	switch val := v.(type) {
	case uint, uint64:
		return 0, fmt.Errorf("value %v out of range for %s", v, kind)
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(val)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot cast %q to %s", val, kind)
		}
		return floatToInt64(f, kind)
	}
	f, ok := toFloat64(v)
	if !ok {
		return 0, fmt.Errorf("cannot cast %v (%T) to %s", v, v, kind)
	}
	return floatToInt64(f, kind)
}

func floatToInt64(f float64, kind ValueKind) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %v cannot be cast to %s", f, kind)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which already overflows.
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("value %v out of range for %s", f, kind)
	}
	return int64(f), nil
}

func toBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return false, fmt.Errorf("cannot cast %q to Boolean", val)
		}
		return b, nil
	default:
		if f, ok := toFloat64(v); ok {
			return f != 0, nil
		}
		return false, fmt.Errorf("cannot cast %v (%T) to Boolean", v, v)
	}
}

// toFloat64 converts a value to float64 if possible.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}
