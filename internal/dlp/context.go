package dlp

import (
	"strconv"
	"strings"
)

// ValueKind is the closed set of context value kinds. Dot-path lookup always
// resolves to one of these; an unknown or missing field is KindAbsent, never
// an error.
type ValueKind int

const (
	KindAbsent ValueKind = iota
	KindString
	KindNumber
	KindBool
)

// Value is a typed context value returned by Lookup.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

// Absent reports whether the lookup found nothing usable.
func (v Value) Absent() bool {
	return v.Kind == KindAbsent
}

// AsString renders the value canonically for string operators.
func (v Value) AsString() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// AsNumber coerces the value to a number. Strings parse with ParseFloat;
// anything non-numeric reports ok=false.
func (v Value) AsNumber() (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Context carries the opaque submission attributes (ip, userAgent,
// departmentId, dataTypeTag, ...) rules may reference by dot path.
type Context map[string]interface{}

// Lookup resolves a dot path like "request.departmentId" into the context.
// Intermediate segments must be nested maps; every terminal resolves to the
// closed value-kind set above.
func (c Context) Lookup(path string) Value {
	if path == "" {
		return Value{}
	}

	var current interface{} = map[string]interface{}(c)
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return Value{}
		}
		current, ok = m[segment]
		if !ok {
			return Value{}
		}
	}

	return typedValue(current)
}

func typedValue(raw interface{}) Value {
	switch v := raw.(type) {
	case string:
		return Value{Kind: KindString, Str: v}
	case bool:
		return Value{Kind: KindBool, Bool: v}
	case float64:
		return Value{Kind: KindNumber, Num: v}
	case float32:
		return Value{Kind: KindNumber, Num: float64(v)}
	case int:
		return Value{Kind: KindNumber, Num: float64(v)}
	case int32:
		return Value{Kind: KindNumber, Num: float64(v)}
	case int64:
		return Value{Kind: KindNumber, Num: float64(v)}
	default:
		return Value{}
	}
}

// StringMap flattens the top-level string-typed attributes for audit
// context propagation.
func (c Context) StringMap() map[string]string {
	out := make(map[string]string, len(c))
	for k, raw := range c {
		if v := typedValue(raw); !v.Absent() {
			out[k] = v.AsString()
		}
	}
	return out
}
