// Package record models the loosely typed objects returned by the NetBox API.
//
// A Value is a small recursive sum type: a scalar (null, bool, number, string),
// an ordered Sequence of values or an ordered Mapping of named values. Field
// access always reports presence explicitly instead of falling back to a zero
// value, so callers can tell "absent" from "null" from "empty".
package record

import (
	"encoding/json"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is a single node of a decoded record. The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	s    string // string payload or number literal
	seq  []Value
	m    *Mapping
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value { return Value{kind: KindNumber, s: strconv.FormatInt(i, 10)} }
func Seq(vs ...Value) Value { return Value{kind: KindSequence, seq: vs} }
func Map(m *Mapping) Value {
	if m == nil {
		m = NewMapping()
	}
	return Value{kind: KindMapping, m: m}
}

// Number wraps a JSON number literal without converting it, so large ids and
// decimals survive a round trip untouched.
func Number(n json.Number) Value { return Value{kind: KindNumber, s: n.String()} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNested reports whether the value is a Sequence or a Mapping.
func (v Value) IsNested() bool { return v.kind == KindSequence || v.kind == KindMapping }

func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

func (v Value) AsNumber() (json.Number, bool) {
	return json.Number(v.s), v.kind == KindNumber
}

// AsFloat converts a number to float64. Non-numbers and unparsable literals
// report false.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (v Value) AsSequence() ([]Value, bool) {
	return v.seq, v.kind == KindSequence
}

func (v Value) AsMapping() (*Mapping, bool) {
	return v.m, v.kind == KindMapping
}

// Text renders a scalar the way it should appear in a flat table cell.
// Null renders as the empty string; nested values render as JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber, KindString:
		return v.s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Key returns a canonical identity string for scalar values, used to match
// ids across collections. Nested values have no identity.
func (v Value) Key() (string, bool) {
	switch v.kind {
	case KindNumber:
		if i, err := strconv.ParseInt(v.s, 10, 64); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		return v.s, true
	case KindString:
		return v.s, v.s != ""
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindSequence:
		seq := make([]Value, len(v.seq))
		for i, e := range v.seq {
			seq[i] = e.Clone()
		}
		return Value{kind: KindSequence, seq: seq}
	case KindMapping:
		return Value{kind: KindMapping, m: v.m.Clone()}
	default:
		return v
	}
}

// Equal reports structural equality. Numbers compare by literal.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber, KindString:
		return a.s == b.s
	case KindSequence:
		if len(a.seq) != len(b.seq) {
			return false
		}
		for i := range a.seq {
			if !Equal(a.seq[i], b.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if a.m.Len() != b.m.Len() {
			return false
		}
		for _, k := range a.m.keys {
			bv, ok := b.m.Get(k)
			if !ok || !Equal(a.m.vals[k], bv) {
				return false
			}
		}
		return true
	}
	return false
}
