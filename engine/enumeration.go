package engine

import "fmt"

// Enumeration is the ordered, append-only value set backing a
// dictionary-encoded attribute. Stored cells hold indices into Values.
// Extension never reorders or removes existing members, so indices written
// by earlier fragments stay valid forever.
type Enumeration struct {
	Name   string
	Type   Datatype
	values []any
}

// NewEnumeration creates an enumeration with the given initial members.
// Values must be Go scalars matching the datatype (string for string types,
// uint8 for bool).
func NewEnumeration(name string, dt Datatype, values []any) *Enumeration {
	vals := make([]any, len(values))
	copy(vals, values)
	return &Enumeration{Name: name, Type: dt, values: vals}
}

// Len returns the number of members.
func (e *Enumeration) Len() int {
	return len(e.values)
}

// Values returns the members in index order. The returned slice must not be
// modified.
func (e *Enumeration) Values() []any {
	return e.values
}

// IndexOf returns the index of value v, or false if v is not a member.
func (e *Enumeration) IndexOf(v any) (int, bool) {
	for i, ev := range e.values {
		if ev == v {
			return i, true
		}
	}
	return 0, false
}

// Contains reports whether v is a member.
func (e *Enumeration) Contains(v any) bool {
	_, ok := e.IndexOf(v)
	return ok
}

// Extend returns a new enumeration with newValues appended after the
// existing members. The receiver is unchanged; the extension only takes
// effect on the array once committed through a schema evolution.
func (e *Enumeration) Extend(newValues []any) (*Enumeration, error) {
	for _, v := range newValues {
		if e.Contains(v) {
			return nil, fmt.Errorf("enumeration %q already contains value %v", e.Name, v)
		}
	}
	vals := make([]any, 0, len(e.values)+len(newValues))
	vals = append(vals, e.values...)
	vals = append(vals, newValues...)
	return &Enumeration{Name: e.Name, Type: e.Type, values: vals}, nil
}

// Clone returns a deep copy.
func (e *Enumeration) Clone() *Enumeration {
	return NewEnumeration(e.Name, e.Type, e.values)
}
