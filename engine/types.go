// Package engine implements a fragment-based, versioned, in-memory columnar
// storage engine. Arrays are immutable collections of timestamped fragments;
// writes produce new fragments, schema changes are applied through discrete
// schema-evolution commits, and reads are scoped to a timestamp range.
package engine

import (
	"errors"
	"fmt"
	"math"
)

// Common errors for storage operations
var (
	ErrArrayExists      = errors.New("array already exists")
	ErrArrayNotFound    = errors.New("array not found")
	ErrArrayClosed      = errors.New("array is closed")
	ErrWrongMode        = errors.New("operation not permitted in this open mode")
	ErrUnknownColumn    = errors.New("unknown column")
	ErrColumnMismatch   = errors.New("column length mismatch")
	ErrUnsupportedType  = errors.New("unsupported datatype")
	ErrNoSuchEnum       = errors.New("enumeration not found")
	ErrDomainViolation  = errors.New("range outside array domain")
	ErrMetadataNotFound = errors.New("metadata key not found")
)

// Datatype is the physical on-disk type tag for a column.
type Datatype int

const (
	TypeInt8 Datatype = iota
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeBool
	TypeStringASCII
	TypeStringUTF8
	TypeBinary
)

func (d Datatype) String() string {
	switch d {
	case TypeInt8:
		return "int8"
	case TypeUint8:
		return "uint8"
	case TypeInt16:
		return "int16"
	case TypeUint16:
		return "uint16"
	case TypeInt32:
		return "int32"
	case TypeUint32:
		return "uint32"
	case TypeInt64:
		return "int64"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeStringASCII:
		return "string_ascii"
	case TypeStringUTF8:
		return "string_utf8"
	case TypeBinary:
		return "binary"
	default:
		return fmt.Sprintf("datatype(%d)", int(d))
	}
}

// IsInteger reports whether d is a signed or unsigned integer type.
func (d Datatype) IsInteger() bool {
	switch d {
	case TypeInt8, TypeUint8, TypeInt16, TypeUint16,
		TypeInt32, TypeUint32, TypeInt64, TypeUint64:
		return true
	}
	return false
}

// IsFloat reports whether d is a floating-point type.
func (d Datatype) IsFloat() bool {
	return d == TypeFloat32 || d == TypeFloat64
}

// IsVarLen reports whether values of d are variable-length and carried with
// an offsets buffer.
func (d Datatype) IsVarLen() bool {
	switch d {
	case TypeStringASCII, TypeStringUTF8, TypeBinary:
		return true
	}
	return false
}

// FixedSize returns the byte width of a single value of a fixed-width type,
// or 0 for variable-length types.
func (d Datatype) FixedSize() int {
	switch d {
	case TypeInt8, TypeUint8, TypeBool:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// MaxIndexCapacity returns the maximum representable index value for an
// integer type used as an enumeration index. Non-integer types have no
// capacity and return an error.
func (d Datatype) MaxIndexCapacity() (uint64, error) {
	switch d {
	case TypeInt8:
		return math.MaxInt8, nil
	case TypeUint8, TypeBool:
		return math.MaxUint8, nil
	case TypeInt16:
		return math.MaxInt16, nil
	case TypeUint16:
		return math.MaxUint16, nil
	case TypeInt32:
		return math.MaxInt32, nil
	case TypeUint32:
		return math.MaxUint32, nil
	case TypeInt64:
		return math.MaxInt64, nil
	case TypeUint64:
		return math.MaxUint64, nil
	default:
		return 0, fmt.Errorf("%w: %s is not a valid enumeration index type", ErrUnsupportedType, d)
	}
}

// ArrayType distinguishes sparse from dense arrays.
type ArrayType int

const (
	Sparse ArrayType = iota
	Dense
)

func (t ArrayType) String() string {
	if t == Dense {
		return "dense"
	}
	return "sparse"
}

// Mode is the open mode of an array session.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// TimestampRange is an inclusive [Start, End] time-travel scope.
type TimestampRange struct {
	Start uint64
	End   uint64
}

// Contains reports whether other lies fully inside r.
func (r TimestampRange) Contains(other TimestampRange) bool {
	return other.Start >= r.Start && other.End <= r.End
}

// Overlaps reports whether other intersects r at all.
func (r TimestampRange) Overlaps(other TimestampRange) bool {
	return other.Start <= r.End && other.End >= r.Start
}

// DimRange is one dimension's inclusive [low, high] bound. Exactly one of
// the typed pairs is meaningful, selected by the owning dimension's datatype;
// string dimensions have no bound beyond the empty-string sentinel.
type DimRange struct {
	IntLo, IntHi     int64
	FloatLo, FloatHi float64
	StrLo, StrHi     string
}

// IntRange builds an integer dimension range.
func IntRange(lo, hi int64) DimRange {
	return DimRange{IntLo: lo, IntHi: hi}
}

// FloatRange builds a floating-point dimension range.
func FloatRange(lo, hi float64) DimRange {
	return DimRange{FloatLo: lo, FloatHi: hi}
}

// StrRange builds a string dimension range.
func StrRange(lo, hi string) DimRange {
	return DimRange{StrLo: lo, StrHi: hi}
}

// NDRectangle is an N-dimensional rectangle of per-dimension ranges keyed by
// dimension name. It backs an array's current domain.
type NDRectangle struct {
	Ranges map[string]DimRange
}

// NewNDRectangle creates an empty rectangle.
func NewNDRectangle() *NDRectangle {
	return &NDRectangle{Ranges: make(map[string]DimRange)}
}

// SetRange installs the bound for one dimension.
func (r *NDRectangle) SetRange(dim string, rng DimRange) {
	r.Ranges[dim] = rng
}

// Range returns the bound for one dimension.
func (r *NDRectangle) Range(dim string) (DimRange, bool) {
	rng, ok := r.Ranges[dim]
	return rng, ok
}

// Clone returns a deep copy of the rectangle.
func (r *NDRectangle) Clone() *NDRectangle {
	out := NewNDRectangle()
	for k, v := range r.Ranges {
		out.Ranges[k] = v
	}
	return out
}

// Dimension describes one axis of an array: a name, a physical type and the
// immutable max-domain bound fixed at creation time.
type Dimension struct {
	Name   string
	Type   Datatype
	Domain DimRange
}

// Attribute describes one value column of an array. An attribute may be
// backed by an enumeration, in which case the physical column stores indices
// into the enumeration's value list and Type is the index type.
type Attribute struct {
	Name        string
	Type        Datatype
	Nullable    bool
	Enumeration string
}

// HasEnumeration reports whether the attribute is dictionary-backed.
func (a Attribute) HasEnumeration() bool {
	return a.Enumeration != ""
}
