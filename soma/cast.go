package soma

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// castFn materializes n cells into an engine column of type dt. Cell i is
// read from src at position at(i); isNull masks it out. The indirection lets
// the same table serve plain columns (identity mapping) and dictionary
// promotion (index mapping into the dictionary's value array).
type castFn func(dt engine.Datatype, src arrow.Array, n int, at func(int) int, isNull func(int) bool) (*engine.ColumnData, error)

// columnCasters is the one type-tag-indexed dispatch table for every
// interchange-to-physical conversion.
var columnCasters = map[engine.Datatype]castFn{
	engine.TypeInt8:        castNumeric[int8],
	engine.TypeUint8:       castNumeric[uint8],
	engine.TypeInt16:       castNumeric[int16],
	engine.TypeUint16:      castNumeric[uint16],
	engine.TypeInt32:       castNumeric[int32],
	engine.TypeUint32:      castNumeric[uint32],
	engine.TypeInt64:       castNumeric[int64],
	engine.TypeUint64:      castNumeric[uint64],
	engine.TypeFloat32:     castNumeric[float32],
	engine.TypeFloat64:     castNumeric[float64],
	engine.TypeBool:        castBool,
	engine.TypeStringASCII: castBytes,
	engine.TypeStringUTF8:  castBytes,
	engine.TypeBinary:      castBytes,
}

// castColumn converts one incoming Arrow column to the physical type of the
// matching dimension or attribute. Four cases: an enumerated attribute
// requires a dictionary column (its indices are remapped, possibly extending
// the enumeration); a dictionary column on a non-enumerated target is
// silently promoted to plain values; everything else is a straight cast.
func (a *Array) castColumn(name string, col arrow.Array) (*engine.ColumnData, error) {
	s := a.arr.Schema()
	dt, err := s.ColumnType(name)
	if err != nil {
		return nil, err
	}
	attr, isAttr := s.Attribute(name)
	dict, isDict := col.(*array.Dictionary)

	switch {
	case isAttr && attr.HasEnumeration() && !isDict:
		return nil, fmt.Errorf("%w: attribute uses enumeration %q", ErrDictionaryRequired, attr.Enumeration)
	case isAttr && attr.HasEnumeration():
		return a.remapDictionary(attr, dict)
	case isDict:
		return castCells(dt, dict.Dictionary(), dict.Len(), dict.GetValueIndex, dict.IsNull)
	default:
		return castCells(dt, col, col.Len(), func(i int) int { return i }, col.IsNull)
	}
}

// castCells dispatches through the caster table.
func castCells(dt engine.Datatype, src arrow.Array, n int, at func(int) int, isNull func(int) bool) (*engine.ColumnData, error) {
	fn, ok := columnCasters[dt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
	}
	return fn(dt, src, n, at, isNull)
}

// validityFor allocates a validity buffer on the first null, or returns the
// existing one.
func validityFor(validity []uint8, n int) []uint8 {
	if validity != nil {
		return validity
	}
	v := make([]uint8, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

// castNumeric materializes a fixed-width numeric column, widening or
// narrowing from any Arrow numeric source.
func castNumeric[T engine.Scalar](dt engine.Datatype, src arrow.Array, n int, at func(int) int, isNull func(int) bool) (*engine.ColumnData, error) {
	vals := make([]T, n)
	var validity []uint8
	for i := 0; i < n; i++ {
		if isNull(i) {
			validity = validityFor(validity, n)
			validity[i] = 0
			continue
		}
		j := at(i)
		if v, ok := int64At(src, j); ok {
			vals[i] = T(v)
			continue
		}
		if f, ok := float64At(src, j); ok {
			vals[i] = T(f)
			continue
		}
		return nil, fmt.Errorf("%w: cannot cast %s to %s", ErrUnsupportedType, src.DataType(), dt)
	}
	return engine.NewScalarColumn(dt, vals, validity), nil
}

// castBool expands a bit-packed boolean source to one byte per cell.
func castBool(dt engine.Datatype, src arrow.Array, n int, at func(int) int, isNull func(int) bool) (*engine.ColumnData, error) {
	vals := make([]uint8, n)
	var validity []uint8
	for i := 0; i < n; i++ {
		if isNull(i) {
			validity = validityFor(validity, n)
			validity[i] = 0
			continue
		}
		j := at(i)
		switch c := src.(type) {
		case *array.Boolean:
			if c.Value(j) {
				vals[i] = 1
			}
		default:
			v, ok := int64At(src, j)
			if !ok {
				return nil, fmt.Errorf("%w: cannot cast %s to %s", ErrUnsupportedType, src.DataType(), dt)
			}
			if v != 0 {
				vals[i] = 1
			}
		}
	}
	return engine.NewScalarColumn(dt, vals, validity), nil
}

// castBytes normalizes string and binary sources, whether carried with
// 32-bit or 64-bit offsets, to a blob with 64-bit offsets.
func castBytes(dt engine.Datatype, src arrow.Array, n int, at func(int) int, isNull func(int) bool) (*engine.ColumnData, error) {
	data := make([]byte, 0)
	offsets := make([]uint64, 1, n+1)
	var validity []uint8
	for i := 0; i < n; i++ {
		if isNull(i) {
			validity = validityFor(validity, n)
			validity[i] = 0
			offsets = append(offsets, uint64(len(data)))
			continue
		}
		s, ok := stringAt(src, at(i))
		if !ok {
			return nil, fmt.Errorf("%w: cannot cast %s to %s", ErrUnsupportedType, src.DataType(), dt)
		}
		data = append(data, s...)
		offsets = append(offsets, uint64(len(data)))
	}
	return engine.NewBytesColumn(dt, data, offsets, validity), nil
}
