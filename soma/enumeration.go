package soma

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/go-kit/log/level"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// remapDictionary converts a dictionary-encoded column targeting an
// enumeration-backed attribute into the physical index column. Incoming
// dictionary values already present in the enumeration are remapped to their
// on-disk indices (the incoming index order need not match); genuinely new
// values stage an append-only extension committed with the write. Writing a
// value set that is already fully present never grows the enumeration.
func (a *Array) remapDictionary(attr engine.Attribute, dict *array.Dictionary) (*engine.ColumnData, error) {
	enum, err := a.currentEnumeration(attr.Enumeration)
	if err != nil {
		return nil, err
	}

	values := dict.Dictionary()
	incoming := make([]any, values.Len())
	for i := range incoming {
		v, err := enumValueAt(values, i, enum.Type)
		if err != nil {
			return nil, fmt.Errorf("enumeration %q: %w", enum.Name, err)
		}
		incoming[i] = v
	}

	var newValues []any
	for _, v := range incoming {
		if !enum.Contains(v) {
			newValues = append(newValues, v)
		}
	}

	extended := enum
	if len(newValues) > 0 {
		maxCap, err := attr.Type.MaxIndexCapacity()
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", attr.Name, err)
		}
		if maxCap-uint64(enum.Len()) < uint64(len(newValues)) {
			return nil, fmt.Errorf("attribute %q: %w: %d existing + %d new values exceed index type %s",
				attr.Name, ErrEnumCapacity, enum.Len(), len(newValues), attr.Type)
		}
		extended, err = enum.Extend(newValues)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", attr.Name, err)
		}
		a.evolution.ExtendEnumeration(extended)
		a.stagedEnums[enum.Name] = extended
		level.Debug(a.ctx.logger).Log("msg", "enumeration extension staged",
			"uri", a.uri, "enumeration", enum.Name, "new_values", len(newValues))
	}

	n := dict.Len()
	indices := make([]int64, n)
	var validity []uint8
	for i := 0; i < n; i++ {
		if dict.IsNull(i) {
			validity = validityFor(validity, n)
			validity[i] = 0
			continue
		}
		v := incoming[dict.GetValueIndex(i)]
		idx, ok := extended.IndexOf(v)
		if !ok {
			return nil, fmt.Errorf("attribute %q: %w: value %v missing after extension",
				attr.Name, ErrInternal, v)
		}
		indices[i] = int64(idx)
	}
	return integerColumn(attr.Type, indices, validity)
}

// currentEnumeration returns the extension staged earlier in this write
// batch if there is one, else the session snapshot's enumeration. Later
// columns in the same batch must see indices the batch itself introduced.
func (a *Array) currentEnumeration(name string) (*engine.Enumeration, error) {
	if e, ok := a.stagedEnums[name]; ok {
		return e, nil
	}
	e, err := a.arr.Schema().Enumeration(name)
	if err != nil {
		return nil, fmt.Errorf("array %q: %w", a.uri, err)
	}
	return e, nil
}

// enumValueAt extracts dictionary value i coerced to the enumeration's
// physical type, so membership tests compare like with like. Boolean values
// arrive bit-packed and are stored one byte per value.
func enumValueAt(values arrow.Array, i int, dt engine.Datatype) (any, error) {
	if values.IsNull(i) {
		return nil, fmt.Errorf("%w: null dictionary value", ErrUnsupportedType)
	}
	switch dt {
	case engine.TypeStringASCII, engine.TypeStringUTF8, engine.TypeBinary:
		s, ok := stringAt(values, i)
		if !ok {
			return nil, fmt.Errorf("%w: dictionary holds %s, want strings", ErrUnsupportedType, values.DataType())
		}
		return s, nil
	case engine.TypeBool:
		if b, ok := values.(*array.Boolean); ok {
			if b.Value(i) {
				return uint8(1), nil
			}
			return uint8(0), nil
		}
		v, ok := int64At(values, i)
		if !ok {
			return nil, fmt.Errorf("%w: dictionary holds %s, want booleans", ErrUnsupportedType, values.DataType())
		}
		if v != 0 {
			return uint8(1), nil
		}
		return uint8(0), nil
	case engine.TypeFloat32:
		f, ok := float64At(values, i)
		if !ok {
			return nil, fmt.Errorf("%w: dictionary holds %s, want floats", ErrUnsupportedType, values.DataType())
		}
		return float32(f), nil
	case engine.TypeFloat64:
		f, ok := float64At(values, i)
		if !ok {
			return nil, fmt.Errorf("%w: dictionary holds %s, want floats", ErrUnsupportedType, values.DataType())
		}
		return f, nil
	}
	v, ok := int64At(values, i)
	if !ok {
		return nil, fmt.Errorf("%w: dictionary holds %s, want integers", ErrUnsupportedType, values.DataType())
	}
	switch dt {
	case engine.TypeInt8:
		return int8(v), nil
	case engine.TypeUint8:
		return uint8(v), nil
	case engine.TypeInt16:
		return int16(v), nil
	case engine.TypeUint16:
		return uint16(v), nil
	case engine.TypeInt32:
		return int32(v), nil
	case engine.TypeUint32:
		return uint32(v), nil
	case engine.TypeInt64:
		return v, nil
	case engine.TypeUint64:
		return uint64(v), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
	}
}

// integerColumn materializes remapped indices as a column of the attribute's
// physical index type.
func integerColumn(dt engine.Datatype, indices []int64, validity []uint8) (*engine.ColumnData, error) {
	switch dt {
	case engine.TypeInt8:
		return narrowColumn[int8](dt, indices, validity), nil
	case engine.TypeUint8:
		return narrowColumn[uint8](dt, indices, validity), nil
	case engine.TypeInt16:
		return narrowColumn[int16](dt, indices, validity), nil
	case engine.TypeUint16:
		return narrowColumn[uint16](dt, indices, validity), nil
	case engine.TypeInt32:
		return narrowColumn[int32](dt, indices, validity), nil
	case engine.TypeUint32:
		return narrowColumn[uint32](dt, indices, validity), nil
	case engine.TypeInt64:
		return engine.NewScalarColumn(dt, append([]int64(nil), indices...), validity), nil
	case engine.TypeUint64:
		return narrowColumn[uint64](dt, indices, validity), nil
	default:
		return nil, fmt.Errorf("%w: %s is not a valid enumeration index type", ErrUnsupportedType, dt)
	}
}

func narrowColumn[T engine.Scalar](dt engine.Datatype, indices []int64, validity []uint8) *engine.ColumnData {
	vals := make([]T, len(indices))
	for i, v := range indices {
		vals[i] = T(v)
	}
	return engine.NewScalarColumn(dt, vals, validity)
}
