package soma

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// ArrayBuffers holds the columnar results of one read batch, keyed by column
// name, in schema order. Enumerated attributes keep their physical index
// column here; ToRecord re-attaches the dictionary.
type ArrayBuffers struct {
	names []string
	cols  map[string]*engine.ColumnData
}

// NewArrayBuffers creates an empty buffer set.
func NewArrayBuffers() *ArrayBuffers {
	return &ArrayBuffers{cols: make(map[string]*engine.ColumnData)}
}

// Set installs one column. Ordering follows insertion order.
func (b *ArrayBuffers) Set(name string, col *engine.ColumnData) {
	if _, ok := b.cols[name]; !ok {
		b.names = append(b.names, name)
	}
	b.cols[name] = col
}

// Names returns the column names in insertion order.
func (b *ArrayBuffers) Names() []string {
	return b.names
}

// At returns the named column.
func (b *ArrayBuffers) At(name string) (*engine.ColumnData, bool) {
	c, ok := b.cols[name]
	return c, ok
}

// NumRows returns the cell count shared by all columns, or 0 when empty.
func (b *ArrayBuffers) NumRows() int {
	for _, name := range b.names {
		return b.cols[name].Len()
	}
	return 0
}

// arrowType maps a physical datatype onto the Arrow type used on the wire.
func arrowType(dt engine.Datatype) (arrow.DataType, error) {
	switch dt {
	case engine.TypeInt8:
		return arrow.PrimitiveTypes.Int8, nil
	case engine.TypeUint8:
		return arrow.PrimitiveTypes.Uint8, nil
	case engine.TypeInt16:
		return arrow.PrimitiveTypes.Int16, nil
	case engine.TypeUint16:
		return arrow.PrimitiveTypes.Uint16, nil
	case engine.TypeInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case engine.TypeUint32:
		return arrow.PrimitiveTypes.Uint32, nil
	case engine.TypeInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case engine.TypeUint64:
		return arrow.PrimitiveTypes.Uint64, nil
	case engine.TypeFloat32:
		return arrow.PrimitiveTypes.Float32, nil
	case engine.TypeFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case engine.TypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case engine.TypeStringASCII, engine.TypeStringUTF8:
		return arrow.BinaryTypes.String, nil
	case engine.TypeBinary:
		return arrow.BinaryTypes.Binary, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
	}
}

// ToRecord converts the buffers to an Arrow record against the given schema
// snapshot. Attributes backed by an enumeration come out dictionary-encoded.
func (b *ArrayBuffers) ToRecord(schema *engine.ArraySchema, mem memory.Allocator) (arrow.Record, error) {
	fields := make([]arrow.Field, 0, len(b.names))
	cols := make([]arrow.Array, 0, len(b.names))

	for _, name := range b.names {
		col := b.cols[name]
		attr, isAttr := schema.Attribute(name)
		if isAttr && attr.HasEnumeration() {
			enum, err := schema.Enumeration(attr.Enumeration)
			if err != nil {
				return nil, err
			}
			arr, dt, err := dictionaryArray(col, enum, mem)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", name, err)
			}
			fields = append(fields, arrow.Field{Name: name, Type: dt, Nullable: attr.Nullable})
			cols = append(cols, arr)
			continue
		}
		arr, err := plainArray(col, mem)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		nullable := isAttr && attr.Nullable
		fields = append(fields, arrow.Field{Name: name, Type: arr.DataType(), Nullable: nullable})
		cols = append(cols, arr)
	}

	sc := arrow.NewSchema(fields, nil)
	rec := array.NewRecord(sc, cols, int64(b.NumRows()))
	for _, c := range cols {
		c.Release()
	}
	return rec, nil
}

// plainArray converts one engine column to an Arrow array of the matching
// physical type.
func plainArray(col *engine.ColumnData, mem memory.Allocator) (arrow.Array, error) {
	dt, err := arrowType(col.Type)
	if err != nil {
		return nil, err
	}
	bld := array.NewBuilder(mem, dt)
	defer bld.Release()

	validity := col.Validity()
	valid := func(i int) bool { return validity == nil || validity[i] != 0 }

	switch col.Type {
	case engine.TypeInt8:
		appendScalars[int8](bld.(*array.Int8Builder).Append, col, valid, bld)
	case engine.TypeUint8:
		appendScalars[uint8](bld.(*array.Uint8Builder).Append, col, valid, bld)
	case engine.TypeInt16:
		appendScalars[int16](bld.(*array.Int16Builder).Append, col, valid, bld)
	case engine.TypeUint16:
		appendScalars[uint16](bld.(*array.Uint16Builder).Append, col, valid, bld)
	case engine.TypeInt32:
		appendScalars[int32](bld.(*array.Int32Builder).Append, col, valid, bld)
	case engine.TypeUint32:
		appendScalars[uint32](bld.(*array.Uint32Builder).Append, col, valid, bld)
	case engine.TypeInt64:
		appendScalars[int64](bld.(*array.Int64Builder).Append, col, valid, bld)
	case engine.TypeUint64:
		appendScalars[uint64](bld.(*array.Uint64Builder).Append, col, valid, bld)
	case engine.TypeFloat32:
		appendScalars[float32](bld.(*array.Float32Builder).Append, col, valid, bld)
	case engine.TypeFloat64:
		appendScalars[float64](bld.(*array.Float64Builder).Append, col, valid, bld)
	case engine.TypeBool:
		vals, err := engine.ScalarValues[uint8](col)
		if err != nil {
			return nil, err
		}
		bb := bld.(*array.BooleanBuilder)
		for i, v := range vals {
			if !valid(i) {
				bb.AppendNull()
				continue
			}
			bb.Append(v != 0)
		}
	case engine.TypeStringASCII, engine.TypeStringUTF8:
		sb := bld.(*array.StringBuilder)
		for i := 0; i < col.Len(); i++ {
			if !valid(i) {
				sb.AppendNull()
				continue
			}
			sb.Append(string(col.BytesAt(i)))
		}
	case engine.TypeBinary:
		bb := bld.(*array.BinaryBuilder)
		for i := 0; i < col.Len(); i++ {
			if !valid(i) {
				bb.AppendNull()
				continue
			}
			bb.Append(col.BytesAt(i))
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, col.Type)
	}
	return bld.NewArray(), nil
}

// appendScalars feeds a fixed-width engine column into a typed Arrow builder.
func appendScalars[T engine.Scalar](appendFn func(T), col *engine.ColumnData, valid func(int) bool, bld array.Builder) {
	vals, err := engine.ScalarValues[T](col)
	if err != nil {
		return
	}
	for i, v := range vals {
		if !valid(i) {
			bld.AppendNull()
			continue
		}
		appendFn(v)
	}
}

// dictionaryArray builds a dictionary-encoded Arrow array whose indices come
// from the stored column and whose dictionary holds the enumeration's
// members in index order.
func dictionaryArray(col *engine.ColumnData, enum *engine.Enumeration, mem memory.Allocator) (arrow.Array, arrow.DataType, error) {
	idxType, err := arrowType(col.Type)
	if err != nil {
		return nil, nil, err
	}
	valType, err := arrowType(enum.Type)
	if err != nil {
		return nil, nil, err
	}
	dt := &arrow.DictionaryType{IndexType: idxType, ValueType: valType}

	indices, err := plainArray(col, mem)
	if err != nil {
		return nil, nil, err
	}
	defer indices.Release()

	dict, err := enumValuesArray(enum, mem)
	if err != nil {
		return nil, nil, err
	}
	defer dict.Release()

	arr := array.NewDictionaryArray(dt, indices, dict)
	return arr, dt, nil
}

// enumValuesArray renders an enumeration's value list as an Arrow array.
func enumValuesArray(enum *engine.Enumeration, mem memory.Allocator) (arrow.Array, error) {
	dt, err := arrowType(enum.Type)
	if err != nil {
		return nil, err
	}
	bld := array.NewBuilder(mem, dt)
	defer bld.Release()

	for _, v := range enum.Values() {
		switch b := bld.(type) {
		case *array.StringBuilder:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: enumeration %q holds %T, want string", ErrUnsupportedType, enum.Name, v)
			}
			b.Append(s)
		case *array.BinaryBuilder:
			switch raw := v.(type) {
			case string:
				b.Append([]byte(raw))
			case []byte:
				b.Append(raw)
			default:
				return nil, fmt.Errorf("%w: enumeration %q holds %T, want bytes", ErrUnsupportedType, enum.Name, v)
			}
		case *array.BooleanBuilder:
			u, ok := v.(uint8)
			if !ok {
				return nil, fmt.Errorf("%w: enumeration %q holds %T, want uint8", ErrUnsupportedType, enum.Name, v)
			}
			b.Append(u != 0)
		case *array.Int8Builder:
			b.Append(v.(int8))
		case *array.Uint8Builder:
			b.Append(v.(uint8))
		case *array.Int16Builder:
			b.Append(v.(int16))
		case *array.Uint16Builder:
			b.Append(v.(uint16))
		case *array.Int32Builder:
			b.Append(v.(int32))
		case *array.Uint32Builder:
			b.Append(v.(uint32))
		case *array.Int64Builder:
			b.Append(v.(int64))
		case *array.Uint64Builder:
			b.Append(v.(uint64))
		case *array.Float32Builder:
			b.Append(v.(float32))
		case *array.Float64Builder:
			b.Append(v.(float64))
		default:
			return nil, fmt.Errorf("%w: enumeration %q of type %s", ErrUnsupportedType, enum.Name, enum.Type)
		}
	}
	return bld.NewArray(), nil
}
