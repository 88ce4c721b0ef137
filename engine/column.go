package engine

import (
	"fmt"
	"strconv"
)

// Scalar is the closed set of fixed-width physical value types. Booleans are
// stored as one uint8 per cell.
type Scalar interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// ColumnData is one column's physical buffers: a typed value slice for
// fixed-width types, or a byte blob plus offsets for variable-length types,
// with an optional one-byte-per-cell validity buffer.
type ColumnData struct {
	Type Datatype

	// values holds one of []int8 ... []float64 for fixed-width types, or
	// []byte for variable-length types.
	values   any
	offsets  []uint64
	validity []uint8
}

// NewScalarColumn builds a fixed-width column over the given values.
func NewScalarColumn[T Scalar](dt Datatype, values []T, validity []uint8) *ColumnData {
	return &ColumnData{Type: dt, values: values, validity: validity}
}

// NewBytesColumn builds a variable-length column. offsets must have
// len(values in cells)+1 entries with offsets[0] == 0.
func NewBytesColumn(dt Datatype, data []byte, offsets []uint64, validity []uint8) *ColumnData {
	return &ColumnData{Type: dt, values: data, offsets: offsets, validity: validity}
}

// ScalarValues returns the typed value slice of a fixed-width column.
func ScalarValues[T Scalar](c *ColumnData) ([]T, error) {
	vals, ok := c.values.([]T)
	if !ok {
		return nil, fmt.Errorf("%w: column holds %s", ErrUnsupportedType, c.Type)
	}
	return vals, nil
}

// Len returns the number of cells in the column.
func (c *ColumnData) Len() int {
	if c.Type.IsVarLen() {
		if len(c.offsets) == 0 {
			return 0
		}
		return len(c.offsets) - 1
	}
	switch v := c.values.(type) {
	case []int8:
		return len(v)
	case []int16:
		return len(v)
	case []int32:
		return len(v)
	case []int64:
		return len(v)
	case []uint8:
		return len(v)
	case []uint16:
		return len(v)
	case []uint32:
		return len(v)
	case []uint64:
		return len(v)
	case []float32:
		return len(v)
	case []float64:
		return len(v)
	default:
		return 0
	}
}

// Offsets returns the offsets buffer of a variable-length column.
func (c *ColumnData) Offsets() []uint64 {
	return c.offsets
}

// Validity returns the validity buffer, or nil when all cells are valid.
func (c *ColumnData) Validity() []uint8 {
	return c.validity
}

// RawBytes returns the data blob of a variable-length column.
func (c *ColumnData) RawBytes() []byte {
	b, _ := c.values.([]byte)
	return b
}

// BytesAt returns the i-th cell of a variable-length column.
func (c *ColumnData) BytesAt(i int) []byte {
	return c.RawBytes()[c.offsets[i]:c.offsets[i+1]]
}

// cellKey renders the i-th cell as a string usable in a coordinate-dedup key.
func (c *ColumnData) cellKey(i int) string {
	if c.Type.IsVarLen() {
		return string(c.BytesAt(i))
	}
	switch v := c.values.(type) {
	case []int8:
		return strconv.FormatInt(int64(v[i]), 10)
	case []int16:
		return strconv.FormatInt(int64(v[i]), 10)
	case []int32:
		return strconv.FormatInt(int64(v[i]), 10)
	case []int64:
		return strconv.FormatInt(v[i], 10)
	case []uint8:
		return strconv.FormatUint(uint64(v[i]), 10)
	case []uint16:
		return strconv.FormatUint(uint64(v[i]), 10)
	case []uint32:
		return strconv.FormatUint(uint64(v[i]), 10)
	case []uint64:
		return strconv.FormatUint(v[i], 10)
	case []float32:
		return strconv.FormatFloat(float64(v[i]), 'g', -1, 32)
	case []float64:
		return strconv.FormatFloat(v[i], 'g', -1, 64)
	default:
		return ""
	}
}

func gatherSlice[T any](vals []T, perm []int) []T {
	out := make([]T, len(perm))
	for i, p := range perm {
		out[i] = vals[p]
	}
	return out
}

// gather returns a new column holding the cells selected by perm, in perm
// order.
func (c *ColumnData) gather(perm []int) *ColumnData {
	out := &ColumnData{Type: c.Type}
	if c.validity != nil {
		out.validity = gatherSlice(c.validity, perm)
	}
	if c.Type.IsVarLen() {
		data := make([]byte, 0)
		offsets := make([]uint64, 1, len(perm)+1)
		for _, p := range perm {
			data = append(data, c.BytesAt(p)...)
			offsets = append(offsets, uint64(len(data)))
		}
		out.values = data
		out.offsets = offsets
		return out
	}
	switch v := c.values.(type) {
	case []int8:
		out.values = gatherSlice(v, perm)
	case []int16:
		out.values = gatherSlice(v, perm)
	case []int32:
		out.values = gatherSlice(v, perm)
	case []int64:
		out.values = gatherSlice(v, perm)
	case []uint8:
		out.values = gatherSlice(v, perm)
	case []uint16:
		out.values = gatherSlice(v, perm)
	case []uint32:
		out.values = gatherSlice(v, perm)
	case []uint64:
		out.values = gatherSlice(v, perm)
	case []float32:
		out.values = gatherSlice(v, perm)
	case []float64:
		out.values = gatherSlice(v, perm)
	}
	return out
}

// Clone returns a deep copy of the column.
func (c *ColumnData) Clone() *ColumnData {
	perm := make([]int, c.Len())
	for i := range perm {
		perm[i] = i
	}
	return c.gather(perm)
}

// concatColumns stitches same-typed columns together in order.
func concatColumns(cols []*ColumnData) (*ColumnData, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("concat of zero columns")
	}
	if len(cols) == 1 {
		return cols[0].Clone(), nil
	}
	total := 0
	anyValidity := false
	for _, c := range cols {
		if c.Type != cols[0].Type {
			return nil, fmt.Errorf("%w: concat of %s and %s", ErrColumnMismatch, cols[0].Type, c.Type)
		}
		total += c.Len()
		if c.validity != nil {
			anyValidity = true
		}
	}
	out := &ColumnData{Type: cols[0].Type}
	if anyValidity {
		out.validity = make([]uint8, 0, total)
		for _, c := range cols {
			if c.validity != nil {
				out.validity = append(out.validity, c.validity...)
			} else {
				for i := 0; i < c.Len(); i++ {
					out.validity = append(out.validity, 1)
				}
			}
		}
	}
	if cols[0].Type.IsVarLen() {
		data := make([]byte, 0)
		offsets := make([]uint64, 1, total+1)
		for _, c := range cols {
			for i := 0; i < c.Len(); i++ {
				data = append(data, c.BytesAt(i)...)
				offsets = append(offsets, uint64(len(data)))
			}
		}
		out.values = data
		out.offsets = offsets
		return out, nil
	}
	switch cols[0].values.(type) {
	case []int8:
		out.values = concatScalar[int8](cols)
	case []int16:
		out.values = concatScalar[int16](cols)
	case []int32:
		out.values = concatScalar[int32](cols)
	case []int64:
		out.values = concatScalar[int64](cols)
	case []uint8:
		out.values = concatScalar[uint8](cols)
	case []uint16:
		out.values = concatScalar[uint16](cols)
	case []uint32:
		out.values = concatScalar[uint32](cols)
	case []uint64:
		out.values = concatScalar[uint64](cols)
	case []float32:
		out.values = concatScalar[float32](cols)
	case []float64:
		out.values = concatScalar[float64](cols)
	}
	return out, nil
}

func concatScalar[T Scalar](cols []*ColumnData) []T {
	out := make([]T, 0)
	for _, c := range cols {
		v, _ := c.values.([]T)
		out = append(out, v...)
	}
	return out
}

// Slice returns a copy of rows [lo, hi) of the column.
func (c *ColumnData) Slice(lo, hi int) *ColumnData {
	perm := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		perm = append(perm, i)
	}
	return c.gather(perm)
}
