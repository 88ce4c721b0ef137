package engine

import (
	"fmt"
	"strings"
)

// Fragment is one immutable, timestamped write unit. Its columns cover every
// dimension and attribute of the array, all with the same cell count.
type Fragment struct {
	ID        string
	Timestamp TimestampRange
	cols      map[string]*ColumnData

	// nonEmptyDomain holds per-dimension [min, max] of the written
	// coordinates, for integer dimensions only.
	nonEmptyDomain map[string][2]int64

	// consolidated marks fragments that have been superseded by a
	// consolidation commit; they are invisible to reads but still listed
	// by fragment info until vacuumed.
	consolidated bool
}

// CellCount returns the number of cells in the fragment.
func (f *Fragment) CellCount() uint64 {
	for _, c := range f.cols {
		return uint64(c.Len())
	}
	return 0
}

// computeNonEmptyDomain fills nonEmptyDomain from the integer dimension
// columns.
func (f *Fragment) computeNonEmptyDomain(dims []Dimension) error {
	f.nonEmptyDomain = make(map[string][2]int64, len(dims))
	for _, dim := range dims {
		if !dim.Type.IsInteger() {
			continue
		}
		col, ok := f.cols[dim.Name]
		if !ok {
			return fmt.Errorf("%w: dimension %q missing from fragment", ErrUnknownColumn, dim.Name)
		}
		vals, err := int64Coords(col)
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			continue
		}
		lo, hi := vals[0], vals[0]
		for _, v := range vals[1:] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		f.nonEmptyDomain[dim.Name] = [2]int64{lo, hi}
	}
	return nil
}

// int64Coords widens an integer coordinate column to int64.
func int64Coords(c *ColumnData) ([]int64, error) {
	switch v := c.values.(type) {
	case []int64:
		return v, nil
	case []int32:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, nil
	case []int16:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, nil
	case []int8:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, nil
	case []uint8:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, nil
	case []uint16:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, nil
	case []uint32:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, nil
	case []uint64:
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: coordinate column holds %s", ErrUnsupportedType, c.Type)
	}
}

// coordKey builds the dedup key of one cell from the dimension columns.
func coordKey(dims []Dimension, cols map[string]*ColumnData, i int) string {
	var b strings.Builder
	for _, d := range dims {
		b.WriteString(cols[d.Name].cellKey(i))
		b.WriteByte('|')
	}
	return b.String()
}

// FragmentMeta is the metadata view of one fragment exposed by FragmentInfo.
type FragmentMeta struct {
	ID             string
	Timestamp      TimestampRange
	CellCount      uint64
	NonEmptyDomain map[string][2]int64
}

// FragmentInfo is an immutable snapshot of an array's fragment metadata,
// including fragments that have been consolidated away but not yet vacuumed.
type FragmentInfo struct {
	uri       string
	fragments []FragmentMeta
	dims      []Dimension
}

// FragmentNum returns the number of fragments.
func (fi *FragmentInfo) FragmentNum() int {
	return len(fi.fragments)
}

// TimestampRange returns the i-th fragment's timestamp range.
func (fi *FragmentInfo) TimestampRange(i int) TimestampRange {
	return fi.fragments[i].Timestamp
}

// CellNum returns the i-th fragment's cell count.
func (fi *FragmentInfo) CellNum(i int) uint64 {
	return fi.fragments[i].CellCount
}

// NonEmptyDomain returns the i-th fragment's [min, max] written coordinate
// range on the given dimension index.
func (fi *FragmentInfo) NonEmptyDomain(i int, dimIdx int) ([2]int64, error) {
	if dimIdx < 0 || dimIdx >= len(fi.dims) {
		return [2]int64{}, fmt.Errorf("%w: dimension index %d", ErrUnknownColumn, dimIdx)
	}
	name := fi.dims[dimIdx].Name
	ned, ok := fi.fragments[i].NonEmptyDomain[name]
	if !ok {
		return [2]int64{}, fmt.Errorf("fragment %q: no non-empty domain for dimension %q",
			fi.fragments[i].ID, name)
	}
	return ned, nil
}

// Dump renders the fragment metadata for debug logging.
func (fi *FragmentInfo) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fragment info for %q: %d fragments\n", fi.uri, len(fi.fragments))
	for i, f := range fi.fragments {
		fmt.Fprintf(&b, "  [%d] id=%s ts=[%d, %d] cells=%d\n",
			i, f.ID, f.Timestamp.Start, f.Timestamp.End, f.CellCount)
	}
	return b.String()
}
