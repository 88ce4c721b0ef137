package engine

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// MetadataEntry is one key/value pair of array metadata: a physical type
// tag, an element count and an opaque value blob.
type MetadataEntry struct {
	Key      string
	Type     Datatype
	ValueNum int
	Value    []byte
}

// metaOp is one timestamped metadata mutation; the visible metadata set at
// a timestamp range is the replay of ops inside that range.
type metaOp struct {
	ts    uint64
	del   bool
	entry MetadataEntry
}

// arrayObject is the stored state of one array.
type arrayObject struct {
	mu        sync.Mutex
	schema    *ArraySchema
	fragments []*Fragment
	metaOps   []metaOp
	fragSeq   int
}

// Store is an in-memory registry of arrays keyed by URI. All sessions
// against one store share its arrays; schema evolutions are serialized by
// the store.
type Store struct {
	mu     sync.Mutex
	arrays map[string]*arrayObject
	now    uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{arrays: make(map[string]*arrayObject), now: 0}
}

// tick returns a fresh logical timestamp for unscoped writes.
func (s *Store) tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now++
	return s.now
}

// observe advances the logical clock past an explicit write timestamp.
func (s *Store) observe(ts uint64) {
	s.mu.Lock()
	if ts > s.now {
		s.now = ts
	}
	s.mu.Unlock()
}

// CreateArray registers a new array with the given schema.
func (s *Store) CreateArray(uri string, schema *ArraySchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.arrays[uri]; ok {
		return fmt.Errorf("creating array %q: %w", uri, ErrArrayExists)
	}
	s.arrays[uri] = &arrayObject{schema: schema.Clone()}
	return nil
}

// HasArray reports whether an array exists at the URI.
func (s *Store) HasArray(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.arrays[uri]
	return ok
}

// RemoveArray deletes an array and all its fragments.
func (s *Store) RemoveArray(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.arrays, uri)
}

func (s *Store) object(uri string) (*arrayObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.arrays[uri]
	if !ok {
		return nil, fmt.Errorf("array %q: %w", uri, ErrArrayNotFound)
	}
	return obj, nil
}

// OpenArray opens a session against an array at the given mode, optionally
// scoped to a timestamp range. The session observes a snapshot of the schema
// taken at open time.
func (s *Store) OpenArray(uri string, mode Mode, ts *TimestampRange) (*Array, error) {
	obj, err := s.object(uri)
	if err != nil {
		return nil, err
	}
	obj.mu.Lock()
	schema := obj.schema.Clone()
	obj.mu.Unlock()
	var scope *TimestampRange
	if ts != nil {
		cp := *ts
		scope = &cp
	}
	return &Array{store: s, obj: obj, uri: uri, mode: mode, ts: scope, schema: schema}, nil
}

// Evolve atomically applies a staged schema evolution to the array.
func (s *Store) Evolve(uri string, se *SchemaEvolution) error {
	obj, err := s.object(uri)
	if err != nil {
		return err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if err := se.apply(obj.schema); err != nil {
		return fmt.Errorf("evolving array %q: %w", uri, err)
	}
	return nil
}

// FragmentInfo returns a metadata snapshot of all fragments of the array,
// including consolidated-but-not-vacuumed ones.
func (s *Store) FragmentInfo(uri string) (*FragmentInfo, error) {
	obj, err := s.object(uri)
	if err != nil {
		return nil, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	metas := make([]FragmentMeta, 0, len(obj.fragments))
	for _, f := range obj.fragments {
		ned := make(map[string][2]int64, len(f.nonEmptyDomain))
		for k, v := range f.nonEmptyDomain {
			ned[k] = v
		}
		metas = append(metas, FragmentMeta{
			ID:             f.ID,
			Timestamp:      f.Timestamp,
			CellCount:      f.CellCount(),
			NonEmptyDomain: ned,
		})
	}
	return &FragmentInfo{
		uri:       uri,
		fragments: metas,
		dims:      append([]Dimension(nil), obj.schema.Dimensions...),
	}, nil
}

// Consolidate merges all live fragments of the array into one fragment
// spanning their combined timestamp range. For arrays that do not allow
// duplicate cells, duplicate coordinates are collapsed keeping the most
// recent write. Superseded fragments stay listed in fragment info until
// Vacuum removes them.
func (s *Store) Consolidate(uri string) error {
	obj, err := s.object(uri)
	if err != nil {
		return err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()

	live := make([]*Fragment, 0, len(obj.fragments))
	for _, f := range obj.fragments {
		if !f.consolidated {
			live = append(live, f)
		}
	}
	if len(live) < 2 {
		return nil
	}

	lo, hi := live[0].Timestamp.Start, live[0].Timestamp.End
	for _, f := range live[1:] {
		if f.Timestamp.Start < lo {
			lo = f.Timestamp.Start
		}
		if f.Timestamp.End > hi {
			hi = f.Timestamp.End
		}
	}

	merged := make(map[string]*ColumnData)
	for _, name := range obj.schema.ColumnNames() {
		parts := make([]*ColumnData, 0, len(live))
		for _, f := range live {
			parts = append(parts, f.cols[name])
		}
		col, err := concatColumns(parts)
		if err != nil {
			return fmt.Errorf("consolidating array %q: %w", uri, err)
		}
		merged[name] = col
	}

	if !obj.schema.AllowsDups && obj.schema.ArrayType == Sparse {
		merged = dedupCells(obj.schema.Dimensions, merged)
	}

	obj.fragSeq++
	frag := &Fragment{
		ID:        fmt.Sprintf("%s/__%d_%d_%d", uri, lo, hi, obj.fragSeq),
		Timestamp: TimestampRange{Start: lo, End: hi},
		cols:      merged,
	}
	if err := frag.computeNonEmptyDomain(obj.schema.Dimensions); err != nil {
		return fmt.Errorf("consolidating array %q: %w", uri, err)
	}

	for _, f := range live {
		f.consolidated = true
	}
	obj.fragments = append(obj.fragments, frag)
	return nil
}

// Vacuum drops fragments that a prior Consolidate superseded.
func (s *Store) Vacuum(uri string) error {
	obj, err := s.object(uri)
	if err != nil {
		return err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	kept := obj.fragments[:0]
	for _, f := range obj.fragments {
		if !f.consolidated {
			kept = append(kept, f)
		}
	}
	obj.fragments = kept
	return nil
}

// Array is one open session against a stored array.
type Array struct {
	store  *Store
	obj    *arrayObject
	uri    string
	mode   Mode
	ts     *TimestampRange
	schema *ArraySchema
	closed bool
}

// URI returns the array location.
func (a *Array) URI() string { return a.uri }

// Mode returns the session's open mode.
func (a *Array) Mode() Mode { return a.mode }

// Timestamp returns the session's timestamp scope, or nil when unscoped.
func (a *Array) Timestamp() *TimestampRange { return a.ts }

// Schema returns the schema snapshot taken at open time.
func (a *Array) Schema() *ArraySchema { return a.schema }

// Close invalidates the session.
func (a *Array) Close() error {
	if a.closed {
		return fmt.Errorf("array %q: %w", a.uri, ErrArrayClosed)
	}
	a.closed = true
	return nil
}

func (a *Array) check(needMode *Mode) error {
	if a.closed {
		return fmt.Errorf("array %q: %w", a.uri, ErrArrayClosed)
	}
	if needMode != nil && a.mode != *needMode {
		return fmt.Errorf("array %q: %w: have %s, need %s", a.uri, ErrWrongMode, a.mode, *needMode)
	}
	return nil
}

// writeTimestamp picks the logical timestamp for a write issued by this
// session: the end of the session scope if one was given, else a fresh tick.
func (a *Array) writeTimestamp() uint64 {
	if a.ts != nil {
		a.store.observe(a.ts.End)
		return a.ts.End
	}
	return a.store.tick()
}

// PutMetadata writes one metadata entry at the session's write timestamp.
func (a *Array) PutMetadata(key string, dt Datatype, valueNum int, value []byte) error {
	w := Write
	if err := a.check(&w); err != nil {
		return err
	}
	a.obj.mu.Lock()
	defer a.obj.mu.Unlock()
	a.obj.metaOps = append(a.obj.metaOps, metaOp{
		ts: a.writeTimestamp(),
		entry: MetadataEntry{
			Key:      key,
			Type:     dt,
			ValueNum: valueNum,
			Value:    bytes.Clone(value),
		},
	})
	return nil
}

// DeleteMetadata removes a metadata key at the session's write timestamp.
func (a *Array) DeleteMetadata(key string) error {
	w := Write
	if err := a.check(&w); err != nil {
		return err
	}
	a.obj.mu.Lock()
	defer a.obj.mu.Unlock()
	a.obj.metaOps = append(a.obj.metaOps, metaOp{
		ts:    a.writeTimestamp(),
		del:   true,
		entry: MetadataEntry{Key: key},
	})
	return nil
}

// Metadata returns the metadata entries visible inside the session's
// timestamp scope, in key order.
func (a *Array) Metadata() ([]MetadataEntry, error) {
	if err := a.check(nil); err != nil {
		return nil, err
	}
	a.obj.mu.Lock()
	defer a.obj.mu.Unlock()

	visible := make(map[string]MetadataEntry)
	for _, op := range a.obj.metaOps {
		if a.ts != nil && (op.ts < a.ts.Start || op.ts > a.ts.End) {
			continue
		}
		if op.del {
			delete(visible, op.entry.Key)
		} else {
			visible[op.entry.Key] = op.entry
		}
	}
	keys := make([]string, 0, len(visible))
	for k := range visible {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]MetadataEntry, 0, len(visible))
	for _, k := range keys {
		out = append(out, visible[k])
	}
	return out, nil
}

// WriteFragment commits the staged columns as one new immutable fragment at
// the session's write timestamp. Every dimension and attribute of the schema
// must be present with equal cell counts.
func (a *Array) WriteFragment(cols map[string]*ColumnData, sortCoords bool) error {
	w := Write
	if err := a.check(&w); err != nil {
		return err
	}

	names := a.schema.ColumnNames()
	n := -1
	staged := make(map[string]*ColumnData, len(names))
	for _, name := range names {
		col, ok := cols[name]
		if !ok {
			return fmt.Errorf("writing array %q: %w: %q", a.uri, ErrUnknownColumn, name)
		}
		if n == -1 {
			n = col.Len()
		} else if col.Len() != n {
			return fmt.Errorf("writing array %q: %w: column %q has %d cells, want %d",
				a.uri, ErrColumnMismatch, name, col.Len(), n)
		}
		staged[name] = col.Clone()
	}

	if sortCoords && a.schema.ArrayType == Sparse {
		perm := sortPerm(a.schema.Dimensions, staged, n)
		for name, col := range staged {
			staged[name] = col.gather(perm)
		}
	}

	ts := a.writeTimestamp()

	a.obj.mu.Lock()
	defer a.obj.mu.Unlock()
	a.obj.fragSeq++
	frag := &Fragment{
		ID:        fmt.Sprintf("%s/__%d_%d_%d", a.uri, ts, ts, a.obj.fragSeq),
		Timestamp: TimestampRange{Start: ts, End: ts},
		cols:      staged,
	}
	if err := frag.computeNonEmptyDomain(a.schema.Dimensions); err != nil {
		return fmt.Errorf("writing array %q: %w", a.uri, err)
	}
	a.obj.fragments = append(a.obj.fragments, frag)
	return nil
}

// ReadCells materializes the requested columns (or all columns when names is
// empty) across every fragment visible in the session's timestamp scope.
// Arrays that do not allow duplicates collapse repeated coordinates, keeping
// the most recent write. The second return value lists the column names in
// schema order.
func (a *Array) ReadCells(names []string) (map[string]*ColumnData, []string, error) {
	if err := a.check(nil); err != nil {
		return nil, nil, err
	}

	selected := names
	if len(selected) == 0 {
		selected = a.schema.ColumnNames()
	}
	for _, name := range selected {
		if _, err := a.schema.ColumnType(name); err != nil {
			return nil, nil, fmt.Errorf("reading array %q: %w", a.uri, err)
		}
	}

	a.obj.mu.Lock()
	visible := make([]*Fragment, 0, len(a.obj.fragments))
	for _, f := range a.obj.fragments {
		if f.consolidated {
			continue
		}
		if a.ts != nil && !a.ts.Overlaps(f.Timestamp) {
			continue
		}
		visible = append(visible, f)
	}
	a.obj.mu.Unlock()

	// Deduplication needs the dimension columns even when the caller did
	// not select them.
	needDedup := !a.schema.AllowsDups && a.schema.ArrayType == Sparse
	gatherNames := selected
	if needDedup {
		seen := make(map[string]bool, len(selected))
		for _, n := range selected {
			seen[n] = true
		}
		for _, d := range a.schema.Dimensions {
			if !seen[d.Name] {
				gatherNames = append(gatherNames, d.Name)
			}
		}
	}

	out := make(map[string]*ColumnData, len(gatherNames))
	if len(visible) == 0 {
		for _, name := range gatherNames {
			dt, _ := a.schema.ColumnType(name)
			out[name] = emptyColumn(dt)
		}
	} else {
		for _, name := range gatherNames {
			parts := make([]*ColumnData, 0, len(visible))
			for _, f := range visible {
				parts = append(parts, f.cols[name])
			}
			col, err := concatColumns(parts)
			if err != nil {
				return nil, nil, fmt.Errorf("reading array %q: %w", a.uri, err)
			}
			out[name] = col
		}
	}

	if needDedup {
		out = dedupCells(a.schema.Dimensions, out)
	}

	result := make(map[string]*ColumnData, len(selected))
	for _, name := range selected {
		result[name] = out[name]
	}
	return result, selected, nil
}

// emptyColumn builds a zero-cell column of the given type.
func emptyColumn(dt Datatype) *ColumnData {
	if dt.IsVarLen() {
		return NewBytesColumn(dt, nil, []uint64{0}, nil)
	}
	switch dt {
	case TypeInt8:
		return NewScalarColumn(dt, []int8{}, nil)
	case TypeInt16:
		return NewScalarColumn(dt, []int16{}, nil)
	case TypeInt32:
		return NewScalarColumn(dt, []int32{}, nil)
	case TypeInt64:
		return NewScalarColumn(dt, []int64{}, nil)
	case TypeUint8, TypeBool:
		return NewScalarColumn(dt, []uint8{}, nil)
	case TypeUint16:
		return NewScalarColumn(dt, []uint16{}, nil)
	case TypeUint32:
		return NewScalarColumn(dt, []uint32{}, nil)
	case TypeUint64:
		return NewScalarColumn(dt, []uint64{}, nil)
	case TypeFloat32:
		return NewScalarColumn(dt, []float32{}, nil)
	case TypeFloat64:
		return NewScalarColumn(dt, []float64{}, nil)
	default:
		return &ColumnData{Type: dt}
	}
}

// dedupCells collapses duplicate coordinates keeping the last (most recent)
// occurrence, preserving ascending row order among the kept cells.
func dedupCells(dims []Dimension, cols map[string]*ColumnData) map[string]*ColumnData {
	n := 0
	for _, c := range cols {
		n = c.Len()
		break
	}
	last := make(map[string]int, n)
	for i := 0; i < n; i++ {
		last[coordKey(dims, cols, i)] = i
	}
	if len(last) == n {
		return cols
	}
	perm := make([]int, 0, len(last))
	for _, idx := range last {
		perm = append(perm, idx)
	}
	sort.Ints(perm)
	out := make(map[string]*ColumnData, len(cols))
	for name, c := range cols {
		out[name] = c.gather(perm)
	}
	return out
}

// sortPerm orders rows by their coordinates, dimension-major.
func sortPerm(dims []Dimension, cols map[string]*ColumnData, n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(x, y int) bool {
		return rowLess(dims, cols, perm[x], perm[y])
	})
	return perm
}

func rowLess(dims []Dimension, cols map[string]*ColumnData, i, j int) bool {
	for _, d := range dims {
		c := cols[d.Name]
		switch {
		case d.Type.IsInteger():
			vi, _ := int64Coords(c)
			if vi[i] != vi[j] {
				return vi[i] < vi[j]
			}
		case d.Type.IsVarLen():
			bi, bj := c.BytesAt(i), c.BytesAt(j)
			if cmp := bytes.Compare(bi, bj); cmp != 0 {
				return cmp < 0
			}
		default:
			ki, kj := c.cellKey(i), c.cellKey(j)
			if ki != kj {
				return ki < kj
			}
		}
	}
	return false
}

// SortCells returns the columns reordered so cells ascend in coordinate
// order, dimension-major. Used for ordered read layouts.
func SortCells(dims []Dimension, cols map[string]*ColumnData) map[string]*ColumnData {
	n := 0
	for _, c := range cols {
		n = c.Len()
		break
	}
	perm := sortPerm(dims, cols, n)
	sorted := true
	for i, p := range perm {
		if i != p {
			sorted = false
			break
		}
	}
	if sorted {
		return cols
	}
	out := make(map[string]*ColumnData, len(cols))
	for name, c := range cols {
		out[name] = c.gather(perm)
	}
	return out
}
