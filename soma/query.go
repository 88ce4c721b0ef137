package soma

import (
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// ManagedQuery drives one read or write against an open array session. Reads
// materialize the visible cells once, then hand them back in batches sized by
// the context's buffer budget; writes stage one column at a time and commit
// them as a single fragment.
type ManagedQuery struct {
	ctx  *Context
	arr  *engine.Array
	name string

	layout     ResultOrder
	columns    []string
	batchBytes int

	// read state
	result    map[string]*engine.ColumnData
	order     []string
	offset    int
	total     int
	batchRows int
	submitted bool
	complete  bool
	buffers   *ArrayBuffers

	// write staging
	staged map[string]*engine.ColumnData
}

// NewManagedQuery creates a query against an open session. name is used in
// error and log messages.
func NewManagedQuery(ctx *Context, arr *engine.Array, name string) *ManagedQuery {
	return &ManagedQuery{
		ctx:    ctx,
		arr:    arr,
		name:   name,
		layout: ResultOrderAuto,
		staged: make(map[string]*engine.ColumnData),
	}
}

// Schema returns the schema snapshot of the underlying session.
func (q *ManagedQuery) Schema() *engine.ArraySchema {
	return q.arr.Schema()
}

// QueryType returns the open mode of the underlying session.
func (q *ManagedQuery) QueryType() OpenMode {
	if q.arr.Mode() == engine.Write {
		return OpenWrite
	}
	return OpenRead
}

// SetLayout selects the result layout. Automatic resolves at read time:
// unordered for sparse arrays, row-major for dense.
func (q *ManagedQuery) SetLayout(order ResultOrder) error {
	switch order {
	case ResultOrderAuto, ResultOrderRowMajor, ResultOrderColMajor:
		q.layout = order
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidResultOrder, order)
	}
}

// Layout returns the currently selected result layout.
func (q *ManagedQuery) Layout() ResultOrder {
	return q.layout
}

// SetBatchBytes overrides the context's buffer budget for this query.
// Zero or negative restores the context setting.
func (q *ManagedQuery) SetBatchBytes(n int) {
	q.batchBytes = n
}

// SelectColumns restricts the read projection to the named dimensions and
// attributes. With ifNotEmpty set, the call is a no-op when a projection has
// already been chosen. An empty projection reads every column.
func (q *ManagedQuery) SelectColumns(names []string, ifNotEmpty bool) error {
	if ifNotEmpty && len(q.columns) > 0 {
		return nil
	}
	for _, name := range names {
		if _, err := q.arr.Schema().ColumnType(name); err != nil {
			return fmt.Errorf("query %q: %w", q.name, err)
		}
	}
	q.columns = append([]string(nil), names...)
	return nil
}

// Columns returns the current projection, or nil when all columns are read.
func (q *ManagedQuery) Columns() []string {
	return q.columns
}

// Reset clears all read state, the projection and the layout so the query
// can be reused.
func (q *ManagedQuery) Reset() {
	q.layout = ResultOrderAuto
	q.columns = nil
	q.result = nil
	q.order = nil
	q.offset = 0
	q.total = 0
	q.batchRows = 0
	q.submitted = false
	q.complete = false
	q.buffers = nil
}

// SetupRead materializes the cells visible to the session and computes the
// batch size from the context's buffer budget. It must be called before the
// first SubmitRead.
func (q *ManagedQuery) SetupRead() error {
	cols, order, err := q.arr.ReadCells(q.columns)
	if err != nil {
		return fmt.Errorf("query %q: %w", q.name, err)
	}

	layout := q.layout
	if layout == ResultOrderAuto && q.arr.Schema().ArrayType == engine.Dense {
		layout = ResultOrderRowMajor
	}
	if layout == ResultOrderRowMajor || layout == ResultOrderColMajor {
		cols = engine.SortCells(q.arr.Schema().Dimensions, cols)
	}

	q.result = cols
	q.order = order
	q.offset = 0
	q.total = 0
	for _, name := range order {
		q.total = cols[name].Len()
		break
	}
	q.batchRows = q.rowsPerBatch()
	q.submitted = false
	q.complete = q.total == 0
	q.buffers = nil

	level.Debug(q.ctx.logger).Log(
		"msg", "read prepared",
		"query", q.name,
		"uri", q.arr.URI(),
		"cells", q.total,
		"batch_rows", q.batchRows,
	)
	return nil
}

// rowsPerBatch derives the batch row count from the configured buffer budget
// and the per-cell byte footprint of the selected columns.
func (q *ManagedQuery) rowsPerBatch() int {
	bytesPerRow := 0
	for _, name := range q.order {
		col := q.result[name]
		if col.Type.IsVarLen() {
			// offsets are 8 bytes per cell; amortize the data blob.
			bytesPerRow += 8
			if n := col.Len(); n > 0 {
				bytesPerRow += len(col.RawBytes()) / n
			}
			continue
		}
		bytesPerRow += col.Type.FixedSize()
	}
	if bytesPerRow == 0 {
		bytesPerRow = 1
	}
	budget := q.batchBytes
	if budget <= 0 {
		budget = q.ctx.batchBytes()
	}
	rows := budget / bytesPerRow
	if rows < 1 {
		rows = 1
	}
	return rows
}

// SubmitRead produces the next batch of results. An empty query yields one
// empty batch before completing.
func (q *ManagedQuery) SubmitRead() error {
	if q.result == nil {
		return fmt.Errorf("query %q: %w: SubmitRead before SetupRead", q.name, ErrInternal)
	}
	if q.submitted && q.offset >= q.total {
		q.complete = true
		q.buffers = emptyBuffers(q.order, q.result)
		return nil
	}

	end := q.offset + q.batchRows
	if end > q.total {
		end = q.total
	}
	buf := NewArrayBuffers()
	for _, name := range q.order {
		buf.Set(name, q.result[name].Slice(q.offset, end))
	}
	q.offset = end
	q.submitted = true
	q.complete = q.offset >= q.total
	q.buffers = buf
	return nil
}

// IsComplete reports whether the read has delivered every visible cell.
func (q *ManagedQuery) IsComplete() bool {
	return q.complete
}

// IsEmptyQuery reports whether the session sees no cells at all.
func (q *ManagedQuery) IsEmptyQuery() bool {
	return q.result != nil && q.total == 0
}

// Results returns the batch produced by the last SubmitRead.
func (q *ManagedQuery) Results() (*ArrayBuffers, error) {
	if q.buffers == nil {
		return nil, fmt.Errorf("query %q: %w: Results before SubmitRead", q.name, ErrInternal)
	}
	return q.buffers, nil
}

// HasStaged reports whether columns are staged for an uncommitted write.
func (q *ManagedQuery) HasStaged() bool {
	return len(q.staged) > 0
}

// SetupWriteColumn stages one column for the next SubmitWrite.
func (q *ManagedQuery) SetupWriteColumn(name string, col *engine.ColumnData) error {
	if _, err := q.arr.Schema().ColumnType(name); err != nil {
		return fmt.Errorf("query %q: %w", q.name, err)
	}
	q.staged[name] = col
	return nil
}

// SubmitWrite commits the staged columns as one fragment. With sortCoords
// set, sparse coordinates are sorted before the commit (a global-order
// write); otherwise cells land in the order given.
func (q *ManagedQuery) SubmitWrite(sortCoords bool) error {
	if err := q.arr.WriteFragment(q.staged, sortCoords); err != nil {
		return fmt.Errorf("query %q: %w", q.name, err)
	}
	level.Debug(q.ctx.logger).Log(
		"msg", "write committed",
		"query", q.name,
		"uri", q.arr.URI(),
		"columns", len(q.staged),
	)
	q.staged = make(map[string]*engine.ColumnData)
	return nil
}

// Close drops all staged and materialized state. The underlying session is
// owned by the caller and stays open.
func (q *ManagedQuery) Close() {
	q.Reset()
	q.staged = make(map[string]*engine.ColumnData)
}

// emptyBuffers builds a zero-row batch matching the projection's types.
func emptyBuffers(order []string, cols map[string]*engine.ColumnData) *ArrayBuffers {
	buf := NewArrayBuffers()
	for _, name := range order {
		buf.Set(name, cols[name].Slice(0, 0))
	}
	return buf
}
