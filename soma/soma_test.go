package soma

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

func newTestContext(config map[string]string) *Context {
	return NewContext(engine.NewStore(), config)
}

// countSchema is a one-dimensional sparse schema: soma_joinid plus an int32
// count attribute.
func countSchema(allowsDups bool) *engine.ArraySchema {
	s := engine.NewArraySchema(engine.Sparse, []engine.Dimension{
		{Name: SOMAJoinIDName, Type: engine.TypeInt64, Domain: engine.IntRange(0, 1<<20)},
	})
	s.AllowsDups = allowsDups
	if err := s.AddAttribute(engine.Attribute{Name: "count", Type: engine.TypeInt32}); err != nil {
		panic(err)
	}
	return s
}

func createCountArray(t *testing.T, ctx *Context, uri string, allowsDups bool) {
	t.Helper()
	if err := Create(ctx, uri, countSchema(allowsDups), "SOMASparseNDArray", &engine.TimestampRange{Start: 1, End: 1}); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func int64Column(t *testing.T, vals []int64) arrow.Array {
	t.Helper()
	b := array.NewInt64Builder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewArray()
}

func int32Column(t *testing.T, vals []int32) arrow.Array {
	t.Helper()
	b := array.NewInt32Builder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues(vals, nil)
	return b.NewArray()
}

// writeCountCells opens the array for write at the given timestamp, stages
// one fragment worth of cells and commits it.
func writeCountCells(t *testing.T, ctx *Context, uri string, ts uint64, ids []int64, counts []int32) {
	t.Helper()
	cfg := DefaultOpenConfig()
	cfg.Timestamp = &engine.TimestampRange{Start: ts, End: ts}
	a, err := Open(ctx, uri, OpenWrite, cfg)
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	defer a.Close()
	if err := a.SetColumnData(SOMAJoinIDName, int64Column(t, ids)); err != nil {
		t.Fatalf("SetColumnData(%s): %v", SOMAJoinIDName, err)
	}
	if err := a.SetColumnData("count", int32Column(t, counts)); err != nil {
		t.Fatalf("SetColumnData(count): %v", err)
	}
	if err := a.Write(true); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

// readAllRows drains the handle's read and returns the total row count and
// the number of non-nil batches delivered.
func readAllRows(t *testing.T, a *Array) (int, int) {
	t.Helper()
	rows, batches := 0, 0
	for {
		buf, err := a.ReadNext()
		if err != nil {
			t.Fatalf("ReadNext: %v", err)
		}
		if buf == nil {
			return rows, batches
		}
		rows += buf.NumRows()
		batches++
	}
}
