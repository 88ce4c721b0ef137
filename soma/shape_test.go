package soma

import (
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// matrixSchema is a two-dimensional sparse schema with int64 dimensions.
func matrixSchema() *engine.ArraySchema {
	s := engine.NewArraySchema(engine.Sparse, []engine.Dimension{
		{Name: SOMAJoinIDName, Type: engine.TypeInt64, Domain: engine.IntRange(0, 999)},
		{Name: SOMADim0Name, Type: engine.TypeInt64, Domain: engine.IntRange(0, 499)},
	})
	if err := s.AddAttribute(engine.Attribute{Name: "value", Type: engine.TypeFloat64}); err != nil {
		panic(err)
	}
	return s
}

func openMatrix(t *testing.T, ctx *Context, mode OpenMode) *Array {
	t.Helper()
	a, err := Open(ctx, "mem://m", mode, DefaultOpenConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return a
}

func TestLegacyShapeEqualsMaxShape(t *testing.T) {
	ctx := newTestContext(nil)
	if err := Create(ctx, "mem://m", matrixSchema(), "SOMASparseNDArray", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := openMatrix(t, ctx, OpenRead)
	defer a.Close()

	shape, err := a.Shape()
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	maxShape, err := a.MaxShape()
	if err != nil {
		t.Fatalf("MaxShape: %v", err)
	}
	if len(shape) != 2 || shape[0] != maxShape[0] || shape[1] != maxShape[1] {
		t.Errorf("Legacy shape %v should equal max shape %v", shape, maxShape)
	}
	if maxShape[0] != 1000 || maxShape[1] != 500 {
		t.Errorf("MaxShape = %v, expected [1000 500]", maxShape)
	}
}

func TestUpgradeShapeThenResize(t *testing.T) {
	ctx := newTestContext(nil)
	if err := Create(ctx, "mem://m", matrixSchema(), "SOMASparseNDArray", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := openMatrix(t, ctx, OpenWrite)
	defer a.Close()

	if st := a.CanUpgradeShape([]int64{100, 50}, "upgrade_shape"); !st.OK {
		t.Fatalf("CanUpgradeShape: %s", st.Reason)
	}
	if err := a.UpgradeShape([]int64{100, 50}, "upgrade_shape"); err != nil {
		t.Fatalf("UpgradeShape: %v", err)
	}
	shape, err := a.Shape()
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	if shape[0] != 100 || shape[1] != 50 {
		t.Errorf("Shape = %v, expected [100 50]", shape)
	}

	// A second upgrade must be refused.
	if st := a.CanUpgradeShape([]int64{200, 60}, "upgrade_shape"); st.OK {
		t.Error("Second upgrade should be refused")
	} else if !strings.Contains(st.Reason, "resize") {
		t.Errorf("Reason should point at resize, got %q", st.Reason)
	}

	// Shrinking is refused; growing succeeds.
	if st := a.CanResize([]int64{50, 50}, "resize"); st.OK {
		t.Error("Shrinking resize should be refused")
	}
	if st := a.CanResize([]int64{2000, 50}, "resize"); st.OK {
		t.Error("Resize beyond max domain should be refused")
	}
	if err := a.Resize([]int64{200, 60}, "resize"); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	shape, _ = a.Shape()
	if shape[0] != 200 || shape[1] != 60 {
		t.Errorf("Shape = %v, expected [200 60]", shape)
	}
}

func TestResizeWithoutShapeIsRefused(t *testing.T) {
	ctx := newTestContext(nil)
	if err := Create(ctx, "mem://m", matrixSchema(), "SOMASparseNDArray", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := openMatrix(t, ctx, OpenWrite)
	defer a.Close()

	if st := a.CanResize([]int64{100, 50}, "resize"); st.OK {
		t.Error("Resize of an array with no shape should be refused")
	} else if !strings.Contains(st.Reason, "upgrade") {
		t.Errorf("Reason should point at upgrade, got %q", st.Reason)
	}
}

func TestShapeMutationRequiresWriteMode(t *testing.T) {
	ctx := newTestContext(nil)
	if err := Create(ctx, "mem://m", matrixSchema(), "SOMASparseNDArray", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := openMatrix(t, ctx, OpenRead)
	defer a.Close()

	if err := a.UpgradeShape([]int64{100, 50}, "upgrade_shape"); err == nil {
		t.Error("UpgradeShape in read mode should fail")
	}
}

func TestUpgradeSOMAJoinIDShapeFillsOtherDimensions(t *testing.T) {
	ctx := newTestContext(nil)
	if err := Create(ctx, "mem://m", matrixSchema(), "SOMASparseNDArray", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := openMatrix(t, ctx, OpenWrite)
	defer a.Close()

	if err := a.UpgradeSOMAJoinIDShape(100, "upgrade_soma_joinid_shape"); err != nil {
		t.Fatalf("UpgradeSOMAJoinIDShape: %v", err)
	}
	shape, err := a.Shape()
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}
	// Row capacity is bounded; the other dimension keeps full capacity.
	if shape[0] != 100 {
		t.Errorf("soma_joinid shape = %d, expected 100", shape[0])
	}
	if shape[1] != 500 {
		t.Errorf("Other dimension shape = %d, expected max capacity 500", shape[1])
	}

	if err := a.ResizeSOMAJoinIDShape(50, "resize_soma_joinid_shape"); err == nil {
		t.Error("Shrinking the soma_joinid shape should fail")
	}
	if err := a.ResizeSOMAJoinIDShape(400, "resize_soma_joinid_shape"); err != nil {
		t.Fatalf("ResizeSOMAJoinIDShape: %v", err)
	}
	shape, _ = a.Shape()
	if shape[0] != 400 || shape[1] != 500 {
		t.Errorf("Shape = %v, expected [400 500]", shape)
	}
}

func TestMaybeSOMAJoinIDShape(t *testing.T) {
	ctx := newTestContext(nil)
	if err := Create(ctx, "mem://m", matrixSchema(), "SOMASparseNDArray", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := openMatrix(t, ctx, OpenWrite)
	defer a.Close()

	n, has, err := a.MaybeSOMAJoinIDShape()
	if err != nil || !has || n != 1000 {
		t.Errorf("MaybeSOMAJoinIDShape = (%d, %v, %v), expected (1000, true, nil)", n, has, err)
	}
	if err := a.UpgradeSOMAJoinIDShape(100, "upgrade"); err != nil {
		t.Fatalf("UpgradeSOMAJoinIDShape: %v", err)
	}
	n, has, err = a.MaybeSOMAJoinIDShape()
	if err != nil || !has || n != 100 {
		t.Errorf("MaybeSOMAJoinIDShape = (%d, %v, %v), expected (100, true, nil)", n, has, err)
	}
	n, has, err = a.MaybeSOMAJoinIDMaxShape()
	if err != nil || !has || n != 1000 {
		t.Errorf("MaybeSOMAJoinIDMaxShape = (%d, %v, %v), expected (1000, true, nil)", n, has, err)
	}
}

// domainRecord builds a two-row (low, high) record over the given columns.
func domainRecord(t *testing.T, fields []arrow.Field, build func(*array.RecordBuilder)) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema(fields, nil)
	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()
	build(b)
	return b.NewRecord()
}

func TestCanUpgradeDomainStringSentinel(t *testing.T) {
	ctx := newTestContext(nil)
	s := engine.NewArraySchema(engine.Sparse, []engine.Dimension{
		{Name: "obs_id", Type: engine.TypeStringUTF8},
		{Name: SOMAJoinIDName, Type: engine.TypeInt64, Domain: engine.IntRange(0, 999)},
	})
	if err := s.AddAttribute(engine.Attribute{Name: "value", Type: engine.TypeFloat64}); err != nil {
		t.Fatalf("AddAttribute: %v", err)
	}
	if err := Create(ctx, "mem://df", s, "SOMADataFrame", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a, err := Open(ctx, "mem://df", OpenWrite, DefaultOpenConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	fields := []arrow.Field{
		{Name: "obs_id", Type: arrow.BinaryTypes.String},
		{Name: SOMAJoinIDName, Type: arrow.PrimitiveTypes.Int64},
	}

	rec := domainRecord(t, fields, func(b *array.RecordBuilder) {
		b.Field(0).(*array.StringBuilder).AppendValues([]string{"", ""}, nil)
		b.Field(1).(*array.Int64Builder).AppendValues([]int64{0, 99}, nil)
	})
	defer rec.Release()
	if st := a.CanUpgradeDomain(rec, "upgrade_domain"); !st.OK {
		t.Fatalf("CanUpgradeDomain: %s", st.Reason)
	}
	if err := a.UpgradeDomain(rec, "upgrade_domain"); err != nil {
		t.Fatalf("UpgradeDomain: %v", err)
	}

	// Non-empty string bounds are refused on a fresh array.
	ctx2 := newTestContext(nil)
	if err := Create(ctx2, "mem://df", s, "SOMADataFrame", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	b2, err := Open(ctx2, "mem://df", OpenWrite, DefaultOpenConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b2.Close()
	bad := domainRecord(t, fields, func(b *array.RecordBuilder) {
		b.Field(0).(*array.StringBuilder).AppendValues([]string{"a", "z"}, nil)
		b.Field(1).(*array.Int64Builder).AppendValues([]int64{0, 99}, nil)
	})
	defer bad.Release()
	if st := b2.CanUpgradeDomain(bad, "upgrade_domain"); st.OK {
		t.Error("Non-empty string domain bounds should be refused")
	}
}

func TestCanUpgradeDomainValidation(t *testing.T) {
	ctx := newTestContext(nil)
	if err := Create(ctx, "mem://m", matrixSchema(), "SOMASparseNDArray", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a := openMatrix(t, ctx, OpenWrite)
	defer a.Close()

	fields := []arrow.Field{
		{Name: SOMAJoinIDName, Type: arrow.PrimitiveTypes.Int64},
		{Name: SOMADim0Name, Type: arrow.PrimitiveTypes.Int64},
	}

	// Out of max-domain bounds.
	bad := domainRecord(t, fields, func(b *array.RecordBuilder) {
		b.Field(0).(*array.Int64Builder).AppendValues([]int64{0, 5000}, nil)
		b.Field(1).(*array.Int64Builder).AppendValues([]int64{0, 10}, nil)
	})
	defer bad.Release()
	if st := a.CanUpgradeDomain(bad, "upgrade_domain"); st.OK {
		t.Error("Domain beyond max capacity should be refused")
	}

	// Low above high.
	inverted := domainRecord(t, fields, func(b *array.RecordBuilder) {
		b.Field(0).(*array.Int64Builder).AppendValues([]int64{50, 10}, nil)
		b.Field(1).(*array.Int64Builder).AppendValues([]int64{0, 10}, nil)
	})
	defer inverted.Release()
	if st := a.CanUpgradeDomain(inverted, "upgrade_domain"); st.OK {
		t.Error("Inverted domain bounds should be refused")
	}
}
