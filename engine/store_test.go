package engine

import (
	"errors"
	"testing"
)

func testSchema(allowsDups bool) *ArraySchema {
	s := NewArraySchema(Sparse, []Dimension{
		{Name: "soma_joinid", Type: TypeInt64, Domain: IntRange(0, 1<<20)},
	})
	s.AllowsDups = allowsDups
	if err := s.AddAttribute(Attribute{Name: "count", Type: TypeInt32}); err != nil {
		panic(err)
	}
	return s
}

func writeCells(t *testing.T, store *Store, uri string, ts uint64, ids []int64, counts []int32) {
	t.Helper()
	arr, err := store.OpenArray(uri, Write, &TimestampRange{Start: ts, End: ts})
	if err != nil {
		t.Fatalf("OpenArray: %v", err)
	}
	defer arr.Close()
	cols := map[string]*ColumnData{
		"soma_joinid": NewScalarColumn(TypeInt64, ids, nil),
		"count":       NewScalarColumn(TypeInt32, counts, nil),
	}
	if err := arr.WriteFragment(cols, true); err != nil {
		t.Fatalf("WriteFragment: %v", err)
	}
}

func TestCreateArrayTwice(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(false)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	if err := store.CreateArray("mem://a", testSchema(false)); !errors.Is(err, ErrArrayExists) {
		t.Errorf("Expected ErrArrayExists, got %v", err)
	}
}

func TestWriteAndReadBack(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(false)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	writeCells(t, store, "mem://a", 10, []int64{3, 1, 2}, []int32{30, 10, 20})

	arr, err := store.OpenArray("mem://a", Read, nil)
	if err != nil {
		t.Fatalf("OpenArray: %v", err)
	}
	defer arr.Close()

	cols, order, err := arr.ReadCells(nil)
	if err != nil {
		t.Fatalf("ReadCells: %v", err)
	}
	if len(order) != 2 || order[0] != "soma_joinid" || order[1] != "count" {
		t.Fatalf("Unexpected column order: %v", order)
	}
	ids, err := ScalarValues[int64](cols["soma_joinid"])
	if err != nil {
		t.Fatalf("ScalarValues: %v", err)
	}
	// Sorted on write.
	want := []int64{1, 2, 3}
	for i, v := range want {
		if ids[i] != v {
			t.Errorf("Row %d: expected id %d, got %d", i, v, ids[i])
		}
	}
}

func TestReadDeduplicatesLastWins(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(false)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	writeCells(t, store, "mem://a", 10, []int64{1, 2}, []int32{10, 20})
	writeCells(t, store, "mem://a", 11, []int64{2, 3}, []int32{200, 300})

	arr, _ := store.OpenArray("mem://a", Read, nil)
	defer arr.Close()
	cols, _, err := arr.ReadCells(nil)
	if err != nil {
		t.Fatalf("ReadCells: %v", err)
	}
	if got := cols["soma_joinid"].Len(); got != 3 {
		t.Fatalf("Expected 3 deduplicated cells, got %d", got)
	}
	counts, _ := ScalarValues[int32](cols["count"])
	ids, _ := ScalarValues[int64](cols["soma_joinid"])
	for i, id := range ids {
		if id == 2 && counts[i] != 200 {
			t.Errorf("Coordinate 2: expected most recent value 200, got %d", counts[i])
		}
	}
}

func TestReadKeepsDuplicatesWhenAllowed(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(true)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	writeCells(t, store, "mem://a", 10, []int64{1, 2}, []int32{10, 20})
	writeCells(t, store, "mem://a", 11, []int64{1, 2}, []int32{11, 21})

	arr, _ := store.OpenArray("mem://a", Read, nil)
	defer arr.Close()
	cols, _, err := arr.ReadCells(nil)
	if err != nil {
		t.Fatalf("ReadCells: %v", err)
	}
	if got := cols["soma_joinid"].Len(); got != 4 {
		t.Errorf("Expected 4 cells with duplicates retained, got %d", got)
	}
}

func TestTimestampScopedRead(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(true)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	writeCells(t, store, "mem://a", 10, []int64{1}, []int32{10})
	writeCells(t, store, "mem://a", 40, []int64{2}, []int32{20})

	arr, _ := store.OpenArray("mem://a", Read, &TimestampRange{Start: 0, End: 20})
	defer arr.Close()
	cols, _, err := arr.ReadCells(nil)
	if err != nil {
		t.Fatalf("ReadCells: %v", err)
	}
	if got := cols["soma_joinid"].Len(); got != 1 {
		t.Errorf("Expected 1 cell inside timestamp scope, got %d", got)
	}
}

func TestMetadataReplay(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(false)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}

	w, _ := store.OpenArray("mem://a", Write, &TimestampRange{Start: 1, End: 1})
	if err := w.PutMetadata("md", TypeInt32, 1, []byte{100, 0, 0, 0}); err != nil {
		t.Fatalf("PutMetadata: %v", err)
	}
	w.Close()

	r, _ := store.OpenArray("mem://a", Read, &TimestampRange{Start: 0, End: 2})
	entries, err := r.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "md" {
		t.Errorf("Expected [md], got %v", entries)
	}
	r.Close()

	// Strictly after the write: invisible.
	r2, _ := store.OpenArray("mem://a", Read, &TimestampRange{Start: 2, End: 2})
	entries, _ = r2.Metadata()
	if len(entries) != 0 {
		t.Errorf("Expected no entries at (2,2), got %v", entries)
	}
	r2.Close()

	// Delete masks the key for later scopes.
	w2, _ := store.OpenArray("mem://a", Write, &TimestampRange{Start: 3, End: 3})
	if err := w2.DeleteMetadata("md"); err != nil {
		t.Fatalf("DeleteMetadata: %v", err)
	}
	w2.Close()
	r3, _ := store.OpenArray("mem://a", Read, nil)
	entries, _ = r3.Metadata()
	if len(entries) != 0 {
		t.Errorf("Expected delete to mask key, got %v", entries)
	}
	r3.Close()
}

func TestWriteRequiresWriteMode(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(false)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	arr, _ := store.OpenArray("mem://a", Read, nil)
	defer arr.Close()
	err := arr.WriteFragment(map[string]*ColumnData{
		"soma_joinid": NewScalarColumn(TypeInt64, []int64{1}, nil),
		"count":       NewScalarColumn(TypeInt32, []int32{1}, nil),
	}, false)
	if !errors.Is(err, ErrWrongMode) {
		t.Errorf("Expected ErrWrongMode, got %v", err)
	}
}

func TestWriteColumnMismatch(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(false)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	arr, _ := store.OpenArray("mem://a", Write, nil)
	defer arr.Close()
	err := arr.WriteFragment(map[string]*ColumnData{
		"soma_joinid": NewScalarColumn(TypeInt64, []int64{1, 2}, nil),
		"count":       NewScalarColumn(TypeInt32, []int32{1}, nil),
	}, false)
	if !errors.Is(err, ErrColumnMismatch) {
		t.Errorf("Expected ErrColumnMismatch, got %v", err)
	}
}

func TestConsolidateAndVacuum(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(false)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	writeCells(t, store, "mem://a", 10, []int64{1, 2}, []int32{10, 20})
	writeCells(t, store, "mem://a", 11, []int64{2, 3}, []int32{200, 300})

	if err := store.Consolidate("mem://a"); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	fi, err := store.FragmentInfo("mem://a")
	if err != nil {
		t.Fatalf("FragmentInfo: %v", err)
	}
	// Superseded fragments stay listed until vacuum.
	if fi.FragmentNum() != 3 {
		t.Fatalf("Expected 3 fragments before vacuum, got %d", fi.FragmentNum())
	}
	merged := fi.TimestampRange(2)
	if merged.Start != 10 || merged.End != 11 {
		t.Errorf("Merged fragment spans [%d, %d], expected [10, 11]", merged.Start, merged.End)
	}
	if fi.CellNum(2) != 3 {
		t.Errorf("Merged fragment has %d cells, expected 3 after dedup", fi.CellNum(2))
	}

	if err := store.Vacuum("mem://a"); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
	fi, _ = store.FragmentInfo("mem://a")
	if fi.FragmentNum() != 1 {
		t.Errorf("Expected 1 fragment after vacuum, got %d", fi.FragmentNum())
	}

	// Reads see the same cells before and after vacuum.
	arr, _ := store.OpenArray("mem://a", Read, nil)
	defer arr.Close()
	cols, _, err := arr.ReadCells(nil)
	if err != nil {
		t.Fatalf("ReadCells: %v", err)
	}
	if cols["soma_joinid"].Len() != 3 {
		t.Errorf("Expected 3 cells after consolidation, got %d", cols["soma_joinid"].Len())
	}
}

func TestSchemaEvolutionCurrentDomain(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(false)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}

	rect := NewNDRectangle()
	rect.SetRange("soma_joinid", IntRange(0, 99))
	se := NewSchemaEvolution()
	se.ExpandCurrentDomain(rect)
	if err := store.Evolve("mem://a", se); err != nil {
		t.Fatalf("Evolve: %v", err)
	}

	arr, _ := store.OpenArray("mem://a", Read, nil)
	defer arr.Close()
	if !arr.Schema().HasCurrentDomain() {
		t.Fatal("Expected current domain after evolution")
	}
	rng, _ := arr.Schema().CurrentDomain().Range("soma_joinid")
	if rng.IntHi != 99 {
		t.Errorf("Expected high bound 99, got %d", rng.IntHi)
	}

	// A domain outside the max domain is rejected.
	bad := NewNDRectangle()
	bad.SetRange("soma_joinid", IntRange(0, 1<<30))
	se2 := NewSchemaEvolution()
	se2.ExpandCurrentDomain(bad)
	if err := store.Evolve("mem://a", se2); !errors.Is(err, ErrDomainViolation) {
		t.Errorf("Expected ErrDomainViolation, got %v", err)
	}
}

func TestFragmentNonEmptyDomain(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(false)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	writeCells(t, store, "mem://a", 10, []int64{5, 9, 7}, []int32{1, 2, 3})

	fi, err := store.FragmentInfo("mem://a")
	if err != nil {
		t.Fatalf("FragmentInfo: %v", err)
	}
	ned, err := fi.NonEmptyDomain(0, 0)
	if err != nil {
		t.Fatalf("NonEmptyDomain: %v", err)
	}
	if ned[0] != 5 || ned[1] != 9 {
		t.Errorf("Expected non-empty domain [5, 9], got %v", ned)
	}
}

func TestSchemaSnapshotIsolation(t *testing.T) {
	store := NewStore()
	if err := store.CreateArray("mem://a", testSchema(false)); err != nil {
		t.Fatalf("CreateArray: %v", err)
	}
	arr, _ := store.OpenArray("mem://a", Read, nil)
	defer arr.Close()

	rect := NewNDRectangle()
	rect.SetRange("soma_joinid", IntRange(0, 99))
	se := NewSchemaEvolution()
	se.ExpandCurrentDomain(rect)
	if err := store.Evolve("mem://a", se); err != nil {
		t.Fatalf("Evolve: %v", err)
	}

	if arr.Schema().HasCurrentDomain() {
		t.Error("Open session should observe its snapshot, not post-open evolutions")
	}
}
