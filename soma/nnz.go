package soma

import (
	"fmt"
	"sort"

	"github.com/go-kit/log/level"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// NNZ returns the exact number of physically stored cells in a sparse array.
// When fragment metadata proves the answer (no consolidation, no timestamp
// straddling, non-overlapping write ranges on dimension 0), the count is a
// metadata sum; otherwise the array is re-read projected onto the first
// dimension and rows are counted.
func (a *Array) NNZ() (uint64, error) {
	n, _, err := a.NNZInfo()
	return n, err
}

// NNZInfo returns the cell count plus whether fragment metadata alone proved
// the answer (no full scan).
func (a *Array) NNZInfo() (uint64, bool, error) {
	if err := a.checkOpen(); err != nil {
		return 0, false, err
	}
	schema := a.arr.Schema()
	if schema.ArrayType != engine.Sparse {
		return 0, false, fmt.Errorf("array %q: %w: nnz", a.uri, ErrSparseOnly)
	}

	fi, err := a.ctx.store.FragmentInfo(a.uri)
	if err != nil {
		return 0, false, fmt.Errorf("array %q: %w", a.uri, err)
	}

	// Scope fragments to the session's timestamp range. A fragment that
	// only partially overlaps the scope may contribute a subset of its
	// cells, which metadata alone cannot resolve.
	relevant := make([]int, 0, fi.FragmentNum())
	for i := 0; i < fi.FragmentNum(); i++ {
		fts := fi.TimestampRange(i)
		if a.ts != nil {
			if !a.ts.Overlaps(fts) {
				continue
			}
			if !a.ts.Contains(fts) {
				level.Debug(a.ctx.logger).Log("msg", "nnz falling back to scan",
					"uri", a.uri, "reason", "fragment straddles timestamp scope")
				return a.nnzSlow()
			}
		}
		relevant = append(relevant, i)
	}

	// A fragment spanning a non-trivial time interval came out of
	// consolidation and may have deduplicated across write boundaries.
	if !schema.AllowsDups {
		for _, i := range relevant {
			if fts := fi.TimestampRange(i); fts.Start != fts.End {
				level.Debug(a.ctx.logger).Log("msg", "nnz falling back to scan",
					"uri", a.uri, "reason", "consolidated fragment without duplicates")
				return a.nnzSlow()
			}
		}
	}

	switch len(relevant) {
	case 0:
		return 0, true, nil
	case 1:
		return fi.CellNum(relevant[0]), true, nil
	}

	total := uint64(0)
	for _, i := range relevant {
		total += fi.CellNum(i)
	}

	// The non-empty-domain overlap check is only valid under the
	// row-identifier convention on dimension 0. It runs for duplicate-
	// allowing arrays too: a consolidated-but-unvacuumed array still
	// lists the superseded fragments, and summing them double-counts.
	dim0 := schema.Dimensions[0]
	if (dim0.Name != SOMAJoinIDName && dim0.Name != SOMADim0Name) || dim0.Type != engine.TypeInt64 {
		level.Debug(a.ctx.logger).Log("msg", "nnz falling back to scan",
			"uri", a.uri, "reason", "dimension 0 is not a recognized int64 row identifier")
		return a.nnzSlow()
	}

	ranges := make([][2]int64, 0, len(relevant))
	for _, i := range relevant {
		ned, err := fi.NonEmptyDomain(i, 0)
		if err != nil {
			return 0, false, fmt.Errorf("array %q: %w", a.uri, err)
		}
		ranges = append(ranges, ned)
	}
	sort.Slice(ranges, func(x, y int) bool { return ranges[x][0] < ranges[y][0] })
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1][1] >= ranges[i][0] {
			level.Debug(a.ctx.logger).Log("msg", "nnz falling back to scan",
				"uri", a.uri, "reason", "fragment write ranges overlap")
			return a.nnzSlow()
		}
	}
	return total, true, nil
}

// nnzSlow counts rows exactly by re-reading the array projected onto the
// first dimension, at the same timestamp scope.
func (a *Array) nnzSlow() (uint64, bool, error) {
	level.Debug(a.ctx.logger).Log("msg", "counting cells by full scan", "uri", a.uri)

	cfg := DefaultOpenConfig()
	cfg.Name = "count_cells"
	cfg.Columns = []string{a.arr.Schema().Dimensions[0].Name}
	cfg.Timestamp = a.ts

	h, err := Open(a.ctx, a.uri, OpenRead, cfg)
	if err != nil {
		return 0, false, fmt.Errorf("array %q: counting cells: %w", a.uri, err)
	}
	defer h.Close()

	total := uint64(0)
	for {
		buf, err := h.ReadNext()
		if err != nil {
			return 0, false, fmt.Errorf("array %q: counting cells: %w", a.uri, err)
		}
		if buf == nil {
			break
		}
		total += uint64(buf.NumRows())
	}
	return total, false, nil
}
