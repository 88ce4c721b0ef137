package soma

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// maxStringBound is the upper bound installed for string dimensions when a
// full current domain is synthesized; string dimensions have no real domain
// beyond the empty-string sentinel.
const maxStringBound = "\xff"

// Shape returns the per-dimension sizes (high bound plus one) of the current
// domain when one is present, else of the max domain. Defined only for
// integer dimensions.
func (a *Array) Shape() ([]int64, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	s := a.arr.Schema()
	if !s.HasCurrentDomain() {
		return a.MaxShape()
	}
	cd := s.CurrentDomain()
	out := make([]int64, 0, s.NDim())
	for _, dim := range s.Dimensions {
		if !dim.Type.IsInteger() {
			return nil, fmt.Errorf("array %q: %w: shape is only defined for integer dimensions, %q is %s",
				a.uri, ErrUnsupportedType, dim.Name, dim.Type)
		}
		rng, ok := cd.Range(dim.Name)
		if !ok {
			return nil, fmt.Errorf("array %q: %w: current domain has no range for %q", a.uri, ErrInternal, dim.Name)
		}
		out = append(out, rng.IntHi+1)
	}
	return out, nil
}

// MaxShape returns the per-dimension sizes of the immutable max domain.
func (a *Array) MaxShape() ([]int64, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	s := a.arr.Schema()
	out := make([]int64, 0, s.NDim())
	for _, dim := range s.Dimensions {
		if !dim.Type.IsInteger() {
			return nil, fmt.Errorf("array %q: %w: shape is only defined for integer dimensions, %q is %s",
				a.uri, ErrUnsupportedType, dim.Name, dim.Type)
		}
		out = append(out, dim.Domain.IntHi+1)
	}
	return out, nil
}

// MaybeSOMAJoinIDShape returns the shape on the soma_joinid dimension, or
// false when the array has no such dimension.
func (a *Array) MaybeSOMAJoinIDShape() (int64, bool, error) {
	return a.maybeJoinIDBound(true)
}

// MaybeSOMAJoinIDMaxShape returns the max-domain size on the soma_joinid
// dimension, or false when the array has no such dimension.
func (a *Array) MaybeSOMAJoinIDMaxShape() (int64, bool, error) {
	return a.maybeJoinIDBound(false)
}

func (a *Array) maybeJoinIDBound(useCurrent bool) (int64, bool, error) {
	if err := a.checkOpen(); err != nil {
		return 0, false, err
	}
	s := a.arr.Schema()
	dim, ok := s.Dimension(SOMAJoinIDName)
	if !ok {
		return 0, false, nil
	}
	if !dim.Type.IsInteger() {
		return 0, false, fmt.Errorf("array %q: %w: %q is %s, want an integer type",
			a.uri, ErrUnsupportedType, dim.Name, dim.Type)
	}
	if useCurrent && s.HasCurrentDomain() {
		if rng, ok := s.CurrentDomain().Range(dim.Name); ok {
			return rng.IntHi + 1, true, nil
		}
	}
	return dim.Domain.IntHi + 1, true, nil
}

// CanUpgradeShape reports whether installing newShape as the array's first
// current domain would succeed. funcName labels the caller in the reason.
func (a *Array) CanUpgradeShape(newShape []int64, funcName string) StatusAndReason {
	s := a.arr.Schema()
	if s.HasCurrentDomain() {
		return notOK("%s: array already has a shape: please use resize rather than %s", funcName, funcName)
	}
	return a.checkShapeFits(newShape, funcName)
}

// CanResize reports whether growing the existing current domain to newShape
// would succeed.
func (a *Array) CanResize(newShape []int64, funcName string) StatusAndReason {
	s := a.arr.Schema()
	if !s.HasCurrentDomain() {
		return notOK("%s: array currently has no shape: please upgrade the array", funcName)
	}
	if st := a.checkShapeFits(newShape, funcName); !st.OK {
		return st
	}
	cur, err := a.Shape()
	if err != nil {
		return notOK("%s: %s", funcName, err)
	}
	for i, n := range newShape {
		if n < cur[i] {
			return notOK("%s: new shape %d on dimension %d is smaller than current shape %d; shape can only grow",
				funcName, n, i, cur[i])
		}
	}
	return ok()
}

// checkShapeFits validates dimension count and max-domain bounds shared by
// upgrade and resize pre-checks.
func (a *Array) checkShapeFits(newShape []int64, funcName string) StatusAndReason {
	s := a.arr.Schema()
	if len(newShape) != s.NDim() {
		return notOK("%s: provided shape has %d dimensions, array has %d", funcName, len(newShape), s.NDim())
	}
	maxShape, err := a.MaxShape()
	if err != nil {
		return notOK("%s: %s", funcName, err)
	}
	for i, n := range newShape {
		if n < 1 {
			return notOK("%s: new shape %d on dimension %d is not positive", funcName, n, i)
		}
		if n > maxShape[i] {
			return notOK("%s: new shape %d on dimension %d exceeds maximum %d", funcName, n, i, maxShape[i])
		}
	}
	return ok()
}

// UpgradeShape installs newShape as the array's first current domain.
func (a *Array) UpgradeShape(newShape []int64, funcName string) error {
	if st := a.CanUpgradeShape(newShape, funcName); !st.OK {
		return fmt.Errorf("array %q: %s", a.uri, st.Reason)
	}
	return a.setShapeHelper(newShape, funcName)
}

// Resize grows the current domain to newShape.
func (a *Array) Resize(newShape []int64, funcName string) error {
	if st := a.CanResize(newShape, funcName); !st.OK {
		return fmt.Errorf("array %q: %s", a.uri, st.Reason)
	}
	return a.setShapeHelper(newShape, funcName)
}

// setShapeHelper commits newShape over every dimension as one
// schema-evolution step and brings the session snapshot in step.
func (a *Array) setShapeHelper(newShape []int64, funcName string) error {
	if err := a.checkMode(OpenWrite); err != nil {
		return fmt.Errorf("%s: %w", funcName, err)
	}
	s := a.arr.Schema()
	rect := engine.NewNDRectangle()
	for i, dim := range s.Dimensions {
		if !dim.Type.IsInteger() {
			return fmt.Errorf("array %q: %s: %w: dimension %q is %s",
				a.uri, funcName, ErrUnsupportedType, dim.Name, dim.Type)
		}
		rect.SetRange(dim.Name, engine.IntRange(0, newShape[i]-1))
	}
	return a.commitDomain(rect, funcName)
}

// UpgradeSOMAJoinIDShape installs a first current domain that bounds only
// row capacity: the soma_joinid dimension gets [0, newShape), every other
// dimension is given its full max-domain bound.
func (a *Array) UpgradeSOMAJoinIDShape(newShape int64, funcName string) error {
	if a.arr.Schema().HasCurrentDomain() {
		return fmt.Errorf("array %q: %s: array already has a shape: please use resize rather than %s",
			a.uri, funcName, funcName)
	}
	return a.setSOMAJoinIDShapeHelper(newShape, false, funcName)
}

// ResizeSOMAJoinIDShape grows row capacity on the soma_joinid dimension,
// leaving all other dimensions at their existing current-domain bounds.
func (a *Array) ResizeSOMAJoinIDShape(newShape int64, funcName string) error {
	s := a.arr.Schema()
	if !s.HasCurrentDomain() {
		return fmt.Errorf("array %q: %s: array currently has no shape: please upgrade the array", a.uri, funcName)
	}
	if cur, has, err := a.MaybeSOMAJoinIDShape(); err != nil {
		return err
	} else if has && newShape < cur {
		return fmt.Errorf("array %q: %s: new shape %d is smaller than current shape %d; shape can only grow",
			a.uri, funcName, newShape, cur)
	}
	return a.setSOMAJoinIDShapeHelper(newShape, true, funcName)
}

func (a *Array) setSOMAJoinIDShapeHelper(newShape int64, isResize bool, funcName string) error {
	if err := a.checkMode(OpenWrite); err != nil {
		return fmt.Errorf("%s: %w", funcName, err)
	}
	s := a.arr.Schema()
	if !s.HasDimension(SOMAJoinIDName) {
		return fmt.Errorf("array %q: %s: %w: %q", a.uri, funcName, engine.ErrUnknownColumn, SOMAJoinIDName)
	}

	rect := engine.NewNDRectangle()
	for _, dim := range s.Dimensions {
		if dim.Name == SOMAJoinIDName {
			if newShape-1 > dim.Domain.IntHi {
				return fmt.Errorf("array %q: %s: new shape %d exceeds maximum %d",
					a.uri, funcName, newShape, dim.Domain.IntHi+1)
			}
			rect.SetRange(dim.Name, engine.IntRange(0, newShape-1))
			continue
		}
		if isResize {
			rng, ok := s.CurrentDomain().Range(dim.Name)
			if !ok {
				return fmt.Errorf("array %q: %s: %w: current domain has no range for %q",
					a.uri, funcName, ErrInternal, dim.Name)
			}
			rect.SetRange(dim.Name, rng)
			continue
		}
		// Upgrade: the other dimensions keep their full capacity, so an
		// array that never bounded them stays unbounded after gaining a
		// row-capacity shape.
		switch {
		case dim.Type.IsInteger():
			rect.SetRange(dim.Name, engine.IntRange(dim.Domain.IntLo, dim.Domain.IntHi))
		case dim.Type.IsFloat():
			rect.SetRange(dim.Name, engine.FloatRange(dim.Domain.FloatLo, dim.Domain.FloatHi))
		case dim.Type.IsVarLen():
			rect.SetRange(dim.Name, engine.StrRange("", maxStringBound))
		default:
			return fmt.Errorf("array %q: %s: %w: dimension %q is %s",
				a.uri, funcName, ErrUnsupportedType, dim.Name, dim.Type)
		}
	}
	return a.commitDomain(rect, funcName)
}

// CanUpgradeDomain reports whether the requested domain, given as a record
// with one column per dimension and exactly two rows (low, high), is a valid
// first current domain. This is the general path for arrays whose index
// columns are not all integers.
func (a *Array) CanUpgradeDomain(rec arrow.Record, funcName string) StatusAndReason {
	s := a.arr.Schema()
	if s.HasCurrentDomain() {
		return notOK("%s: array already has a domain: please use change_domain rather than %s", funcName, funcName)
	}
	if int(rec.NumRows()) != 2 {
		return notOK("%s: domain record must have exactly 2 rows (low, high), got %d", funcName, rec.NumRows())
	}
	if int(rec.NumCols()) != s.NDim() {
		return notOK("%s: domain record has %d columns, array has %d dimensions", funcName, rec.NumCols(), s.NDim())
	}
	for _, dim := range s.Dimensions {
		col, found := recordColumn(rec, dim.Name)
		if !found {
			return notOK("%s: domain record is missing dimension %q", funcName, dim.Name)
		}
		switch {
		case dim.Type.IsInteger():
			lo, okLo := int64At(col, 0)
			hi, okHi := int64At(col, 1)
			if !okLo || !okHi {
				return notOK("%s: dimension %q: domain values are not integers", funcName, dim.Name)
			}
			if lo > hi {
				return notOK("%s: dimension %q: low %d exceeds high %d", funcName, dim.Name, lo, hi)
			}
			if lo < dim.Domain.IntLo || hi > dim.Domain.IntHi {
				return notOK("%s: dimension %q: requested [%d, %d] outside maximum [%d, %d]",
					funcName, dim.Name, lo, hi, dim.Domain.IntLo, dim.Domain.IntHi)
			}
		case dim.Type.IsFloat():
			lo, okLo := float64At(col, 0)
			hi, okHi := float64At(col, 1)
			if !okLo || !okHi {
				return notOK("%s: dimension %q: domain values are not floats", funcName, dim.Name)
			}
			if lo > hi {
				return notOK("%s: dimension %q: low %v exceeds high %v", funcName, dim.Name, lo, hi)
			}
			if lo < dim.Domain.FloatLo || hi > dim.Domain.FloatHi {
				return notOK("%s: dimension %q: requested [%v, %v] outside maximum [%v, %v]",
					funcName, dim.Name, lo, hi, dim.Domain.FloatLo, dim.Domain.FloatHi)
			}
		case dim.Type.IsVarLen():
			lo, okLo := stringAt(col, 0)
			hi, okHi := stringAt(col, 1)
			if !okLo || !okHi {
				return notOK("%s: dimension %q: domain values are not strings", funcName, dim.Name)
			}
			if lo != "" || hi != "" {
				return notOK("%s: dimension %q: domain cannot be set for string index columns: please use (\"\", \"\")",
					funcName, dim.Name)
			}
		default:
			return notOK("%s: dimension %q has unsupported type %s", funcName, dim.Name, dim.Type)
		}
	}
	return ok()
}

// UpgradeDomain installs the requested domain as the array's first current
// domain, after the same validation as CanUpgradeDomain. String dimensions
// receive the full sentinel range.
func (a *Array) UpgradeDomain(rec arrow.Record, funcName string) error {
	if st := a.CanUpgradeDomain(rec, funcName); !st.OK {
		return fmt.Errorf("array %q: %s", a.uri, st.Reason)
	}
	if err := a.checkMode(OpenWrite); err != nil {
		return fmt.Errorf("%s: %w", funcName, err)
	}
	s := a.arr.Schema()
	rect := engine.NewNDRectangle()
	for _, dim := range s.Dimensions {
		col, _ := recordColumn(rec, dim.Name)
		switch {
		case dim.Type.IsInteger():
			lo, _ := int64At(col, 0)
			hi, _ := int64At(col, 1)
			rect.SetRange(dim.Name, engine.IntRange(lo, hi))
		case dim.Type.IsFloat():
			lo, _ := float64At(col, 0)
			hi, _ := float64At(col, 1)
			rect.SetRange(dim.Name, engine.FloatRange(lo, hi))
		case dim.Type.IsVarLen():
			rect.SetRange(dim.Name, engine.StrRange("", maxStringBound))
		}
	}
	return a.commitDomain(rect, funcName)
}

// commitDomain stages and commits a current-domain expansion, then refreshes
// the session snapshot so Shape reflects the new bounds immediately.
func (a *Array) commitDomain(rect *engine.NDRectangle, funcName string) error {
	se := engine.NewSchemaEvolution()
	se.ExpandCurrentDomain(rect)
	if err := a.ctx.store.Evolve(a.uri, se); err != nil {
		return fmt.Errorf("array %q: %s: %w", a.uri, funcName, err)
	}
	a.arr.Schema().SetCurrentDomain(rect)
	return nil
}

// recordColumn finds a record column by field name.
func recordColumn(rec arrow.Record, name string) (arrow.Array, bool) {
	for i, f := range rec.Schema().Fields() {
		if f.Name == name {
			return rec.Column(i), true
		}
	}
	return nil, false
}

// int64At widens an integer cell of any Arrow integer array to int64.
func int64At(col arrow.Array, i int) (int64, bool) {
	switch c := col.(type) {
	case *array.Int8:
		return int64(c.Value(i)), true
	case *array.Int16:
		return int64(c.Value(i)), true
	case *array.Int32:
		return int64(c.Value(i)), true
	case *array.Int64:
		return c.Value(i), true
	case *array.Uint8:
		return int64(c.Value(i)), true
	case *array.Uint16:
		return int64(c.Value(i)), true
	case *array.Uint32:
		return int64(c.Value(i)), true
	case *array.Uint64:
		return int64(c.Value(i)), true
	default:
		return 0, false
	}
}

// float64At widens a floating-point cell to float64.
func float64At(col arrow.Array, i int) (float64, bool) {
	switch c := col.(type) {
	case *array.Float32:
		return float64(c.Value(i)), true
	case *array.Float64:
		return c.Value(i), true
	default:
		return 0, false
	}
}

// stringAt extracts a string cell from a string or binary array.
func stringAt(col arrow.Array, i int) (string, bool) {
	switch c := col.(type) {
	case *array.String:
		return c.Value(i), true
	case *array.LargeString:
		return c.Value(i), true
	case *array.Binary:
		return string(c.Value(i)), true
	case *array.LargeBinary:
		return string(c.Value(i)), true
	default:
		return "", false
	}
}
