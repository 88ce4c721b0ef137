package engine

import "fmt"

// ArraySchema describes the shape and columns of an array. The dimension
// domains (max domain) are immutable after creation; the current domain and
// the enumerations may grow through schema evolution.
type ArraySchema struct {
	ArrayType  ArrayType
	AllowsDups bool
	Dimensions []Dimension
	Attributes []Attribute

	enums         map[string]*Enumeration
	currentDomain *NDRectangle
}

// NewArraySchema creates a schema with no attributes or enumerations.
func NewArraySchema(at ArrayType, dims []Dimension) *ArraySchema {
	return &ArraySchema{
		ArrayType:  at,
		Dimensions: dims,
		enums:      make(map[string]*Enumeration),
	}
}

// AddAttribute appends an attribute. If the attribute names an enumeration,
// the enumeration must already have been added.
func (s *ArraySchema) AddAttribute(a Attribute) error {
	if a.HasEnumeration() {
		if _, ok := s.enums[a.Enumeration]; !ok {
			return fmt.Errorf("attribute %q: %w: %q", a.Name, ErrNoSuchEnum, a.Enumeration)
		}
	}
	s.Attributes = append(s.Attributes, a)
	return nil
}

// AddEnumeration registers an enumeration on the schema.
func (s *ArraySchema) AddEnumeration(e *Enumeration) {
	s.enums[e.Name] = e
}

// Enumeration returns the named enumeration.
func (s *ArraySchema) Enumeration(name string) (*Enumeration, error) {
	e, ok := s.enums[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchEnum, name)
	}
	return e, nil
}

// NDim returns the number of dimensions.
func (s *ArraySchema) NDim() int {
	return len(s.Dimensions)
}

// Dimension returns the named dimension.
func (s *ArraySchema) Dimension(name string) (Dimension, bool) {
	for _, d := range s.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// HasDimension reports whether a dimension with the given name exists.
func (s *ArraySchema) HasDimension(name string) bool {
	_, ok := s.Dimension(name)
	return ok
}

// Attribute returns the named attribute.
func (s *ArraySchema) Attribute(name string) (Attribute, bool) {
	for _, a := range s.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// HasAttribute reports whether an attribute with the given name exists.
func (s *ArraySchema) HasAttribute(name string) bool {
	_, ok := s.Attribute(name)
	return ok
}

// ColumnType returns the physical type of the named dimension or attribute.
func (s *ArraySchema) ColumnType(name string) (Datatype, error) {
	if a, ok := s.Attribute(name); ok {
		return a.Type, nil
	}
	if d, ok := s.Dimension(name); ok {
		return d.Type, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
}

// ColumnNames returns dimension names followed by attribute names, in
// schema order.
func (s *ArraySchema) ColumnNames() []string {
	names := make([]string, 0, len(s.Dimensions)+len(s.Attributes))
	for _, d := range s.Dimensions {
		names = append(names, d.Name)
	}
	for _, a := range s.Attributes {
		names = append(names, a.Name)
	}
	return names
}

// CurrentDomain returns the resizable logical domain, or nil if the array
// was created before one was installed.
func (s *ArraySchema) CurrentDomain() *NDRectangle {
	return s.currentDomain
}

// SetCurrentDomain installs the resizable logical domain on this schema
// instance. Sessions use it to bring their snapshot in step with an
// evolution they just committed.
func (s *ArraySchema) SetCurrentDomain(r *NDRectangle) {
	s.currentDomain = r.Clone()
}

// HasCurrentDomain reports whether a current domain has been installed.
func (s *ArraySchema) HasCurrentDomain() bool {
	return s.currentDomain != nil
}

// Clone returns a deep copy of the schema, taken when opening an array so
// that a session observes a stable snapshot.
func (s *ArraySchema) Clone() *ArraySchema {
	out := &ArraySchema{
		ArrayType:  s.ArrayType,
		AllowsDups: s.AllowsDups,
		Dimensions: append([]Dimension(nil), s.Dimensions...),
		Attributes: append([]Attribute(nil), s.Attributes...),
		enums:      make(map[string]*Enumeration, len(s.enums)),
	}
	for k, v := range s.enums {
		out.enums[k] = v.Clone()
	}
	if s.currentDomain != nil {
		out.currentDomain = s.currentDomain.Clone()
	}
	return out
}

// SchemaEvolution stages schema mutations that are committed together as one
// atomic step via Store.Evolve.
type SchemaEvolution struct {
	expandedDomain *NDRectangle
	extendedEnums  []*Enumeration
}

// NewSchemaEvolution creates an empty evolution.
func NewSchemaEvolution() *SchemaEvolution {
	return &SchemaEvolution{}
}

// ExpandCurrentDomain stages a replacement current domain.
func (se *SchemaEvolution) ExpandCurrentDomain(rect *NDRectangle) {
	se.expandedDomain = rect
}

// ExtendEnumeration stages an extended enumeration produced by
// Enumeration.Extend.
func (se *SchemaEvolution) ExtendEnumeration(e *Enumeration) {
	se.extendedEnums = append(se.extendedEnums, e)
}

// Empty reports whether the evolution stages no changes.
func (se *SchemaEvolution) Empty() bool {
	return se.expandedDomain == nil && len(se.extendedEnums) == 0
}

// apply mutates the target schema. Called by the store under its lock.
func (se *SchemaEvolution) apply(s *ArraySchema) error {
	for _, e := range se.extendedEnums {
		existing, ok := s.enums[e.Name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNoSuchEnum, e.Name)
		}
		if e.Len() < existing.Len() {
			return fmt.Errorf("enumeration %q: extension shrinks value set", e.Name)
		}
		s.enums[e.Name] = e.Clone()
	}
	if se.expandedDomain != nil {
		for _, dim := range s.Dimensions {
			rng, ok := se.expandedDomain.Range(dim.Name)
			if !ok {
				return fmt.Errorf("current domain missing range for dimension %q", dim.Name)
			}
			if dim.Type.IsInteger() {
				if rng.IntLo < dim.Domain.IntLo || rng.IntHi > dim.Domain.IntHi {
					return fmt.Errorf("%w: dimension %q [%d, %d] outside max domain [%d, %d]",
						ErrDomainViolation, dim.Name, rng.IntLo, rng.IntHi, dim.Domain.IntLo, dim.Domain.IntHi)
				}
			}
		}
		s.currentDomain = se.expandedDomain.Clone()
	}
	return nil
}
