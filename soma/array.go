package soma

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log/level"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// OpenConfig carries the optional parameters of Open.
type OpenConfig struct {
	// Name labels the handle in errors and logs.
	Name string
	// Columns restricts reads to a projection; empty reads every column.
	Columns []string
	// ResultOrder selects the read layout. Automatic resolves to unordered
	// for sparse arrays and row-major for dense arrays.
	ResultOrder ResultOrder
	// Timestamp scopes the session for time travel; nil means unscoped.
	Timestamp *engine.TimestampRange
	// BatchBytes caps the byte footprint of one read batch for this handle.
	// Zero uses the context's soma.init_buffer_bytes setting.
	BatchBytes int
}

// DefaultOpenConfig returns the baseline open parameters.
func DefaultOpenConfig() OpenConfig {
	return OpenConfig{Name: "unnamed", ResultOrder: ResultOrderAuto}
}

// Array is one open session against a physical array: an open-mode state
// machine with timestamp scoping, a metadata cache rebuilt on every open,
// and the shape, non-zero-count and enumeration-evolution operations built
// on top of the storage engine.
type Array struct {
	ctx  *Context
	uri  string
	name string

	mode        OpenMode
	ts          *engine.TimestampRange
	columns     []string
	resultOrder ResultOrder
	batchBytes  int

	arr   *engine.Array
	query *ManagedQuery
	meta  *metadataCache

	// metaArr is the separate read-mode session backing metadata reads
	// while the primary session is open for write; the write session does
	// not expose live metadata reads.
	metaArr *engine.Array

	// evolution accumulates enumeration extensions staged by writes in
	// the current batch, committed once on Write.
	evolution   *engine.SchemaEvolution
	stagedEnums map[string]*engine.Enumeration
	readStarted bool
	closed      bool
}

// normalizeURI strips trailing slashes so "mem://a/" and "mem://a" name the
// same array.
func normalizeURI(uri string) string {
	if trimmed := strings.TrimRight(uri, "/"); trimmed != "" {
		return trimmed
	}
	return uri
}

// Create registers a new physical array at uri and stamps the two protected
// metadata keys (object type and encoding version) at creation time.
func Create(ctx *Context, uri string, schema *engine.ArraySchema, typeTag string, ts *engine.TimestampRange) error {
	uri = normalizeURI(uri)
	if err := ctx.store.CreateArray(uri, schema); err != nil {
		return fmt.Errorf("creating %q: %w", uri, err)
	}
	sess, err := ctx.store.OpenArray(uri, engine.Write, ts)
	if err != nil {
		return fmt.Errorf("creating %q: %w", uri, err)
	}
	defer sess.Close()
	if err := sess.PutMetadata(SOMAObjectTypeKey, engine.TypeStringUTF8, len(typeTag), []byte(typeTag)); err != nil {
		return fmt.Errorf("creating %q: %w", uri, err)
	}
	if err := sess.PutMetadata(EncodingVersionKey, engine.TypeStringUTF8, len(EncodingVersionVal), []byte(EncodingVersionVal)); err != nil {
		return fmt.Errorf("creating %q: %w", uri, err)
	}
	level.Debug(ctx.logger).Log("msg", "array created", "uri", uri, "type", typeTag)
	return nil
}

// Open opens an array handle at the given mode.
func Open(ctx *Context, uri string, mode OpenMode, cfg OpenConfig) (*Array, error) {
	a := &Array{
		ctx:         ctx,
		uri:         normalizeURI(uri),
		name:        cfg.Name,
		columns:     append([]string(nil), cfg.Columns...),
		resultOrder: cfg.ResultOrder,
		batchBytes:  cfg.BatchBytes,
	}
	if a.name == "" {
		a.name = "unnamed"
	}
	if err := a.open(mode, cfg.Timestamp); err != nil {
		return nil, err
	}
	return a, nil
}

// open establishes the engine sessions, the query and the metadata cache.
func (a *Array) open(mode OpenMode, ts *engine.TimestampRange) error {
	arr, err := a.ctx.store.OpenArray(a.uri, mode.engineMode(), ts)
	if err != nil {
		return fmt.Errorf("opening %q: %w", a.uri, err)
	}
	a.arr = arr
	a.mode = mode
	a.ts = ts
	a.closed = false
	a.readStarted = false
	a.evolution = engine.NewSchemaEvolution()
	a.stagedEnums = make(map[string]*engine.Enumeration)

	a.query = NewManagedQuery(a.ctx, arr, a.name)
	a.query.SetBatchBytes(a.batchBytes)
	if err := a.configureQuery(a.columns, a.resultOrder); err != nil {
		a.arr.Close()
		return err
	}

	if err := a.fillMetadataCache(); err != nil {
		a.arr.Close()
		return err
	}
	level.Debug(a.ctx.logger).Log("msg", "array opened", "uri", a.uri, "mode", mode, "scoped", ts != nil)
	return nil
}

// configureQuery applies projection and layout, resolving automatic order
// per array type and rejecting unknown layouts.
func (a *Array) configureQuery(columns []string, order ResultOrder) error {
	switch order {
	case ResultOrderAuto, ResultOrderRowMajor, ResultOrderColMajor:
	default:
		return fmt.Errorf("array %q: %w: %s", a.uri, ErrInvalidResultOrder, order)
	}
	resolved := order
	if resolved == ResultOrderAuto && a.arr.Schema().ArrayType == engine.Dense {
		resolved = ResultOrderRowMajor
	}
	if err := a.query.SetLayout(resolved); err != nil {
		return fmt.Errorf("array %q: %w", a.uri, err)
	}
	if len(columns) > 0 {
		if err := a.query.SelectColumns(columns, false); err != nil {
			return fmt.Errorf("array %q: %w", a.uri, err)
		}
	}
	a.columns = append([]string(nil), columns...)
	a.resultOrder = order
	return nil
}

// Reset reconfigures projection, layout and batch budget without reopening
// the session. Pending read state is discarded. batchBytes zero keeps the
// handle's current budget.
func (a *Array) Reset(columns []string, order ResultOrder, batchBytes int) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	a.query.Reset()
	a.readStarted = false
	if batchBytes > 0 {
		a.batchBytes = batchBytes
		a.query.SetBatchBytes(batchBytes)
	}
	return a.configureQuery(columns, order)
}

// Reopen returns a fresh handle over the same array with a new mode and
// timestamp scope, keeping the projection and ordering. The receiver is
// closed.
func (a *Array) Reopen(mode OpenMode, ts *engine.TimestampRange) (*Array, error) {
	if err := a.Close(); err != nil {
		return nil, err
	}
	out := &Array{
		ctx:         a.ctx,
		uri:         a.uri,
		name:        a.name,
		columns:     append([]string(nil), a.columns...),
		resultOrder: a.resultOrder,
		batchBytes:  a.batchBytes,
	}
	if err := out.open(mode, ts); err != nil {
		return nil, err
	}
	return out, nil
}

// Close flushes any pending write (staged columns never committed), closes
// the metadata read session if one was opened, invalidates the primary
// session and clears the metadata cache.
func (a *Array) Close() error {
	if a.closed {
		return fmt.Errorf("array %q: %w", a.uri, engine.ErrArrayClosed)
	}
	if a.query != nil {
		if a.mode == OpenWrite && a.query.HasStaged() {
			if err := a.Write(true); err != nil {
				return fmt.Errorf("closing %q: %w", a.uri, err)
			}
		}
		a.query.Close()
	}
	if a.metaArr != nil {
		if err := a.metaArr.Close(); err != nil {
			return fmt.Errorf("closing %q: %w", a.uri, err)
		}
		a.metaArr = nil
	}
	if err := a.arr.Close(); err != nil {
		return fmt.Errorf("closing %q: %w", a.uri, err)
	}
	a.meta = nil
	a.closed = true
	level.Debug(a.ctx.logger).Log("msg", "array closed", "uri", a.uri)
	return nil
}

// IsOpen reports whether the handle is usable.
func (a *Array) IsOpen() bool { return !a.closed }

// URI returns the array location.
func (a *Array) URI() string { return a.uri }

// Mode returns the open mode.
func (a *Array) Mode() OpenMode { return a.mode }

// Timestamp returns the timestamp scope, or nil when unscoped.
func (a *Array) Timestamp() *engine.TimestampRange { return a.ts }

// ResultOrder returns the configured result layout.
func (a *Array) ResultOrder() ResultOrder { return a.resultOrder }

// Schema returns the schema snapshot taken at open time.
func (a *Array) Schema() *engine.ArraySchema { return a.arr.Schema() }

// NDim returns the number of dimensions.
func (a *Array) NDim() int { return a.arr.Schema().NDim() }

// DimensionNames returns the dimension names in schema order.
func (a *Array) DimensionNames() []string {
	dims := a.arr.Schema().Dimensions
	names := make([]string, len(dims))
	for i, d := range dims {
		names[i] = d.Name
	}
	return names
}

// HasDimensionName reports whether the array has a dimension with the name.
func (a *Array) HasDimensionName(name string) bool {
	return a.arr.Schema().HasDimension(name)
}

// AttributeNames returns the attribute names in schema order.
func (a *Array) AttributeNames() []string {
	attrs := a.arr.Schema().Attributes
	names := make([]string, len(attrs))
	for i, at := range attrs {
		names[i] = at.Name
	}
	return names
}

func (a *Array) checkOpen() error {
	if a.closed {
		return fmt.Errorf("array %q: %w", a.uri, engine.ErrArrayClosed)
	}
	return nil
}

func (a *Array) checkMode(mode OpenMode) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if a.mode != mode {
		return fmt.Errorf("array %q: %w: have %s, need %s", a.uri, ErrWrongMode, a.mode, mode)
	}
	return nil
}

// ReadNext returns the next batch of results, or nil once the read is
// exhausted. A query matching zero rows yields one empty-but-valid batch
// before the nil sentinel.
func (a *Array) ReadNext() (*ArrayBuffers, error) {
	if err := a.checkMode(OpenRead); err != nil {
		return nil, err
	}
	if !a.readStarted {
		if err := a.query.SetupRead(); err != nil {
			return nil, err
		}
		a.readStarted = true
	} else if a.query.IsComplete() {
		return nil, nil
	}
	if err := a.query.SubmitRead(); err != nil {
		return nil, err
	}
	return a.query.Results()
}

// ReadNextRecord returns the next batch as an Arrow record, with
// enumeration-backed attributes dictionary-encoded, or nil on exhaustion.
func (a *Array) ReadNextRecord(mem memory.Allocator) (arrow.Record, error) {
	buf, err := a.ReadNext()
	if err != nil || buf == nil {
		return nil, err
	}
	return buf.ToRecord(a.arr.Schema(), mem)
}

// SetColumnData casts one Arrow column to the on-disk type of the matching
// dimension or attribute and stages it for the next Write. Dictionary
// columns on enumeration-backed attributes may stage an enumeration
// extension, committed with the write.
func (a *Array) SetColumnData(name string, col arrow.Array) error {
	if err := a.checkMode(OpenWrite); err != nil {
		return err
	}
	data, err := a.castColumn(name, col)
	if err != nil {
		return fmt.Errorf("array %q column %q: %w", a.uri, name, err)
	}
	return a.query.SetupWriteColumn(name, data)
}

// SetArrayData stages every column of the record.
func (a *Array) SetArrayData(rec arrow.Record) error {
	for i := 0; i < int(rec.NumCols()); i++ {
		if err := a.SetColumnData(rec.Schema().Field(i).Name, rec.Column(i)); err != nil {
			return err
		}
	}
	return nil
}

// StagedEnumExtensions returns the number of enumeration extensions staged
// by SetColumnData and not yet committed by Write.
func (a *Array) StagedEnumExtensions() int {
	return len(a.stagedEnums)
}

// Write commits the staged columns as one fragment. Any staged enumeration
// extensions are committed first as a single schema-evolution step covering
// the whole batch.
func (a *Array) Write(sortCoords bool) error {
	if err := a.checkMode(OpenWrite); err != nil {
		return err
	}
	if !a.evolution.Empty() {
		if err := a.ctx.store.Evolve(a.uri, a.evolution); err != nil {
			return fmt.Errorf("array %q: %w", a.uri, err)
		}
		// Keep the session snapshot in step with what was committed so
		// later reads through this handle see the extended value sets.
		for _, e := range a.stagedEnums {
			a.arr.Schema().AddEnumeration(e)
		}
		a.evolution = engine.NewSchemaEvolution()
		a.stagedEnums = make(map[string]*engine.Enumeration)
	}
	return a.query.SubmitWrite(sortCoords)
}

// ConsolidateAndVacuum merges the array's fragments and drops the superseded
// ones.
func (a *Array) ConsolidateAndVacuum() error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	if err := a.ctx.store.Consolidate(a.uri); err != nil {
		return fmt.Errorf("consolidating %q: %w", a.uri, err)
	}
	if err := a.ctx.store.Vacuum(a.uri); err != nil {
		return fmt.Errorf("vacuuming %q: %w", a.uri, err)
	}
	return nil
}

// AttrHasEnum reports whether the named attribute is enumeration-backed.
func (a *Array) AttrHasEnum(name string) bool {
	attr, ok := a.arr.Schema().Attribute(name)
	return ok && attr.HasEnumeration()
}

// GetEnumLabelOnAttr returns the enumeration name backing an attribute.
func (a *Array) GetEnumLabelOnAttr(name string) (string, error) {
	attr, ok := a.arr.Schema().Attribute(name)
	if !ok {
		return "", fmt.Errorf("array %q: %w: %q", a.uri, engine.ErrUnknownColumn, name)
	}
	if !attr.HasEnumeration() {
		return "", fmt.Errorf("array %q: attribute %q: %w", a.uri, name, engine.ErrNoSuchEnum)
	}
	return attr.Enumeration, nil
}

// GetAttrToEnumMapping returns, for every enumeration-backed attribute, the
// enumeration it references.
func (a *Array) GetAttrToEnumMapping() map[string]*engine.Enumeration {
	out := make(map[string]*engine.Enumeration)
	for _, attr := range a.arr.Schema().Attributes {
		if !attr.HasEnumeration() {
			continue
		}
		if e, err := a.arr.Schema().Enumeration(attr.Enumeration); err == nil {
			out[attr.Name] = e
		}
	}
	return out
}
