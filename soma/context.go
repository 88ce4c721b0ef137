// Package soma provides the array-access layer for the single-cell-genomics
// data model: a lifecycle handle over a sparse or dense array with
// time-travel semantics, a resizable-shape abstraction over immutable
// physical capacity, fragment-metadata-based non-zero counting, and safe
// concurrent extension of categorical (dictionary-encoded) attribute
// domains.
package soma

import (
	"strconv"

	"github.com/go-kit/log"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// DefaultBatchBytes is the read buffer budget used when the context carries
// no "soma.init_buffer_bytes" setting.
const DefaultBatchBytes = 1 << 24

// Context carries the storage engine, platform configuration and logger
// shared by array handles. It is safe for use by multiple handles.
type Context struct {
	store  *engine.Store
	config map[string]string
	logger log.Logger
}

// NewContext creates a context over the given store. config may be nil.
func NewContext(store *engine.Store, config map[string]string) *Context {
	cfg := make(map[string]string, len(config))
	for k, v := range config {
		cfg[k] = v
	}
	return &Context{store: store, config: cfg, logger: log.NewNopLogger()}
}

// WithLogger returns a copy of the context that logs through l.
func (c *Context) WithLogger(l log.Logger) *Context {
	out := *c
	out.logger = l
	return &out
}

// Store returns the underlying storage engine.
func (c *Context) Store() *engine.Store {
	return c.store
}

// Config returns one platform configuration value.
func (c *Context) Config(key string) (string, bool) {
	v, ok := c.config[key]
	return v, ok
}

// batchBytes resolves the read buffer budget from configuration.
func (c *Context) batchBytes() int {
	if v, ok := c.config["soma.init_buffer_bytes"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultBatchBytes
}
