package soma

import (
	"fmt"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// metadataCache is the in-memory snapshot of array metadata, rebuilt in full
// on every open and cleared on close. Lookups never touch the physical array
// after the fill; same-session mutations write through and update the cache.
type metadataCache struct {
	entries map[string]engine.MetadataEntry
}

func isProtectedKey(key string) bool {
	return key == SOMAObjectTypeKey || key == EncodingVersionKey
}

// fillMetadataCache rebuilds the cache from the physical array. A write-mode
// session cannot serve metadata reads, so the fill is sourced from a
// separate read-mode session opened at the same timestamp scope; that
// session lives until Close.
func (a *Array) fillMetadataCache() error {
	src := a.arr
	if a.mode == OpenWrite {
		if a.metaArr == nil {
			m, err := a.ctx.store.OpenArray(a.uri, engine.Read, a.ts)
			if err != nil {
				return fmt.Errorf("opening metadata session for %q: %w", a.uri, err)
			}
			a.metaArr = m
		}
		src = a.metaArr
	}
	entries, err := src.Metadata()
	if err != nil {
		return fmt.Errorf("filling metadata cache for %q: %w", a.uri, err)
	}
	a.meta = &metadataCache{entries: make(map[string]engine.MetadataEntry, len(entries))}
	for _, e := range entries {
		a.meta.entries[e.Key] = e
	}
	return nil
}

// SetMetadata writes one metadata entry through to the array and updates the
// cache. The two system-reserved keys are rejected unless force is set.
func (a *Array) SetMetadata(key string, dt engine.Datatype, valueNum int, value []byte, force bool) error {
	if err := a.checkMode(OpenWrite); err != nil {
		return err
	}
	if !force && isProtectedKey(key) {
		return fmt.Errorf("array %q: %w: %q", a.uri, ErrMetadataProtected, key)
	}
	if err := a.arr.PutMetadata(key, dt, valueNum, value); err != nil {
		return fmt.Errorf("array %q: %w", a.uri, err)
	}
	a.meta.entries[key] = engine.MetadataEntry{Key: key, Type: dt, ValueNum: valueNum, Value: append([]byte(nil), value...)}
	return nil
}

// DeleteMetadata removes one metadata key, with the same protection rule as
// SetMetadata.
func (a *Array) DeleteMetadata(key string, force bool) error {
	if err := a.checkMode(OpenWrite); err != nil {
		return err
	}
	if !force && isProtectedKey(key) {
		return fmt.Errorf("array %q: %w: %q", a.uri, ErrMetadataProtected, key)
	}
	if err := a.arr.DeleteMetadata(key); err != nil {
		return fmt.Errorf("array %q: %w", a.uri, err)
	}
	delete(a.meta.entries, key)
	return nil
}

// GetMetadata returns one cached entry.
func (a *Array) GetMetadata(key string) (engine.MetadataEntry, bool) {
	if a.meta == nil {
		return engine.MetadataEntry{}, false
	}
	e, ok := a.meta.entries[key]
	return e, ok
}

// HasMetadata reports whether the key is present in the cache.
func (a *Array) HasMetadata(key string) bool {
	_, ok := a.GetMetadata(key)
	return ok
}

// MetadataNum returns the number of cached entries.
func (a *Array) MetadataNum() int {
	if a.meta == nil {
		return 0
	}
	return len(a.meta.entries)
}

// Metadata returns a copy of the full cached mapping.
func (a *Array) Metadata() map[string]engine.MetadataEntry {
	out := make(map[string]engine.MetadataEntry, a.MetadataNum())
	if a.meta != nil {
		for k, v := range a.meta.entries {
			out[k] = v
		}
	}
	return out
}
