package soma

import (
	"errors"
	"fmt"

	"github.com/jdblischak/TileDB-SOMA/engine"
)

// Common errors for array-handle operations
var (
	ErrWrongMode          = errors.New("array is not open in the required mode")
	ErrInvalidResultOrder = errors.New("invalid result order")
	ErrMetadataProtected  = errors.New("metadata key is protected")
	ErrEnumCapacity       = errors.New("cannot extend enumeration; reached maximum capacity")
	ErrDictionaryRequired = errors.New("enumerated attribute requires a dictionary-encoded column")
	ErrUnsupportedType    = errors.New("unsupported column type")
	ErrSparseOnly         = errors.New("operation is only supported for sparse arrays")
	ErrInternal           = errors.New("internal coding error")
)

// Reserved metadata keys stamped at array creation. They are write-protected
// unless a mutation is explicitly forced.
const (
	SOMAObjectTypeKey  = "soma_object_type"
	EncodingVersionKey = "soma_encoding_version"
	EncodingVersionVal = "1"
)

// SOMAJoinIDName is the distinguished row-identifier dimension name.
// SOMADim0Name is the conventional first-dimension name of N-D arrays.
// The non-zero-count fast path is only valid when dimension 0 follows one
// of these conventions with an int64 type.
const (
	SOMAJoinIDName = "soma_joinid"
	SOMADim0Name   = "soma_dim_0"
)

// OpenMode selects read or write access for an array handle.
type OpenMode int

const (
	OpenRead OpenMode = iota
	OpenWrite
)

func (m OpenMode) String() string {
	if m == OpenWrite {
		return "write"
	}
	return "read"
}

func (m OpenMode) engineMode() engine.Mode {
	if m == OpenWrite {
		return engine.Write
	}
	return engine.Read
}

// ResultOrder selects the layout of read results. Automatic resolves to
// unordered for sparse arrays and row-major for dense arrays.
type ResultOrder int

const (
	ResultOrderAuto ResultOrder = iota
	ResultOrderRowMajor
	ResultOrderColMajor
)

func (o ResultOrder) String() string {
	switch o {
	case ResultOrderAuto:
		return "auto"
	case ResultOrderRowMajor:
		return "row-major"
	case ResultOrderColMajor:
		return "column-major"
	default:
		return fmt.Sprintf("resultorder(%d)", int(o))
	}
}

// StatusAndReason is the result of an advisory pre-flight check: OK with an
// empty reason, or not-OK with the reason the mutation would fail. Advisory
// checks report instead of failing so callers can branch on feasibility
// before committing.
type StatusAndReason struct {
	OK     bool
	Reason string
}

func ok() StatusAndReason {
	return StatusAndReason{OK: true}
}

func notOK(format string, args ...any) StatusAndReason {
	return StatusAndReason{Reason: fmt.Sprintf(format, args...)}
}
