package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxMessageSize is the maximum allowed message size (50MB).
// This prevents DoS attacks via oversized messages.
const MaxMessageSize = 50 * 1024 * 1024 // 50MB

// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message size exceeds maximum allowed size")

// ReadMessage reads a length-prefixed message from the reader.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func ReadMessage(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	// Prevent DoS by limiting message size
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, length, MaxMessageSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	return buf, nil
}

// WriteMessage writes a length-prefixed message to the writer.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func WriteMessage(w io.Writer, data []byte) error {
	// Check for integer overflow before conversion
	if len(data) > math.MaxUint32 {
		return fmt.Errorf("%w: data length %d exceeds uint32 max", ErrMessageTooLarge, len(data))
	}

	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	length := uint32(len(data)) // bounds checked above
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}

	return nil
}

// Request is the JSON command header a client sends before any payload.
// Ops: "read" streams the selected columns back as Arrow IPC batches,
// "nnz" and "shape" return small JSON responses, "metadata" lists the
// visible metadata entries, "write" consumes one Arrow IPC payload
// message following the header, and "consolidate" merges and vacuums
// the array's fragments.
type Request struct {
	Op         string     `json:"op"`
	URI        string     `json:"uri"`
	Columns    []string   `json:"columns,omitempty"`
	Order      string     `json:"order,omitempty"`
	Timestamp  *[2]uint64 `json:"timestamp,omitempty"`
	SortCoords bool       `json:"sort_coords,omitempty"`
}

// Response is the JSON header the server sends back. For "read", Batches
// tells the client how many IPC payload messages follow.
type Response struct {
	OK      bool              `json:"ok"`
	Error   string            `json:"error,omitempty"`
	Batches int               `json:"batches,omitempty"`
	NNZ     uint64            `json:"nnz,omitempty"`
	Shape   []int64           `json:"shape,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}
