// Package arrow carries query results and write payloads over the wire as
// Arrow IPC streams. Read batches produced by an array handle are encoded
// one record per message so clients can start decoding before the query
// drains; write payloads arrive as a single stream and are decoded back
// into records before being handed to the array.
package arrow
