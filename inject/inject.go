// Package inject performs targeted partial mutation of protobuf-encoded
// messages. It decodes only as much of the length-delimited structure as is
// needed to reach one configured field path, prepends synthetic entries to
// the repeated field found there, and re-encodes outward while preserving
// every untouched byte verbatim.
//
// This is a deliberate blind-traversal strategy: the target schema is
// reverse-engineered and may drift, so sibling fields are never decoded
// beyond their tag and length.
package inject

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the injected entry sub-message.
const (
	entryFieldName    = 1
	entryFieldContent = 2
	entryFieldKind    = 3
)

var (
	ErrEmptyPath = errors.New("inject: empty field path")
	// ErrPathNotFound reports that the configured field path did not resolve
	// in the message. Callers pass the original bytes through unchanged.
	ErrPathNotFound = errors.New("inject: field path not found")
)

// Entry is one synthetic unit of injected context: a named content block
// plus an integer kind code understood by the backend.
type Entry struct {
	Name    string
	Content string
	Kind    int32
}

// Apply inserts entries into the repeated field identified by path, ahead of
// any pre-existing occurrences, and returns the re-encoded message. All path
// elements except the last name length-delimited parent messages; the last
// names the repeated entry field itself.
//
// If the parent path does not resolve (schema drift, truncation), Apply
// returns ErrPathNotFound and the caller must forward the original bytes.
// A malformed message yields a wrapped parse error, treated the same way.
func Apply(payload []byte, path []protowire.Number, entries []Entry) ([]byte, error) {
	if len(path) == 0 {
		return nil, ErrEmptyPath
	}
	if len(entries) == 0 {
		return payload, nil
	}
	out, err := walk(payload, path, entries)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// walk descends one path element. For intermediate elements it locates the
// first length-delimited field with that number, recurses into its value,
// and splices the rewritten child back with a recomputed length prefix.
func walk(msg []byte, path []protowire.Number, entries []Entry) ([]byte, error) {
	if len(path) == 1 {
		return insertEntries(msg, path[0], entries)
	}

	off := 0
	for off < len(msg) {
		num, typ, n := protowire.ConsumeTag(msg[off:])
		if n < 0 {
			return nil, fmt.Errorf("inject: malformed tag at offset %d: %w", off, protowire.ParseError(n))
		}
		if num == path[0] && typ == protowire.BytesType {
			child, m := protowire.ConsumeBytes(msg[off+n:])
			if m < 0 {
				return nil, fmt.Errorf("inject: malformed field %d: %w", num, protowire.ParseError(m))
			}
			rewritten, err := walk(child, path[1:], entries)
			if err != nil {
				return nil, err
			}
			out := make([]byte, 0, len(msg)+len(rewritten)-len(child))
			out = append(out, msg[:off]...)
			out = protowire.AppendTag(out, num, protowire.BytesType)
			out = protowire.AppendBytes(out, rewritten)
			out = append(out, msg[off+n+m:]...)
			return out, nil
		}
		skip := protowire.ConsumeFieldValue(num, typ, msg[off+n:])
		if skip < 0 {
			return nil, fmt.Errorf("inject: malformed field %d: %w", num, protowire.ParseError(skip))
		}
		off += n + skip
	}
	return nil, ErrPathNotFound
}

// insertEntries places the serialized entries immediately before the first
// occurrence of the repeated field num, or at the end of the parent message
// when the field is currently empty. The whole parent is scanned first so a
// malformed message is rejected before any bytes are produced.
func insertEntries(msg []byte, num protowire.Number, entries []Entry) ([]byte, error) {
	insertAt := -1
	off := 0
	for off < len(msg) {
		fieldNum, typ, n := protowire.ConsumeTag(msg[off:])
		if n < 0 {
			return nil, fmt.Errorf("inject: malformed tag at offset %d: %w", off, protowire.ParseError(n))
		}
		if fieldNum == num && typ == protowire.BytesType && insertAt < 0 {
			insertAt = off
		}
		skip := protowire.ConsumeFieldValue(fieldNum, typ, msg[off+n:])
		if skip < 0 {
			return nil, fmt.Errorf("inject: malformed field %d: %w", fieldNum, protowire.ParseError(skip))
		}
		off += n + skip
	}
	if insertAt < 0 {
		insertAt = len(msg)
	}

	var blob []byte
	for _, e := range entries {
		blob = appendEntry(blob, num, e)
	}

	out := make([]byte, 0, len(msg)+len(blob))
	out = append(out, msg[:insertAt]...)
	out = append(out, blob...)
	out = append(out, msg[insertAt:]...)
	return out, nil
}

func appendEntry(b []byte, num protowire.Number, e Entry) []byte {
	var sub []byte
	sub = protowire.AppendTag(sub, entryFieldName, protowire.BytesType)
	sub = protowire.AppendString(sub, e.Name)
	sub = protowire.AppendTag(sub, entryFieldContent, protowire.BytesType)
	sub = protowire.AppendString(sub, e.Content)
	sub = protowire.AppendTag(sub, entryFieldKind, protowire.VarintType)
	sub = protowire.AppendVarint(sub, uint64(int64(e.Kind)))

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}
