package bsoncolumn

import (
	"encoding/binary"
	"fmt"
)

// Control bytes that switch the reader into interleaved mode: a reference
// object establishes the field layout, and every scalar leaf of that
// layout is then decoded from its own independent sub-stream. The array
// variant carries the same layout; it exists so a decoder can tell which
// root shape to rebuild, though this package treats both identically since
// Document already preserves field order. controlInterleavedLegacy is
// recognized for backward decoding only: new encoders always emit
// controlInterleavedObject or controlInterleavedArray.
const (
	controlInterleavedObject byte = 0xF0
	controlInterleavedArray  byte = 0xF1
	controlInterleavedLegacy byte = 0xF2
)

// Field is one named scalar in a Document.
type Field struct {
	Name  string
	Value Value
}

// Document is an ordered sequence of named scalar fields, the unit
// EncodeInterleaved and DecodeInterleaved round-trip. Field order is
// preserved across encode/decode so callers can compare documents for
// exact equality.
type Document []Field

// Get returns the value of the named field and true, or the zero Value and
// false if no field by that name is present.
func (d Document) Get(name string) (Value, bool) {
	for _, f := range d {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// EncodeInterleaved compresses a run of same-shaped documents using
// interleaved mode: the first document's field order becomes the reference
// object, and each field's values across every document are encoded as an
// independent column appended back-to-back, so the decoder can rebuild
// document order by stepping all columns in lockstep.
func EncodeInterleaved(docs []Document) []byte {
	a := newArena()
	if len(docs) == 0 {
		a.WriteByte(controlEndOfColumn)
		return a.Bytes()
	}

	ref := docs[0]
	a.WriteByte(controlInterleavedObject)
	writeUint32(a, uint32(len(ref)))
	for _, f := range ref {
		writeUint32(a, uint32(len(f.Name)))
		a.Write([]byte(f.Name))
	}

	for _, f := range ref {
		column := make([]Value, len(docs))
		for i, doc := range docs {
			if v, ok := doc.Get(f.Name); ok {
				column[i] = v
			} else {
				column[i] = Value{Kind: f.Value.Kind, Missing: true}
			}
		}
		a.Write(Encode(column))
	}

	a.WriteByte(controlEndOfColumn)
	return a.Bytes()
}

// DecodeInterleaved reverses EncodeInterleaved, returning the documents in
// original order. It is a fatal decode error for any two field columns to
// disagree on the number of values they carry: interleaved mode's
// traversal order assumes every field state advances the same number of
// times per object.
func DecodeInterleaved(buf []byte) ([]Document, error) {
	if len(buf) == 0 {
		return nil, ErrTruncated
	}
	pos := 0
	control := buf[pos]
	if control == controlEndOfColumn {
		return nil, nil
	}
	switch control {
	case controlInterleavedObject, controlInterleavedArray, controlInterleavedLegacy:
	default:
		return nil, ErrInvalidControl
	}
	pos++

	fieldCount, ok := readUint32(buf, &pos)
	if !ok {
		return nil, ErrTruncated
	}
	names := make([]string, fieldCount)
	for i := range names {
		n, ok := readUint32(buf, &pos)
		if !ok {
			return nil, ErrTruncated
		}
		if pos+int(n) > len(buf) {
			return nil, ErrTruncated
		}
		names[i] = string(buf[pos : pos+int(n)])
		pos += int(n)
	}

	columns := make([][]Value, fieldCount)
	for i := range columns {
		r := NewReader(buf[pos:])
		var vals []Value
		for {
			v, more, err := r.Next()
			if err != nil {
				return nil, fmt.Errorf("bsoncolumn: interleaved field %q: %w", names[i], err)
			}
			if !more {
				break
			}
			vals = append(vals, v)
		}
		columns[i] = vals
		// r.pos stopped on the terminating end-of-column byte without
		// consuming it (Reader.Next doesn't advance past it); skip it
		// here so the next field's sub-stream starts in the right place.
		pos += r.pos + 1
	}

	docCount := 0
	if fieldCount > 0 {
		docCount = len(columns[0])
		for i, col := range columns {
			if len(col) != docCount {
				return nil, fmt.Errorf("bsoncolumn: interleaved field %q: %d values, want %d: decoder states left unconsumed input", names[i], len(col), docCount)
			}
		}
	}

	docs := make([]Document, docCount)
	for d := 0; d < docCount; d++ {
		fields := make(Document, 0, fieldCount)
		for i, name := range names {
			v := columns[i][d]
			if v.Missing {
				continue
			}
			fields = append(fields, Field{Name: name, Value: v})
		}
		docs[d] = fields
	}
	return docs, nil
}

func writeUint32(a *arena, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	a.Write(buf[:])
}

func readUint32(buf []byte, pos *int) (uint32, bool) {
	if *pos+4 > len(buf) {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(buf[*pos : *pos+4])
	*pos += 4
	return v, true
}
