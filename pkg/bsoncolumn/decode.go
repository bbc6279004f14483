package bsoncolumn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned when a column buffer ends in the middle of a
// control byte's payload.
var ErrTruncated = errors.New("bsoncolumn: truncated buffer")

// ErrInvalidControl is returned when a byte that should be a control byte
// doesn't match any known layout.
var ErrInvalidControl = errors.New("bsoncolumn: invalid control byte")

// Decode fully materializes a column binary into a Value slice, in the
// original document order. Most callers that only need to scan a column
// once should prefer Reader, which avoids the intermediate allocation.
func Decode(buf []byte) ([]Value, error) {
	r := NewReader(buf)
	var out []Value
	for {
		v, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// Reader walks a BSONColumn binary one logical value at a time.
type Reader struct {
	buf []byte
	pos int

	kind       blockKind
	scaleIndex uint8
	haveLast   bool
	lastInt    int64
	lastDouble float64

	// delta-of-delta state, used only by blockTimestamp.
	haveDelta bool
	lastDelta int64

	pendingVals []uint64
	valPos      int
}

// NewReader starts a Reader positioned at the beginning of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Next returns the next value in the column, or ok=false once the
// end-of-column marker is reached.
func (r *Reader) Next() (Value, bool, error) {
	if r.valPos < len(r.pendingVals) {
		v := r.pendingVals[r.valPos]
		r.valPos++
		return r.decodeFromDelta(v)
	}

	if r.pos >= len(r.buf) {
		return Value{}, false, ErrTruncated
	}

	control := r.buf[r.pos]
	if control == controlEndOfColumn {
		return Value{}, false, nil
	}

	if isLiteralControl(control) {
		v, err := r.readLiteral()
		if err != nil {
			return Value{}, false, err
		}
		switch {
		case v.Missing:
			// A skip always closes out the run it interrupted; the
			// writer never resumes delta-compressing across one.
			r.kind = blockNone
			r.haveLast = false
			r.haveDelta = false
		case v.Kind == KindInt64:
			r.kind = blockInt64
			r.haveLast = true
			r.lastInt = v.Int64
		case v.Kind == KindDouble:
			r.kind = blockDouble
			r.haveLast = true
			r.lastDouble = v.Double
		case v.Kind == KindTimestamp:
			r.kind = blockTimestamp
			r.haveLast = true
			r.lastInt = v.Int64
			r.haveDelta = false
			r.lastDelta = 0
		default:
			r.kind = blockNone
			r.haveLast = false
		}
		return v, true, nil
	}

	scaleIdx, ok := scaleIndexFromControl(control)
	if !ok {
		return Value{}, false, ErrInvalidControl
	}
	count := int(control&0x0F) + 1
	r.pos++
	if r.pos+8*count > len(r.buf) {
		return Value{}, false, ErrTruncated
	}
	words := make([]uint64, count)
	for i := 0; i < count; i++ {
		words[i] = binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
		r.pos += 8
	}
	r.scaleIndex = scaleIdx
	r.pendingVals = simple8bUnpack(words, r.pendingVals[:0])
	r.valPos = 0
	if len(r.pendingVals) == 0 {
		return r.Next()
	}
	v := r.pendingVals[0]
	r.valPos = 1
	return r.decodeFromDelta(v)
}

func (r *Reader) decodeFromDelta(raw uint64) (Value, bool, error) {
	delta := zigZagDecode(raw)
	switch r.kind {
	case blockInt64:
		r.lastInt += delta
		return Int64Value(r.lastInt), true, nil
	case blockDouble:
		if r.scaleIndex == MemoryAsInteger {
			bits := uint64(int64(math.Float64bits(r.lastDouble)) + delta)
			r.lastDouble = math.Float64frombits(bits)
			return DoubleValue(r.lastDouble), true, nil
		}
		scaled, _ := encodeDouble(r.lastDouble, r.scaleIndex)
		scaled += delta
		r.lastDouble = decodeDouble(scaled, r.scaleIndex)
		return DoubleValue(r.lastDouble), true, nil
	case blockTimestamp:
		if !r.haveDelta {
			r.lastDelta = delta
			r.haveDelta = true
		} else {
			r.lastDelta += delta
		}
		r.lastInt += r.lastDelta
		return TimestampValue(r.lastInt), true, nil
	default:
		return Value{}, false, fmt.Errorf("bsoncolumn: delta value with no open block")
	}
}

func (r *Reader) readLiteral() (Value, error) {
	if r.pos+3 > len(r.buf) {
		return Value{}, ErrTruncated
	}
	r.pos++ // control byte already identified as controlLiteral
	kind := Kind(r.buf[r.pos])
	r.pos++
	missing := r.buf[r.pos] == 1
	r.pos++
	if missing {
		return Value{Kind: kind, Missing: true}, nil
	}
	switch kind {
	case KindInt64, KindTimestamp:
		if r.pos+8 > len(r.buf) {
			return Value{}, ErrTruncated
		}
		v := int64(binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8]))
		r.pos += 8
		if kind == KindTimestamp {
			return TimestampValue(v), nil
		}
		return Int64Value(v), nil
	case KindDouble:
		if r.pos+8 > len(r.buf) {
			return Value{}, ErrTruncated
		}
		bits := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
		r.pos += 8
		return DoubleValue(math.Float64frombits(bits)), nil
	case KindString:
		if r.pos+8 > len(r.buf) {
			return Value{}, ErrTruncated
		}
		n := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
		r.pos += 8
		if r.pos+int(n) > len(r.buf) {
			return Value{}, ErrTruncated
		}
		s := string(r.buf[r.pos : r.pos+int(n)])
		r.pos += int(n)
		return StringValue(s), nil
	case KindBool:
		if r.pos+1 > len(r.buf) {
			return Value{}, ErrTruncated
		}
		b := r.buf[r.pos] == 1
		r.pos++
		return BoolValue(b), nil
	default:
		return Value{}, fmt.Errorf("bsoncolumn: unknown literal kind %d", kind)
	}
}
