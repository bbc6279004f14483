package bsoncolumn

import (
	"encoding/binary"
	"math"
)

// Encode compresses a column of values sharing one logical field across a
// run of documents into a BSONColumn binary. Values must be presented in
// document order; skip preservation depends on it.
func Encode(values []Value) []byte {
	w := &writer{arena: newArena()}
	for _, v := range values {
		w.put(v)
	}
	w.flush()
	w.arena.WriteByte(controlEndOfColumn)
	return w.arena.Bytes()
}

type blockKind uint8

const (
	blockNone blockKind = iota
	blockInt64
	blockDouble
	blockTimestamp
)

type writer struct {
	arena *arena

	kind       blockKind
	scaleIndex uint8
	haveLast   bool
	lastInt    int64
	lastDouble float64
	pending    []uint64

	// delta-of-delta state, used only by blockTimestamp.
	haveDelta bool
	lastDelta int64
}

func (w *writer) put(v Value) {
	if v.Missing {
		// A skip always breaks the current delta run: flush whatever is
		// pending first so document order is preserved, then write the
		// null as its own literal tagged with the run's scalar kind so
		// a reader can tell a skip from a genuinely typeless column.
		skipKind := v.Kind
		switch w.kind {
		case blockInt64:
			skipKind = KindInt64
		case blockDouble:
			skipKind = KindDouble
		case blockTimestamp:
			skipKind = KindTimestamp
		}
		w.flush()
		w.writeLiteral(Value{Kind: skipKind, Missing: true})
		return
	}

	switch v.Kind {
	case KindInt64:
		w.putInt64(v.Int64)
	case KindDouble:
		w.putDouble(v.Double)
	case KindTimestamp:
		w.putTimestamp(v.Int64)
	default:
		w.flush()
		w.writeLiteral(v)
	}
}

// putTimestamp appends val to the current timestamp run, delta-of-delta
// compressing it: the first value after a literal is stored as a raw delta
// (there is no prior delta to subtract), every value after that stores the
// difference between successive deltas.
func (w *writer) putTimestamp(val int64) {
	if w.kind != blockTimestamp || !w.haveLast {
		w.flush()
		w.writeLiteral(TimestampValue(val))
		w.kind = blockTimestamp
		w.haveLast = true
		w.lastInt = val
		w.haveDelta = false
		w.lastDelta = 0
		return
	}
	delta := val - w.lastInt
	var dd int64
	if w.haveDelta {
		dd = delta - w.lastDelta
	} else {
		dd = delta
		w.haveDelta = true
	}
	w.pending = append(w.pending, zigZagEncode(dd))
	w.lastDelta = delta
	w.lastInt = val
	w.flushIfFull()
}

func (w *writer) putInt64(val int64) {
	if w.kind != blockInt64 || !w.haveLast {
		w.flush()
		w.writeLiteral(Int64Value(val))
		w.kind = blockInt64
		w.haveLast = true
		w.lastInt = val
		return
	}
	delta := val - w.lastInt
	w.pending = append(w.pending, zigZagEncode(delta))
	w.lastInt = val
	w.flushIfFull()
}

func (w *writer) putDouble(val float64) {
	if w.kind != blockDouble || !w.haveLast {
		w.startDoubleRun(val)
		return
	}
	if w.scaleIndex == MemoryAsInteger {
		delta := int64(math.Float64bits(val)) - int64(math.Float64bits(w.lastDouble))
		w.pending = append(w.pending, zigZagEncode(delta))
		w.lastDouble = val
		w.flushIfFull()
		return
	}
	scale, ok := encodeDouble(val, w.scaleIndex)
	if !ok {
		// This value cannot reuse the current block's scale; close it
		// out and reopen at whatever scale val itself needs.
		w.flush()
		w.startDoubleRun(val)
		return
	}
	lastScale, _ := encodeDouble(w.lastDouble, w.scaleIndex)
	w.pending = append(w.pending, zigZagEncode(scale-lastScale))
	w.lastDouble = val
	w.flushIfFull()
}

func (w *writer) startDoubleRun(val float64) {
	w.flush()
	w.writeLiteral(DoubleValue(val))
	idx, ok := calculateDecimalShiftMultiplier(val)
	if !ok {
		idx = MemoryAsInteger
	}
	w.kind = blockDouble
	w.scaleIndex = idx
	w.haveLast = true
	w.lastDouble = val
}

func (w *writer) flushIfFull() {
	// Keep the pending buffer bounded to a handful of blocks' worth so a
	// very long run doesn't hold unbounded memory before flush.
	if len(w.pending) >= maxWordsPerBlock*simple8bDataBits {
		w.flush()
	}
}

func (w *writer) writeLiteral(v Value) {
	w.arena.WriteByte(controlLiteral)
	w.arena.WriteByte(byte(v.Kind))
	if v.Missing {
		w.arena.WriteByte(1)
		return
	}
	w.arena.WriteByte(0)
	switch v.Kind {
	case KindInt64, KindTimestamp:
		writeUint64(w.arena, uint64(v.Int64))
	case KindDouble:
		writeUint64(w.arena, float64bitsRaw(v.Double))
	case KindString:
		writeUint64(w.arena, uint64(len(v.Str)))
		w.arena.Write([]byte(v.Str))
	case KindBool:
		if v.Bool {
			w.arena.WriteByte(1)
		} else {
			w.arena.WriteByte(0)
		}
	}
}

// flush packs whatever deltas are pending into Simple-8b blocks and resets
// the run state. With nothing pending it writes no block but still resets
// the run state.
func (w *writer) flush() {
	if len(w.pending) == 0 {
		w.kind = blockNone
		w.haveLast = false
		w.haveDelta = false
		return
	}
	words := simple8bPack(w.pending)
	high := controlHighIntBlock
	if w.kind == blockDouble {
		high = int(scaleControlByte(w.scaleIndex))
	}
	for i := 0; i < len(words); i += maxWordsPerBlock {
		end := i + maxWordsPerBlock
		if end > len(words) {
			end = len(words)
		}
		chunk := words[i:end]
		w.arena.WriteByte(byte(high) | byte(len(chunk)-1))
		for _, word := range chunk {
			writeUint64(w.arena, word)
		}
	}
	w.pending = w.pending[:0]
	w.kind = blockNone
	w.haveLast = false
	w.haveDelta = false
}

func writeUint64(a *arena, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	a.Write(buf[:])
}

func float64bitsRaw(f float64) uint64 {
	return math.Float64bits(f)
}
