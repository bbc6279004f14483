package bsoncolumn

// ScaleMultiplier is the decimal shift applied to a double before it is
// rounded to an integer and packed, indexed by the scale index recorded in
// a block's control byte.
var ScaleMultiplier = [5]float64{1, 10, 100, 10000, 100000000}

// MemoryAsInteger is the scale index meaning "reinterpret the double's raw
// bits as an integer" rather than a decimal-shifted value, used when no
// scale loses precision faithfully.
const MemoryAsInteger = 5

// zigZagEncode maps a signed delta to an unsigned value so that small
// magnitudes (positive or negative) pack into few bits: 0, -1, 1, -2, 2, ...
// becomes 0, 1, 2, 3, 4, ...
func zigZagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

// zigZagDecode reverses zigZagEncode.
func zigZagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// encodeDouble attempts to represent f as an integer scaled by
// ScaleMultiplier[scaleIndex], returning ok=false if the shift does not
// round-trip exactly (more than 8 significant decimal digits of shift).
func encodeDouble(f float64, scaleIndex uint8) (int64, bool) {
	if scaleIndex >= uint8(len(ScaleMultiplier)) {
		return 0, false
	}
	scaled := f * ScaleMultiplier[scaleIndex]
	rounded := int64(scaled)
	if float64(rounded) != scaled {
		return 0, false
	}
	if decodeDouble(rounded, scaleIndex) != f {
		return 0, false
	}
	return rounded, true
}

// decodeDouble reverses encodeDouble.
func decodeDouble(v int64, scaleIndex uint8) float64 {
	return float64(v) / ScaleMultiplier[scaleIndex]
}

// calculateDecimalShiftMultiplier finds the smallest scale index that lets f
// round-trip through encodeDouble, or false if none of the five decimal
// scales suffice (the caller then falls back to MemoryAsInteger).
func calculateDecimalShiftMultiplier(f float64) (uint8, bool) {
	for idx := 0; idx < len(ScaleMultiplier); idx++ {
		if _, ok := encodeDouble(f, uint8(idx)); ok {
			return uint8(idx), true
		}
	}
	return 0, false
}
