package bsoncolumn

// Simple-8b packs runs of small unsigned integers into 64-bit words: a
// 4-bit selector nibble picks how many values fit in the remaining 60 data
// bits and how wide each is. Selector 0 is a run-length special case used
// for long runs of exact zeros (the common case for an unchanging delta),
// selector 15 falls back to a single 60-bit value for anything wider.
//
// selectorBits[s] is how many bits each packed value occupies under
// selector s, selectorCount[s] is how many values fit in one word.
var selectorBits = [16]uint{
	0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 10, 12, 15, 20, 30, 60,
}

var selectorCount = [16]uint{
	240, 120, 60, 30, 20, 15, 12, 10, 8, 7, 6, 5, 4, 3, 2, 1,
}

const simple8bDataBits = 60

// maxValueForSelector returns the largest unsigned value that fits in the
// bit width selector s allows. The two run-length selectors have no
// per-value bit width and get all ones (^uint64(0)).
func maxValueForSelector(s int) uint64 {
	bits := selectorBits[s]
	if bits == 0 || bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

// simple8bPack greedily packs values into the fewest Simple-8b words it can,
// preferring a run-length word whenever a run of four or more exact zeros
// starts the remaining slice, since an unchanging delta is the single most
// common case in a time-ordered or monotonic column.
func simple8bPack(values []uint64) []uint64 {
	var words []uint64
	i := 0
	for i < len(values) {
		if n := zeroRunLength(values[i:]); n >= 4 {
			selector, count := rleSelectorFor(n)
			words = append(words, rleWord(selector, count))
			i += count
			continue
		}
		selector, count := bestSelector(values[i:])
		words = append(words, packWord(selector, values[i:i+count]))
		i += count
	}
	return words
}

func zeroRunLength(values []uint64) int {
	n := 0
	for n < len(values) && values[n] == 0 {
		n++
	}
	return n
}

// rleSelectorFor picks selector 0 (240 zeros/word) when the run is long
// enough, else selector 1 (120 zeros/word), and caps the consumed count at
// what the chosen selector's capacity and the available run allow.
func rleSelectorFor(available int) (selector int, count int) {
	if available >= int(selectorCount[0]) {
		return 0, int(selectorCount[0])
	}
	return 1, minInt(available, int(selectorCount[1]))
}

func rleWord(selector, count int) uint64 {
	// The data payload for an RLE word carries the run length so decode
	// knows how many zeros to emit without needing the full capacity.
	return uint64(selector) | uint64(count)<<4
}

// bestSelector picks the non-RLE selector (2..15) for the next word: the
// one packing the most values, constrained both by the widest value it
// would consume and by how many values remain. A word is always filled to
// its selector's exact capacity — unlike the RLE selectors, a data word
// carries no separate length, so decode emits selectorCount values per
// word and a partially filled one would pad the column with phantom zero
// deltas.
func bestSelector(values []uint64) (selector int, count int) {
	for s := 2; s <= 15; s++ {
		n := int(selectorCount[s])
		if n > len(values) {
			// Not enough values left to fill this word; a wider selector
			// with a smaller capacity picks up the tail.
			continue
		}
		max := maxValueForSelector(s)
		fits := true
		for _, v := range values[:n] {
			if v > max {
				fits = false
				break
			}
		}
		if fits {
			return s, n
		}
	}
	// Selector 15 holds any 60-bit value; the caller never hands us
	// anything wider because deltas are all stored as 64-bit quantities
	// expected to fit after zig-zag encoding in practice.
	return 15, 1
}

func packWord(selector int, values []uint64) uint64 {
	word := uint64(selector)
	bits := selectorBits[selector]
	offset := uint(4)
	for _, v := range values {
		word |= (v & maxValueForSelector(selector)) << offset
		offset += bits
	}
	return word
}

// simple8bUnpack reverses simple8bPack, appending decoded values to dst and
// returning the extended slice.
func simple8bUnpack(words []uint64, dst []uint64) []uint64 {
	for _, word := range words {
		selector := int(word & 0xF)
		switch selector {
		case 0, 1:
			count := int(word >> 4)
			for i := 0; i < count; i++ {
				dst = append(dst, 0)
			}
		default:
			bits := selectorBits[selector]
			count := int(selectorCount[selector])
			mask := maxValueForSelector(selector)
			offset := uint(4)
			for i := 0; i < count; i++ {
				dst = append(dst, (word>>offset)&mask)
				offset += bits
			}
		}
	}
	return dst
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
