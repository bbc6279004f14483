// Package shardkey projects documents onto the ordered key space that
// chunks partition: a shard-key pattern names an ordered sequence of field
// paths, and ExtractKey walks a document to produce a comparable chunk.Key.
package shardkey

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/shardmesh/router/pkg/chunk"
)

// Pattern is an ordered sequence of dotted field paths that together form a
// shard key, e.g. []string{"customerId", "orderDate"}.
type Pattern []string

// Document is a loosely typed BSON-like document: field names mapped to
// scalar values, nested documents (map[string]any), or nil for an explicit
// null. A path segment missing entirely is treated the same as an explicit
// null, per the shard-key null convention.
type Document map[string]any

// ExtractKey projects doc onto p, producing an ordered, comparable
// chunk.Key. Each path component is encoded with a type tag byte so that
// values of different BSON types never collide under byte comparison, and
// missing or null fields encode to a single null tag.
func (p Pattern) ExtractKey(doc Document) chunk.Key {
	var buf bytes.Buffer
	for _, path := range p {
		v := lookup(doc, path)
		encodeValue(&buf, v)
	}
	return chunk.Key(buf.Bytes())
}

// lookup walks dotted path segments through nested Document maps, returning
// nil if any segment is absent.
func lookup(doc Document, path string) any {
	segments := strings.Split(path, ".")
	var cur any = doc
	for _, seg := range segments {
		m, ok := cur.(Document)
		if !ok {
			if mm, ok2 := cur.(map[string]any); ok2 {
				m = Document(mm)
			} else {
				return nil
			}
		}
		v, present := m[seg]
		if !present {
			return nil
		}
		cur = v
	}
	return cur
}

// Type tags order null before numbers before strings before booleans before
// sub-documents. Null, numbers, strings and sub-documents follow BSON's
// canonical type ordering; booleans sort before sub-documents here, where
// BSON places them after.
const (
	tagNull = iota
	tagNumber
	tagString
	tagBool
	tagDocument
)

func encodeValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(tagNull)
	case bool:
		buf.WriteByte(tagBool)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int:
		encodeFloat(buf, float64(val))
	case int32:
		encodeFloat(buf, float64(val))
	case int64:
		encodeFloat(buf, float64(val))
	case float64:
		encodeFloat(buf, val)
	case string:
		buf.WriteByte(tagString)
		buf.WriteString(val)
		buf.WriteByte(0)
	case Document:
		buf.WriteByte(tagDocument)
		for _, k := range sortedKeys(val) {
			buf.WriteString(k)
			buf.WriteByte(0)
			encodeValue(buf, val[k])
		}
	case map[string]any:
		encodeValue(buf, Document(val))
	default:
		buf.WriteByte(tagString)
		buf.WriteString(fmt.Sprintf("%v", val))
		buf.WriteByte(0)
	}
}

// encodeFloat writes a number in an order-preserving binary form: the IEEE
// 754 bit pattern with the sign bit flipped, and all bits flipped if the
// original was negative, so byte comparison agrees with numeric comparison.
func encodeFloat(buf *bytes.Buffer, f float64) {
	buf.WriteByte(tagNumber)
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(bits)
		bits >>= 8
	}
	buf.Write(tmp[:])
}

func sortedKeys(m Document) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Insertion sort is fine; shard-key sub-documents are small.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// ExtractRangeBounds builds a half-open key range [lo, hi) covering every
// document whose leading fields (up to rangeField) match eq exactly and
// whose rangeField value falls in [min, max]. hasMin/hasMax false means
// that side of the range is open; the router uses this to turn a predicate
// of the form "equality prefix + range on the next field" into the bounds
// chunk.Index.Range expects.
func (p Pattern) ExtractRangeBounds(eq Document, rangeField string, min any, hasMin bool, max any, hasMax bool) (lo, hi chunk.Key) {
	prefixIdx := -1
	for i, f := range p {
		if f == rangeField {
			prefixIdx = i
			break
		}
	}
	if prefixIdx < 0 {
		panic(fmt.Sprintf("shardkey: %q is not a field of this pattern", rangeField))
	}

	var loBuf, hiBuf bytes.Buffer
	for i := 0; i < prefixIdx; i++ {
		v := lookup(eq, p[i])
		encodeValue(&loBuf, v)
		encodeValue(&hiBuf, v)
	}

	if hasMin {
		encodeValue(&loBuf, min)
	}
	// An absent min leaves loBuf at the equality prefix alone, which sorts
	// before every encoded value of rangeField (every type tag is >= 0),
	// giving an inclusive lower bound of "from the start of this prefix".

	if hasMax {
		encodeValue(&hiBuf, max)
		hiBuf.WriteByte(0xFF)
	} else {
		hiBuf.WriteByte(0xFF)
	}
	// Appending 0xFF pushes hi strictly past any key sharing this prefix,
	// since every type tag byte this package emits is < 0xFF; that turns
	// an inclusive upper bound into the exclusive one Index.Range expects.

	return chunk.Key(loBuf.Bytes()), chunk.Key(hiBuf.Bytes())
}

// ParsePattern splits a comma-separated shard key spec such as
// "customerId,orderDate" into a Pattern. Used by cmd/routerd flag parsing.
func ParsePattern(spec string) (Pattern, error) {
	parts := strings.Split(spec, ",")
	pattern := make(Pattern, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("shardkey: empty field path in pattern %q", spec)
		}
		pattern = append(pattern, p)
	}
	if len(pattern) == 0 {
		return nil, fmt.Errorf("shardkey: empty pattern")
	}
	return pattern, nil
}
