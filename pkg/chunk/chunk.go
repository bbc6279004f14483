package chunk

import (
	"bytes"
	"sort"
)

// Key is a shard-key value encoded as a BSON-comparable byte string. Chunk
// bounds and document shard-key values are both represented this way so
// range comparisons reduce to bytes.Compare.
type Key []byte

// MinKey and MaxKey bound every possible chunk range. A chunk's Min is
// inclusive, Max is exclusive, except the final chunk in a collection whose
// Max is MaxKey.
var (
	MinKey = Key{0x00}
	MaxKey = Key{0xff, 0xff, 0xff, 0xff}
)

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool {
	return bytes.Compare(k, other) < 0
}

// Chunk is a contiguous, half-open range [Min, Max) of shard-key space owned
// by a single shard.
type Chunk struct {
	Namespace string
	Min       Key
	Max       Key
	ShardID   string
	Version   Version
}

// Contains reports whether key falls in [c.Min, c.Max).
func (c Chunk) Contains(key Key) bool {
	if bytes.Compare(key, c.Min) < 0 {
		return false
	}
	if bytes.Equal(c.Max, MaxKey) {
		return bytes.Compare(key, c.Max) <= 0
	}
	return bytes.Compare(key, c.Max) < 0
}

// Index is an ordered collection of chunks for one namespace, sorted by Min,
// supporting O(log n) lower-bound lookup by shard-key value.
type Index struct {
	chunks []Chunk
}

// NewIndex builds an Index from an unordered chunk slice. The caller is
// responsible for validating the partition invariant (ValidatePartition)
// before trusting lookups against it.
func NewIndex(chunks []Chunk) *Index {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Min, sorted[j].Min) < 0
	})
	return &Index{chunks: sorted}
}

// Len returns the number of chunks in the index.
func (idx *Index) Len() int {
	return len(idx.chunks)
}

// All returns the chunks in ascending Min order. Callers must not mutate
// the returned slice.
func (idx *Index) All() []Chunk {
	return idx.chunks
}

// Find returns the chunk whose range contains key, and true, or the zero
// Chunk and false if key falls outside every chunk (a partition gap, which
// ValidatePartition should have already ruled out).
func (idx *Index) Find(key Key) (Chunk, bool) {
	n := len(idx.chunks)
	if n == 0 {
		return Chunk{}, false
	}
	// LowerBound: first chunk whose Min is > key, then step back one.
	i := sort.Search(n, func(i int) bool {
		return bytes.Compare(idx.chunks[i].Min, key) > 0
	})
	if i == 0 {
		return Chunk{}, false
	}
	c := idx.chunks[i-1]
	if !c.Contains(key) {
		return Chunk{}, false
	}
	return c, true
}

// Range returns every chunk overlapping [min, max), in ascending order.
// An empty max is treated as MaxKey, meaning "open ended".
func (idx *Index) Range(min, max Key) []Chunk {
	n := len(idx.chunks)
	start := sort.Search(n, func(i int) bool {
		return bytes.Compare(idx.chunks[i].Max, min) > 0
	})
	var out []Chunk
	for i := start; i < n; i++ {
		c := idx.chunks[i]
		if len(max) > 0 && bytes.Compare(c.Min, max) >= 0 {
			break
		}
		out = append(out, c)
	}
	return out
}

// ValidatePartition reports whether the chunks in idx form a complete,
// non-overlapping partition of the full key space: sorted, contiguous
// (each Max equals the next Min), starting at MinKey and ending at MaxKey.
// A nil error means the partition invariant holds.
func (idx *Index) ValidatePartition() error {
	n := len(idx.chunks)
	if n == 0 {
		return &PartitionError{Reason: "empty chunk set"}
	}
	if !bytes.Equal(idx.chunks[0].Min, MinKey) {
		return &PartitionError{Reason: "first chunk does not start at MinKey"}
	}
	for i := 0; i < n-1; i++ {
		if !bytes.Equal(idx.chunks[i].Max, idx.chunks[i+1].Min) {
			return &PartitionError{Reason: "gap or overlap between adjacent chunks", ChunkIndex: i}
		}
	}
	if !bytes.Equal(idx.chunks[n-1].Max, MaxKey) {
		return &PartitionError{Reason: "last chunk does not end at MaxKey"}
	}
	return nil
}

// PartitionError describes why a chunk set fails to form a complete
// partition of the key space.
type PartitionError struct {
	Reason     string
	ChunkIndex int
}

func (e *PartitionError) Error() string {
	return "chunk: invalid partition: " + e.Reason
}
