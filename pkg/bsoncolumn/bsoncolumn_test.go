package bsoncolumn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, values []Value) []Value {
	t.Helper()
	buf := Encode(values)
	got, err := Decode(buf)
	require.NoError(t, err)
	return got
}

func assertValuesEqual(t *testing.T, want, got []Value) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Truef(t, want[i].equal(got[i]), "index %d: want %+v, got %+v", i, want[i], got[i])
	}
}

func TestRoundTripMonotonicInt64(t *testing.T) {
	values := make([]Value, 0, 50)
	for i := int64(0); i < 50; i++ {
		values = append(values, Int64Value(1000 + i*7))
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestRoundTripConstantRun(t *testing.T) {
	values := make([]Value, 0, 300)
	for i := 0; i < 300; i++ {
		values = append(values, Int64Value(42))
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestRoundTripDoubleScaled(t *testing.T) {
	values := []Value{
		DoubleValue(1.5),
		DoubleValue(1.75),
		DoubleValue(2.0),
		DoubleValue(2.25),
		DoubleValue(-3.5),
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestRoundTripDoubleFidelityFallsBackToMemoryAsInteger(t *testing.T) {
	// A value with more than 8 decimal digits of shift cannot round through
	// any fixed scale and must fall back to the raw-bits representation.
	values := []Value{
		DoubleValue(1.0),
		DoubleValue(1.0000000123456789),
		DoubleValue(2.0),
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestRoundTripDoubleMemoryAsIntegerRun(t *testing.T) {
	// A run of values that all share the same irrational-looking shift
	// stays in a single memory-as-integer block rather than re-literalizing
	// every element.
	values := []Value{
		DoubleValue(1.0000000123456789),
		DoubleValue(1.0000000223456789),
		DoubleValue(1.0000000323456789),
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestRoundTripSkipPreservation(t *testing.T) {
	values := []Value{
		Int64Value(10),
		Null(),
		Int64Value(11),
		Null(),
		Null(),
		Int64Value(12),
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
	assert.True(t, got[1].Missing)
	assert.True(t, got[3].Missing)
	assert.True(t, got[4].Missing)
}

func TestRoundTripLeadingSkip(t *testing.T) {
	values := []Value{
		Null(),
		Int64Value(5),
		Int64Value(6),
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestRoundTripMixedTypes(t *testing.T) {
	values := []Value{
		StringValue("hello"),
		StringValue("world"),
		Int64Value(1),
		Int64Value(2),
		BoolValue(true),
		BoolValue(false),
		DoubleValue(3.14),
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestRoundTripNegativeDeltas(t *testing.T) {
	values := []Value{
		Int64Value(100),
		Int64Value(50),
		Int64Value(0),
		Int64Value(-50),
		Int64Value(-100),
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestRoundTripLargeRunSpansMultipleBlocks(t *testing.T) {
	values := make([]Value, 0, 2000)
	for i := int64(0); i < 2000; i++ {
		values = append(values, Int64Value(i*3+1))
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestReaderNextAtEndOfEmptyColumn(t *testing.T) {
	buf := Encode(nil)
	r := NewReader(buf)
	_, ok, err := r.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeTruncatedBufferErrors(t *testing.T) {
	values := []Value{Int64Value(1), Int64Value(2), Int64Value(3)}
	buf := Encode(values)
	_, err := Decode(buf[:len(buf)-3])
	assert.Error(t, err)
}

func TestSimple8bPackUnpackRoundTrip(t *testing.T) {
	// Lengths here deliberately avoid selector-capacity multiples: unpack
	// must yield exactly the packed values, never padding out the final
	// word's unused slots.
	cases := [][]uint64{
		{0, 0, 0, 0, 0, 1, 2, 3, 100, 200, 1 << 20},
		{14},
		{14, 14},
		{1, 2},
		{1 << 50, 3},
		makeUniform(49, 14),
		makeUniform(121, 1),
	}
	for _, in := range cases {
		words := simple8bPack(in)
		out := simple8bUnpack(words, nil)
		assert.Equal(t, in, out)
	}
}

func makeUniform(n int, v uint64) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestZigZagRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 2, -2, 1000000, -1000000} {
		assert.Equal(t, v, zigZagDecode(zigZagEncode(v)))
	}
}

func TestRoundTripTimestampDeltaOfDelta(t *testing.T) {
	values := []Value{
		TimestampValue(1000),
		TimestampValue(1010),
		TimestampValue(1020),
		TimestampValue(1035),
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestRoundTripTimestampConstantInterval(t *testing.T) {
	values := make([]Value, 0, 100)
	for i := int64(0); i < 100; i++ {
		values = append(values, TimestampValue(1700000000000+i*1000))
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
}

func TestRoundTripTimestampWithSkips(t *testing.T) {
	values := []Value{
		TimestampValue(1000),
		TimestampValue(1010),
		{Kind: KindTimestamp, Missing: true},
		TimestampValue(1040),
	}
	got := roundTrip(t, values)
	assertValuesEqual(t, values, got)
	assert.True(t, got[2].Missing)
}

func docEqual(t *testing.T, want, got Document) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Truef(t, want[i].Value.equal(got[i].Value), "field %q: want %+v, got %+v", want[i].Name, want[i].Value, got[i].Value)
	}
}

func TestInterleavedRoundTrip(t *testing.T) {
	docs := []Document{
		{{Name: "a", Value: Int64Value(1)}, {Name: "b", Value: StringValue("x")}},
		{{Name: "a", Value: Int64Value(2)}, {Name: "b", Value: StringValue("x")}},
		{{Name: "a", Value: Int64Value(3)}, {Name: "b", Value: StringValue("y")}},
	}
	buf := EncodeInterleaved(docs)
	got, err := DecodeInterleaved(buf)
	require.NoError(t, err)
	require.Len(t, got, len(docs))
	for i := range docs {
		docEqual(t, docs[i], got[i])
	}
}

func TestInterleavedRoundTripWithMissingField(t *testing.T) {
	docs := []Document{
		{{Name: "a", Value: Int64Value(1)}, {Name: "b", Value: Int64Value(10)}},
		{{Name: "a", Value: Int64Value(2)}},
		{{Name: "a", Value: Int64Value(3)}, {Name: "b", Value: Int64Value(12)}},
	}
	buf := EncodeInterleaved(docs)
	got, err := DecodeInterleaved(buf)
	require.NoError(t, err)
	require.Len(t, got, len(docs))
	for i := range docs {
		docEqual(t, docs[i], got[i])
	}
}

func TestInterleavedEmpty(t *testing.T) {
	buf := EncodeInterleaved(nil)
	got, err := DecodeInterleaved(buf)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeInterleavedRejectsBadControlByte(t *testing.T) {
	_, err := DecodeInterleaved([]byte{0x7E})
	assert.ErrorIs(t, err, ErrInvalidControl)
}
