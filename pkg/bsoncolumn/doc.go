/*
Package bsoncolumn implements a columnar binary encoding for a sequence of
scalar values of one field across many documents: literals are stored once,
and runs of similar values are delta- or delta-of-delta-compressed and
packed with Simple-8b into dense 64-bit words. Decoding never needs the
whole buffer materialized at once; Reader walks it element by element.

Timestamp-kinded values compress with delta-of-delta instead of plain
delta: the first post-literal value stores a raw delta, every value after
that stores the difference between successive deltas, which collapses a
steady-interval timestamp column to runs of zero.

EncodeInterleaved/DecodeInterleaved handle the sub-object case: a run of
same-shaped documents is split into one independent column per scalar
field, each compressed exactly as above, and reassembled by stepping every
field's decoder state in lockstep.

The control byte layout is:

	0000 0001   literal: a kind byte, a skip flag and the full value follow
	1000 xxxx   Simple-8b block, values are raw 64-bit integers (no scale)
	1001 xxxx   Simple-8b block, double values scaled by ScaleMultiplier[0]
	1010 xxxx   Simple-8b block, double values scaled by ScaleMultiplier[1]
	1011 xxxx   Simple-8b block, double values scaled by ScaleMultiplier[2]
	1100 xxxx   Simple-8b block, double values scaled by ScaleMultiplier[3]
	1101 xxxx   Simple-8b block, double values scaled by ScaleMultiplier[4]
	0000 0000   end of column (when read where a control byte is expected)

The low nibble of a Simple-8b control byte holds (word count - 1): up to 16
consecutive Simple-8b words follow the control byte before the next control
byte or the end-of-column marker.
*/
package bsoncolumn
