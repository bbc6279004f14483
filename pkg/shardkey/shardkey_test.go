package shardkey

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractKeyOrdering(t *testing.T) {
	pattern, err := ParsePattern("customerId")
	require.NoError(t, err)

	low := pattern.ExtractKey(Document{"customerId": int64(1)})
	high := pattern.ExtractKey(Document{"customerId": int64(2)})
	assert.True(t, bytes.Compare(low, high) < 0)
}

func TestExtractKeyMissingIsNull(t *testing.T) {
	pattern, err := ParsePattern("customerId")
	require.NoError(t, err)

	missing := pattern.ExtractKey(Document{})
	explicitNull := pattern.ExtractKey(Document{"customerId": nil})
	assert.Equal(t, missing, explicitNull)
}

func TestExtractKeyCompoundPattern(t *testing.T) {
	pattern, err := ParsePattern("region, customerId")
	require.NoError(t, err)
	require.Equal(t, Pattern{"region", "customerId"}, pattern)

	a := pattern.ExtractKey(Document{"region": "us", "customerId": int64(5)})
	b := pattern.ExtractKey(Document{"region": "us", "customerId": int64(6)})
	c := pattern.ExtractKey(Document{"region": "eu", "customerId": int64(1)})

	assert.True(t, bytes.Compare(a, b) < 0)
	assert.True(t, bytes.Compare(c, a) < 0) // "eu" < "us"
}

func TestExtractKeyNestedPath(t *testing.T) {
	pattern, err := ParsePattern("address.zip")
	require.NoError(t, err)

	doc := Document{"address": Document{"zip": "94110"}}
	k := pattern.ExtractKey(doc)
	assert.NotEmpty(t, k)

	missing := pattern.ExtractKey(Document{"address": Document{}})
	assert.NotEqual(t, k, missing)
}

func TestExtractKeyNegativeNumbersOrderCorrectly(t *testing.T) {
	pattern, err := ParsePattern("amount")
	require.NoError(t, err)

	neg := pattern.ExtractKey(Document{"amount": float64(-5)})
	zero := pattern.ExtractKey(Document{"amount": float64(0)})
	pos := pattern.ExtractKey(Document{"amount": float64(5)})

	assert.True(t, bytes.Compare(neg, zero) < 0)
	assert.True(t, bytes.Compare(zero, pos) < 0)
}

func TestParsePatternRejectsEmpty(t *testing.T) {
	_, err := ParsePattern("")
	assert.Error(t, err)

	_, err = ParsePattern("a,,b")
	assert.Error(t, err)
}
