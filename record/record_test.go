package record

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	cases := []uint64{
		0, 1, 127, 128, 255, 16384, 1 << 20,
		1<<56 - 1, 1 << 56, 1<<63 - 1, math.MaxUint64,
	}
	for _, n := range cases {
		buf := make([]byte, MaxVarintLen)
		w := PutVarint(buf, n)
		assert.Equal(t, VarintLen(n), w, "encoded length must match VarintLen for %d", n)

		got, consumed, err := Varint(buf)
		require.NoError(t, err)
		assert.Equal(t, w, consumed)
		assert.Equal(t, n, got)
	}
}

func TestVarintIsUniquelyShortest(t *testing.T) {
	// Values just below and at each width boundary must encode to the
	// narrowest possible width.
	boundaries := []struct {
		n        uint64
		wantLen  int
	}{
		{0x7f, 1},
		{0x80, 2},
		{0x3fff, 2},
		{0x4000, 3},
	}
	for _, b := range boundaries {
		buf := make([]byte, MaxVarintLen)
		got := PutVarint(buf, b.n)
		assert.Equal(t, b.wantLen, got, "n=%d", b.n)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	values := []Value{
		Null(),
		Int(0),
		Int(1),
		Int(-1),
		Int(1000000000),
		Real(3.14159),
		Text("hello world"),
		Blob([]byte{0x00, 0x01, 0xff}),
	}

	enc := Encode(values)
	dec, err := Decode(enc, len(values))
	require.NoError(t, err)
	require.Len(t, dec, len(values))

	for i := range values {
		assert.Equal(t, values[i].Kind, dec[i].Kind, "column %d kind", i)
		switch values[i].Kind {
		case KindInt:
			assert.Equal(t, values[i].I, dec[i].I)
		case KindReal:
			assert.Equal(t, values[i].F, dec[i].F)
		case KindText:
			assert.Equal(t, values[i].S, dec[i].S)
		case KindBlob:
			assert.Equal(t, values[i].B, dec[i].B)
		}
	}
}

func TestDecodeRejectsArityMismatch(t *testing.T) {
	enc := Encode([]Value{Int(1), Int(2)})
	_, err := Decode(enc, 3)
	require.Error(t, err)
}

func TestNumericAffinityCoercion(t *testing.T) {
	assert.Equal(t, KindInt, AffinityNumeric.Apply(Text("10")).Kind)
	assert.Equal(t, int64(10), AffinityNumeric.Apply(Text("10.00")).I)
	assert.Equal(t, KindReal, AffinityNumeric.Apply(Text("10.5")).Kind)
	assert.Equal(t, KindText, AffinityNumeric.Apply(Text("abc")).Kind)
}

func TestCompareOrdering(t *testing.T) {
	assert.Equal(t, -1, Compare(Null(), Int(0)))
	assert.Equal(t, -1, Compare(Int(5), Text("5")))
	assert.Equal(t, -1, Compare(Text("a"), Blob([]byte("a"))))
	assert.Equal(t, 0, Compare(Int(5), Real(5.0)))
	assert.Equal(t, -1, Compare(Int(4), Real(5.0)))
}
