// Package record implements the SQLite record format (spec §4.D): varints,
// the record header/body layout, type affinity coercion and the SQL value
// ordering used by comparisons. Grounded on the byte-layout the pack's
// SQLite-format readers (feliposz-build-your-own-sqlite-go,
// thanhfphan-codecrafters-sqlite-go) decode, written in the teacher's
// binary.BigEndian-and-byte-slice style.
package record

import "github.com/zhukovaskychina/sqlitecore/dberr"

// MaxVarintLen is the longest a varint can ever be: 9 bytes, the final byte
// contributing its full 8 bits per spec §4.D.
const MaxVarintLen = 9

// PutVarint encodes v as a big-endian base-128 varint into buf, returning
// the number of bytes written (the uniquely shortest encoding, spec
// invariant #3). buf must have room for MaxVarintLen bytes.
func PutVarint(buf []byte, v uint64) int {
	// If any of the top 8 bits are set, the value cannot be represented in
	// fewer than 9 bytes: emit the special form where the last byte carries
	// its full 8 bits with no continuation semantics.
	if v&0xff00000000000000 != 0 {
		buf[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			buf[i] = byte(v&0x7f) | 0x80
			v >>= 7
		}
		return 9
	}

	var tmp [MaxVarintLen]byte
	n := 0
	for {
		tmp[n] = byte(v&0x7f) | 0x80
		n++
		v >>= 7
		if v == 0 {
			break
		}
	}
	tmp[0] &^= 0x80 // clear continuation bit on what becomes the last (least-significant) output byte
	for i, j := 0, n-1; j >= 0; j, i = j-1, i+1 {
		buf[i] = tmp[j]
	}
	return n
}

// Varint decodes a big-endian base-128 varint from the start of buf,
// returning the value and the number of bytes consumed.
func Varint(buf []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < MaxVarintLen-1; i++ {
		if i >= len(buf) {
			return 0, 0, dberr.New(dberr.RangeError, "record: truncated varint")
		}
		b := buf[i]
		if b&0x80 == 0 {
			v = (v << 7) | uint64(b)
			return v, i + 1, nil
		}
		v = (v << 7) | uint64(b&0x7f)
	}
	if MaxVarintLen-1 >= len(buf) {
		return 0, 0, dberr.New(dberr.RangeError, "record: truncated varint")
	}
	v = (v << 8) | uint64(buf[MaxVarintLen-1])
	return v, MaxVarintLen, nil
}

// VarintLen reports how many bytes PutVarint would need for n, without
// writing anything -- used to size record headers before allocating them.
func VarintLen(n uint64) int {
	switch {
	case n <= 0x7f:
		return 1
	case n <= 0x3fff:
		return 2
	case n <= 0x1fffff:
		return 3
	case n <= 0xfffffff:
		return 4
	case n <= 0x7ffffffff:
		return 5
	case n <= 0x3ffffffffff:
		return 6
	case n <= 0x1ffffffffffff:
		return 7
	case n <= 0xffffffffffffff:
		return 8
	default:
		return 9
	}
}
