package record

import (
	"encoding/binary"
	"math"

	"github.com/zhukovaskychina/sqlitecore/dberr"
)

// Serial type codes (spec §4.D / §3).
const (
	serialNull    = 0
	serialInt8    = 1
	serialInt16   = 2
	serialInt24   = 3
	serialInt32   = 4
	serialInt48   = 5
	serialInt64   = 6
	serialFloat64 = 7
	serialZero    = 8
	serialOne     = 9
)

func blobSerialType(n int) uint64 { return uint64(n)*2 + 12 }
func textSerialType(n int) uint64 { return uint64(n)*2 + 13 }

// Encode serializes values into the record layout:
//
//	header_len (varint) | type_code[0..n-1] (varint each) | body[0..n-1]
//
// (spec §4.D). The header_len field's own varint width is included in
// header_len, satisfying the header_len invariant (spec §4.D "Invariants").
func Encode(values []Value) []byte {
	types := make([]uint64, len(values))
	bodies := make([][]byte, len(values))
	bodyLen := 0
	typesLen := 0
	for i, v := range values {
		t, body := encodeOne(v)
		types[i] = t
		bodies[i] = body
		typesLen += VarintLen(t)
		bodyLen += len(body)
	}

	// header_len's own encoding is self-referential: find the smallest n
	// such that VarintLen(n + typesLen) == n.
	headerLen := typesLen + 1
	for VarintLen(uint64(headerLen)) != headerLen-typesLen {
		headerLen++
	}

	out := make([]byte, headerLen+bodyLen)
	off := PutVarint(out, uint64(headerLen))
	for _, t := range types {
		off += PutVarint(out[off:], t)
	}
	for _, body := range bodies {
		off += copy(out[off:], body)
	}
	return out
}

func encodeOne(v Value) (uint64, []byte) {
	switch v.Kind {
	case KindNull:
		return serialNull, nil
	case KindInt:
		return encodeInt(v.I)
	case KindReal:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.F))
		return serialFloat64, buf
	case KindText:
		b := []byte(v.S)
		return textSerialType(len(b)), b
	case KindBlob:
		return blobSerialType(len(v.B)), append([]byte(nil), v.B...)
	}
	return serialNull, nil
}

func encodeInt(i int64) (uint64, []byte) {
	switch {
	case i == 0:
		return serialZero, nil
	case i == 1:
		return serialOne, nil
	case i >= -(1<<7) && i < (1<<7):
		return serialInt8, []byte{byte(i)}
	case i >= -(1<<15) && i < (1<<15):
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(i))
		return serialInt16, buf
	case i >= -(1<<23) && i < (1<<23):
		buf := make([]byte, 3)
		u := uint32(i) & 0xffffff
		buf[0] = byte(u >> 16)
		buf[1] = byte(u >> 8)
		buf[2] = byte(u)
		return serialInt24, buf
	case i >= -(1<<31) && i < (1<<31):
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(i))
		return serialInt32, buf
	case i >= -(1<<47) && i < (1<<47):
		buf := make([]byte, 6)
		u := uint64(i) & 0xffffffffffff
		for j := 0; j < 6; j++ {
			buf[5-j] = byte(u)
			u >>= 8
		}
		return serialInt48, buf
	default:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(i))
		return serialInt64, buf
	}
}

// Decode parses a record previously produced by Encode back into values
// (spec invariant #2, record round-trip). arity, if > 0, is checked against
// the decoded column count per the schema-arity invariant in spec §4.D.
func Decode(buf []byte, arity int) ([]Value, error) {
	headerLen, n, err := Varint(buf)
	if err != nil {
		return nil, err
	}
	if int(headerLen) > len(buf) {
		return nil, dberr.New(dberr.Corrupt, "record: header_len %d exceeds record length %d", headerLen, len(buf))
	}

	var types []uint64
	off := n
	for off < int(headerLen) {
		t, w, err := Varint(buf[off:int(headerLen)])
		if err != nil {
			return nil, dberr.Wrap(dberr.Corrupt, err, "record: bad type code")
		}
		types = append(types, t)
		off += w
	}
	if arity > 0 && len(types) != arity {
		return nil, dberr.New(dberr.Corrupt, "record: column count %d does not match schema arity %d", len(types), arity)
	}

	values := make([]Value, len(types))
	bodyOff := int(headerLen)
	for i, t := range types {
		v, consumed, err := decodeOne(t, buf[bodyOff:])
		if err != nil {
			return nil, err
		}
		values[i] = v
		bodyOff += consumed
	}
	return values, nil
}

func decodeOne(t uint64, buf []byte) (Value, int, error) {
	switch t {
	case serialNull:
		return Null(), 0, nil
	case serialZero:
		return Int(0), 0, nil
	case serialOne:
		return Int(1), 0, nil
	case serialInt8:
		if len(buf) < 1 {
			return Value{}, 0, shortRecord()
		}
		return Int(int64(int8(buf[0]))), 1, nil
	case serialInt16:
		if len(buf) < 2 {
			return Value{}, 0, shortRecord()
		}
		return Int(int64(int16(binary.BigEndian.Uint16(buf)))), 2, nil
	case serialInt24:
		if len(buf) < 3 {
			return Value{}, 0, shortRecord()
		}
		u := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
		if u&0x800000 != 0 {
			u |= 0xff000000
		}
		return Int(int64(int32(u))), 3, nil
	case serialInt32:
		if len(buf) < 4 {
			return Value{}, 0, shortRecord()
		}
		return Int(int64(int32(binary.BigEndian.Uint32(buf)))), 4, nil
	case serialInt48:
		if len(buf) < 6 {
			return Value{}, 0, shortRecord()
		}
		var u uint64
		for j := 0; j < 6; j++ {
			u = u<<8 | uint64(buf[j])
		}
		if u&0x800000000000 != 0 {
			u |= 0xffff000000000000
		}
		return Int(int64(u)), 6, nil
	case serialInt64:
		if len(buf) < 8 {
			return Value{}, 0, shortRecord()
		}
		return Int(int64(binary.BigEndian.Uint64(buf))), 8, nil
	case serialFloat64:
		if len(buf) < 8 {
			return Value{}, 0, shortRecord()
		}
		return Real(math.Float64frombits(binary.BigEndian.Uint64(buf))), 8, nil
	default:
		if t >= 12 && t%2 == 0 {
			n := int((t - 12) / 2)
			if len(buf) < n {
				return Value{}, 0, shortRecord()
			}
			return Blob(append([]byte(nil), buf[:n]...)), n, nil
		}
		if t >= 13 && t%2 == 1 {
			n := int((t - 13) / 2)
			if len(buf) < n {
				return Value{}, 0, shortRecord()
			}
			return Text(string(buf[:n])), n, nil
		}
		return Value{}, 0, dberr.New(dberr.Corrupt, "record: unknown serial type %d", t)
	}
}

func shortRecord() error {
	return dberr.New(dberr.Corrupt, "record: body shorter than serial type requires")
}
