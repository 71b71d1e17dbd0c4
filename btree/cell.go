package btree

import (
	"encoding/binary"

	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/pager"
	"github.com/zhukovaskychina/sqlitecore/record"
)

// maxLocal is the largest payload a leaf cell may hold entirely in-page
// before spilling the remainder to an overflow chain (spec §4.C
// Overflow), computed the way SQLite derives it from the usable page size.
func maxLocal(usable int) int { return usable - 35 }

// minLocal is the smallest in-page prefix a cell keeps once it overflows,
// so a page always holds at least this many bytes of every cell's payload.
func minLocal(usable int) int { return (usable-12)*32/255 - 23 }

// tableLeafCell is a table b-tree leaf cell: payload length, rowid, then
// the record payload (spec §4.C, §4.D).
type tableLeafCell struct {
	RowID   int64
	Payload []byte
}

// encodeTableLeafCell produces the on-page bytes for a table leaf cell,
// spilling to overflow pages via alloc/write callbacks when the payload
// exceeds maxLocal.
func encodeTableLeafCell(rowID int64, payload []byte, usable int, allocOverflow func() (pager.PageId, []byte, error)) ([]byte, error) {
	local := payload
	var overflowPtr []byte
	if len(payload) > maxLocal(usable) {
		keep := minLocal(usable)
		local = payload[:keep]
		rest := payload[keep:]
		first, err := writeOverflowChain(rest, usable, allocOverflow)
		if err != nil {
			return nil, err
		}
		overflowPtr = make([]byte, 4)
		binary.BigEndian.PutUint32(overflowPtr, uint32(first))
	}

	buf := make([]byte, record.MaxVarintLen*2+len(local)+len(overflowPtr))
	n := record.PutVarint(buf, uint64(len(payload)))
	n += record.PutVarint(buf[n:], zigzagEncodeRowID(rowID))
	copy(buf[n:], local)
	n += len(local)
	copy(buf[n:], overflowPtr)
	n += len(overflowPtr)
	return buf[:n], nil
}

// zigzagEncodeRowID stores signed rowids as their unsigned bit pattern;
// SQLite rowids are almost always non-negative so this is effectively
// identity, but it keeps the varint codec strictly unsigned.
func zigzagEncodeRowID(id int64) uint64 { return uint64(id) }
func zigzagDecodeRowID(u uint64) int64  { return int64(u) }

// decodeTableLeafCell parses a table leaf cell's header and returns the
// full logical payload, following the overflow chain if present.
func decodeTableLeafCell(buf []byte, usable int, readOverflow func(pager.PageId) ([]byte, pager.PageId, error)) (*tableLeafCell, int, error) {
	payloadLen, n, err := record.Varint(buf)
	if err != nil {
		return nil, 0, err
	}
	rowidU, n2, err := record.Varint(buf[n:])
	if err != nil {
		return nil, 0, err
	}
	n += n2
	total := int(payloadLen)
	local := total
	hasOverflow := total > maxLocal(usable)
	if hasOverflow {
		local = minLocal(usable)
	}
	if n+local > len(buf) {
		return nil, 0, dberr.New(dberr.Corrupt, "btree: leaf cell local payload truncated")
	}
	payload := append([]byte(nil), buf[n:n+local]...)
	n += local
	if hasOverflow {
		if n+4 > len(buf) {
			return nil, 0, dberr.New(dberr.Corrupt, "btree: leaf cell missing overflow pointer")
		}
		first := pager.PageId(binary.BigEndian.Uint32(buf[n : n+4]))
		n += 4
		if readOverflow != nil {
			rest, err := readOverflowChain(first, total-local, usable, readOverflow)
			if err != nil {
				return nil, 0, err
			}
			payload = append(payload, rest...)
		}
	}
	return &tableLeafCell{RowID: zigzagDecodeRowID(rowidU), Payload: payload}, n, nil
}

// tableInteriorCell is a table b-tree interior cell: a child pointer and
// the largest rowid reachable through it.
type tableInteriorCell struct {
	LeftChild pager.PageId
	RowID     int64
}

func encodeTableInteriorCell(child pager.PageId, rowID int64) []byte {
	buf := make([]byte, 4+record.MaxVarintLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(child))
	n := 4 + record.PutVarint(buf[4:], zigzagEncodeRowID(rowID))
	return buf[:n]
}

func decodeTableInteriorCell(buf []byte) (*tableInteriorCell, int, error) {
	if len(buf) < 5 {
		return nil, 0, dberr.New(dberr.Corrupt, "btree: interior cell truncated")
	}
	child := pager.PageId(binary.BigEndian.Uint32(buf[0:4]))
	rowidU, n, err := record.Varint(buf[4:])
	if err != nil {
		return nil, 0, err
	}
	return &tableInteriorCell{LeftChild: child, RowID: zigzagDecodeRowID(rowidU)}, 4 + n, nil
}

// indexCell holds an index leaf or interior cell's encoded index key record
// (the index's columns followed by the indexed row's rowid as a trailing
// integer column, per spec's record layout) rather than a separate rowid
// field.
type indexCell struct {
	LeftChild pager.PageId // 0 for leaf cells
	Payload   []byte
}

func encodeIndexCell(child pager.PageId, payload []byte, isLeaf bool, usable int, allocOverflow func() (pager.PageId, []byte, error)) ([]byte, error) {
	local := payload
	var overflowPtr []byte
	if len(payload) > maxLocal(usable) {
		keep := minLocal(usable)
		local = payload[:keep]
		rest := payload[keep:]
		first, err := writeOverflowChain(rest, usable, allocOverflow)
		if err != nil {
			return nil, err
		}
		overflowPtr = make([]byte, 4)
		binary.BigEndian.PutUint32(overflowPtr, uint32(first))
	}
	head := 0
	if !isLeaf {
		head = 4
	}
	buf := make([]byte, head+record.MaxVarintLen+len(local)+len(overflowPtr))
	n := head
	if !isLeaf {
		binary.BigEndian.PutUint32(buf[0:4], uint32(child))
	}
	n += record.PutVarint(buf[n:], uint64(len(payload)))
	copy(buf[n:], local)
	n += len(local)
	copy(buf[n:], overflowPtr)
	n += len(overflowPtr)
	return buf[:n], nil
}

func decodeIndexCell(buf []byte, isLeaf bool, usable int, readOverflow func(pager.PageId) ([]byte, pager.PageId, error)) (*indexCell, int, error) {
	n := 0
	var child pager.PageId
	if !isLeaf {
		if len(buf) < 4 {
			return nil, 0, dberr.New(dberr.Corrupt, "btree: index interior cell truncated")
		}
		child = pager.PageId(binary.BigEndian.Uint32(buf[0:4]))
		n = 4
	}
	payloadLen, n2, err := record.Varint(buf[n:])
	if err != nil {
		return nil, 0, err
	}
	n += n2
	total := int(payloadLen)
	local := total
	hasOverflow := total > maxLocal(usable)
	if hasOverflow {
		local = minLocal(usable)
	}
	if n+local > len(buf) {
		return nil, 0, dberr.New(dberr.Corrupt, "btree: index cell local payload truncated")
	}
	payload := append([]byte(nil), buf[n:n+local]...)
	n += local
	if hasOverflow {
		if n+4 > len(buf) {
			return nil, 0, dberr.New(dberr.Corrupt, "btree: index cell missing overflow pointer")
		}
		first := pager.PageId(binary.BigEndian.Uint32(buf[n : n+4]))
		n += 4
		if readOverflow != nil {
			rest, err := readOverflowChain(first, total-local, usable, readOverflow)
			if err != nil {
				return nil, 0, err
			}
			payload = append(payload, rest...)
		}
	}
	return &indexCell{LeftChild: child, Payload: payload}, n, nil
}

// childPointer returns the left-child page id of the idx-th cell of an
// interior node, decoding it as a table or index interior cell depending
// on n.kind -- the one piece of page-walking logic shared verbatim between
// table and index trees (spec §4.C: both kinds of interior page carry a
// child pointer per cell, differing only in the key bytes that follow it).
func childPointer(n *node, idx int) (pager.PageId, error) {
	if n.kind.IsTable() {
		ic, _, err := decodeTableInteriorCell(n.cellBytes(idx))
		if err != nil {
			return 0, err
		}
		return ic.LeftChild, nil
	}
	ic, _, err := decodeIndexCell(n.cellBytes(idx), false, n.usable, nil)
	if err != nil {
		return 0, err
	}
	return ic.LeftChild, nil
}

// cellIndexValues decodes the idx-th cell of an index node (leaf or
// interior, per n.kind) into its column values, following the overflow
// chain via readOverflow when the key spilled (spec §4.D: the index key is
// the full payload, not a fixed-width field, so comparisons must be made on
// the decoded values rather than on raw cell bytes).
func cellIndexValues(n *node, idx, usable int, readOverflow func(pager.PageId) ([]byte, pager.PageId, error)) ([]record.Value, error) {
	cell, _, err := decodeIndexCell(n.cellBytes(idx), n.kind.IsLeaf(), usable, readOverflow)
	if err != nil {
		return nil, err
	}
	return record.Decode(cell.Payload, 0)
}

// writeOverflowChain writes data across as many overflow pages as needed,
// each starting with a 4-byte next-page pointer (0 for the last page),
// returning the first page's id.
func writeOverflowChain(data []byte, usable int, alloc func() (pager.PageId, []byte, error)) (pager.PageId, error) {
	chunk := usable - 4
	var firstID pager.PageId
	var prevBuf []byte
	var prevID pager.PageId
	for offset := 0; offset < len(data); offset += chunk {
		end := offset + chunk
		if end > len(data) {
			end = len(data)
		}
		id, buf, err := alloc()
		if err != nil {
			return 0, err
		}
		if firstID == 0 {
			firstID = id
		}
		if prevBuf != nil {
			binary.BigEndian.PutUint32(prevBuf[0:4], uint32(id))
		}
		copy(buf[4:], data[offset:end])
		prevBuf = buf
		prevID = id
	}
	_ = prevID
	return firstID, nil
}

// readOverflowChain reconstructs the overflow tail starting at first,
// reading exactly remaining bytes across the chain.
func readOverflowChain(first pager.PageId, remaining, usable int, read func(pager.PageId) ([]byte, pager.PageId, error)) ([]byte, error) {
	chunk := usable - 4
	out := make([]byte, 0, remaining)
	id := first
	for remaining > 0 {
		if id == 0 {
			return nil, dberr.New(dberr.Corrupt, "btree: overflow chain ended early")
		}
		buf, next, err := read(id)
		if err != nil {
			return nil, err
		}
		take := chunk
		if take > remaining {
			take = remaining
		}
		out = append(out, buf[4:4+take]...)
		remaining -= take
		id = next
	}
	return out, nil
}
