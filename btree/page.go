// Package btree implements ordered, page-resident storage over the pager
// (spec §4.C): search, insert, delete with split/merge, overflow chains, a
// free list, and cursors with the invalidate-on-structural-mutation
// contract the VM relies on. Grounded on the teacher's innodb_store/store
// BTree (do/doLeaf/doInternal dispatch by page type, getStart/getEnd
// descent, nextLoc/prevLoc linked-leaf walk), generalized from InnoDB's
// clustered/secondary index pages to SQLite's single page-header-plus-
// cell-pointer-array layout so the on-disk bytes are real SQLite pages.
package btree

import (
	"encoding/binary"

	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/pager"
)

// PageKind is the single type byte at the start of every b-tree page,
// using SQLite's own encoding so a page dumped to disk is byte-identical
// to what sqlite3 would have written for the same tree shape.
type PageKind uint8

const (
	KindInteriorIndex PageKind = 2
	KindInteriorTable PageKind = 5
	KindLeafIndex     PageKind = 10
	KindLeafTable     PageKind = 13
)

func (k PageKind) IsLeaf() bool     { return k == KindLeafIndex || k == KindLeafTable }
func (k PageKind) IsTable() bool    { return k == KindInteriorTable || k == KindLeafTable }
func (k PageKind) headerLen() int {
	if k.IsLeaf() {
		return 8
	}
	return 12
}

// node is the in-memory decoded view of one b-tree page: header fields plus
// the cell pointer array, backed by the pager.Page's raw bytes. pageStart
// is 100 for the root page of the whole file (which shares page 1 with the
// database header) and 0 for every other page.
type node struct {
	page      *pager.Page
	pageStart int // byte offset of the b-tree header within page.Data
	usable    int // usable page size (page size minus reserved space)

	kind        PageKind
	firstFree   uint16
	numCells    uint16
	contentLo   uint16 // start of the cell-content area; 0 means usable size
	fragFree    uint8
	rightmost   uint32 // interior pages only
	cellOffsets []uint16
}

func loadNode(p *pager.Page, pageStart, usable int) (*node, error) {
	buf := p.Data
	if pageStart >= len(buf) {
		return nil, dberr.New(dberr.Corrupt, "btree: page %d too small for header", p.ID)
	}
	kind := PageKind(buf[pageStart])
	switch kind {
	case KindInteriorIndex, KindInteriorTable, KindLeafIndex, KindLeafTable:
	default:
		return nil, dberr.New(dberr.Corrupt, "btree: page %d bad page type %d", p.ID, buf[pageStart])
	}
	n := &node{page: p, pageStart: pageStart, usable: usable, kind: kind}
	h := buf[pageStart:]
	n.firstFree = binary.BigEndian.Uint16(h[1:3])
	n.numCells = binary.BigEndian.Uint16(h[3:5])
	n.contentLo = binary.BigEndian.Uint16(h[5:7])
	n.fragFree = h[7]
	hdrLen := kind.headerLen()
	if !kind.IsLeaf() {
		n.rightmost = binary.BigEndian.Uint32(h[8:12])
	}
	ptrBase := pageStart + hdrLen
	n.cellOffsets = make([]uint16, n.numCells)
	for i := 0; i < int(n.numCells); i++ {
		off := ptrBase + i*2
		n.cellOffsets[i] = binary.BigEndian.Uint16(buf[off : off+2])
	}
	return n, nil
}

// newNode initializes a blank page of the given kind in place.
func newNode(p *pager.Page, pageStart, usable int, kind PageKind) *node {
	n := &node{page: p, pageStart: pageStart, usable: usable, kind: kind}
	n.contentLo = uint16(usable)
	n.writeHeader()
	return n
}

func (n *node) contentAreaStart() int {
	if n.contentLo == 0 {
		return 65536
	}
	return int(n.contentLo)
}

func (n *node) writeHeader() {
	buf := n.page.Data
	h := buf[n.pageStart:]
	h[0] = byte(n.kind)
	binary.BigEndian.PutUint16(h[1:3], n.firstFree)
	binary.BigEndian.PutUint16(h[3:5], uint16(len(n.cellOffsets)))
	binary.BigEndian.PutUint16(h[5:7], n.contentLo)
	h[7] = n.fragFree
	if !n.kind.IsLeaf() {
		binary.BigEndian.PutUint32(h[8:12], n.rightmost)
	}
	ptrBase := n.pageStart + n.kind.headerLen()
	for i, off := range n.cellOffsets {
		binary.BigEndian.PutUint16(buf[ptrBase+i*2:ptrBase+i*2+2], off)
	}
}

// freeBytes returns how much contiguous space remains between the cell
// pointer array and the cell content area -- the simple "does a new cell
// of this size fit" check this engine uses (it does not reclaim fragmented
// freeblocks for new allocations, matching SQLite's own conservative
// behavior of preferring defragmentation on page rewrite over first-fit
// reuse of small freeblocks).
func (n *node) freeBytes() int {
	ptrArrayEnd := n.pageStart + n.kind.headerLen() + len(n.cellOffsets)*2
	return n.contentAreaStart() - ptrArrayEnd
}

// allocateCell reserves sz bytes at the top of the cell content area and
// returns the offset, shrinking contentLo. Caller must have already
// checked freeBytes() >= sz+2 (2 bytes for the new pointer-array slot).
func (n *node) allocateCell(sz int) int {
	start := n.contentAreaStart() - sz
	n.contentLo = uint16(start)
	return start
}

func (n *node) cellBytes(i int) []byte {
	off := int(n.cellOffsets[i])
	return n.page.Data[off:]
}

// insertCellAt writes raw cell bytes into the content area and inserts a
// new pointer-array entry at slot idx, shifting later entries right.
func (n *node) insertCellAt(idx int, raw []byte) {
	off := n.allocateCell(len(raw))
	copy(n.page.Data[off:off+len(raw)], raw)
	n.cellOffsets = append(n.cellOffsets, 0)
	copy(n.cellOffsets[idx+1:], n.cellOffsets[idx:len(n.cellOffsets)-1])
	n.cellOffsets[idx] = uint16(off)
	n.writeHeader()
}

// removeCellAt drops the pointer-array entry at idx. The cell's bytes in
// the content area become dead space; callers reclaim it by calling
// compact() with the surviving cells before the next allocation, rather
// than this engine maintaining a freeblock linked list.
func (n *node) removeCellAt(idx int) {
	n.cellOffsets = append(n.cellOffsets[:idx], n.cellOffsets[idx+1:]...)
	n.writeHeader()
}

// compact rebuilds the cell content area with no gaps, in current
// pointer-array order, and resets fragmentation accounting. Called by the
// tree before checking whether a new cell fits, so fragmented space from
// prior deletes is reclaimed lazily instead of immediately.
func (n *node) compact(cells [][]byte) {
	n.contentLo = uint16(n.usable)
	n.fragFree = 0
	offs := make([]uint16, len(cells))
	for i := len(cells) - 1; i >= 0; i-- {
		off := n.allocateCell(len(cells[i]))
		copy(n.page.Data[off:off+len(cells[i])], cells[i])
		offs[i] = uint16(off)
	}
	n.cellOffsets = offs
	n.writeHeader()
}
