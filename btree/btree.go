package btree

import (
	"context"

	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/pager"
	"github.com/zhukovaskychina/sqlitecore/record"
)

// minFillFraction is the leaf minimum-fill threshold below which Delete
// attempts to merge with a sibling (spec §4.C Delete: "typically 1/3 of
// usable bytes").
const minFillFraction = 3

// Tree is one SQLite b-tree: either a table tree (keyed by int64 rowid) or
// an index tree (keyed by an encoded record, spec §4.D). Grounded on the
// teacher's BTree type (root page number + BufferPool + tuple shape), with
// InnoDB's clustered/secondary split replaced by SQLite's single page
// format and real varint cell encoding.
type Tree struct {
	pgr     *pager.Pager
	root    pager.PageId
	isTable bool
	unique  bool
	usable  int
	header  *pager.FileHeader
	freeL   *freeList

	// generation increments on every structural mutation (split, merge,
	// root grow/collapse) so open Cursors can detect they must re-seek
	// (spec §4.C Cursor invariants).
	generation uint64
}

// OpenTable opens (or, if root is 0, will lazily create on first write) a
// table b-tree rooted at root.
func OpenTable(pgr *pager.Pager, header *pager.FileHeader, root pager.PageId) *Tree {
	t := &Tree{pgr: pgr, root: root, isTable: true, usable: pgr.PageSize() - int(header.ReservedSpace), header: header}
	t.freeL = &freeList{tree: t}
	return t
}

// OpenIndex opens an index b-tree rooted at root. unique marks the index
// as enforcing one row per distinct indexed-column value (spec §4.C
// "signal conflict for unique index"); IndexInsert consults it before
// every insert.
func OpenIndex(pgr *pager.Pager, header *pager.FileHeader, root pager.PageId, unique bool) *Tree {
	t := &Tree{pgr: pgr, root: root, isTable: false, unique: unique, usable: pgr.PageSize() - int(header.ReservedSpace), header: header}
	t.freeL = &freeList{tree: t}
	return t
}

// IsTable reports whether t is a table tree (keyed by int64 rowid) or an
// index tree (keyed by an encoded column record, spec §4.D), so the VM's
// cursor-open opcodes can pick the right cursor behavior without the
// caller telling them which kind of tree a root page holds.
func (t *Tree) IsTable() bool { return t.isTable }

// CreateEmpty allocates a fresh empty root page for a new table or index
// and returns its page id, for schema CREATE TABLE/INDEX.
func CreateEmpty(ctx context.Context, pgr *pager.Pager, wt *pager.WriteTxn, header *pager.FileHeader, isTable bool) (pager.PageId, error) {
	page, err := wt.Allocate()
	if err != nil {
		return 0, err
	}
	kind := KindLeafTable
	if !isTable {
		kind = KindLeafIndex
	}
	pageStart := 0
	if page.ID == 1 {
		pageStart = pager.HeaderSize
	}
	usable := pgr.PageSize() - int(header.ReservedSpace)
	newNode(page, pageStart, usable, kind)
	return page.ID, nil
}

// FormatPage initializes an already-allocated page in place as an empty
// leaf of a new table or index tree. Unlike CreateEmpty, it does not call
// wt.Allocate -- it is for a root that already has a fixed page id, such
// as the schema catalog's root, which is always page 1.
func FormatPage(page *pager.Page, pageStart, usable int, isTable bool) {
	kind := KindLeafTable
	if !isTable {
		kind = KindLeafIndex
	}
	newNode(page, pageStart, usable, kind)
}

func (t *Tree) pageStartFor(id pager.PageId) int {
	if id == 1 {
		return pager.HeaderSize
	}
	return 0
}

func (t *Tree) loadRead(rt *pager.ReadTxn, id pager.PageId) (*node, error) {
	page, err := rt.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return loadNode(page, t.pageStartFor(id), t.usable)
}

func (t *Tree) loadWrite(wt *pager.WriteTxn, id pager.PageId) (*node, error) {
	page, err := wt.GetForUpdate(id)
	if err != nil {
		return nil, err
	}
	return loadNode(page, t.pageStartFor(id), t.usable)
}

func (t *Tree) readOverflow(rt *pager.ReadTxn) func(pager.PageId) ([]byte, pager.PageId, error) {
	return func(id pager.PageId) ([]byte, pager.PageId, error) {
		page, err := rt.ReadPage(id)
		if err != nil {
			return nil, 0, err
		}
		next := be32(page.Data[0:4])
		return page.Data, pager.PageId(next), nil
	}
}

func (t *Tree) readOverflowWrite(wt *pager.WriteTxn) func(pager.PageId) ([]byte, pager.PageId, error) {
	return func(id pager.PageId) ([]byte, pager.PageId, error) {
		page, err := wt.GetForUpdate(id)
		if err != nil {
			return nil, 0, err
		}
		next := be32(page.Data[0:4])
		return page.Data, pager.PageId(next), nil
	}
}

func (t *Tree) allocOverflow(wt *pager.WriteTxn) func() (pager.PageId, []byte, error) {
	return func() (pager.PageId, []byte, error) {
		page, err := t.freeL.Alloc(context.Background(), wt)
		if err != nil {
			return 0, nil, err
		}
		return page.ID, page.Data, nil
	}
}

// SeekRow finds the leaf cell for rowID in a table tree. found is false if
// no such row exists; payload is nil in that case.
func (t *Tree) SeekRow(rt *pager.ReadTxn, rowID int64) (payload []byte, found bool, err error) {
	id := t.root
	for {
		n, err := t.loadRead(rt, id)
		if err != nil {
			return nil, false, err
		}
		if n.kind.IsLeaf() {
			idx, exact := searchTableLeaf(n, rowID)
			if !exact {
				return nil, false, nil
			}
			cell, _, err := decodeTableLeafCell(n.cellBytes(idx), t.usable, t.readOverflow(rt))
			if err != nil {
				return nil, false, err
			}
			return cell.Payload, true, nil
		}
		idx := searchTableInterior(n, rowID)
		if idx == len(n.cellOffsets) {
			id = pager.PageId(n.rightmost)
			continue
		}
		ic, _, err := decodeTableInteriorCell(n.cellBytes(idx))
		if err != nil {
			return nil, false, err
		}
		id = ic.LeftChild
	}
}

// searchTableLeaf binary-searches a leaf's cells by rowid.
func searchTableLeaf(n *node, rowID int64) (idx int, exact bool) {
	lo, hi := 0, len(n.cellOffsets)
	for lo < hi {
		mid := (lo + hi) / 2
		cell, _, err := decodeTableLeafCell(n.cellBytes(mid), n.usable, nil)
		if err != nil {
			return lo, false
		}
		if cell.RowID < rowID {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(n.cellOffsets) {
		cell, _, err := decodeTableLeafCell(n.cellBytes(lo), n.usable, nil)
		if err == nil && cell.RowID == rowID {
			return lo, true
		}
	}
	return lo, false
}

// searchTableInterior returns the index of the first cell whose rowid is
// >= target, or len(cellOffsets) to mean "descend via rightmost".
func searchTableInterior(n *node, rowID int64) int {
	lo, hi := 0, len(n.cellOffsets)
	for lo < hi {
		mid := (lo + hi) / 2
		ic, _, err := decodeTableInteriorCell(n.cellBytes(mid))
		if err != nil {
			return lo
		}
		if ic.RowID < rowID {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Insert writes or replaces the row at rowID (spec §4.C Insert).
func (t *Tree) Insert(ctx context.Context, wt *pager.WriteTxn, rowID int64, payload []byte) error {
	path, leafIdx, exact, err := t.descendForWrite(wt, rowID)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	raw, err := encodeTableLeafCell(rowID, payload, t.usable, t.allocOverflow(wt))
	if err != nil {
		return err
	}
	if exact {
		leaf.removeCellAt(leafIdx)
	}
	if leaf.freeBytes() < len(raw)+2 {
		t.recompact(leaf)
	}
	if leaf.freeBytes() < len(raw)+2 {
		return t.splitAndInsert(ctx, wt, path, leafIdx, raw)
	}
	leaf.insertCellAt(leafIdx, raw)
	return nil
}

// recompact rebuilds a node's content area by decoding and rewriting
// every surviving cell, reclaiming dead space left by prior deletes.
func (t *Tree) recompact(n *node) {
	cells := make([][]byte, len(n.cellOffsets))
	for i := range n.cellOffsets {
		// cellBytes already points at full on-page bytes; re-slice to the
		// cell's own encoded length by re-decoding just the header.
		cells[i] = trimToCellLength(n, i)
	}
	n.compact(cells)
}

func trimToCellLength(n *node, i int) []byte {
	buf := n.cellBytes(i)
	var length int
	if n.kind.IsLeaf() {
		if n.kind.IsTable() {
			cell, used, err := decodeTableLeafCell(buf, n.usable, nil)
			if err == nil {
				_ = cell
				length = used
			}
		} else {
			_, used, err := decodeIndexCell(buf, true, n.usable, nil)
			if err == nil {
				length = used
			}
		}
	} else {
		if n.kind.IsTable() {
			_, used, err := decodeTableInteriorCell(buf)
			if err == nil {
				length = used
			}
		} else {
			_, used, err := decodeIndexCell(buf, false, n.usable, nil)
			if err == nil {
				length = used
			}
		}
	}
	if length == 0 || length > len(buf) {
		return buf
	}
	return append([]byte(nil), buf[:length]...)
}

// descendForWrite walks root-to-leaf for rowID, returning every node on
// the path (root first) plus the target slot in the leaf.
func (t *Tree) descendForWrite(wt *pager.WriteTxn, rowID int64) (path []*node, leafIdx int, exact bool, err error) {
	id := t.root
	for {
		n, err := t.loadWrite(wt, id)
		if err != nil {
			return nil, 0, false, err
		}
		path = append(path, n)
		if n.kind.IsLeaf() {
			idx, ex := searchTableLeaf(n, rowID)
			return path, idx, ex, nil
		}
		idx := searchTableInterior(n, rowID)
		if idx == len(n.cellOffsets) {
			id = pager.PageId(n.rightmost)
			continue
		}
		ic, _, err := decodeTableInteriorCell(n.cellBytes(idx))
		if err != nil {
			return nil, 0, false, err
		}
		id = ic.LeftChild
	}
}

// splitAndInsert handles the case where raw does not fit in the target
// leaf: it splits the leaf into two siblings, inserts raw into whichever
// half it belongs in, and promotes a divider cell to the parent,
// recursing upward (spec §4.C Insert (ii), simplified to split-only
// without the 3-way balance-siblings redistribution: every split
// immediately produces a new sibling rather than first trying to shed
// cells into an existing neighbor, trading a little page-fill efficiency
// for a simpler, still O(log N), implementation).
func (t *Tree) splitAndInsert(ctx context.Context, wt *pager.WriteTxn, path []*node, idx int, raw []byte) error {
	t.generation++
	leaf := path[len(path)-1]
	cells := collectCellBytes(leaf)
	cells = insertAt(cells, idx, raw)

	newPage, err := t.freeL.Alloc(ctx, wt)
	if err != nil {
		return err
	}
	rightNode := newNode(newPage, t.pageStartFor(newPage.ID), t.usable, leaf.kind)

	mid := len(cells) / 2
	leaf.compact(cells[:mid])
	rightNode.compact(cells[mid:])

	dividerRowID, err := cellRowID(leaf, len(leaf.cellOffsets)-1)
	if err != nil {
		return err
	}

	if len(path) == 1 {
		return t.growRoot(ctx, wt, leaf, rightNode, dividerRowID)
	}
	return t.insertIntoParent(ctx, wt, path[:len(path)-1], leaf.page.ID, rightNode.page.ID, dividerRowID)
}

// growRoot promotes the current root's two halves into fresh leaves and
// turns the root page itself into a new interior page (spec §4.C: "the
// root may split and grow the tree by one level").
func (t *Tree) growRoot(ctx context.Context, wt *pager.WriteTxn, left, right *node, dividerRowID int64) error {
	leftCopyPage, err := t.freeL.Alloc(ctx, wt)
	if err != nil {
		return err
	}
	leftCopy := newNode(leftCopyPage, t.pageStartFor(leftCopyPage.ID), t.usable, left.kind)
	leftCopy.compact(collectCellBytes(left))

	rootPageStart := t.pageStartFor(t.root)
	newRoot := newNode(left.page, rootPageStart, t.usable, KindInteriorTable)
	newRoot.rightmost = uint32(right.page.ID)
	cell := encodeTableInteriorCell(leftCopy.page.ID, dividerRowID)
	newRoot.insertCellAt(0, cell)
	return nil
}

// insertIntoParent inserts a new divider cell for the right sibling into
// the parent chain, recursing via splitAndInsert if the parent itself
// overflows.
func (t *Tree) insertIntoParent(ctx context.Context, wt *pager.WriteTxn, ancestors []*node, leftID, rightID pager.PageId, dividerRowID int64) error {
	parent := ancestors[len(ancestors)-1]
	idx := searchTableInterior(parent, dividerRowID)
	cell := encodeTableInteriorCell(leftID, dividerRowID)

	if idx < len(parent.cellOffsets) {
		// The cell at idx routed every key of the split leaf to leftID;
		// keys above the new divider now live in rightID.
		b := parent.cellBytes(idx)
		b[0], b[1], b[2], b[3] = byte(rightID>>24), byte(rightID>>16), byte(rightID>>8), byte(rightID)
	}
	if parent.rightmost == uint32(leftID) {
		parent.rightmost = uint32(rightID)
	}

	if parent.freeBytes() < len(cell)+2 {
		t.recompact(parent)
	}
	if parent.freeBytes() < len(cell)+2 {
		return t.splitAndInsert(ctx, wt, ancestors, idx, cell)
	}
	parent.insertCellAt(idx, cell)
	return nil
}

func collectCellBytes(n *node) [][]byte {
	out := make([][]byte, len(n.cellOffsets))
	for i := range n.cellOffsets {
		out[i] = trimToCellLength(n, i)
	}
	return out
}

func insertAt(cells [][]byte, idx int, raw []byte) [][]byte {
	out := make([][]byte, 0, len(cells)+1)
	out = append(out, cells[:idx]...)
	out = append(out, raw)
	out = append(out, cells[idx:]...)
	return out
}

func cellRowID(n *node, idx int) (int64, error) {
	if n.kind.IsLeaf() {
		cell, _, err := decodeTableLeafCell(n.cellBytes(idx), n.usable, nil)
		if err != nil {
			return 0, err
		}
		return cell.RowID, nil
	}
	cell, _, err := decodeTableInteriorCell(n.cellBytes(idx))
	if err != nil {
		return 0, err
	}
	return cell.RowID, nil
}

// Delete removes rowID from the tree (spec §4.C Delete). Table b-tree
// deletes never need the interior-swap-with-successor step other engines
// use for keyed-by-value trees, because a table tree's key (rowid) is
// never duplicated into an interior divider's payload -- only the rowid
// itself, which deleting a leaf cell does not disturb.
func (t *Tree) Delete(ctx context.Context, wt *pager.WriteTxn, rowID int64) error {
	path, idx, exact, err := t.descendForWrite(wt, rowID)
	if err != nil {
		return err
	}
	if !exact {
		return dberr.New(dberr.Internal, "btree: delete of missing rowid %d", rowID)
	}
	leaf := path[len(path)-1]
	leaf.removeCellAt(idx)

	if len(path) == 1 {
		return nil // root leaf, nothing to rebalance
	}
	if (t.usable-leaf.freeBytes())*minFillFraction >= t.usable {
		return nil // at or above the minimum fill
	}
	return t.tryMergeWithSibling(ctx, wt, path)
}

// tryMergeWithSibling merges its right sibling into an underfull leaf
// (spec §4.C: "if two adjacent leaves together fit in one page, merge").
// If they do not jointly fit, the leaf is left underfull rather than
// forced through the full 3-way balance-siblings redistribution (see
// splitAndInsert's note on the same simplification).
func (t *Tree) tryMergeWithSibling(ctx context.Context, wt *pager.WriteTxn, path []*node) error {
	t.generation++
	leaf := path[len(path)-1]
	parent := path[len(path)-2]

	idx := -1
	for i := range parent.cellOffsets {
		child, err := childPointer(parent, i)
		if err != nil {
			return err
		}
		if child == leaf.page.ID {
			idx = i
			break
		}
	}
	var siblingID pager.PageId
	if idx >= 0 && idx+1 < len(parent.cellOffsets) {
		sib, err := childPointer(parent, idx+1)
		if err != nil {
			return err
		}
		siblingID = sib
	} else if idx == len(parent.cellOffsets)-1 {
		siblingID = pager.PageId(parent.rightmost)
	} else {
		return nil
	}
	if siblingID == 0 || siblingID == leaf.page.ID {
		return nil
	}

	sibling, err := t.loadWrite(wt, siblingID)
	if err != nil {
		return err
	}
	combined := append(collectCellBytes(leaf), collectCellBytes(sibling)...)
	combinedSize := 0
	for _, c := range combined {
		combinedSize += len(c) + 2
	}
	if combinedSize+leaf.kind.headerLen() > t.usable {
		return nil // doesn't jointly fit; leave both as-is
	}

	leaf.compact(combined)
	if idx >= 0 {
		parent.removeCellAt(idx)
		if idx < len(parent.cellOffsets) {
			b := parent.cellBytes(idx)
			id := leaf.page.ID
			b[0], b[1], b[2], b[3] = byte(id>>24), byte(id>>16), byte(id>>8), byte(id)
		} else {
			parent.rightmost = uint32(leaf.page.ID)
		}
	}
	if err := t.freeL.Push(ctx, wt, siblingID); err != nil {
		return err
	}

	if len(parent.cellOffsets) == 0 && len(path) == 2 {
		return t.collapseRoot(ctx, wt, parent, leaf)
	}
	return nil
}

// collapseRoot replaces a single-child root interior page with its only
// remaining child's content, shrinking the tree by one level (spec §4.C:
// "a root with a single child collapses"), freeing the child's now-vacated
// page.
func (t *Tree) collapseRoot(ctx context.Context, wt *pager.WriteTxn, root, onlyChild *node) error {
	cells := collectCellBytes(onlyChild)
	childID := onlyChild.page.ID
	rootPageStart := t.pageStartFor(root.page.ID)
	replacement := newNode(root.page, rootPageStart, t.usable, onlyChild.kind)
	replacement.compact(cells)
	return t.freeL.Push(ctx, wt, childID)
}

// DropTree frees every interior and leaf page belonging to t, root first
// down to its leaves, returning them to the free list so DROP TABLE/DROP
// INDEX (spec §6) reclaims the space a dropped table or index occupied
// instead of leaking its pages. Overflow pages hanging off a leaf cell's
// payload are not walked by this pass: they are not freed, are not put on
// the free list, and stay allocated in the file.
func (t *Tree) DropTree(ctx context.Context, wt *pager.WriteTxn) error {
	return t.freeSubtree(ctx, wt, t.root)
}

func (t *Tree) freeSubtree(ctx context.Context, wt *pager.WriteTxn, id pager.PageId) error {
	n, err := t.loadWrite(wt, id)
	if err != nil {
		return err
	}
	if !n.kind.IsLeaf() {
		for i := range n.cellOffsets {
			child, err := childPointer(n, i)
			if err != nil {
				return err
			}
			if err := t.freeSubtree(ctx, wt, child); err != nil {
				return err
			}
		}
		if n.rightmost != 0 {
			if err := t.freeSubtree(ctx, wt, pager.PageId(n.rightmost)); err != nil {
				return err
			}
		}
	}
	return t.freeL.Push(ctx, wt, id)
}

// --- Index trees ---
//
// An index tree orders its cells by the decoded column values of the
// encoded key record each cell carries (spec §4.C Search over Component C,
// §4.D column-wise comparison), rather than by a fixed int64 rowid the way
// a table tree does. The key a caller inserts or seeks by is expected to
// end with the indexed row's rowid as its trailing column, so two rows
// with equal indexed-column values still compare distinct (duplicate keys
// in a non-unique index) and so a full-key match is an exact hit. The
// page-structural machinery above (splitting, merging, freeing, the root
// growing/collapsing by a level) is identical between table and index
// trees; only how a key is compared, encoded, and decoded differs, so the
// functions below mirror their table-tree counterparts one-for-one rather
// than sharing a generic key type across the whole file.

// searchIndexLeaf binary-searches a leaf's cells by decoded key, the index
// analogue of searchTableLeaf.
func searchIndexLeaf(n *node, usable int, probe []record.Value, readOverflow func(pager.PageId) ([]byte, pager.PageId, error)) (idx int, exact bool, err error) {
	lo, hi := 0, len(n.cellOffsets)
	for lo < hi {
		mid := (lo + hi) / 2
		vals, err := cellIndexValues(n, mid, usable, readOverflow)
		if err != nil {
			return lo, false, err
		}
		if record.CompareKeys(vals, probe) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(n.cellOffsets) {
		vals, err := cellIndexValues(n, lo, usable, readOverflow)
		if err != nil {
			return lo, false, err
		}
		if record.CompareKeys(vals, probe) == 0 {
			return lo, true, nil
		}
	}
	return lo, false, nil
}

// searchIndexInterior returns the index of the first cell whose key is >=
// probe, or len(cellOffsets) to mean "descend via rightmost", the index
// analogue of searchTableInterior.
func searchIndexInterior(n *node, usable int, probe []record.Value, readOverflow func(pager.PageId) ([]byte, pager.PageId, error)) (int, error) {
	lo, hi := 0, len(n.cellOffsets)
	for lo < hi {
		mid := (lo + hi) / 2
		vals, err := cellIndexValues(n, mid, usable, readOverflow)
		if err != nil {
			return lo, err
		}
		if record.CompareKeys(vals, probe) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// descendForWriteIndex is descendForWrite's index-tree counterpart.
func (t *Tree) descendForWriteIndex(wt *pager.WriteTxn, probe []record.Value) (path []*node, leafIdx int, exact bool, err error) {
	id := t.root
	ro := t.readOverflowWrite(wt)
	for {
		n, err := t.loadWrite(wt, id)
		if err != nil {
			return nil, 0, false, err
		}
		path = append(path, n)
		if n.kind.IsLeaf() {
			idx, ex, err := searchIndexLeaf(n, t.usable, probe, ro)
			if err != nil {
				return nil, 0, false, err
			}
			return path, idx, ex, nil
		}
		idx, err := searchIndexInterior(n, t.usable, probe, ro)
		if err != nil {
			return nil, 0, false, err
		}
		if idx == len(n.cellOffsets) {
			id = pager.PageId(n.rightmost)
			continue
		}
		child, err := childPointer(n, idx)
		if err != nil {
			return nil, 0, false, err
		}
		id = child
	}
}

// checkUniqueConflict reports dberr.Constraint if some other row already
// occupies key's indexed-column values (everything but the trailing rowid,
// spec §4.D). A cell with the same columns AND the same rowid is the row
// being re-inserted (an UPDATE that leaves its indexed columns alone) and
// is not a conflict.
func (t *Tree) checkUniqueConflict(wt *pager.WriteTxn, key []record.Value) error {
	if len(key) == 0 {
		return nil
	}
	cols := key[:len(key)-1]
	rowid := key[len(key)-1]

	path, leafIdx, _, err := t.descendForWriteIndex(wt, cols)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	if leafIdx >= len(leaf.cellOffsets) {
		return nil
	}
	vals, err := cellIndexValues(leaf, leafIdx, t.usable, t.readOverflowWrite(wt))
	if err != nil {
		return err
	}
	if len(vals) == 0 || record.CompareKeys(vals[:len(vals)-1], cols) != 0 {
		return nil
	}
	if record.CompareKeys(vals[len(vals)-1:], []record.Value{rowid}) == 0 {
		return nil
	}
	return dberr.New(dberr.Constraint, "btree: unique index violation")
}

// IndexInsert inserts key (the index's columns followed by the indexed
// row's rowid as the trailing column, spec §4.D) into the tree, ordered by
// the column-wise comparison of the full key (spec §4.C Insert over
// Component C). A key that already exists verbatim (same columns and same
// trailing rowid) replaces its own cell rather than duplicating it. In a
// non-unique index, two rows sharing the same indexed-column values but
// different rowids are distinct keys and both are kept; in a unique index
// (t.unique) the same case is instead rejected with dberr.Constraint
// before the insert ever happens, via checkUniqueConflict.
func (t *Tree) IndexInsert(ctx context.Context, wt *pager.WriteTxn, key []record.Value) error {
	if t.unique {
		if err := t.checkUniqueConflict(wt, key); err != nil {
			return err
		}
	}
	path, leafIdx, exact, err := t.descendForWriteIndex(wt, key)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	raw, err := encodeIndexCell(0, record.Encode(key), true, t.usable, t.allocOverflow(wt))
	if err != nil {
		return err
	}
	if exact {
		leaf.removeCellAt(leafIdx)
	}
	if leaf.freeBytes() < len(raw)+2 {
		t.recompact(leaf)
	}
	if leaf.freeBytes() < len(raw)+2 {
		return t.splitAndInsertIndex(ctx, wt, path, leafIdx, raw)
	}
	leaf.insertCellAt(leafIdx, raw)
	return nil
}

// splitAndInsertIndex is splitAndInsert's index-tree counterpart: the
// promoted divider is the left half's last decoded key rather than a
// bare rowid.
func (t *Tree) splitAndInsertIndex(ctx context.Context, wt *pager.WriteTxn, path []*node, idx int, raw []byte) error {
	t.generation++
	leaf := path[len(path)-1]
	cells := collectCellBytes(leaf)
	cells = insertAt(cells, idx, raw)

	newPage, err := t.freeL.Alloc(ctx, wt)
	if err != nil {
		return err
	}
	rightNode := newNode(newPage, t.pageStartFor(newPage.ID), t.usable, leaf.kind)

	mid := len(cells) / 2
	leaf.compact(cells[:mid])
	rightNode.compact(cells[mid:])

	dividerKey, err := cellIndexValues(leaf, len(leaf.cellOffsets)-1, t.usable, t.readOverflowWrite(wt))
	if err != nil {
		return err
	}

	if len(path) == 1 {
		return t.growRootIndex(ctx, wt, leaf, rightNode, dividerKey)
	}
	return t.insertIntoParentIndex(ctx, wt, path[:len(path)-1], leaf.page.ID, rightNode.page.ID, dividerKey)
}

// growRootIndex is growRoot's index-tree counterpart.
func (t *Tree) growRootIndex(ctx context.Context, wt *pager.WriteTxn, left, right *node, dividerKey []record.Value) error {
	leftCopyPage, err := t.freeL.Alloc(ctx, wt)
	if err != nil {
		return err
	}
	leftCopy := newNode(leftCopyPage, t.pageStartFor(leftCopyPage.ID), t.usable, left.kind)
	leftCopy.compact(collectCellBytes(left))

	rootPageStart := t.pageStartFor(t.root)
	newRoot := newNode(left.page, rootPageStart, t.usable, KindInteriorIndex)
	newRoot.rightmost = uint32(right.page.ID)
	cell, err := encodeIndexCell(leftCopy.page.ID, record.Encode(dividerKey), false, t.usable, t.allocOverflow(wt))
	if err != nil {
		return err
	}
	newRoot.insertCellAt(0, cell)
	return nil
}

// insertIntoParentIndex is insertIntoParent's index-tree counterpart.
func (t *Tree) insertIntoParentIndex(ctx context.Context, wt *pager.WriteTxn, ancestors []*node, leftID, rightID pager.PageId, dividerKey []record.Value) error {
	parent := ancestors[len(ancestors)-1]
	idx, err := searchIndexInterior(parent, t.usable, dividerKey, t.readOverflowWrite(wt))
	if err != nil {
		return err
	}
	cell, err := encodeIndexCell(leftID, record.Encode(dividerKey), false, t.usable, t.allocOverflow(wt))
	if err != nil {
		return err
	}

	if idx < len(parent.cellOffsets) {
		// The cell at idx routed every key of the split leaf to leftID;
		// keys above the new divider now live in rightID.
		b := parent.cellBytes(idx)
		b[0], b[1], b[2], b[3] = byte(rightID>>24), byte(rightID>>16), byte(rightID>>8), byte(rightID)
	}
	if parent.rightmost == uint32(leftID) {
		parent.rightmost = uint32(rightID)
	}
	if parent.freeBytes() < len(cell)+2 {
		t.recompact(parent)
	}
	if parent.freeBytes() < len(cell)+2 {
		return t.splitAndInsertIndex(ctx, wt, ancestors, idx, cell)
	}
	parent.insertCellAt(idx, cell)
	return nil
}

// IndexDelete removes the exact key (columns plus trailing rowid) from the
// tree (spec §4.C Delete over Component C), sharing the same
// merge/collapse machinery Delete uses since those operate on already-
// located nodes without needing to compare keys themselves.
func (t *Tree) IndexDelete(ctx context.Context, wt *pager.WriteTxn, key []record.Value) error {
	path, idx, exact, err := t.descendForWriteIndex(wt, key)
	if err != nil {
		return err
	}
	if !exact {
		return dberr.New(dberr.Internal, "btree: delete of missing index key")
	}
	leaf := path[len(path)-1]
	leaf.removeCellAt(idx)

	if len(path) == 1 {
		return nil
	}
	if (t.usable-leaf.freeBytes())*minFillFraction >= t.usable {
		return nil
	}
	return t.tryMergeWithSibling(ctx, wt, path)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
