package btree

import (
	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/pager"
)

// Check walks the whole tree verifying page-type consistency, cell
// ordering, and that no page is visited twice, reporting the first
// violation found (spec §4.C Integrity check). Free-list closure and
// cross-tree page sharing are checked at the schema level, which knows
// every tree's root and can compare the reachable-page sets; this method
// only verifies what a single tree can see on its own.
func (t *Tree) Check(rt *pager.ReadTxn) error {
	seen := make(map[pager.PageId]bool)
	_, _, err := t.checkSubtree(rt, t.root, seen, nil, nil, true)
	return err
}

func (t *Tree) checkSubtree(rt *pager.ReadTxn, id pager.PageId, seen map[pager.PageId]bool, lowKey, highKey *int64, isRoot bool) (min, max int64, err error) {
	if seen[id] {
		return 0, 0, dberr.New(dberr.Corrupt, "btree: page %d reachable from two paths", id)
	}
	seen[id] = true

	n, err := t.loadRead(rt, id)
	if err != nil {
		return 0, 0, err
	}
	if t.isTable && !n.kind.IsTable() {
		return 0, 0, dberr.New(dberr.Corrupt, "btree: page %d has non-table page type in a table tree", id)
	}
	if n.kind.IsLeaf() {
		var prev *int64
		for i := 0; i < len(n.cellOffsets); i++ {
			cell, _, err := decodeTableLeafCell(n.cellBytes(i), t.usable, t.readOverflow(rt))
			if err != nil {
				return 0, 0, err
			}
			if prev != nil && cell.RowID <= *prev {
				return 0, 0, dberr.New(dberr.Corrupt, "btree: page %d cells out of order at %d", id, i)
			}
			if lowKey != nil && cell.RowID < *lowKey {
				return 0, 0, dberr.New(dberr.Corrupt, "btree: page %d key %d below parent's lower bound", id, cell.RowID)
			}
			if highKey != nil && cell.RowID > *highKey {
				return 0, 0, dberr.New(dberr.Corrupt, "btree: page %d key %d above parent's upper bound", id, cell.RowID)
			}
			prev = &cell.RowID
			if i == 0 {
				min = cell.RowID
			}
			max = cell.RowID
		}
		return min, max, nil
	}

	var prevDivider *int64
	for i := 0; i < len(n.cellOffsets); i++ {
		ic, _, err := decodeTableInteriorCell(n.cellBytes(i))
		if err != nil {
			return 0, 0, err
		}
		childHigh := &ic.RowID
		childMin, childMax, err := t.checkSubtree(rt, ic.LeftChild, seen, lowKey, childHigh, false)
		if err != nil {
			return 0, 0, err
		}
		if childMax > ic.RowID {
			return 0, 0, dberr.New(dberr.Corrupt, "btree: child of page %d exceeds divider key", id)
		}
		if prevDivider != nil && ic.RowID <= *prevDivider {
			return 0, 0, dberr.New(dberr.Corrupt, "btree: page %d divider keys out of order", id)
		}
		prevDivider = &ic.RowID
		if i == 0 {
			min = childMin
		}
		lowKey = &ic.RowID
	}
	_, rightMax, err := t.checkSubtree(rt, pager.PageId(n.rightmost), seen, lowKey, highKey, false)
	if err != nil {
		return 0, 0, err
	}
	max = rightMax
	return min, max, nil
}

// CheckFreeList verifies the free list's trunk chain visits no trunk page
// twice and that its total page count (trunks plus their leaves) equals the
// header's recorded count (spec §4.C Integrity check: "free-list closure").
func CheckFreeList(rt *pager.ReadTxn, header *pager.FileHeader) error {
	seen := make(map[pager.PageId]bool)
	id := pager.PageId(header.FirstFreelistPage)
	count := 0
	for id != 0 {
		if seen[id] {
			return dberr.New(dberr.Corrupt, "btree: free list cycle at page %d", id)
		}
		seen[id] = true
		page, err := rt.ReadPage(id)
		if err != nil {
			return err
		}
		leafCount := int(be32(page.Data[4:8]))
		count += 1 + leafCount
		id = pager.PageId(be32(page.Data[0:4]))
	}
	if uint32(count) != header.FreelistPages {
		return dberr.New(dberr.Corrupt, "btree: free list count %d does not match header %d", count, header.FreelistPages)
	}
	return nil
}
