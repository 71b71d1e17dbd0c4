package btree

import (
	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/pager"
	"github.com/zhukovaskychina/sqlitecore/record"
)

// SeekOp selects which boundary Seek stops at, mirroring the VM's
// SeekGE/GT/LE/LT opcodes (spec §4.E).
type SeekOp int

const (
	SeekGE SeekOp = iota
	SeekGT
	SeekLE
	SeekLT
	SeekEQ
)

// Cursor iterates or seeks within one Tree, remembering its current leaf
// page id (it holds no pager pin on that page) and tracking the tree's mutation generation so it can detect when it
// must re-seek after another cursor's structural write (spec §4.C Cursor
// invariants). Grounded on the teacher's BTree range-iterator closures
// (forward/backward, nextLoc/prevLoc), flattened into an explicit struct
// instead of nested closures so Next/Prev are simple method calls. A
// cursor over an index tree (tree.IsTable() == false) tracks its position
// by decoded key columns (savedIndexKey) instead of a bare rowid
// (savedKey); which one is live is determined entirely by c.tree.isTable.
type Cursor struct {
	tree *Tree
	rt   *pager.ReadTxn
	wt   *pager.WriteTxn // non-nil for a write cursor

	leafID        pager.PageId
	slot          int
	valid         bool
	atEOF         bool
	savedKey      int64
	savedIndexKey []record.Value
	seenGen       uint64
}

// NewReadCursor opens a read-only cursor against tree for the duration of
// rt's snapshot.
func NewReadCursor(tree *Tree, rt *pager.ReadTxn) *Cursor {
	return &Cursor{tree: tree, rt: rt, seenGen: tree.generation}
}

// NewWriteCursor opens a cursor usable for both reads and the tree's
// Insert/Delete, within wt's transaction.
func NewWriteCursor(tree *Tree, wt *pager.WriteTxn) *Cursor {
	return &Cursor{tree: tree, wt: wt, seenGen: tree.generation}
}

func (c *Cursor) load(id pager.PageId) (*node, error) {
	if c.wt != nil {
		return c.tree.loadWrite(c.wt, id)
	}
	return c.tree.loadRead(c.rt, id)
}

// overflowReader picks the right page source for following an overflow
// chain depending on whether this cursor is backed by a read or write
// transaction.
func (c *Cursor) overflowReader() func(pager.PageId) ([]byte, pager.PageId, error) {
	if c.wt != nil {
		return c.tree.readOverflowWrite(c.wt)
	}
	return c.tree.readOverflow(c.rt)
}

// staleCheck re-seeks to the cursor's last known key if another cursor's
// write invalidated this one (spec §4.C: "all other cursors on that tree
// are marked invalid and must re-seek to their saved key before the next
// use").
func (c *Cursor) staleCheck() error {
	if !c.valid || c.seenGen == c.tree.generation {
		return nil
	}
	if c.tree.isTable {
		return c.Seek(SeekGE, c.savedKey)
	}
	return c.SeekKey(SeekGE, c.savedIndexKey)
}

// Seek positions a table cursor at the first row satisfying op relative to
// key (spec §4.C Search, §4.E SeekGE/GT/LE/LT). Only valid on a cursor over
// a table tree; use SeekKey for an index tree.
func (c *Cursor) Seek(op SeekOp, key int64) error {
	id := c.tree.root
	var leafNode *node
	for {
		n, err := c.load(id)
		if err != nil {
			return err
		}
		if n.kind.IsLeaf() {
			leafNode = n
			break
		}
		idx := searchTableInterior(n, key)
		if idx == len(n.cellOffsets) {
			id = pager.PageId(n.rightmost)
			continue
		}
		ic, _, err := decodeTableInteriorCell(n.cellBytes(idx))
		if err != nil {
			return err
		}
		id = ic.LeftChild
	}

	idx, exact := searchTableLeaf(leafNode, key)
	switch op {
	case SeekEQ:
		if !exact {
			c.valid = false
			return nil
		}
	case SeekGT:
		if exact {
			idx++
		}
	case SeekLE, SeekLT:
		if !exact {
			idx--
		} else if op == SeekLT {
			idx--
		}
	}

	c.leafID = leafNode.page.ID
	c.slot = idx
	c.seenGen = c.tree.generation
	c.atEOF = idx < 0 || idx >= len(leafNode.cellOffsets)
	c.valid = !c.atEOF
	if c.valid {
		c.savedKey = key
	}
	return nil
}

// SeekKey positions an index cursor at the first entry satisfying op
// relative to probe, compared column-wise (spec §4.C Search over
// Component C, §4.D). probe may be a prefix of the index's full key (e.g.
// just the indexed columns, omitting the trailing rowid) to seek by value
// alone; CompareKeys treats a shorter key as sorting before any longer key
// sharing that prefix, so SeekGE with a column-only probe lands on the
// first matching entry regardless of its rowid.
func (c *Cursor) SeekKey(op SeekOp, probe []record.Value) error {
	id := c.tree.root
	ro := c.overflowReader()
	var leafNode *node
	for {
		n, err := c.load(id)
		if err != nil {
			return err
		}
		if n.kind.IsLeaf() {
			leafNode = n
			break
		}
		idx, err := searchIndexInterior(n, c.tree.usable, probe, ro)
		if err != nil {
			return err
		}
		if idx == len(n.cellOffsets) {
			id = pager.PageId(n.rightmost)
			continue
		}
		child, err := childPointer(n, idx)
		if err != nil {
			return err
		}
		id = child
	}

	idx, exact, err := searchIndexLeaf(leafNode, c.tree.usable, probe, ro)
	if err != nil {
		return err
	}
	switch op {
	case SeekEQ:
		if !exact {
			c.valid = false
			return nil
		}
	case SeekGT:
		if exact {
			idx++
		}
	case SeekLE, SeekLT:
		if !exact {
			idx--
		} else if op == SeekLT {
			idx--
		}
	}

	c.leafID = leafNode.page.ID
	c.slot = idx
	c.seenGen = c.tree.generation
	c.atEOF = idx < 0 || idx >= len(leafNode.cellOffsets)
	c.valid = !c.atEOF
	if c.valid {
		c.savedIndexKey = probe
	}
	return nil
}

// Rewind positions at the first row in ascending order.
func (c *Cursor) Rewind() error {
	id := c.tree.root
	for {
		n, err := c.load(id)
		if err != nil {
			return err
		}
		if n.kind.IsLeaf() {
			c.leafID = n.page.ID
			c.slot = 0
			c.seenGen = c.tree.generation
			c.atEOF = len(n.cellOffsets) == 0
			c.valid = !c.atEOF
			return nil
		}
		if len(n.cellOffsets) > 0 {
			child, err := childPointer(n, 0)
			if err != nil {
				return err
			}
			id = child
		} else {
			id = pager.PageId(n.rightmost)
		}
	}
}

// Last positions at the last row in ascending order.
func (c *Cursor) Last() error {
	id := c.tree.root
	for {
		n, err := c.load(id)
		if err != nil {
			return err
		}
		if n.kind.IsLeaf() {
			c.leafID = n.page.ID
			c.slot = len(n.cellOffsets) - 1
			c.seenGen = c.tree.generation
			c.atEOF = c.slot < 0
			c.valid = !c.atEOF
			return nil
		}
		id = pager.PageId(n.rightmost)
	}
}

// refreshSavedKey re-derives the cursor's saved position key from the
// node/slot it now sits on, branching on whether the underlying tree is a
// table or index tree.
func (c *Cursor) refreshSavedKey(n *node, slot int) error {
	if c.tree.isTable {
		key, err := cellRowID(n, slot)
		if err != nil {
			return err
		}
		c.savedKey = key
		return nil
	}
	vals, err := cellIndexValues(n, slot, c.tree.usable, c.overflowReader())
	if err != nil {
		return err
	}
	c.savedIndexKey = vals
	return nil
}

// Next advances to the next row in ascending order (spec §4.E Next).
func (c *Cursor) Next() error {
	if err := c.staleCheck(); err != nil {
		return err
	}
	if !c.valid {
		return dberr.New(dberr.MisuseError, "btree: Next on invalid cursor")
	}
	n, err := c.load(c.leafID)
	if err != nil {
		return err
	}
	c.slot++
	if c.slot < len(n.cellOffsets) {
		return c.refreshSavedKey(n, c.slot)
	}
	next, err := c.leafSiblingForward(n)
	if err != nil {
		return err
	}
	if next == 0 {
		c.atEOF = true
		c.valid = false
		return nil
	}
	c.leafID = next
	c.slot = 0
	n2, err := c.load(next)
	if err != nil {
		return err
	}
	if len(n2.cellOffsets) == 0 {
		c.atEOF = true
		c.valid = false
		return nil
	}
	return c.refreshSavedKey(n2, 0)
}

// Prev moves to the previous row in ascending order (spec §4.E Prev).
func (c *Cursor) Prev() error {
	if err := c.staleCheck(); err != nil {
		return err
	}
	if !c.valid {
		return dberr.New(dberr.MisuseError, "btree: Prev on invalid cursor")
	}
	c.slot--
	if c.slot >= 0 {
		n, err := c.load(c.leafID)
		if err != nil {
			return err
		}
		return c.refreshSavedKey(n, c.slot)
	}
	prev, err := c.leafSiblingBackward()
	if err != nil {
		return err
	}
	if prev == 0 {
		c.atEOF = true
		c.valid = false
		return nil
	}
	n2, err := c.load(prev)
	if err != nil {
		return err
	}
	c.leafID = prev
	c.slot = len(n2.cellOffsets) - 1
	if c.slot < 0 {
		c.atEOF = true
		c.valid = false
		return nil
	}
	return c.refreshSavedKey(n2, c.slot)
}

// leafSiblingForward and leafSiblingBackward re-descend from the root to
// find the leaf adjacent to the current one, since this engine's leaves
// do not carry explicit prev/next page pointers (unlike the teacher's
// Index pages); this keeps the page format exactly SQLite's, trading an
// O(log N) re-descent per leaf boundary for not needing sibling links.
func (c *Cursor) leafSiblingForward(cur *node) (pager.PageId, error) {
	tmp := NewReadCursorForSeek(c)
	if c.tree.isTable {
		lastKey, err := cellRowID(cur, len(cur.cellOffsets)-1)
		if err != nil {
			return 0, err
		}
		if err := tmp.Seek(SeekGT, lastKey); err != nil {
			return 0, err
		}
	} else {
		lastKey, err := cellIndexValues(cur, len(cur.cellOffsets)-1, c.tree.usable, c.overflowReader())
		if err != nil {
			return 0, err
		}
		if err := tmp.SeekKey(SeekGT, lastKey); err != nil {
			return 0, err
		}
	}
	if !tmp.valid {
		return 0, nil
	}
	return tmp.leafID, nil
}

func (c *Cursor) leafSiblingBackward() (pager.PageId, error) {
	n, err := c.load(c.leafID)
	if err != nil {
		return 0, err
	}
	tmp := NewReadCursorForSeek(c)
	if c.tree.isTable {
		var firstKey int64
		if len(n.cellOffsets) > 0 {
			firstKey, err = cellRowID(n, 0)
			if err != nil {
				return 0, err
			}
		}
		if err := tmp.Seek(SeekLT, firstKey); err != nil {
			return 0, err
		}
	} else {
		var firstKey []record.Value
		if len(n.cellOffsets) > 0 {
			firstKey, err = cellIndexValues(n, 0, c.tree.usable, c.overflowReader())
			if err != nil {
				return 0, err
			}
		}
		if err := tmp.SeekKey(SeekLT, firstKey); err != nil {
			return 0, err
		}
	}
	if !tmp.valid {
		return 0, nil
	}
	return tmp.leafID, nil
}

// NewReadCursorForSeek builds a throwaway cursor sharing c's transaction,
// used internally for the sibling re-descent above.
func NewReadCursorForSeek(c *Cursor) *Cursor {
	return &Cursor{tree: c.tree, rt: c.rt, wt: c.wt, seenGen: c.tree.generation}
}

// Valid reports whether the cursor currently sits on a row.
func (c *Cursor) Valid() bool { return c.valid }

// RowID returns the current row's rowid. For a table cursor this is the
// cell's own key; for an index cursor this is the trailing rowid column of
// the decoded index key (spec §4.D: every index key ends with the indexed
// row's rowid).
func (c *Cursor) RowID() (int64, error) {
	if err := c.staleCheck(); err != nil {
		return 0, err
	}
	n, err := c.load(c.leafID)
	if err != nil {
		return 0, err
	}
	if c.tree.isTable {
		return cellRowID(n, c.slot)
	}
	vals, err := cellIndexValues(n, c.slot, c.tree.usable, c.overflowReader())
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, dberr.New(dberr.Corrupt, "btree: index key has no trailing rowid column")
	}
	return vals[len(vals)-1].I, nil
}

// Payload returns the current row's raw encoded record, following any
// overflow chain: the row payload for a table cursor, or the encoded key
// (index columns plus trailing rowid) for an index cursor.
func (c *Cursor) Payload() ([]byte, error) {
	if err := c.staleCheck(); err != nil {
		return nil, err
	}
	n, err := c.load(c.leafID)
	if err != nil {
		return nil, err
	}
	ro := c.overflowReader()
	if c.tree.isTable {
		cell, _, err := decodeTableLeafCell(n.cellBytes(c.slot), c.tree.usable, ro)
		if err != nil {
			return nil, err
		}
		return cell.Payload, nil
	}
	cell, _, err := decodeIndexCell(n.cellBytes(c.slot), true, c.tree.usable, ro)
	if err != nil {
		return nil, err
	}
	return cell.Payload, nil
}
