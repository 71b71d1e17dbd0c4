package vm

import (
	"github.com/zhukovaskychina/sqlitecore/btree"
	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/pager"
	"github.com/zhukovaskychina/sqlitecore/record"
)

// CursorKind distinguishes the five cursor-open opcodes (spec §4.E cursor
// open/close category).
type CursorKind int

const (
	CursorTable CursorKind = iota
	CursorIndex
	CursorEphemeral
	CursorPseudo
	CursorSorter
)

// vmCursor is one slot in the VM's cursor table. A table/index cursor
// wraps a btree.Cursor; an ephemeral cursor wraps a private scratch Tree
// whose pages are allocated in the same database file through the pager
// (spec's OpenEphemeral: a scratch b-tree
// for subqueries/DISTINCT); a pseudo cursor holds exactly one row handed
// to it by MakeRecord-adjacent opcodes (used for OLD/NEW trigger rows in
// the original engine this was distilled from; kept as a single-row
// holding cell here since nothing else in this engine's scope populates
// it); a sorter cursor wraps a Sorter.
type vmCursor struct {
	kind   CursorKind
	bt     *btree.Cursor
	tree   *btree.Tree
	arity  int
	sorter *Sorter
	pseudo []record.Value
	valid  bool
}

func (c *vmCursor) Close() {
	*c = vmCursor{}
}

// Rewind/Last/Next/Prev/SeekX delegate to the underlying btree.Cursor for
// table/index cursors; other kinds implement their own trivial movement.
func (c *vmCursor) Rewind() error {
	switch c.kind {
	case CursorTable, CursorIndex, CursorEphemeral:
		if err := c.bt.Rewind(); err != nil {
			return err
		}
		c.valid = c.bt.Valid()
		return nil
	case CursorSorter:
		c.sorter.Sort()
		c.valid = c.sorter.HasMore()
		return nil
	case CursorPseudo:
		c.valid = c.pseudo != nil
		return nil
	}
	return dberr.New(dberr.Internal, "vm: rewind on unknown cursor kind")
}

func (c *vmCursor) Last() error {
	switch c.kind {
	case CursorTable, CursorIndex, CursorEphemeral:
		if err := c.bt.Last(); err != nil {
			return err
		}
		c.valid = c.bt.Valid()
		return nil
	default:
		return c.Rewind()
	}
}

func (c *vmCursor) Next() error {
	switch c.kind {
	case CursorTable, CursorIndex, CursorEphemeral:
		if err := c.bt.Next(); err != nil {
			return err
		}
		c.valid = c.bt.Valid()
		return nil
	case CursorSorter:
		c.sorter.Next()
		c.valid = c.sorter.HasMore()
		return nil
	default:
		c.valid = false
		return nil
	}
}

func (c *vmCursor) Prev() error {
	if c.kind == CursorTable || c.kind == CursorIndex || c.kind == CursorEphemeral {
		if err := c.bt.Prev(); err != nil {
			return err
		}
		c.valid = c.bt.Valid()
		return nil
	}
	c.valid = false
	return nil
}

func (c *vmCursor) Seek(op btree.SeekOp, key int64) error {
	if err := c.bt.Seek(op, key); err != nil {
		return err
	}
	c.valid = c.bt.Valid()
	return nil
}

// SeekIndexKey is Seek's counterpart for an index cursor, probing by
// decoded column values rather than a synthetic rowid (spec §4.C Search
// over Component C, §4.D).
func (c *vmCursor) SeekIndexKey(op btree.SeekOp, key []record.Value) error {
	if err := c.bt.SeekKey(op, key); err != nil {
		return err
	}
	c.valid = c.bt.Valid()
	return nil
}

func (c *vmCursor) Valid() bool { return c.valid }

func (c *vmCursor) RowID() (int64, error) {
	if c.bt != nil {
		return c.bt.RowID()
	}
	return 0, dberr.New(dberr.MisuseError, "vm: rowid on non-table cursor")
}

// Row decodes the cursor's current payload into column values, using
// arity to validate the decode against the table's declared column count
// (spec §4.D invariant).
func (c *vmCursor) Row() ([]record.Value, error) {
	switch c.kind {
	case CursorTable, CursorIndex, CursorEphemeral:
		payload, err := c.bt.Payload()
		if err != nil {
			return nil, err
		}
		return record.Decode(payload, c.arity)
	case CursorSorter:
		return c.sorter.Data(), nil
	case CursorPseudo:
		return c.pseudo, nil
	}
	return nil, dberr.New(dberr.Internal, "vm: row on unknown cursor kind")
}

func newTableCursor(tree *btree.Tree, rt *pager.ReadTxn, arity int) *vmCursor {
	return &vmCursor{kind: CursorTable, tree: tree, bt: btree.NewReadCursor(tree, rt), arity: arity}
}

func newTableWriteCursor(tree *btree.Tree, wt *pager.WriteTxn, arity int) *vmCursor {
	return &vmCursor{kind: CursorTable, tree: tree, bt: btree.NewWriteCursor(tree, wt), arity: arity}
}

func newIndexCursor(tree *btree.Tree, rt *pager.ReadTxn, arity int) *vmCursor {
	return &vmCursor{kind: CursorIndex, tree: tree, bt: btree.NewReadCursor(tree, rt), arity: arity}
}

func newIndexWriteCursor(tree *btree.Tree, wt *pager.WriteTxn, arity int) *vmCursor {
	return &vmCursor{kind: CursorIndex, tree: tree, bt: btree.NewWriteCursor(tree, wt), arity: arity}
}

func newEphemeralCursor(tree *btree.Tree, wt *pager.WriteTxn, arity int) *vmCursor {
	return &vmCursor{kind: CursorEphemeral, tree: tree, bt: btree.NewWriteCursor(tree, wt), arity: arity}
}

func newSorterCursor(keys []SortKey) *vmCursor {
	return &vmCursor{kind: CursorSorter, sorter: NewSorter(keys)}
}

func newPseudoCursor(arity int) *vmCursor {
	return &vmCursor{kind: CursorPseudo, arity: arity}
}
