package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sqlitecore/btree"
	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/engineconf"
	"github.com/zhukovaskychina/sqlitecore/pager"
	"github.com/zhukovaskychina/sqlitecore/program"
	"github.com/zhukovaskychina/sqlitecore/record"
	"github.com/zhukovaskychina/sqlitecore/vfs"
)

// newTestTable opens a fresh pager over an in-memory VFS with one empty
// table b-tree, returning a TreeSource the VM can use to resolve that
// table's root page number (mirroring how the engine layer will build one
// from the schema, per spec §4.E's "root page number" cursor-open operand).
func newTestTable(t *testing.T) (*pager.Pager, pager.PageId, TreeSource) {
	mem := vfs.NewMemory()
	cfg := engineconf.Default()
	cfg.PageSize = 4096
	p, err := pager.Open(mem, "t.db", cfg)
	require.NoError(t, err)

	header := pager.DefaultFileHeader(cfg.PageSize)
	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	root, err := btree.CreateEmpty(context.Background(), p, wt, header, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	tree := btree.OpenTable(p, header, root)
	src := func(r pager.PageId) (*btree.Tree, int) { return tree, 2 }
	return p, root, src
}

// buildInsertProgram writes one row per entry of rows via NewRowId +
// MakeRecord + Insert inside one write transaction, committing at the end.
// Each row's record is (rowid, text) so a scan's OpColumn 1 reads the text
// back.
func buildInsertProgram(root pager.PageId, rows []string) *program.Program {
	b := program.NewBuilder()
	const (
		cur      = 0
		regRowID = 0
		regText  = 1
		regRec   = 2
	)
	b.UseCursor(cur).UseRegister(regRowID).UseRegister(regText).UseRegister(regRec)
	b.Emit(program.Instr{Op: program.OpTransaction, P2: program.TxnWrite})
	b.Emit(program.Instr{Op: program.OpOpenWrite, P1: cur, P2: int(root)})
	for _, s := range rows {
		b.Emit(program.Instr{Op: program.OpNewRowId, P1: cur, P2: regRowID})
		b.Emit(program.Instr{Op: program.OpString8, P1: regText, P4: s})
		b.Emit(program.Instr{Op: program.OpMakeRecord, P1: regRowID, P2: 2, P3: regRec})
		b.Emit(program.Instr{Op: program.OpInsert, P1: cur, P2: regRec, P3: regRowID})
	}
	b.Emit(program.Instr{Op: program.OpClose, P1: cur})
	b.Emit(program.Instr{Op: program.OpCommit})
	b.Emit(program.Instr{Op: program.OpHalt})
	return b.Build()
}

// buildScanProgram builds: Transaction(read); OpenRead cur; Rewind cur ->
// end (empty table); loop: Column cur,1,regText; ResultRow regText,1; Next
// cur -> loop; end: Close cur; Commit; Halt.
func buildScanProgram(root pager.PageId) *program.Program {
	const (
		cur     = 0
		regText = 0
	)
	b := program.NewBuilder()
	b.UseCursor(cur).UseRegister(regText)
	b.Emit(program.Instr{Op: program.OpTransaction, P2: program.TxnRead})
	b.Emit(program.Instr{Op: program.OpOpenRead, P1: cur, P2: int(root)})
	b.JumpP2ToLabel(b.Emit(program.Instr{Op: program.OpRewind, P1: cur}), "end")
	b.Label("loop")
	b.Emit(program.Instr{Op: program.OpColumn, P1: cur, P2: 1, P3: regText})
	b.Emit(program.Instr{Op: program.OpResultRow, P1: regText, P2: 1})
	b.JumpP2ToLabel(b.Emit(program.Instr{Op: program.OpNext, P1: cur}), "loop")
	b.Label("end")
	b.Emit(program.Instr{Op: program.OpClose, P1: cur})
	b.Emit(program.Instr{Op: program.OpCommit})
	b.Emit(program.Instr{Op: program.OpHalt})
	return b.Build()
}

func TestVMInsertThenScan(t *testing.T) {
	p, root, src := newTestTable(t)
	defer p.Close()

	ivm := New(buildInsertProgram(root, []string{"alpha", "beta", "gamma"}), p, src, 1, nil)
	_, done, err := ivm.Run(context.Background())
	require.NoError(t, err)
	require.True(t, done)

	svm := New(buildScanProgram(root), p, src, 1, nil)
	var got []string
	for {
		row, done, err := svm.Run(context.Background())
		require.NoError(t, err)
		if done {
			break
		}
		require.Len(t, row, 1)
		got = append(got, row[0].S)
	}
	require.Equal(t, []string{"alpha", "beta", "gamma"}, got)
}

func TestVMScanOfEmptyTable(t *testing.T) {
	p, root, src := newTestTable(t)
	defer p.Close()

	svm := New(buildScanProgram(root), p, src, 1, nil)
	row, done, err := svm.Run(context.Background())
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, row)
}

func TestVMDeleteRow(t *testing.T) {
	p, root, src := newTestTable(t)
	defer p.Close()

	ivm := New(buildInsertProgram(root, []string{"one", "two"}), p, src, 1, nil)
	_, _, err := ivm.Run(context.Background())
	require.NoError(t, err)

	const cur = 0
	b := program.NewBuilder()
	b.UseCursor(cur)
	b.Emit(program.Instr{Op: program.OpTransaction, P2: program.TxnWrite})
	b.Emit(program.Instr{Op: program.OpOpenWrite, P1: cur, P2: int(root)})
	b.Emit(program.Instr{Op: program.OpRewind, P1: cur})
	b.Emit(program.Instr{Op: program.OpDelete, P1: cur})
	b.Emit(program.Instr{Op: program.OpCommit})
	b.Emit(program.Instr{Op: program.OpHalt})
	dvm := New(b.Build(), p, src, 1, nil)
	_, done, err := dvm.Run(context.Background())
	require.NoError(t, err)
	require.True(t, done)

	rt := p.BeginRead()
	defer rt.Close()
	tree, _ := src(root)
	_, found, err := tree.SeekRow(rt, 1)
	require.NoError(t, err)
	require.False(t, found)
	_, found, err = tree.SeekRow(rt, 2)
	require.NoError(t, err)
	require.True(t, found)
}

// newTestIndex opens a fresh pager with one empty index b-tree, ordered by
// encoded key rather than synthetic rowid (spec §4.C Component C). Its
// schema is (key text, rowid int) -- the rowid trails every index row so a
// seek hit can still recover which table row it points at.
func newTestIndex(t *testing.T) (*pager.Pager, pager.PageId, TreeSource) {
	return newTestIndexWithUnique(t, false)
}

// newTestIndexWithUnique is newTestIndex with control over whether the
// index enforces uniqueness on its indexed column (spec §4.C "signal
// conflict for unique index").
func newTestIndexWithUnique(t *testing.T, unique bool) (*pager.Pager, pager.PageId, TreeSource) {
	mem := vfs.NewMemory()
	cfg := engineconf.Default()
	cfg.PageSize = 4096
	p, err := pager.Open(mem, "idx.db", cfg)
	require.NoError(t, err)

	header := pager.DefaultFileHeader(cfg.PageSize)
	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	root, err := btree.CreateEmpty(context.Background(), p, wt, header, false)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	tree := btree.OpenIndex(p, header, root, unique)
	src := func(r pager.PageId) (*btree.Tree, int) { return tree, 2 }
	return p, root, src
}

// buildIdxInsertProgram writes one index entry (key, rowid) per pair via
// MakeRecord + OpIdxInsert, committing at the end.
func buildIdxInsertProgram(root pager.PageId, keys []string, rowIDs []int64) *program.Program {
	b := program.NewBuilder()
	const (
		cur      = 0
		regKey   = 0
		regRowID = 1
		regRec   = 2
	)
	b.UseCursor(cur).UseRegister(regKey).UseRegister(regRowID).UseRegister(regRec)
	b.Emit(program.Instr{Op: program.OpTransaction, P2: program.TxnWrite})
	b.Emit(program.Instr{Op: program.OpOpenWrite, P1: cur, P2: int(root)})
	for i, k := range keys {
		b.Emit(program.Instr{Op: program.OpString8, P1: regKey, P4: k})
		b.Emit(program.Instr{Op: program.OpInteger, P1: regRowID, P4: rowIDs[i]})
		b.Emit(program.Instr{Op: program.OpMakeRecord, P1: regKey, P2: 2, P3: regRec})
		b.Emit(program.Instr{Op: program.OpIdxInsert, P1: cur, P2: regRec})
	}
	b.Emit(program.Instr{Op: program.OpClose, P1: cur})
	b.Emit(program.Instr{Op: program.OpCommit})
	b.Emit(program.Instr{Op: program.OpHalt})
	return b.Build()
}

// TestVMIndexSeekByValue proves an index cursor searches by the actual
// indexed column value, not a synthetic rowid: SeekGE for "beta" must land
// exactly on the "beta" entry even though rows are inserted out of key
// order.
func TestVMIndexSeekByValue(t *testing.T) {
	p, root, src := newTestIndex(t)
	defer p.Close()

	ivm := New(buildIdxInsertProgram(root, []string{"gamma", "alpha", "beta"}, []int64{30, 10, 20}), p, src, 1, nil)
	_, done, err := ivm.Run(context.Background())
	require.NoError(t, err)
	require.True(t, done)

	const (
		cur      = 0
		regProbe = 0
		regRowID = 1
	)
	b := program.NewBuilder()
	b.UseCursor(cur).UseRegister(regProbe).UseRegister(regRowID)
	b.Emit(program.Instr{Op: program.OpTransaction, P2: program.TxnRead})
	b.Emit(program.Instr{Op: program.OpOpenRead, P1: cur, P2: int(root)})
	b.Emit(program.Instr{Op: program.OpString8, P1: regProbe, P4: "beta"})
	b.JumpP2ToLabel(b.Emit(program.Instr{Op: program.OpSeekGE, P1: cur, P3: regProbe}), "notfound")
	b.Emit(program.Instr{Op: program.OpRowId, P1: cur, P2: regRowID})
	b.Emit(program.Instr{Op: program.OpResultRow, P1: regRowID, P2: 1})
	b.Label("notfound")
	b.Emit(program.Instr{Op: program.OpClose, P1: cur})
	b.Emit(program.Instr{Op: program.OpCommit})
	b.Emit(program.Instr{Op: program.OpHalt})

	svm := New(b.Build(), p, src, 1, nil)
	row, done, err := svm.Run(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.Len(t, row, 1)
	require.Equal(t, int64(20), row[0].I, "SeekGE(\"beta\") must land on beta's own rowid, not an arbitrary one")

	_, done, err = svm.Run(context.Background())
	require.NoError(t, err)
	require.True(t, done)
}

// TestVMIndexSeekMissingKeyNotFound proves OpNotFound correctly reports a
// key absent from the index rather than matching whatever the cursor last
// happened to land on.
func TestVMIndexSeekMissingKeyNotFound(t *testing.T) {
	p, root, src := newTestIndex(t)
	defer p.Close()

	ivm := New(buildIdxInsertProgram(root, []string{"alpha", "gamma"}, []int64{1, 3}), p, src, 1, nil)
	_, done, err := ivm.Run(context.Background())
	require.NoError(t, err)
	require.True(t, done)

	const (
		cur      = 0
		regProbe = 0
	)
	b := program.NewBuilder()
	b.UseCursor(cur).UseRegister(regProbe)
	b.Emit(program.Instr{Op: program.OpTransaction, P2: program.TxnRead})
	b.Emit(program.Instr{Op: program.OpOpenRead, P1: cur, P2: int(root)})
	b.Emit(program.Instr{Op: program.OpString8, P1: regProbe, P4: "missing"})
	b.JumpP2ToLabel(b.Emit(program.Instr{Op: program.OpNotFound, P1: cur, P3: regProbe}), "absent")
	b.Emit(program.Instr{Op: program.OpInteger, P1: regProbe, P4: int64(1)})
	b.Emit(program.Instr{Op: program.OpResultRow, P1: regProbe, P2: 1})
	b.JumpP2ToLabel(b.Emit(program.Instr{Op: program.OpGoto}), "end")
	b.Label("absent")
	b.Emit(program.Instr{Op: program.OpInteger, P1: regProbe, P4: int64(-1)})
	b.Emit(program.Instr{Op: program.OpResultRow, P1: regProbe, P2: 1})
	b.Label("end")
	b.Emit(program.Instr{Op: program.OpClose, P1: cur})
	b.Emit(program.Instr{Op: program.OpCommit})
	b.Emit(program.Instr{Op: program.OpHalt})

	svm := New(b.Build(), p, src, 1, nil)
	row, done, err := svm.Run(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.Len(t, row, 1)
	require.Equal(t, int64(-1), row[0].I)
}

// TestVMIndexUniqueConstraintViolation proves a unique index rejects a
// second row whose indexed column duplicates an existing one, halting with
// dberr.Constraint.
func TestVMIndexUniqueConstraintViolation(t *testing.T) {
	p, root, src := newTestIndexWithUnique(t, true)
	defer p.Close()

	ivm := New(buildIdxInsertProgram(root, []string{"alpha", "alpha"}, []int64{1, 2}), p, src, 1, nil)
	_, done, err := ivm.Run(context.Background())
	require.Error(t, err)
	require.True(t, done)
	require.Equal(t, dberr.Constraint, dberr.CodeOf(err))
}

func TestVMRollbackDiscardsInsert(t *testing.T) {
	p, root, src := newTestTable(t)
	defer p.Close()

	const (
		cur      = 0
		regRowID = 0
		regText  = 1
		regRec   = 2
	)
	b := program.NewBuilder()
	b.UseCursor(cur).UseRegister(regRowID).UseRegister(regText).UseRegister(regRec)
	b.Emit(program.Instr{Op: program.OpTransaction, P2: program.TxnWrite})
	b.Emit(program.Instr{Op: program.OpOpenWrite, P1: cur, P2: int(root)})
	b.Emit(program.Instr{Op: program.OpNewRowId, P1: cur, P2: regRowID})
	b.Emit(program.Instr{Op: program.OpString8, P1: regText, P4: "ghost"})
	b.Emit(program.Instr{Op: program.OpMakeRecord, P1: regRowID, P2: 2, P3: regRec})
	b.Emit(program.Instr{Op: program.OpInsert, P1: cur, P2: regRec, P3: regRowID})
	b.Emit(program.Instr{Op: program.OpAutoCommit, P1: 0})
	b.Emit(program.Instr{Op: program.OpHalt})
	vm := New(b.Build(), p, src, 1, nil)
	_, done, err := vm.Run(context.Background())
	require.NoError(t, err)
	require.True(t, done)
	vm.Close()

	rt := p.BeginRead()
	defer rt.Close()
	tree, _ := src(root)
	_, found, err := tree.SeekRow(rt, 1)
	require.NoError(t, err)
	require.False(t, found, "halting with autocommit off should have rolled back the uncommitted write")
}

func TestAggStateSum(t *testing.T) {
	s := NewAggState(AggSum, "")
	s.Step(record.Int(10))
	s.Step(record.Int(20))
	s.Step(record.Null())
	s.Step(record.Int(5))
	require.Equal(t, int64(35), s.Final().I)
}

func TestAggStateGroupConcat(t *testing.T) {
	s := NewAggState(AggGroupConcat, "|")
	s.Step(record.Text("a"))
	s.Step(record.Null())
	s.Step(record.Text("b"))
	require.Equal(t, "a|b", s.Final().S)
}

func TestRegisterTruthiness(t *testing.T) {
	require.False(t, NullReg().IsTruthy())
	require.False(t, IntReg(0).IsTruthy())
	require.True(t, IntReg(1).IsTruthy())
	require.True(t, TextReg("x").IsTruthy())
	require.False(t, TextReg("").IsTruthy())
}

func TestSorterOrdersDescending(t *testing.T) {
	s := NewSorter([]SortKey{{Column: 0, Ascending: false}})
	s.Insert([]record.Value{record.Int(3)})
	s.Insert([]record.Value{record.Int(1)})
	s.Insert([]record.Value{record.Int(2)})
	s.Sort()

	var got []int64
	for s.HasMore() {
		got = append(got, s.Data()[0].I)
		s.Next()
	}
	require.Equal(t, []int64{3, 2, 1}, got)
}
