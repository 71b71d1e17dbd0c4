package vm

import (
	"context"
	"math/rand"

	"github.com/zhukovaskychina/sqlitecore/btree"
	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/logger"
	"github.com/zhukovaskychina/sqlitecore/pager"
	"github.com/zhukovaskychina/sqlitecore/program"
	"github.com/zhukovaskychina/sqlitecore/record"
)

var vmLog = logger.For("vm")

// TreeSource resolves a cursor-open opcode's root page operand to the
// btree.Tree and declared column count the VM should drive. The VM itself
// never knows table or index names -- spec §4.E's cursor-open opcodes carry
// only root page numbers -- so the engine layer that generates Programs
// supplies this lookup.
type TreeSource func(root pager.PageId) (tree *btree.Tree, arity int)

// Interrupter lets the embedding connection signal a pending interrupt.
// Run polls it before every opcode; page reads and writes inside the
// b-tree and pager layers do not poll it.
type Interrupter interface {
	Interrupted() bool
}

type savepoint struct {
	name string
	mark int
}

// VM is one running bytecode program: a register file, a cursor table, a
// program counter, and the open read/write transaction it drives opcodes
// against. Grounded on the teacher's manager/enhanced_btree_adapter.go
// execution loop (open cursor -> seek -> step -> materialize row),
// generalized from a single fixed plan into dispatch over an arbitrary
// program.Program the way sqlite3VdbeExec drives vdbe.c.
type VM struct {
	prog    *program.Program
	regs    []Register
	cursors []*vmCursor
	pc      int

	pgr        *pager.Pager
	rt         *pager.ReadTxn
	wt         *pager.WriteTxn
	autoCommit bool
	savepoints []savepoint

	trees      TreeSource
	rng        *rand.Rand
	interrupt  Interrupter

	callStack []int64

	halted  bool
	haltErr error
}

// New creates a VM ready to Run prog against pgr. trees resolves cursor-open
// root-page operands to btree.Trees; the VM's random source is seeded
// deterministically from seed (spec §4.E Determinism: random() must be driven by an injected,
// reproducible source, never the platform RNG directly).
func New(prog *program.Program, pgr *pager.Pager, trees TreeSource, seed int64, interrupt Interrupter) *VM {
	regs := make([]Register, prog.NumRegisters)
	for i := range regs {
		regs[i] = NullReg()
	}
	return &VM{
		prog:       prog,
		regs:       regs,
		cursors:    make([]*vmCursor, prog.NumCursors),
		pgr:        pgr,
		trees:      trees,
		rng:        rand.New(rand.NewSource(seed)),
		interrupt:  interrupt,
		autoCommit: true,
	}
}

// Close releases any still-open transaction, for a caller abandoning a VM
// mid-run (error path, statement reset).
func (m *VM) Close() {
	for _, c := range m.cursors {
		if c != nil {
			c.Close()
		}
	}
	if m.wt != nil {
		_ = m.wt.Rollback()
		m.wt = nil
	}
	if m.rt != nil {
		m.rt.Close()
		m.rt = nil
	}
}

func (m *VM) finish(err error) {
	m.halted = true
	m.haltErr = err
	if m.wt != nil {
		if err == nil && m.autoCommit {
			if cerr := m.wt.Commit(); cerr != nil {
				m.haltErr = cerr
			}
		} else {
			_ = m.wt.Rollback()
		}
		m.wt = nil
	}
	if m.rt != nil {
		m.rt.Close()
		m.rt = nil
	}
}

// Run executes instructions until the program halts, errors, or reaches a
// ResultRow (spec §4.E "ResultRow... the VM suspends and control returns to
// the caller with one row"). Calling Run again resumes right after that
// ResultRow. The returned bool is true once the program has halted (row is
// nil in that case).
func (m *VM) Run(ctx context.Context) (row []record.Value, done bool, err error) {
	if m.halted {
		return nil, true, m.haltErr
	}
	for {
		if m.interrupt != nil && m.interrupt.Interrupted() {
			ierr := dberr.New(dberr.Interrupt, "vm: interrupted")
			m.finish(ierr)
			return nil, true, ierr
		}
		if m.pc < 0 || m.pc >= len(m.prog.Instructions) {
			m.finish(nil)
			return nil, true, nil
		}
		instr := m.prog.Instructions[m.pc]
		jumped, out, serr := m.step(ctx, instr)
		if serr != nil {
			m.finish(serr)
			return nil, true, serr
		}
		if out != nil {
			m.pc++
			return out, false, nil
		}
		if m.halted {
			return nil, true, m.haltErr
		}
		if !jumped {
			m.pc++
		}
	}
}

// step executes one instruction, returning jumped=true if it set m.pc
// itself (so Run must not also increment it), and a non-nil row if the
// instruction was ResultRow.
func (m *VM) step(ctx context.Context, instr program.Instr) (jumped bool, row []record.Value, err error) {
	switch instr.Op {

	// --- Control ---
	case program.OpInit, program.OpNoop:
		return false, nil, nil
	case program.OpGoto:
		m.pc = instr.P2
		return true, nil, nil
	case program.OpIf:
		if m.regs[instr.P1].IsTruthy() {
			m.pc = instr.P2
			return true, nil, nil
		}
		return false, nil, nil
	case program.OpIfNot:
		if !m.regs[instr.P1].IsTruthy() {
			m.pc = instr.P2
			return true, nil, nil
		}
		return false, nil, nil
	case program.OpIsNull:
		if m.regs[instr.P1].Kind == RegNull {
			m.pc = instr.P2
			return true, nil, nil
		}
		return false, nil, nil
	case program.OpNotNull:
		if m.regs[instr.P1].Kind != RegNull {
			m.pc = instr.P2
			return true, nil, nil
		}
		return false, nil, nil
	case program.OpOnce:
		// P1 is a one-shot guard register: fires its body the first time
		// only, by jumping past it on every subsequent visit.
		if m.regs[instr.P1].I != 0 {
			m.pc = instr.P2
			return true, nil, nil
		}
		m.regs[instr.P1] = IntReg(1)
		return false, nil, nil
	case program.OpHalt:
		var herr error
		if instr.P1 != 0 {
			herr = dberr.New(dberr.Code(instr.P1), "%s", instr.Comment)
		}
		m.finish(herr)
		return true, nil, herr

	// --- Cursor open/close ---
	case program.OpOpenRead:
		return m.openCursor(ctx, instr, false)
	case program.OpOpenWrite:
		return m.openCursor(ctx, instr, true)
	case program.OpOpenEphemeral:
		return m.openEphemeral(ctx, instr)
	case program.OpOpenPseudo:
		m.cursors[instr.P1] = newPseudoCursor(instr.P3)
		return false, nil, nil
	case program.OpOpenSorter:
		keys, _ := instr.P4.([]SortKey)
		m.cursors[instr.P1] = newSorterCursor(keys)
		return false, nil, nil
	case program.OpClose:
		if c := m.cursors[instr.P1]; c != nil {
			c.Close()
			m.cursors[instr.P1] = nil
		}
		return false, nil, nil

	// --- Cursor movement ---
	case program.OpRewind:
		return m.moveEmptyCheck(instr, (*vmCursor).Rewind)
	case program.OpLast:
		return m.moveEmptyCheck(instr, (*vmCursor).Last)
	case program.OpNext:
		return m.moveLoopBack(instr, (*vmCursor).Next)
	case program.OpPrev:
		return m.moveLoopBack(instr, (*vmCursor).Prev)
	case program.OpSeekGE:
		return m.seek(instr, btree.SeekGE)
	case program.OpSeekGT:
		return m.seek(instr, btree.SeekGT)
	case program.OpSeekLE:
		return m.seek(instr, btree.SeekLE)
	case program.OpSeekLT:
		return m.seek(instr, btree.SeekLT)
	case program.OpNotExists:
		return m.existsCheck(instr, true)
	case program.OpFound:
		return m.existsCheck(instr, true)
	case program.OpNotFound:
		return m.existsCheck(instr, true)

	// --- Row access ---
	case program.OpColumn:
		cur := m.cursors[instr.P1]
		vals, err := cur.Row()
		if err != nil {
			return false, nil, err
		}
		if instr.P2 < len(vals) {
			m.regs[instr.P3] = FromValue(vals[instr.P2])
		} else {
			m.regs[instr.P3] = NullReg()
		}
		return false, nil, nil
	case program.OpRowId:
		id, err := m.cursors[instr.P1].RowID()
		if err != nil {
			return false, nil, err
		}
		m.regs[instr.P2] = IntReg(id)
		return false, nil, nil
	case program.OpMakeRecord:
		vals := make([]record.Value, instr.P2)
		for i := 0; i < instr.P2; i++ {
			vals[i] = m.regs[instr.P1+i].ToValue()
		}
		m.regs[instr.P3] = BlobReg(record.Encode(vals))
		return false, nil, nil

	// --- Values & arithmetic ---
	case program.OpInteger:
		m.regs[instr.P1] = IntReg(instr.P4.(int64))
		return false, nil, nil
	case program.OpReal:
		m.regs[instr.P1] = RealReg(instr.P4.(float64))
		return false, nil, nil
	case program.OpString8:
		m.regs[instr.P1] = TextReg(instr.P4.(string))
		return false, nil, nil
	case program.OpBlob:
		m.regs[instr.P1] = BlobReg(instr.P4.([]byte))
		return false, nil, nil
	case program.OpNull:
		m.regs[instr.P1] = NullReg()
		return false, nil, nil
	case program.OpCopy, program.OpSCopy:
		m.regs[instr.P2] = m.regs[instr.P1]
		return false, nil, nil
	case program.OpMove:
		m.regs[instr.P2] = m.regs[instr.P1]
		m.regs[instr.P1] = NullReg()
		return false, nil, nil
	case program.OpAdd, program.OpSubtract, program.OpMultiply, program.OpDivide, program.OpRemainder:
		return false, nil, m.arith(instr)
	case program.OpConcat:
		a := record.AffinityText.Apply(m.regs[instr.P1].ToValue())
		b := record.AffinityText.Apply(m.regs[instr.P2].ToValue())
		m.regs[instr.P3] = TextReg(a.S + b.S)
		return false, nil, nil
	case program.OpCast:
		aff, _ := instr.P4.(record.Affinity)
		m.regs[instr.P2] = FromValue(aff.Apply(m.regs[instr.P1].ToValue()))
		return false, nil, nil

	// --- Comparison (branching) ---
	case program.OpEq, program.OpNe, program.OpLt, program.OpLe, program.OpGt, program.OpGe:
		j, err := m.compare(instr)
		return j, nil, err

	// --- Aggregates ---
	case program.OpAggStep:
		if m.regs[instr.P1].Kind != RegAgg {
			f, _ := instr.P4.(AggFunc)
			m.regs[instr.P1] = Register{Kind: RegAgg, Agg: NewAggState(f, "")}
		}
		m.regs[instr.P1].Agg.Step(m.regs[instr.P2].ToValue())
		return false, nil, nil
	case program.OpAggFinal:
		var result record.Value
		if m.regs[instr.P1].Kind == RegAgg {
			result = m.regs[instr.P1].Agg.Final()
		} else {
			f, _ := instr.P4.(AggFunc)
			result = NewAggState(f, "").Final()
		}
		m.regs[instr.P2] = FromValue(result)
		return false, nil, nil

	// --- Sorters ---
	case program.OpSorterInsert:
		vals := make([]record.Value, instr.P3)
		for i := 0; i < instr.P3; i++ {
			vals[i] = m.regs[instr.P2+i].ToValue()
		}
		m.cursors[instr.P1].sorter.Insert(vals)
		return false, nil, nil
	case program.OpSorterSort:
		return m.moveEmptyCheck(instr, (*vmCursor).Rewind)
	case program.OpSorterData:
		vals, err := m.cursors[instr.P1].Row()
		if err != nil {
			return false, nil, err
		}
		m.cursors[instr.P2].pseudo = vals
		m.cursors[instr.P2].valid = true
		return false, nil, nil
	case program.OpSorterNext:
		return m.moveLoopBack(instr, (*vmCursor).Next)

	// --- Writes ---
	case program.OpInsert:
		return false, nil, m.doInsert(ctx, instr)
	case program.OpDelete:
		return false, nil, m.doDelete(ctx, instr)
	case program.OpNewRowId:
		id, err := m.nextRowID(instr.P1)
		if err != nil {
			return false, nil, err
		}
		m.regs[instr.P2] = IntReg(id)
		return false, nil, nil
	case program.OpIdxInsert:
		return false, nil, m.doIdxInsert(ctx, instr)
	case program.OpIdxDelete:
		return false, nil, m.doIdxDelete(ctx, instr)

	// --- Transactions ---
	case program.OpTransaction:
		return false, nil, m.beginTxn(ctx, instr)
	case program.OpCommit:
		if m.wt != nil {
			err := m.wt.Commit()
			m.wt = nil
			return false, nil, err
		}
		return false, nil, nil
	case program.OpSavepoint:
		return false, nil, m.savepointOp(instr)
	case program.OpAutoCommit:
		m.autoCommit = instr.P1 != 0
		return false, nil, nil

	// --- Result ---
	case program.OpResultRow:
		vals := make([]record.Value, instr.P2)
		for i := 0; i < instr.P2; i++ {
			vals[i] = m.regs[instr.P1+i].ToValue()
		}
		return false, vals, nil

	// --- Subroutines / coroutines ---
	case program.OpGosub:
		m.callStack = append(m.callStack, int64(m.pc+1))
		m.pc = instr.P2
		return true, nil, nil
	case program.OpReturn:
		if len(m.callStack) == 0 {
			return false, nil, dberr.New(dberr.Internal, "vm: return with empty call stack")
		}
		ret := m.callStack[len(m.callStack)-1]
		m.callStack = m.callStack[:len(m.callStack)-1]
		m.pc = int(ret)
		return true, nil, nil
	case program.OpInitCoroutine:
		m.regs[instr.P1] = IntReg(int64(instr.P3))
		m.pc = instr.P2
		return true, nil, nil
	case program.OpYield:
		next := int64(m.pc + 1)
		m.pc = int(m.regs[instr.P1].I)
		m.regs[instr.P1] = IntReg(next)
		return true, nil, nil
	case program.OpEndCoroutine:
		m.pc = int(m.regs[instr.P1].I)
		return true, nil, nil
	}
	return false, nil, dberr.New(dberr.Internal, "vm: unimplemented opcode %d", instr.Op)
}

// openCursor implements OpenRead/OpenWrite, deriving the cursor's kind
// (table vs index) from the resolved tree itself rather than from the
// opcode, since a root page number alone doesn't say which shape of tree
// it holds (spec §4.E cursor-open operands).
func (m *VM) openCursor(ctx context.Context, instr program.Instr, write bool) (bool, []record.Value, error) {
	tree, arity := m.trees(pager.PageId(instr.P2))
	var c *vmCursor
	if write {
		if err := m.ensureWrite(ctx); err != nil {
			return false, nil, err
		}
		if tree.IsTable() {
			c = newTableWriteCursor(tree, m.wt, arity)
		} else {
			c = newIndexWriteCursor(tree, m.wt, arity)
		}
	} else {
		if err := m.ensureRead(); err != nil {
			return false, nil, err
		}
		if tree.IsTable() {
			c = newTableCursor(tree, m.rt, arity)
		} else {
			c = newIndexCursor(tree, m.rt, arity)
		}
	}
	m.cursors[instr.P1] = c
	return false, nil, nil
}

func (m *VM) openEphemeral(ctx context.Context, instr program.Instr) (bool, []record.Value, error) {
	if err := m.ensureWrite(ctx); err != nil {
		return false, nil, err
	}
	header := &pager.FileHeader{}
	root, err := btree.CreateEmpty(ctx, m.pgr, m.wt, header, true)
	if err != nil {
		return false, nil, err
	}
	tree := btree.OpenTable(m.pgr, header, root)
	m.cursors[instr.P1] = newEphemeralCursor(tree, m.wt, instr.P3)
	return false, nil, nil
}

func (m *VM) ensureRead() error {
	if m.rt == nil && m.wt == nil {
		m.rt = m.pgr.BeginRead()
	}
	return nil
}

func (m *VM) ensureWrite(ctx context.Context) error {
	if m.wt != nil {
		return nil
	}
	wt, err := m.pgr.BeginWrite(ctx)
	if err != nil {
		return err
	}
	m.wt = wt
	return nil
}

// moveEmptyCheck runs a Rewind/Last-style move: jump to P2 when the cursor
// ends up invalid (spec §4.E "Rewind... if cursor ends up invalid, jump to
// P2", the 'empty table' case).
func (m *VM) moveEmptyCheck(instr program.Instr, move func(*vmCursor) error) (bool, []record.Value, error) {
	c := m.cursors[instr.P1]
	if err := move(c); err != nil {
		return false, nil, err
	}
	if !c.Valid() {
		m.pc = instr.P2
		return true, nil, nil
	}
	return false, nil, nil
}

// moveLoopBack runs a Next/Prev-style move: jump to P2 (the loop body) when
// a row remains, matching SQLite's convention that the loop-back target
// lives on the Next/Prev instruction rather than on Rewind.
func (m *VM) moveLoopBack(instr program.Instr, move func(*vmCursor) error) (bool, []record.Value, error) {
	c := m.cursors[instr.P1]
	if err := move(c); err != nil {
		return false, nil, err
	}
	if c.Valid() {
		m.pc = instr.P2
		return true, nil, nil
	}
	return false, nil, nil
}

// seek implements SeekGE/GT/LE/LT. A table cursor seeks by the int64 rowid
// in register P3; an index cursor seeks by the column key that register
// decodes to (spec §4.C Search over Component C, §4.D), letting the probe
// be a prefix of the index's full key (columns only, no trailing rowid) to
// search purely by indexed value.
func (m *VM) seek(instr program.Instr, op btree.SeekOp) (bool, []record.Value, error) {
	c := m.cursors[instr.P1]
	if c.kind == CursorIndex {
		probe, err := decodeIndexProbe(m.regs[instr.P3])
		if err != nil {
			return false, nil, err
		}
		if err := c.SeekIndexKey(op, probe); err != nil {
			return false, nil, err
		}
	} else {
		key := m.regs[instr.P3].I
		if err := c.Seek(op, key); err != nil {
			return false, nil, err
		}
	}
	if !c.Valid() {
		m.pc = instr.P2
		return true, nil, nil
	}
	return false, nil, nil
}

// existsCheck implements NotExists/Found/NotFound: seek P1 for the exact
// key in register P3, jumping to P2 when wantFound does not match whether
// the row was located. As with seek, an index cursor's key in P3 is
// decoded into column values instead of treated as a bare rowid.
func (m *VM) existsCheck(instr program.Instr, wantFound bool) (bool, []record.Value, error) {
	c := m.cursors[instr.P1]
	var err error
	if c.kind == CursorIndex {
		probe, derr := decodeIndexProbe(m.regs[instr.P3])
		if derr != nil {
			return false, nil, derr
		}
		err = c.SeekIndexKey(btree.SeekEQ, probe)
	} else {
		err = c.Seek(btree.SeekEQ, m.regs[instr.P3].I)
	}
	if err != nil {
		return false, nil, err
	}
	found := c.Valid()
	if found != wantFound {
		m.pc = instr.P2
		return true, nil, nil
	}
	return false, nil, nil
}

// decodeIndexProbe turns a register into the column key an index cursor
// seeks/inserts by: a RegBlob holds a MakeRecord-encoded key, a
// RegRecordPtr already holds unpacked values, and any other register kind
// is treated as a single-column probe (spec §4.D).
func decodeIndexProbe(r Register) ([]record.Value, error) {
	switch r.Kind {
	case RegBlob:
		return record.Decode(r.B, 0)
	case RegRecordPtr:
		return r.Record, nil
	default:
		return []record.Value{r.ToValue()}, nil
	}
}

func (m *VM) arith(instr program.Instr) error {
	a := m.regs[instr.P1].ToValue()
	b := m.regs[instr.P2].ToValue()
	if a.IsNull() || b.IsNull() {
		m.regs[instr.P3] = NullReg()
		return nil
	}
	an := record.AffinityNumeric.Apply(a)
	bn := record.AffinityNumeric.Apply(b)
	if an.Kind == record.KindInt && bn.Kind == record.KindInt {
		var r int64
		switch instr.Op {
		case program.OpAdd:
			r = an.I + bn.I
		case program.OpSubtract:
			r = an.I - bn.I
		case program.OpMultiply:
			r = an.I * bn.I
		case program.OpDivide:
			if bn.I == 0 {
				m.regs[instr.P3] = NullReg()
				return nil
			}
			r = an.I / bn.I
		case program.OpRemainder:
			if bn.I == 0 {
				m.regs[instr.P3] = NullReg()
				return nil
			}
			r = an.I % bn.I
		}
		m.regs[instr.P3] = IntReg(r)
		return nil
	}
	af, bf := numericFloat(an), numericFloat(bn)
	var r float64
	switch instr.Op {
	case program.OpAdd:
		r = af + bf
	case program.OpSubtract:
		r = af - bf
	case program.OpMultiply:
		r = af * bf
	case program.OpDivide:
		if bf == 0 {
			m.regs[instr.P3] = NullReg()
			return nil
		}
		r = af / bf
	case program.OpRemainder:
		if bf == 0 {
			m.regs[instr.P3] = NullReg()
			return nil
		}
		r = float64(int64(af) % int64(bf))
	}
	m.regs[instr.P3] = RealReg(r)
	return nil
}

func numericFloat(v record.Value) float64 {
	if v.Kind == record.KindInt {
		return float64(v.I)
	}
	return v.F
}

// compare implements Eq/Ne/Lt/Le/Gt/Ge: jump to P2 if r[P1] OP r[P3] holds.
// A NULL operand makes the comparison false (no branch) unless P5 requests
// CompareNullEq, in which case record.Compare's total NULL ordering (NULL
// equals NULL, sorts below everything else) decides it instead (spec §4.E
// "branching with a NULL-handling flag").
func (m *VM) compare(instr program.Instr) (bool, error) {
	a := m.regs[instr.P1].ToValue()
	b := m.regs[instr.P3].ToValue()
	if (a.IsNull() || b.IsNull()) && program.CompareFlag(instr.P5) == program.CompareNullFails {
		return false, nil
	}
	c := record.Compare(a, b)
	var take bool
	switch instr.Op {
	case program.OpEq:
		take = c == 0
	case program.OpNe:
		take = c != 0
	case program.OpLt:
		take = c < 0
	case program.OpLe:
		take = c <= 0
	case program.OpGt:
		take = c > 0
	case program.OpGe:
		take = c >= 0
	}
	if take {
		m.pc = instr.P2
		return true, nil
	}
	return false, nil
}

func (m *VM) doInsert(ctx context.Context, instr program.Instr) error {
	c := m.cursors[instr.P1]
	rowID := m.regs[instr.P3].I
	payload := m.regs[instr.P2].B
	return c.tree.Insert(ctx, m.wt, rowID, payload)
}

// doIdxInsert inserts the key built by a preceding MakeRecord (index
// columns plus the trailing indexed-row rowid, register P2) into the index
// tree, ordered by the full key rather than by any synthetic rowid (spec
// §4.C Insert over Component C, §4.D).
func (m *VM) doIdxInsert(ctx context.Context, instr program.Instr) error {
	c := m.cursors[instr.P1]
	key, err := record.Decode(m.regs[instr.P2].B, 0)
	if err != nil {
		return err
	}
	return c.tree.IndexInsert(ctx, m.wt, key)
}

func (m *VM) doDelete(ctx context.Context, instr program.Instr) error {
	c := m.cursors[instr.P1]
	rowID, err := c.RowID()
	if err != nil {
		return err
	}
	return c.tree.Delete(ctx, m.wt, rowID)
}

// doIdxDelete removes the index cursor's current entry, decoding its full
// key (columns plus trailing rowid) from the cursor's payload rather than
// treating the cursor's RowID as the key the way doDelete does for a table
// tree (spec §4.C Delete over Component C).
func (m *VM) doIdxDelete(ctx context.Context, instr program.Instr) error {
	c := m.cursors[instr.P1]
	key, err := c.Row()
	if err != nil {
		return err
	}
	return c.tree.IndexDelete(ctx, m.wt, key)
}

// nextRowID implements the deterministic "max(rowid)+1, else 1" strategy
// (spec §4.E Determinism: NewRowId must be reproducible, never driven by
// wall-clock time or an unseeded RNG).
func (m *VM) nextRowID(cursorIdx int) (int64, error) {
	c := m.cursors[cursorIdx]
	scan := btree.NewWriteCursor(c.tree, m.wt)
	if err := scan.Last(); err != nil {
		return 0, err
	}
	if !scan.Valid() {
		return 1, nil
	}
	max, err := scan.RowID()
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (m *VM) beginTxn(ctx context.Context, instr program.Instr) error {
	if instr.P2 == program.TxnWrite {
		return m.ensureWrite(ctx)
	}
	return m.ensureRead()
}

func (m *VM) savepointOp(instr program.Instr) error {
	name, _ := instr.P4.(string)
	switch instr.P1 {
	case program.SavepointBegin:
		if m.wt == nil {
			return dberr.New(dberr.MisuseError, "vm: savepoint without an open write transaction")
		}
		m.savepoints = append(m.savepoints, savepoint{name: name, mark: m.wt.Mark()})
		return nil
	case program.SavepointRelease:
		for i := len(m.savepoints) - 1; i >= 0; i-- {
			if m.savepoints[i].name == name {
				m.savepoints = m.savepoints[:i]
				return nil
			}
		}
		return dberr.New(dberr.MisuseError, "vm: release of unknown savepoint %q", name)
	case program.SavepointRollback:
		for i := len(m.savepoints) - 1; i >= 0; i-- {
			if m.savepoints[i].name == name {
				m.wt.RollbackTo(m.savepoints[i].mark)
				m.savepoints = m.savepoints[:i+1]
				return nil
			}
		}
		return dberr.New(dberr.MisuseError, "vm: rollback to unknown savepoint %q", name)
	}
	return dberr.New(dberr.Internal, "vm: bad savepoint action %d", instr.P1)
}

// Random returns the VM's next pseudo-random int64, drawn from the
// deterministically-seeded generator handed to New (spec §4.E Determinism).
// No opcode wires this up directly since random() is a scalar function the
// engine layer's function table calls into, not a dedicated opcode.
func (m *VM) Random() int64 { return m.rng.Int63() }
