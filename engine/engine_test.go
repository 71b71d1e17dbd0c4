package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sqlitecore/engineconf"
	"github.com/zhukovaskychina/sqlitecore/program"
)

func testConfig() *engineconf.Config {
	cfg := engineconf.Default()
	cfg.PageSize = 4096
	cfg.CacheSize = 16
	return cfg
}

func TestEngineOpenSharesRegistryByPath(t *testing.T) {
	e1, err := Open(":memory:shared", testConfig())
	require.NoError(t, err)
	e2, err := Open(":memory:shared", testConfig())
	require.NoError(t, err)
	require.Same(t, e1, e2, "two Opens of the same path must share one Engine")

	c1, err := e1.NewConnection()
	require.NoError(t, err)
	c2, err := e2.NewConnection()
	require.NoError(t, err)
	require.NoError(t, c1.Close())
	require.NoError(t, c2.Close())
}

func TestConnCreateTableAndInsertScan(t *testing.T) {
	e, err := Open(":memory:"+t.Name(), testConfig())
	require.NoError(t, err)
	conn, err := e.NewConnection()
	require.NoError(t, err)
	defer conn.Close()

	root, err := conn.CreateTable(context.Background(), "widgets", 2)
	require.NoError(t, err)

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
	b.Emit(program.Instr{Op: program.OpNewRowId, P1: cur, P2: regRowID})
	b.Emit(program.Instr{Op: program.OpString8, P1: regText, P4: "widget-1"})
	b.Emit(program.Instr{Op: program.OpMakeRecord, P1: regRowID, P2: 2, P3: regRec})
	b.Emit(program.Instr{Op: program.OpInsert, P1: cur, P2: regRec, P3: regRowID})
	b.Emit(program.Instr{Op: program.OpCommit})
	b.Emit(program.Instr{Op: program.OpHalt})

	ivm := conn.NewVM(b.Build())
	_, done, err := ivm.Run(context.Background())
	require.NoError(t, err)
	require.True(t, done)

	sb := program.NewBuilder()
	sb.UseCursor(cur).UseRegister(regText)
	sb.Emit(program.Instr{Op: program.OpTransaction, P2: program.TxnRead})
	sb.Emit(program.Instr{Op: program.OpOpenRead, P1: cur, P2: int(root)})
	sb.JumpP2ToLabel(sb.Emit(program.Instr{Op: program.OpRewind, P1: cur}), "end")
	sb.Label("loop")
	sb.Emit(program.Instr{Op: program.OpColumn, P1: cur, P2: 1, P3: regText})
	sb.Emit(program.Instr{Op: program.OpResultRow, P1: regText, P2: 1})
	sb.JumpP2ToLabel(sb.Emit(program.Instr{Op: program.OpNext, P1: cur}), "loop")
	sb.Label("end")
	sb.Emit(program.Instr{Op: program.OpClose, P1: cur})
	sb.Emit(program.Instr{Op: program.OpCommit})
	sb.Emit(program.Instr{Op: program.OpHalt})

	svm := conn.NewVM(sb.Build())
	row, done, err := svm.Run(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "widget-1", row[0].S)

	_, done, err = svm.Run(context.Background())
	require.NoError(t, err)
	require.True(t, done)
}

func TestEngineCreateTableRollbackLeavesCatalogUnchanged(t *testing.T) {
	e, err := Open(":memory:"+t.Name(), testConfig())
	require.NoError(t, err)

	ctx := context.Background()
	wt, err := e.pager.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = e.CreateTable(ctx, wt, "ghosts", 2)
	require.NoError(t, err)
	require.NoError(t, wt.Rollback())

	_, _, ok := e.Lookup("ghosts")
	require.False(t, ok, "a rolled-back CREATE TABLE must not register in the catalog")
	require.Equal(t, uint32(0), e.header.SchemaCookie, "a rolled-back CREATE TABLE must not bump the schema cookie")
}

func TestEngineSchemaSurvivesRollbackThenCommit(t *testing.T) {
	e, err := Open(":memory:"+t.Name(), testConfig())
	require.NoError(t, err)
	ctx := context.Background()

	wt, err := e.pager.BeginWrite(ctx)
	require.NoError(t, err)
	_, err = e.CreateTable(ctx, wt, "ghosts", 2)
	require.NoError(t, err)
	require.NoError(t, wt.Rollback())
	_, _, ok := e.Lookup("ghosts")
	require.False(t, ok)

	wt2, err := e.pager.BeginWrite(ctx)
	require.NoError(t, err)
	root, err := e.CreateTable(ctx, wt2, "widgets", 2)
	require.NoError(t, err)
	require.NoError(t, wt2.Commit())

	gotRoot, arity, ok := e.Lookup("widgets")
	require.True(t, ok)
	require.Equal(t, root, gotRoot)
	require.Equal(t, 2, arity)
	require.Equal(t, uint32(1), e.header.SchemaCookie)
}

func TestConnDropTableRemovesCatalogEntry(t *testing.T) {
	e, err := Open(":memory:"+t.Name(), testConfig())
	require.NoError(t, err)
	conn, err := e.NewConnection()
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	_, err = conn.CreateTable(ctx, "widgets", 2)
	require.NoError(t, err)
	_, _, ok := e.Lookup("widgets")
	require.True(t, ok)

	require.NoError(t, conn.DropTable(ctx, "widgets"))
	_, _, ok = e.Lookup("widgets")
	require.False(t, ok)

	require.Error(t, conn.DropTable(ctx, "widgets"), "dropping an already-dropped table must fail")
}

func TestConnCreateIndexDropIndexAndKindMismatch(t *testing.T) {
	e, err := Open(":memory:"+t.Name(), testConfig())
	require.NoError(t, err)
	conn, err := e.NewConnection()
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	_, err = conn.CreateTable(ctx, "widgets", 2)
	require.NoError(t, err)
	_, err = conn.CreateIndex(ctx, "widgets_by_name", "widgets", 2, false)
	require.NoError(t, err)

	_, _, ok := e.Lookup("widgets_by_name")
	require.True(t, ok)

	require.Error(t, conn.DropIndex(ctx, "widgets"), "DropIndex on a table name must fail")
	require.Error(t, conn.DropTable(ctx, "widgets_by_name"), "DropTable on an index name must fail")

	require.NoError(t, conn.DropIndex(ctx, "widgets_by_name"))
	_, _, ok = e.Lookup("widgets_by_name")
	require.False(t, ok)

	_, _, ok = e.Lookup("widgets")
	require.True(t, ok, "dropping the index must not touch its table's catalog entry")
}

func TestConnInterrupt(t *testing.T) {
	e, err := Open(":memory:"+t.Name(), testConfig())
	require.NoError(t, err)
	conn, err := e.NewConnection()
	require.NoError(t, err)
	defer conn.Close()

	require.False(t, conn.Interrupted())
	conn.Interrupt()
	require.True(t, conn.Interrupted())
	conn.ClearInterrupt()
	require.False(t, conn.Interrupted())
}
