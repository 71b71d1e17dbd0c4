package btree

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sqlitecore/engineconf"
	"github.com/zhukovaskychina/sqlitecore/pager"
	"github.com/zhukovaskychina/sqlitecore/vfs"
)

func newTestTree(t *testing.T) (*pager.Pager, *Tree) {
	mem := vfs.NewMemory()
	cfg := engineconf.Default()
	cfg.PageSize = 4096
	p, err := pager.Open(mem, "t.db", cfg)
	require.NoError(t, err)

	header := pager.DefaultFileHeader(cfg.PageSize)

	var root pager.PageId
	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	root, err = CreateEmpty(context.Background(), p, wt, header, true)
	require.NoError(t, err)
	require.NoError(t, wt.Commit())

	tree := OpenTable(p, header, root)
	return p, tree
}

func TestBTreeInsertAndSeek(t *testing.T) {
	p, tree := newTestTree(t)
	defer p.Close()

	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	for i := int64(1); i <= 20; i++ {
		require.NoError(t, tree.Insert(context.Background(), wt, i, []byte(fmt.Sprintf("row-%d", i))))
	}
	require.NoError(t, wt.Commit())

	rt := p.BeginRead()
	defer rt.Close()
	payload, found, err := tree.SeekRow(rt, 10)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "row-10", string(payload))

	_, found, err = tree.SeekRow(rt, 999)
	require.NoError(t, err)
	require.False(t, found)
}

func TestBTreeInsertManyCausesSplit(t *testing.T) {
	p, tree := newTestTree(t)
	defer p.Close()

	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	for i := int64(1); i <= 500; i++ {
		require.NoError(t, tree.Insert(context.Background(), wt, i, make([]byte, 64)))
	}
	require.NoError(t, wt.Commit())

	rt := p.BeginRead()
	defer rt.Close()
	require.NoError(t, tree.Check(rt))

	for _, id := range []int64{1, 250, 500} {
		_, found, err := tree.SeekRow(rt, id)
		require.NoError(t, err)
		require.True(t, found, "row %d should be found", id)
	}
}

func TestBTreeCursorForwardIteration(t *testing.T) {
	p, tree := newTestTree(t)
	defer p.Close()

	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	for i := int64(1); i <= 50; i++ {
		require.NoError(t, tree.Insert(context.Background(), wt, i, []byte{byte(i)}))
	}
	require.NoError(t, wt.Commit())

	rt := p.BeginRead()
	defer rt.Close()
	cur := NewReadCursor(tree, rt)
	require.NoError(t, cur.Rewind())

	var got []int64
	for cur.Valid() {
		id, err := cur.RowID()
		require.NoError(t, err)
		got = append(got, id)
		require.NoError(t, cur.Next())
	}
	require.Len(t, got, 50)
	for i, id := range got {
		require.Equal(t, int64(i+1), id)
	}
}

func TestBTreeDeleteRemovesRow(t *testing.T) {
	p, tree := newTestTree(t)
	defer p.Close()

	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, tree.Insert(context.Background(), wt, i, []byte{byte(i)}))
	}
	require.NoError(t, tree.Delete(context.Background(), wt, 5))
	require.NoError(t, wt.Commit())

	rt := p.BeginRead()
	defer rt.Close()
	_, found, err := tree.SeekRow(rt, 5)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = tree.SeekRow(rt, 6)
	require.NoError(t, err)
	require.True(t, found)
}

func TestBTreeOverflowPayload(t *testing.T) {
	p, tree := newTestTree(t)
	defer p.Close()

	big := make([]byte, 10000)
	for i := range big {
		big[i] = byte(i % 251)
	}

	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, tree.Insert(context.Background(), wt, 1, big))
	require.NoError(t, wt.Commit())

	rt := p.BeginRead()
	defer rt.Close()
	got, found, err := tree.SeekRow(rt, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, big, got)
}
