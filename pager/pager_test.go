package pager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/sqlitecore/engineconf"
	"github.com/zhukovaskychina/sqlitecore/vfs"
)

func testConfig() *engineconf.Config {
	cfg := engineconf.Default()
	cfg.PageSize = 4096
	cfg.CacheSize = 16
	return cfg
}

func TestPagerWriteCommitReadBack(t *testing.T) {
	mem := vfs.NewMemory()
	p, err := Open(mem, "test.db", testConfig())
	require.NoError(t, err)
	defer p.Close()

	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	page, err := wt.Allocate()
	require.NoError(t, err)
	copy(page.Data, []byte("hello page"))
	require.NoError(t, wt.Commit())

	rt := p.BeginRead()
	defer rt.Close()
	got, err := rt.ReadPage(page.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("hello page"), got.Data[:len("hello page")])
}

func TestPagerRollbackReleasesWriteLock(t *testing.T) {
	mem := vfs.NewMemory()
	p, err := Open(mem, "test.db", testConfig())
	require.NoError(t, err)
	defer p.Close()

	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	page, err := wt.Allocate()
	require.NoError(t, err)
	copy(page.Data, []byte("should vanish"))
	require.NoError(t, wt.Rollback())

	wt2, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	require.NoError(t, wt2.Rollback())
}

func TestPagerJournalModeRoundTrip(t *testing.T) {
	mem := vfs.NewMemory()
	cfg := testConfig()
	cfg.JournalMode = engineconf.JournalDelete
	p, err := Open(mem, "journal.db", cfg)
	require.NoError(t, err)
	defer p.Close()

	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	page, err := wt.Allocate()
	require.NoError(t, err)
	copy(page.Data, []byte("journaled"))
	require.NoError(t, wt.Commit())

	rt := p.BeginRead()
	defer rt.Close()
	got, err := rt.ReadPage(page.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("journaled"), got.Data[:len("journaled")])
}

func TestPagerSingleWriterExclusion(t *testing.T) {
	mem := vfs.NewMemory()
	cfg := testConfig()
	cfg.BusyTimeoutMS = 10
	p, err := Open(mem, "busy.db", cfg)
	require.NoError(t, err)
	defer p.Close()

	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)

	_, err = p.BeginWrite(context.Background())
	require.Error(t, err)

	require.NoError(t, wt.Rollback())
}

func TestPagerWALCheckpointReclaimsFrames(t *testing.T) {
	mem := vfs.NewMemory()
	p, err := Open(mem, "wal.db", testConfig())
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 3; i++ {
		wt, err := p.BeginWrite(context.Background())
		require.NoError(t, err)
		page, err := wt.Allocate()
		require.NoError(t, err)
		copy(page.Data, []byte("frame"))
		require.NoError(t, wt.Commit())
	}

	n, err := p.Checkpoint(CheckpointFull)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
}

func TestWALRecoveryReplaysCommittedFrames(t *testing.T) {
	mem := vfs.NewMemory()
	p, err := Open(mem, "recover.db", testConfig())
	require.NoError(t, err)

	wt, err := p.BeginWrite(context.Background())
	require.NoError(t, err)
	page, err := wt.Allocate()
	require.NoError(t, err)
	copy(page.Data, []byte("durable"))
	require.NoError(t, wt.Commit())
	require.NoError(t, p.Close())

	p2, err := Open(mem, "recover.db", testConfig())
	require.NoError(t, err)
	defer p2.Close()

	rt := p2.BeginRead()
	defer rt.Close()
	got, err := rt.ReadPage(page.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got.Data[:len("durable")])
}

// TestPagerReopenDoesNotReusePages guards against a stale on-disk page
// count: Allocate after a reopen must hand out a page number past every
// page already committed before the close, in both WAL and journal mode.
func TestPagerReopenDoesNotReusePages(t *testing.T) {
	for _, jm := range []engineconf.JournalMode{engineconf.JournalWAL, engineconf.JournalDelete} {
		mem := vfs.NewMemory()
		cfg := testConfig()
		cfg.JournalMode = jm

		p, err := Open(mem, "reopen.db", cfg)
		require.NoError(t, err)

		var firstIDs []PageId
		for i := 0; i < 3; i++ {
			wt, err := p.BeginWrite(context.Background())
			require.NoError(t, err)
			page, err := wt.Allocate()
			require.NoError(t, err)
			copy(page.Data, []byte("page-before-close"))
			require.NoError(t, wt.Commit())
			firstIDs = append(firstIDs, page.ID)
		}
		require.NoError(t, p.Close())

		p2, err := Open(mem, "reopen.db", cfg)
		require.NoError(t, err)

		wt2, err := p2.BeginWrite(context.Background())
		require.NoError(t, err)
		newPage, err := wt2.Allocate()
		require.NoError(t, err)
		copy(newPage.Data, []byte("page-after-reopen"))
		require.NoError(t, wt2.Commit())

		for _, id := range firstIDs {
			require.NotEqual(t, id, newPage.ID, "reopen must not hand out a page id already committed before close (mode=%v)", jm)
		}

		rt := p2.BeginRead()
		for _, id := range firstIDs {
			got, err := rt.ReadPage(id)
			require.NoError(t, err)
			require.Equal(t, []byte("page-before-close"), got.Data[:len("page-before-close")], "pre-close page %d must survive reopen untouched (mode=%v)", id, jm)
		}
		rt.Close()

		require.NoError(t, p2.Close())
	}
}
