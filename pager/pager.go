package pager

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/engineconf"
	"github.com/zhukovaskychina/sqlitecore/logger"
	"github.com/zhukovaskychina/sqlitecore/vfs"
)

// Pager owns one database file's durability: the page cache, the active
// WAL or rollback journal, and the begin/commit/rollback transaction
// lifecycle (spec §4.B). One Pager per open database file, shared by every
// connection against it (spec §9's process-wide registry hands out the
// same *Pager to every *Conn on the same path).
type Pager struct {
	vfs      vfs.VFS
	path     string
	cfg      *engineconf.Config
	pageSize int

	dbFile vfs.File
	wal    *WAL
	walOn  bool

	cache *PageCache

	mu          sync.Mutex
	writeLocked bool
	sizePages   uint32
	nonce       uint32

	checkpointGroup singleflight.Group
}

func Open(vfsImpl vfs.VFS, path string, cfg *engineconf.Config) (*Pager, error) {
	if cfg == nil {
		cfg = engineconf.Default()
	}
	dbFile, err := vfsImpl.Open(path, true)
	if err != nil {
		return nil, dberr.Wrap(dberr.IOErr, err, "pager: open %s", path)
	}

	p := &Pager{
		vfs:      vfsImpl,
		path:     path,
		cfg:      cfg,
		pageSize: cfg.PageSize,
		dbFile:   dbFile,
		cache:    NewPageCache(cfg.CacheSize),
		nonce:    0x9e3779b9,
	}

	size, err := dbFile.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		if err := p.initFresh(); err != nil {
			return nil, err
		}
	} else {
		hdrBuf := make([]byte, HeaderSize)
		if _, err := dbFile.ReadAt(hdrBuf, 0); err != nil {
			return nil, dberr.Wrap(dberr.IOErr, err, "pager: read header")
		}
		hdr, err := DecodeHeader(hdrBuf)
		if err != nil {
			return nil, err
		}
		p.pageSize = hdr.PageSizeBytes()
		p.sizePages = hdr.SizePages
	}

	p.walOn = cfg.JournalMode == engineconf.JournalWAL
	if p.walOn {
		walFile, err := vfsImpl.Open(path+"-wal", true)
		if err != nil {
			return nil, dberr.Wrap(dberr.IOErr, err, "pager: open wal")
		}
		wal, err := openWAL(walFile, p.pageSize)
		if err != nil {
			return nil, err
		}
		p.wal = wal
		// The main file's header is only rewritten at checkpoint time, so
		// after any WAL-mode commit it lags the database's true page
		// count; the WAL's last committed frame is authoritative instead.
		if cs := wal.LastCommitSize(); cs > 0 {
			p.sizePages = cs
		}
	}

	return p, nil
}

func (p *Pager) initFresh() error {
	hdr := DefaultFileHeader(p.pageSize)
	if _, err := p.dbFile.WriteAt(hdr.Encode(), 0); err != nil {
		return dberr.Wrap(dberr.IOErr, err, "pager: write fresh header")
	}
	page1 := newBlankPage(1, p.pageSize)
	copy(page1.Data, hdr.Encode())
	if _, err := p.dbFile.WriteAt(page1.Data, 0); err != nil {
		return dberr.Wrap(dberr.IOErr, err, "pager: write page 1")
	}
	p.sizePages = 1
	return p.dbFile.Sync(vfs.SyncFull)
}

// PageSize returns the database's fixed page size in bytes.
func (p *Pager) PageSize() int { return p.pageSize }

// persistSizePages patches the on-disk header's SizePages field (bytes
// 28-31 of page 1) to the current in-memory page count, without touching
// any other header byte a concurrent schema write might also be patching.
// Journal-mode commits must call this on every commit, since unlike WAL
// mode (where the true count rides the last frame's CommitSize, spec
// §4.B) the main file's header is the only durable record of it.
func (p *Pager) persistSizePages() error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], p.sizePages)
	if _, err := p.dbFile.WriteAt(buf[:], 28); err != nil {
		return dberr.Wrap(dberr.IOErr, err, "pager: persist page count")
	}
	return nil
}

// ReadTxn is a read snapshot: a fixed WAL end-frame (or, under journal
// mode, simply the current file), isolating the reader from any writer
// that begins after BeginRead returns (spec §4.B begin_read()).
type ReadTxn struct {
	pager   *Pager
	mxFrame uint32
	closed  bool
}

// BeginRead opens a read snapshot. Under WAL mode this pins mxFrame so a
// concurrent checkpoint cannot reclaim frames this reader still needs.
func (p *Pager) BeginRead() *ReadTxn {
	var mx uint32
	if p.walOn {
		mx = p.wal.MxFrame()
		p.wal.PinReader(mx)
	}
	return &ReadTxn{pager: p, mxFrame: mx}
}

// Close releases a read snapshot's pin.
func (t *ReadTxn) Close() {
	if t.closed {
		return
	}
	t.closed = true
	if t.pager.walOn {
		t.pager.wal.UnpinReader(t.mxFrame)
	}
}

// ReadPage fetches page id as of this snapshot, consulting the WAL before
// falling back to the main database file (spec §4.B).
func (t *ReadTxn) ReadPage(id PageId) (*Page, error) {
	return t.pager.readPageAt(id, t.mxFrame, t.pager.walOn)
}

func (p *Pager) readPageAt(id PageId, mx uint32, useWAL bool) (*Page, error) {
	if entry := p.cache.Get(id); entry != nil {
		return entry.Page, nil
	}
	var data []byte
	if useWAL {
		if img, ok := p.wal.ReadPage(id, mx); ok {
			data = img
		}
	}
	if data == nil {
		offset := int64(id-1) * int64(p.pageSize)
		buf := make([]byte, p.pageSize)
		n, err := p.dbFile.ReadAt(buf, offset)
		if err != nil && n == 0 {
			return nil, dberr.Wrap(dberr.IOErr, err, "pager: read page %d", id)
		}
		data = buf
	}
	page := &Page{ID: id, Data: data}
	p.cache.Put(&CacheEntry{Page: page})
	return page, nil
}

// WriteTxn is the single exclusive writer for this Pager (spec §4.B
// begin_write(): "at most one writer at a time; readers proceed
// unaffected"). Dirty pages are copy-on-write clones kept out of the
// shared cache until commit publishes them.
type WriteTxn struct {
	pager     *Pager
	dirty     map[PageId]*Page
	order     []PageId
	journal   *Journal
	base      uint32 // WAL mxFrame / size this txn started from
	done      bool
	onCommit  []func()
}

// OnCommit registers fn to run after this transaction durably commits,
// and never if it rolls back -- the hook higher layers (the schema
// catalog) use to apply in-memory bookkeeping atomically with a
// transaction's durability, without the pager itself knowing anything
// about schemas (spec §8: a rolled-back CREATE TABLE/INDEX/DROP must leave
// the catalog exactly as it was).
func (t *WriteTxn) OnCommit(fn func()) {
	t.onCommit = append(t.onCommit, fn)
}

// BeginWrite acquires the exclusive write lease, blocking (with the
// busy_timeout backoff, spec §5) until no other writer holds it.
func (p *Pager) BeginWrite(ctx context.Context) (*WriteTxn, error) {
	deadline := time.Now().Add(time.Duration(p.cfg.BusyTimeoutMS) * time.Millisecond)
	backoff := time.Millisecond
	for {
		p.mu.Lock()
		if !p.writeLocked {
			p.writeLocked = true
			base := p.sizePages
			if p.walOn {
				base = p.wal.MxFrame()
			}
			p.mu.Unlock()

			wt := &WriteTxn{pager: p, dirty: make(map[PageId]*Page), base: base}
			if !p.walOn {
				jf, err := p.vfs.Open(p.path+"-journal", true)
				if err != nil {
					p.releaseWriteLock()
					return nil, dberr.Wrap(dberr.IOErr, err, "pager: open journal")
				}
				j, err := openJournal(jf, p.pageSize, p.sizePages, p.nonce)
				if err != nil {
					p.releaseWriteLock()
					return nil, err
				}
				wt.journal = j
			}
			return wt, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, dberr.New(dberr.Interrupt, "pager: begin_write interrupted")
		default:
		}
		if time.Now().After(deadline) {
			return nil, dberr.New(dberr.Busy, "pager: database is locked")
		}
		time.Sleep(backoff)
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

func (p *Pager) releaseWriteLock() {
	p.mu.Lock()
	p.writeLocked = false
	p.mu.Unlock()
}

// GetForUpdate returns a mutable clone of page id, recording its
// pre-modification image in the journal (rollback-journal mode) so
// Rollback can restore it.
func (t *WriteTxn) GetForUpdate(id PageId) (*Page, error) {
	if page, ok := t.dirty[id]; ok {
		return page, nil
	}
	base, err := t.pager.readPageAt(id, t.base, t.pager.walOn)
	if err != nil {
		return nil, err
	}
	if t.journal != nil {
		if err := t.journal.SavePreimage(id, base.Data); err != nil {
			return nil, err
		}
	}
	clone := base.clone()
	t.dirty[id] = clone
	t.order = append(t.order, id)
	return clone, nil
}

// Allocate extends the database by one page and returns it zero-filled,
// mutable within this transaction (spec §4.B: page allocation on insert).
func (t *WriteTxn) Allocate() (*Page, error) {
	t.pager.mu.Lock()
	t.pager.sizePages++
	id := PageId(t.pager.sizePages)
	t.pager.mu.Unlock()

	page := newBlankPage(id, t.pager.pageSize)
	t.dirty[id] = page
	t.order = append(t.order, id)
	return page, nil
}

// Mark returns a savepoint token capturing this transaction's current
// dirty-page frontier (spec §4.E OpSavepoint/Begin).
func (t *WriteTxn) Mark() int { return len(t.order) }

// RollbackTo discards every page dirtied since mark was captured,
// restoring the transaction to its state at that savepoint (spec §4.E
// OpSavepoint/Rollback) without aborting the whole write transaction.
func (t *WriteTxn) RollbackTo(mark int) {
	for _, id := range t.order[mark:] {
		delete(t.dirty, id)
		t.pager.cache.Remove(id)
	}
	t.order = t.order[:mark]
}

// Commit durably publishes every dirty page: under WAL mode, appends
// frames and syncs before advancing mxFrame (spec §4.B commit() (i)-(iii));
// under journal mode, finalizes and syncs the journal, writes pages in
// place, syncs, then deletes the journal.
func (t *WriteTxn) Commit() error {
	if t.done {
		return dberr.New(dberr.MisuseError, "pager: commit of finished transaction")
	}
	t.done = true
	defer t.pager.releaseWriteLock()

	p := t.pager
	if len(t.order) == 0 {
		t.runOnCommit()
		return nil
	}

	if p.walOn {
		for i, id := range t.order {
			isLast := i == len(t.order)-1
			var commitSize uint32
			if isLast {
				commitSize = p.sizePages
			}
			if err := p.wal.Append(id, t.dirty[id].Data, isLast, commitSize); err != nil {
				return err
			}
		}
		if err := p.wal.Sync(); err != nil {
			return dberr.Wrap(dberr.IOErr, err, "pager: sync wal")
		}
		for id, page := range t.dirty {
			p.cache.Put(&CacheEntry{Page: page, WALFrameHint: p.wal.MxFrame()})
			_ = id
		}
		t.runOnCommit()
		return nil
	}

	if err := t.journal.Finalize(); err != nil {
		return err
	}
	for id, page := range t.dirty {
		offset := int64(id-1) * int64(p.pageSize)
		if _, err := p.dbFile.WriteAt(page.Data, offset); err != nil {
			return dberr.Wrap(dberr.IOErr, err, "pager: write page %d", id)
		}
	}
	if err := p.persistSizePages(); err != nil {
		return err
	}
	if err := p.dbFile.Sync(syncLevelFor(string(p.cfg.Synchronous))); err != nil {
		return dberr.Wrap(dberr.IOErr, err, "pager: sync db file")
	}
	if err := t.journal.Delete(p.vfs, p.path+"-journal"); err != nil {
		logger.For("pager").Warnf("journal delete failed (non-fatal): %v", err)
	}
	for id, page := range t.dirty {
		p.cache.Put(&CacheEntry{Page: page})
		_ = id
	}
	t.runOnCommit()
	return nil
}

func (t *WriteTxn) runOnCommit() {
	for _, fn := range t.onCommit {
		fn()
	}
}

// Rollback discards every dirty page without touching the main file: it
// evicts the transaction's pages from the cache and, under journal mode,
// also evicts every journaled page and deletes the journal. No pre-image is
// written back, since dirty pages are never written to the main file
// before commit.
func (t *WriteTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.pager.releaseWriteLock()

	p := t.pager
	if t.journal != nil {
		for _, pre := range t.journal.Preimages() {
			p.cache.Remove(pre.ID)
		}
		_ = t.journal.Delete(p.vfs, p.path+"-journal")
	}
	for _, id := range t.order {
		p.cache.Remove(id)
	}
	p.mu.Lock()
	if !p.walOn {
		// Pages allocated during this aborted txn never became durable;
		// roll the logical size back to what it was at BeginWrite.
		p.sizePages = t.base
	}
	p.mu.Unlock()
	return nil
}

// Checkpoint reclaims WAL frames back into the main database file (spec
// §4.B). Concurrent Checkpoint calls for the same Pager collapse into one
// in-flight call via singleflight, matching "at most one checkpoint
// proceeds at a time" without a dedicated mutex.
func (p *Pager) Checkpoint(mode CheckpointMode) (int, error) {
	if !p.walOn {
		return 0, nil
	}
	v, err, _ := p.checkpointGroup.Do("checkpoint", func() (interface{}, error) {
		n, err := p.wal.Checkpoint(mode, func(id PageId, page []byte) error {
			offset := int64(id-1) * int64(p.pageSize)
			_, werr := p.dbFile.WriteAt(page, offset)
			return werr
		})
		if err != nil {
			return n, err
		}
		if perr := p.persistSizePages(); perr != nil {
			return n, perr
		}
		if serr := p.dbFile.Sync(vfs.SyncFull); serr != nil {
			return n, dberr.Wrap(dberr.IOErr, serr, "pager: checkpoint sync")
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Close releases the database and WAL file handles.
func (p *Pager) Close() error {
	if p.wal != nil {
		if err := p.wal.file.Close(); err != nil {
			return err
		}
	}
	return p.dbFile.Close()
}
