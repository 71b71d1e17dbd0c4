// Package pager implements the page cache and write-ahead log (spec §4.B):
// transaction lifecycle, WAL append/checkpoint/recovery, dirty tracking,
// and the rollback-journal alternative mode. Grounded on the teacher's
// buffer_pool package (BufferPool, LRUCache, dirty/flush lists) and
// mash-db's pkg/pager (Page/PinCnt/Dirty, LRUCache over container/list),
// generalized from InnoDB's multi-space model to SQLite's single-file
// database + sidecar WAL.
package pager

import "github.com/zhukovaskychina/sqlitecore/vfs"

// PageId is the 1-based page number (spec §3: "Page 1 is the database
// header page").
type PageId uint32

// Page is one fixed-size on-disk page buffer, mutable only inside an open
// write transaction via copy-on-write into the cache (spec §3 Lifecycles).
type Page struct {
	ID   PageId
	Data []byte
}

// CacheEntry is the page cache's bookkeeping record (spec §4.B).
type CacheEntry struct {
	Page         *Page
	Dirty        bool
	PinCount     int
	WALFrameHint uint32 // last WAL frame this page's content came from, 0 if none
}

func newBlankPage(id PageId, pageSize int) *Page {
	return &Page{ID: id, Data: make([]byte, pageSize)}
}

// clone copies a page's bytes for copy-on-write mutation inside a write
// transaction, so a concurrent reader holding the old CacheEntry never
// observes a half-written page.
func (p *Page) clone() *Page {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	return &Page{ID: p.ID, Data: data}
}

// syncLevelFor maps the synchronous pragma (spec §6) to a vfs.SyncLevel.
func syncLevelFor(synchronous string) vfs.SyncLevel {
	if synchronous == "off" {
		return vfs.SyncData
	}
	return vfs.SyncFull
}
