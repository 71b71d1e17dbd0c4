package pager

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"

	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/vfs"
)

// journalMagic is SQLite's rollback-journal header magic (spec §6).
var journalMagic = [8]byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7}

const journalHeaderSize = 28

// Journal implements the rollback-journal alternative to WAL (spec §4.B,
// §6): before a page is first modified in a transaction, its pre-image is
// appended here; on commit the journal is deleted (or zeroed), on rollback
// its recorded pages are evicted from the cache and the journal is deleted
// without its pre-images being written back. Mutually exclusive with WAL per
// database (engineconf.JournalMode), grounded on the same before-image
// pattern the teacher's BufferPool uses for its undo log, generalized to a
// standalone sidecar file rather than an in-memory list.
type Journal struct {
	file        vfs.File
	pageSize    int
	nonce       uint32
	initialSize uint32 // DB size in pages when the journal was opened
	saved       map[PageId][]byte
	order       []PageId
}

// openJournal creates (or truncates) the journal file for a new write
// transaction.
func openJournal(f vfs.File, pageSize int, initialSizePages uint32, nonce uint32) (*Journal, error) {
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	j := &Journal{file: f, pageSize: pageSize, nonce: nonce, initialSize: initialSizePages, saved: make(map[PageId][]byte)}
	if err := j.writeHeader(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) writeHeader() error {
	buf := make([]byte, journalHeaderSize)
	copy(buf[0:8], journalMagic[:])
	binary.BigEndian.PutUint32(buf[8:12], 0) // page count, patched in on commit-ready
	binary.BigEndian.PutUint32(buf[12:16], j.nonce)
	binary.BigEndian.PutUint32(buf[16:20], j.initialSize)
	binary.BigEndian.PutUint32(buf[20:24], uint32(512)) // sector size
	binary.BigEndian.PutUint32(buf[24:28], uint32(j.pageSize))
	_, err := j.file.WriteAt(buf, 0)
	return err
}

// SavePreimage records page id's pre-modification content the first time it
// is dirtied within the transaction. A no-op if id was already saved.
func (j *Journal) SavePreimage(id PageId, original []byte) error {
	if _, ok := j.saved[id]; ok {
		return nil
	}
	img := append([]byte(nil), original...)
	j.saved[id] = img
	j.order = append(j.order, id)

	offset := journalHeaderSize + int64(len(j.order)-1)*(4+int64(j.pageSize)+4)
	rec := make([]byte, 4+j.pageSize+4)
	binary.BigEndian.PutUint32(rec[0:4], uint32(id))
	copy(rec[4:4+j.pageSize], img)
	binary.BigEndian.PutUint32(rec[4+j.pageSize:], pageChecksum(img, j.nonce))
	_, err := j.file.WriteAt(rec, offset)
	return err
}

// pageChecksum is the per-record integrity seed (spec §6: "checksum-seed").
func pageChecksum(page []byte, nonce uint32) uint32 {
	h := xxhash.New32()
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], nonce)
	h.Write(n[:])
	h.Write(page)
	return h.Sum32()
}

// Finalize patches the journal header's page count once the set of
// modified pages for this transaction is known, and syncs it durably
// before any page is written back to the main database file (spec §4.B
// commit() fsync ordering (ii) under journal mode).
func (j *Journal) Finalize() error {
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(j.order)))
	if _, err := j.file.WriteAt(countBuf[:], 8); err != nil {
		return dberr.Wrap(dberr.IOErr, err, "journal: finalize header")
	}
	return j.file.Sync(vfs.SyncFull)
}

// Preimages returns every saved (page, original-content) pair in the order
// they were first dirtied; Rollback uses their page ids to evict them from
// the cache.
func (j *Journal) Preimages() []struct {
	ID   PageId
	Data []byte
} {
	out := make([]struct {
		ID   PageId
		Data []byte
	}, len(j.order))
	for i, id := range j.order {
		out[i].ID = id
		out[i].Data = j.saved[id]
	}
	return out
}

// Delete removes the journal file, the signal that the transaction
// committed successfully (spec §4.B commit() under journal mode: delete
// the journal only after the main file write is durable).
func (j *Journal) Delete(vfsImpl vfs.VFS, name string) error {
	return vfsImpl.Delete(name)
}
