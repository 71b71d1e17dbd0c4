package pager

import (
	"encoding/binary"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/logger"
	"github.com/zhukovaskychina/sqlitecore/vfs"
)

// WALHeaderSize and WALFrameHeaderSize match spec §6's external WAL format.
const (
	WALHeaderSize      = 32
	WALFrameHeaderSize = 24
	walMagic           = 0x377f0683
	walFormatVersion   = 3007000
)

// WALHeader is the 32-byte file header at the start of a WAL file.
type WALHeader struct {
	Magic       uint32
	FormatVer   uint32
	PageSize    uint32
	CheckpointN uint32
	Salt1       uint32
	Salt2       uint32
	Checksum1   uint32
	Checksum2   uint32
}

func (h *WALHeader) encode() []byte {
	buf := make([]byte, WALHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.FormatVer)
	binary.BigEndian.PutUint32(buf[8:12], h.PageSize)
	binary.BigEndian.PutUint32(buf[12:16], h.CheckpointN)
	binary.BigEndian.PutUint32(buf[16:20], h.Salt1)
	binary.BigEndian.PutUint32(buf[20:24], h.Salt2)
	binary.BigEndian.PutUint32(buf[24:28], h.Checksum1)
	binary.BigEndian.PutUint32(buf[28:32], h.Checksum2)
	return buf
}

func decodeWALHeader(buf []byte) (*WALHeader, error) {
	if len(buf) < WALHeaderSize {
		return nil, dberr.New(dberr.Corrupt, "wal: header shorter than %d bytes", WALHeaderSize)
	}
	h := &WALHeader{
		Magic:       binary.BigEndian.Uint32(buf[0:4]),
		FormatVer:   binary.BigEndian.Uint32(buf[4:8]),
		PageSize:    binary.BigEndian.Uint32(buf[8:12]),
		CheckpointN: binary.BigEndian.Uint32(buf[12:16]),
		Salt1:       binary.BigEndian.Uint32(buf[16:20]),
		Salt2:       binary.BigEndian.Uint32(buf[20:24]),
		Checksum1:   binary.BigEndian.Uint32(buf[24:28]),
		Checksum2:   binary.BigEndian.Uint32(buf[28:32]),
	}
	if h.Magic != walMagic {
		return nil, dberr.New(dberr.Corrupt, "wal: bad magic")
	}
	return h, nil
}

// FrameHeader is the 24-byte header preceding each page image in the WAL.
type FrameHeader struct {
	PageNumber  uint32
	CommitSize  uint32 // nonzero on the last frame of a committed transaction: new DB size in pages
	Salt1, Salt2 uint32
	Checksum1, Checksum2 uint32
}

func (f *FrameHeader) encode() []byte {
	buf := make([]byte, WALFrameHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], f.PageNumber)
	binary.BigEndian.PutUint32(buf[4:8], f.CommitSize)
	binary.BigEndian.PutUint32(buf[8:12], f.Salt1)
	binary.BigEndian.PutUint32(buf[12:16], f.Salt2)
	binary.BigEndian.PutUint32(buf[16:20], f.Checksum1)
	binary.BigEndian.PutUint32(buf[20:24], f.Checksum2)
	return buf
}

func decodeFrameHeader(buf []byte) *FrameHeader {
	return &FrameHeader{
		PageNumber: binary.BigEndian.Uint32(buf[0:4]),
		CommitSize: binary.BigEndian.Uint32(buf[4:8]),
		Salt1:      binary.BigEndian.Uint32(buf[8:12]),
		Salt2:      binary.BigEndian.Uint32(buf[12:16]),
		Checksum1:  binary.BigEndian.Uint32(buf[16:20]),
		Checksum2:  binary.BigEndian.Uint32(buf[20:24]),
	}
}

// chainChecksum extends the running checksum over one more (page-number,
// commit-size, page-image) unit. The spec leaves the exact checksum
// algorithm unspecified beyond "chained to the previous frame" (spec §6);
// this engine chains two xxhash64-derived 32-bit halves rather than
// SQLite's bespoke Fibonacci-weighted checksum, since xxhash is this pack's
// wired checksum primitive (util/hash_utils.go) and the chaining property
// -- a single-bit corruption anywhere in the chain is detectable, and
// recovery stops at the first bad frame -- is what spec §4.B/§7 actually
// requires.
func chainChecksum(prev1, prev2 uint32, salt1, salt2 uint32, pageNo, commitSize uint32, page []byte) (uint32, uint32) {
	h := xxhash.New64()
	var tmp [16]byte
	binary.BigEndian.PutUint32(tmp[0:4], prev1)
	binary.BigEndian.PutUint32(tmp[4:8], prev2)
	binary.BigEndian.PutUint32(tmp[8:12], salt1)
	binary.BigEndian.PutUint32(tmp[12:16], salt2)
	h.Write(tmp[:])
	var pn [8]byte
	binary.BigEndian.PutUint32(pn[0:4], pageNo)
	binary.BigEndian.PutUint32(pn[4:8], commitSize)
	h.Write(pn[:])
	h.Write(page)
	sum := h.Sum64()
	return uint32(sum >> 32), uint32(sum)
}

// WAL owns the sidecar write-ahead-log file: frame append, the in-memory
// WAL index, and checkpointing (spec §4.B). Grounded on the teacher's
// BufferPool flush-list bookkeeping (buffer_pool.go's flushList/flushLock),
// generalized from "dirty pages awaiting a background flusher" to "frames
// awaiting a checkpoint".
type WAL struct {
	file     vfs.File
	pageSize int
	header   *WALHeader

	mu      sync.Mutex
	mxFrame uint32            // number of frames written (committed + not yet reclaimed)
	index   map[PageId]uint32 // page -> latest frame number at-or-before mxFrame
	frames  []frameRecord     // ordered log of frames, 1-indexed by position+1 == frame number

	readers map[uint32]int // snapshot end-frame -> count of active readers pinned there

	lastCommitSize uint32 // dbSizePages carried by the most recently committed frame
}

type frameRecord struct {
	header *FrameHeader
	page   []byte
}

func openWAL(f vfs.File, pageSize int) (*WAL, error) {
	w := &WAL{file: f, pageSize: pageSize, index: make(map[PageId]uint32), readers: make(map[uint32]int)}
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if size < WALHeaderSize {
		if err := w.initHeader(); err != nil {
			return nil, err
		}
		return w, nil
	}
	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) initHeader() error {
	w.header = &WALHeader{
		Magic:     walMagic,
		FormatVer: walFormatVersion,
		PageSize:  uint32(w.pageSize),
		Salt1:     1,
		Salt2:     0x9e3779b9,
	}
	_, err := w.file.WriteAt(w.header.encode(), 0)
	return err
}

// recover scans the WAL from its start, verifying the checksum chain, and
// accepts frames up to and including the last committed frame (spec §4.B
// Recovery on open). A checksum mismatch on a frame discards it and every
// frame after it, per the "partial WAL append" failure model (spec §4.B).
func (w *WAL) recover() error {
	size, err := w.file.Size()
	if err != nil {
		return err
	}
	hdrBuf := make([]byte, WALHeaderSize)
	if _, err := w.file.ReadAt(hdrBuf, 0); err != nil {
		return err
	}
	hdr, err := decodeWALHeader(hdrBuf)
	if err != nil {
		// Header-only or corrupt WAL: treat as empty per spec §4.B.
		logger.For("wal").Warnf("wal header unreadable, treating as empty: %v", err)
		return w.initHeader()
	}
	w.header = hdr

	frameSize := int64(WALFrameHeaderSize + w.pageSize)
	var (
		offset             = int64(WALHeaderSize)
		prevC1, prevC2     = hdr.Checksum1, hdr.Checksum2
		lastCommittedCount uint32
	)
	for offset+frameSize <= size {
		buf := make([]byte, frameSize)
		if _, err := w.file.ReadAt(buf, offset); err != nil {
			break
		}
		fh := decodeFrameHeader(buf[:WALFrameHeaderSize])
		page := buf[WALFrameHeaderSize:]
		c1, c2 := chainChecksum(prevC1, prevC2, hdr.Salt1, hdr.Salt2, fh.PageNumber, fh.CommitSize, page)
		if c1 != fh.Checksum1 || c2 != fh.Checksum2 {
			logger.For("wal").Warnf("checksum mismatch at frame %d, stopping recovery", len(w.frames)+1)
			break
		}
		w.frames = append(w.frames, frameRecord{header: fh, page: append([]byte(nil), page...)})
		w.index[PageId(fh.PageNumber)] = uint32(len(w.frames))
		if fh.CommitSize != 0 {
			lastCommittedCount = uint32(len(w.frames))
			w.lastCommitSize = fh.CommitSize
		}
		prevC1, prevC2 = c1, c2
		offset += frameSize
	}
	// Logically truncate anything past the last committed frame: rebuild
	// the index from only the accepted prefix so an in-flight, uncommitted
	// transaction's frames never become visible.
	w.truncateToLocked(lastCommittedCount)
	return nil
}

func (w *WAL) truncateToLocked(count uint32) {
	w.frames = w.frames[:count]
	w.index = make(map[PageId]uint32, len(w.frames))
	for i, fr := range w.frames {
		w.index[PageId(fr.header.PageNumber)] = uint32(i + 1)
	}
	w.mxFrame = count
}

// MxFrame returns the current committed frame count, used as a read
// transaction's snapshot end.
func (w *WAL) MxFrame() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mxFrame
}

// PinReader records that a reader holds a snapshot at end-frame mx, so
// Checkpoint knows not to reclaim frames still needed by that reader.
func (w *WAL) PinReader(mx uint32) { w.mu.Lock(); w.readers[mx]++; w.mu.Unlock() }

// UnpinReader releases a previously pinned snapshot.
func (w *WAL) UnpinReader(mx uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.readers[mx] > 0 {
		w.readers[mx]--
		if w.readers[mx] == 0 {
			delete(w.readers, mx)
		}
	}
}

// minPinnedReaderLocked returns the smallest snapshot end-frame any reader still
// holds, or math.MaxUint32 if there are none.
func (w *WAL) minPinnedReaderLocked() uint32 {
	min := ^uint32(0)
	for mx := range w.readers {
		if mx < min {
			min = mx
		}
	}
	return min
}

// ReadPage returns the page image for id as of snapshot mx (the largest
// frame number <= mx), or (nil, false) if the WAL holds no frame for id at
// or before mx, meaning the caller should fall back to the DB file.
func (w *WAL) ReadPage(id PageId, mx uint32) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Walk backward from the newest frame for this page until we find one
	// at or before the snapshot. The in-memory index only tracks the
	// latest frame overall, so for snapshot isolation we must search; this
	// engine's frame log is an append-only slice, so the search is a
	// bounded backward scan from min(latest, mx).
	latest, ok := w.index[id]
	if !ok {
		return nil, false
	}
	for f := latest; f >= 1; f-- {
		if f > mx {
			continue
		}
		fr := w.frames[f-1]
		if PageId(fr.header.PageNumber) == id {
			return fr.page, true
		}
	}
	return nil, false
}

// Append writes one dirty page as a new frame. isCommit marks it as the
// final frame of the transaction, carrying the new DB size in pages as the
// commit marker (spec §4.B commit()).
func (w *WAL) Append(id PageId, page []byte, isCommit bool, dbSizePages uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var prevC1, prevC2 uint32
	if len(w.frames) > 0 {
		last := w.frames[len(w.frames)-1].header
		prevC1, prevC2 = last.Checksum1, last.Checksum2
	} else {
		prevC1, prevC2 = w.header.Checksum1, w.header.Checksum2
	}

	fh := &FrameHeader{PageNumber: uint32(id), Salt1: w.header.Salt1, Salt2: w.header.Salt2}
	if isCommit {
		fh.CommitSize = dbSizePages
	}
	fh.Checksum1, fh.Checksum2 = chainChecksum(prevC1, prevC2, w.header.Salt1, w.header.Salt2, fh.PageNumber, fh.CommitSize, page)

	offset := int64(WALHeaderSize) + int64(len(w.frames))*int64(WALFrameHeaderSize+w.pageSize)
	buf := append(fh.encode(), page...)
	if _, err := w.file.WriteAt(buf, offset); err != nil {
		return dberr.Wrap(dberr.IOErr, err, "wal: append frame for page %d", id)
	}

	w.frames = append(w.frames, frameRecord{header: fh, page: append([]byte(nil), page...)})
	w.index[id] = uint32(len(w.frames))
	if isCommit {
		if err := w.file.Sync(vfs.SyncFull); err != nil {
			return dberr.Wrap(dberr.IOErr, err, "wal: sync before commit")
		}
		w.mxFrame = uint32(len(w.frames))
		w.lastCommitSize = dbSizePages
	}
	return nil
}

// LastCommitSize returns the database size in pages carried by the most
// recently committed frame, or 0 if the WAL has never seen a commit. A
// reopened database must seed Pager.sizePages from this rather than the
// main file's header, since the header is only rewritten at checkpoint
// time (spec §4.B).
func (w *WAL) LastCommitSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCommitSize
}

// Sync flushes WAL writes to durable storage; required after appending a
// transaction's frames and before the pager reports commit() complete
// (spec §4.B fsync requirement (i)).
func (w *WAL) Sync() error { return w.file.Sync(vfs.SyncFull) }

// CheckpointMode selects how aggressively Checkpoint reclaims frames (spec
// §4.B).
type CheckpointMode int

const (
	CheckpointPassive CheckpointMode = iota
	CheckpointFull
	CheckpointRestart
)

// Checkpoint copies committed WAL frames back into the DB file in page
// order, never reclaiming a frame still needed by a pinned reader (spec
// §4.B). writeBack writes each page to the database file and is called
// once per page in ascending page-number order.
func (w *WAL) Checkpoint(mode CheckpointMode, writeBack func(id PageId, page []byte) error) (checkpointed int, err error) {
	w.mu.Lock()
	safeEnd := w.mxFrame
	// Every mode, not just Passive, caps safeEnd at the oldest pinned
	// reader's snapshot: a reader that began before this checkpoint must
	// keep seeing exactly the frames it started with (spec §4.B "a
	// checkpoint must never break a concurrent reader"). Full/Restart still
	// copy every frame up to mxFrame back into the db file eventually, but
	// only once no reader is pinned behind them -- they differ from
	// Passive only in how eagerly a caller might retry, not in what they
	// are allowed to truncate right now.
	if min := w.minPinnedReaderLocked(); min != ^uint32(0) && min < safeEnd {
		safeEnd = min
	}

	// Build the latest-frame-per-page map restricted to [1, safeEnd].
	latest := make(map[PageId]uint32)
	for pid, f := range w.index {
		if f <= safeEnd {
			latest[pid] = f
		} else {
			// A newer frame exists past safeEnd; find the newest one that
			// still qualifies by scanning backward, since index only
			// tracks the single newest frame overall.
			for f2 := f; f2 >= 1; f2-- {
				if f2 <= safeEnd && PageId(w.frames[f2-1].header.PageNumber) == pid {
					latest[pid] = f2
					break
				}
			}
		}
	}
	pages := make([]PageId, 0, len(latest))
	for pid, f := range latest {
		if f == 0 {
			continue
		}
		pages = append(pages, pid)
	}
	sortPageIds(pages)
	w.mu.Unlock()

	for _, pid := range pages {
		f := latest[pid]
		if f == 0 {
			continue
		}
		w.mu.Lock()
		page := w.frames[f-1].page
		w.mu.Unlock()
		if err := writeBack(pid, page); err != nil {
			return checkpointed, err
		}
		checkpointed++
	}

	if mode == CheckpointRestart && safeEnd == w.mxFrame {
		w.mu.Lock()
		w.truncateToLocked(0)
		w.header.CheckpointN++
		w.header.Salt1++
		_, err = w.file.WriteAt(w.header.encode(), 0)
		w.mu.Unlock()
		if err != nil {
			return checkpointed, err
		}
		if err := w.file.Truncate(WALHeaderSize); err != nil {
			return checkpointed, err
		}
	}
	return checkpointed, nil
}

func sortPageIds(ids []PageId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
