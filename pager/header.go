package pager

import (
	"encoding/binary"

	"github.com/zhukovaskychina/sqlitecore/dberr"
)

// HeaderSize is the reserved database-header region at the start of page 1
// (spec §6).
const HeaderSize = 100

var magic = [16]byte{'S', 'Q', 'L', 'i', 't', 'e', ' ', 'f', 'o', 'r', 'm', 'a', 't', ' ', '3', 0}

// FileHeader mirrors the 100-byte SQLite database header (spec §6),
// byte-for-byte compatible with a real SQLite 3 file. Grounded on the
// field layout the pack's format readers (feliposz-build-your-own-sqlite-go,
// thanhfphan-codecrafters-sqlite-go) decode, in the teacher's
// struct-of-fields-with-ParseBytes/GetBytes style (storage/wrapper/page's
// FileHeader).
type FileHeader struct {
	PageSize          uint32 // bytes 16-17 (1 means 65536)
	WriteVersion      uint8  // byte 18
	ReadVersion       uint8  // byte 19
	ReservedSpace     uint8  // byte 20
	MaxEmbeddedFrac   uint8  // byte 21, must be 64
	MinEmbeddedFrac   uint8  // byte 22, must be 32
	LeafPayloadFrac   uint8  // byte 23, must be 32
	ChangeCounter     uint32 // bytes 24-27
	SizePages         uint32 // bytes 28-31
	FirstFreelistPage uint32 // bytes 32-35
	FreelistPages     uint32 // bytes 36-39
	SchemaCookie      uint32 // bytes 40-43
	SchemaFormat      uint32 // bytes 44-47
	DefaultCacheSize  uint32 // bytes 48-51
	LargestRootPage   uint32 // bytes 52-55 (autovacuum)
	TextEncoding      uint32 // bytes 56-59 (1=utf8,2=utf16le,3=utf16be)
	UserVersion       int32  // bytes 60-63
	IncrementalVacuum uint32 // bytes 64-67
	ApplicationID     int32  // bytes 68-71
	VersionValidFor   uint32 // bytes 92-95
	LibraryVersion    uint32 // bytes 96-99
}

// DefaultFileHeader returns the header for a freshly-created database.
func DefaultFileHeader(pageSize int) *FileHeader {
	return &FileHeader{
		PageSize:        encodePageSize(pageSize),
		WriteVersion:    2, // WAL by default, per engineconf.Default()
		ReadVersion:     2,
		MaxEmbeddedFrac: 64,
		MinEmbeddedFrac: 32,
		LeafPayloadFrac: 32,
		SizePages:       1,
		SchemaFormat:    4,
		TextEncoding:    1,
		LibraryVersion:  3045000,
	}
}

func encodePageSize(n int) uint32 {
	if n == 65536 {
		return 1
	}
	return uint32(n)
}

func decodePageSize(n uint32) int {
	if n == 1 {
		return 65536
	}
	return int(n)
}

// Encode writes the header into a 100-byte buffer.
func (h *FileHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:16], magic[:])
	binary.BigEndian.PutUint16(buf[16:18], uint16(h.PageSize))
	buf[18] = h.WriteVersion
	buf[19] = h.ReadVersion
	buf[20] = h.ReservedSpace
	buf[21] = h.MaxEmbeddedFrac
	buf[22] = h.MinEmbeddedFrac
	buf[23] = h.LeafPayloadFrac
	binary.BigEndian.PutUint32(buf[24:28], h.ChangeCounter)
	binary.BigEndian.PutUint32(buf[28:32], h.SizePages)
	binary.BigEndian.PutUint32(buf[32:36], h.FirstFreelistPage)
	binary.BigEndian.PutUint32(buf[36:40], h.FreelistPages)
	binary.BigEndian.PutUint32(buf[40:44], h.SchemaCookie)
	binary.BigEndian.PutUint32(buf[44:48], h.SchemaFormat)
	binary.BigEndian.PutUint32(buf[48:52], h.DefaultCacheSize)
	binary.BigEndian.PutUint32(buf[52:56], h.LargestRootPage)
	binary.BigEndian.PutUint32(buf[56:60], h.TextEncoding)
	binary.BigEndian.PutUint32(buf[60:64], uint32(h.UserVersion))
	binary.BigEndian.PutUint32(buf[64:68], h.IncrementalVacuum)
	binary.BigEndian.PutUint32(buf[68:72], uint32(h.ApplicationID))
	binary.BigEndian.PutUint32(buf[92:96], h.VersionValidFor)
	binary.BigEndian.PutUint32(buf[96:100], h.LibraryVersion)
	return buf
}

// DecodeHeader parses a 100-byte buffer into a FileHeader, validating the
// magic string (spec §6, §7 Corrupt).
func DecodeHeader(buf []byte) (*FileHeader, error) {
	if len(buf) < HeaderSize {
		return nil, dberr.New(dberr.Corrupt, "pager: header shorter than %d bytes", HeaderSize)
	}
	if string(buf[0:16]) != string(magic[:]) {
		return nil, dberr.New(dberr.Corrupt, "pager: bad magic header")
	}
	h := &FileHeader{
		PageSize:          uint32(binary.BigEndian.Uint16(buf[16:18])),
		WriteVersion:      buf[18],
		ReadVersion:       buf[19],
		ReservedSpace:     buf[20],
		MaxEmbeddedFrac:   buf[21],
		MinEmbeddedFrac:   buf[22],
		LeafPayloadFrac:   buf[23],
		ChangeCounter:     binary.BigEndian.Uint32(buf[24:28]),
		SizePages:         binary.BigEndian.Uint32(buf[28:32]),
		FirstFreelistPage: binary.BigEndian.Uint32(buf[32:36]),
		FreelistPages:     binary.BigEndian.Uint32(buf[36:40]),
		SchemaCookie:      binary.BigEndian.Uint32(buf[40:44]),
		SchemaFormat:      binary.BigEndian.Uint32(buf[44:48]),
		DefaultCacheSize:  binary.BigEndian.Uint32(buf[48:52]),
		LargestRootPage:   binary.BigEndian.Uint32(buf[52:56]),
		TextEncoding:      binary.BigEndian.Uint32(buf[56:60]),
		UserVersion:       int32(binary.BigEndian.Uint32(buf[60:64])),
		IncrementalVacuum: binary.BigEndian.Uint32(buf[64:68]),
		ApplicationID:     int32(binary.BigEndian.Uint32(buf[68:72])),
		VersionValidFor:   binary.BigEndian.Uint32(buf[92:96]),
		LibraryVersion:    binary.BigEndian.Uint32(buf[96:100]),
	}
	return h, nil
}

// PageSizeBytes returns the decoded page size.
func (h *FileHeader) PageSizeBytes() int { return decodePageSize(h.PageSize) }
