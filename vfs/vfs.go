// Package vfs is the File I/O & VFS capability layer (spec §4.A): an
// offset/length read/write/sync/lock abstraction over a host file, an
// in-memory file for ":memory:" databases, and a fault-injecting wrapper
// for crash-safety tests. Grounded on the teacher's
// innodb_store/store/storebytes/blocks.BlockFile, which plays the same
// "storage middle layer" role over os.File, generalized here behind an
// interface so the pager never imports os directly.
package vfs

import "github.com/zhukovaskychina/sqlitecore/dberr"

// SyncLevel distinguishes a data-only fsync from one that also flushes
// metadata, per spec §4.A.
type SyncLevel int

const (
	SyncData SyncLevel = iota
	SyncFull
)

// LockMode is the SQLite file-locking ladder.
type LockMode int

const (
	LockUnlocked LockMode = iota
	LockShared
	LockReserved
	LockExclusive
)

// File is the capability set every backend (host file, memory, fault
// injector) must provide. All operations are synchronous from the core's
// point of view (spec §4.A); an implementation is free to be asynchronous
// under the hood as long as ordering is preserved.
type File interface {
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
	Sync(level SyncLevel) error
	Size() (int64, error)
	Truncate(size int64) error
	Lock(mode LockMode) error
	Close() error
}

// VFS opens named files. "" or ":memory:" must be routed to a memory-backed
// File by the caller; VFS implementations here only know about their own
// backend.
type VFS interface {
	Open(name string, create bool) (File, error)
	Delete(name string) error
	Exists(name string) (bool, error)
}

// errIO is the common helper every backend uses to classify a raw I/O
// failure as dberr.IOErr, keeping the error-kind taxonomy (spec §7)
// consistent no matter which VFS produced the failure.
func errIO(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return dberr.Wrap(dberr.IOErr, cause, "vfs: %s", op)
}
