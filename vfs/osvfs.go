package vfs

import (
	"io"
	"os"
	"sync"

	"github.com/zhukovaskychina/sqlitecore/dberr"
)

// OS is the host-filesystem VFS. Locking is process-local (an in-process
// mutex keyed by path) -- cross-process advisory locking via flock is an
// implementation freedom the spec leaves to the host OS and is not needed
// for the single-process embedding this engine targets.
type OS struct {
	mu    sync.Mutex
	locks map[string]*osLockState
}

type osLockState struct {
	mu   sync.Mutex
	mode LockMode
}

// NewOS creates a host-file VFS.
func NewOS() *OS {
	return &OS{locks: make(map[string]*osLockState)}
}

func (v *OS) stateFor(path string) *osLockState {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.locks[path]
	if !ok {
		s = &osLockState{}
		v.locks[path] = s
	}
	return s
}

func (v *OS) Open(name string, create bool) (File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(name, flags, 0o644)
	if err != nil {
		return nil, errIO("open "+name, err)
	}
	return &osFile{f: f, state: v.stateFor(name)}, nil
}

func (v *OS) Delete(name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return errIO("delete "+name, err)
	}
	return nil
}

func (v *OS) Exists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errIO("stat "+name, err)
}

type osFile struct {
	f     *os.File
	state *osLockState
}

func (o *osFile) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := o.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, errIO("read", err)
	}
	return n, nil
}

func (o *osFile) WriteAt(buf []byte, offset int64) (int, error) {
	n, err := o.f.WriteAt(buf, offset)
	if err != nil {
		return n, errIO("write", err)
	}
	return n, nil
}

func (o *osFile) Sync(level SyncLevel) error {
	if err := o.f.Sync(); err != nil {
		return errIO("sync", err)
	}
	return nil
}

func (o *osFile) Size() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, errIO("stat", err)
	}
	return fi.Size(), nil
}

func (o *osFile) Truncate(size int64) error {
	if err := o.f.Truncate(size); err != nil {
		return errIO("truncate", err)
	}
	return nil
}

// Lock implements the shared/reserved/exclusive ladder in-process. A
// request that cannot be granted immediately returns Busy so the pager can
// apply the busy_timeout backoff (spec §5).
func (o *osFile) Lock(mode LockMode) error {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()

	if mode == LockUnlocked {
		o.state.mode = LockUnlocked
		return nil
	}
	if mode == LockShared {
		if o.state.mode == LockExclusive || o.state.mode == LockReserved {
			return dberr.New(dberr.Busy, "vfs: shared lock denied, held at %v", o.state.mode)
		}
		o.state.mode = LockShared
		return nil
	}
	// Reserved/Exclusive require nothing stronger already held by another
	// holder; since this is a single in-process mutex per path, "another
	// holder" only exists across concurrent Lock callers racing the mutex,
	// which is already serialized above.
	if o.state.mode == LockExclusive && mode != LockExclusive {
		return dberr.New(dberr.Busy, "vfs: lock denied, held exclusive")
	}
	o.state.mode = mode
	return nil
}

func (o *osFile) Close() error {
	if err := o.f.Close(); err != nil {
		return errIO("close", err)
	}
	return nil
}
