package vfs

import (
	"sync"

	"github.com/zhukovaskychina/sqlitecore/dberr"
)

// Memory is the VFS backing ":memory:" databases: every file is a
// growable byte slice guarded by a mutex, shared by name so two Opens of
// the same name observe the same bytes (needed for the process-wide
// registry in the engine package to hand out the same in-memory database
// to multiple connections).
type Memory struct {
	mu    sync.Mutex
	files map[string]*memFileState
}

// NewMemory creates an empty memory VFS.
func NewMemory() *Memory {
	return &Memory{files: make(map[string]*memFileState)}
}

type memFileState struct {
	mu   sync.Mutex
	data []byte
	mode LockMode
}

func (v *Memory) Open(name string, create bool) (File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.files[name]
	if !ok {
		if !create {
			return nil, dberr.New(dberr.IOErr, "memvfs: %s does not exist", name)
		}
		st = &memFileState{}
		v.files[name] = st
	}
	return &memFile{state: st}, nil
}

func (v *Memory) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.files, name)
	return nil
}

func (v *Memory) Exists(name string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.files[name]
	return ok, nil
}

type memFile struct {
	state *memFileState
}

func (m *memFile) ReadAt(buf []byte, offset int64) (int, error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if offset >= int64(len(m.state.data)) {
		return 0, nil
	}
	n := copy(buf, m.state.data[offset:])
	return n, nil
}

func (m *memFile) WriteAt(buf []byte, offset int64) (int, error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	end := offset + int64(len(buf))
	if end > int64(len(m.state.data)) {
		grown := make([]byte, end)
		copy(grown, m.state.data)
		m.state.data = grown
	}
	n := copy(m.state.data[offset:end], buf)
	return n, nil
}

func (m *memFile) Sync(level SyncLevel) error { return nil }

func (m *memFile) Size() (int64, error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	return int64(len(m.state.data)), nil
}

func (m *memFile) Truncate(size int64) error {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if size <= int64(len(m.state.data)) {
		m.state.data = m.state.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.state.data)
	m.state.data = grown
	return nil
}

func (m *memFile) Lock(mode LockMode) error {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if mode == LockShared && (m.state.mode == LockExclusive || m.state.mode == LockReserved) {
		return dberr.New(dberr.Busy, "memvfs: shared lock denied")
	}
	if mode != LockUnlocked && m.state.mode == LockExclusive && mode != LockExclusive {
		return dberr.New(dberr.Busy, "memvfs: lock denied, held exclusive")
	}
	m.state.mode = mode
	return nil
}

func (m *memFile) Close() error { return nil }
