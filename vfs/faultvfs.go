package vfs

import (
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/sqlitecore/dberr"
	"github.com/zhukovaskychina/sqlitecore/logger"
)

// Op names the VFS operation a fault rule matches against.
type Op string

const (
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpSync     Op = "sync"
	OpTruncate Op = "truncate"
	OpLock     Op = "lock"
)

// Rule describes one fault to inject: fail the AfterN-th matching call to
// Op (0 = the very next one), then stop firing unless Repeat is set.
type Rule struct {
	Op     Op
	AfterN int64
	Repeat bool
	Err    error // defaults to dberr.IOErr if nil
}

// Fault wraps a VFS and is permitted -- but never required -- to fail any
// operation, per spec §4.A. It exists so pager/btree crash-recovery tests
// can exercise "partial WAL append", "partial checkpoint write", etc.
// without corrupting state the way a real crash must not either.
type Fault struct {
	inner VFS
	mu    sync.Mutex
	rules map[Op]*faultCounter
}

type faultCounter struct {
	rule  Rule
	count int64
	fired bool
}

// NewFault wraps inner with fault-injection capability; call Inject to
// register rules.
func NewFault(inner VFS) *Fault {
	return &Fault{inner: inner, rules: make(map[Op]*faultCounter)}
}

// Inject registers (or replaces) the fault rule for an operation.
func (f *Fault) Inject(r Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[r.Op] = &faultCounter{rule: r}
}

// Clear removes all injected rules.
func (f *Fault) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[Op]*faultCounter)
}

func (f *Fault) shouldFail(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rules[op]
	if !ok {
		return nil
	}
	if c.fired && !c.rule.Repeat {
		return nil
	}
	n := atomic.AddInt64(&c.count, 1) - 1
	if n < c.rule.AfterN {
		return nil
	}
	c.fired = true
	err := c.rule.Err
	if err == nil {
		err = dberr.New(dberr.IOErr, "vfs: injected fault on %s", op)
	}
	logger.For("vfs").Warnf("injecting fault on %s", op)
	return err
}

func (f *Fault) Open(name string, create bool) (File, error) {
	inner, err := f.inner.Open(name, create)
	if err != nil {
		return nil, err
	}
	return &faultFile{inner: inner, owner: f}, nil
}

func (f *Fault) Delete(name string) error { return f.inner.Delete(name) }

func (f *Fault) Exists(name string) (bool, error) { return f.inner.Exists(name) }

type faultFile struct {
	inner File
	owner *Fault
}

func (ff *faultFile) ReadAt(buf []byte, offset int64) (int, error) {
	if err := ff.owner.shouldFail(OpRead); err != nil {
		return 0, err
	}
	return ff.inner.ReadAt(buf, offset)
}

func (ff *faultFile) WriteAt(buf []byte, offset int64) (int, error) {
	if err := ff.owner.shouldFail(OpWrite); err != nil {
		return 0, err
	}
	return ff.inner.WriteAt(buf, offset)
}

func (ff *faultFile) Sync(level SyncLevel) error {
	if err := ff.owner.shouldFail(OpSync); err != nil {
		return err
	}
	return ff.inner.Sync(level)
}

func (ff *faultFile) Size() (int64, error) { return ff.inner.Size() }

func (ff *faultFile) Truncate(size int64) error {
	if err := ff.owner.shouldFail(OpTruncate); err != nil {
		return err
	}
	return ff.inner.Truncate(size)
}

func (ff *faultFile) Lock(mode LockMode) error {
	if err := ff.owner.shouldFail(OpLock); err != nil {
		return err
	}
	return ff.inner.Lock(mode)
}

func (ff *faultFile) Close() error { return ff.inner.Close() }
