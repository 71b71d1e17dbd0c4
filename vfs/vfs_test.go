package vfs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReadWriteRoundTrip(t *testing.T) {
	v := NewMemory()
	f, err := v.Open("main.db", true)
	require.NoError(t, err)

	buf := []byte("hello page")
	n, err := f.WriteAt(buf, 100)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	out := make([]byte, len(buf))
	n, err = f.ReadAt(out, 100)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, buf, out)
}

func TestMemoryTruncate(t *testing.T) {
	v := NewMemory()
	f, err := v.Open(":memory:", true)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(4096))
	sz, err := f.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 4096, sz)

	require.NoError(t, f.Truncate(100))
	sz, err = f.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 100, sz)
}

func TestOSFileLockLadder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	v := NewOS()
	f, err := v.Open(path, true)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Lock(LockShared))
	require.NoError(t, f.Lock(LockReserved))
	require.NoError(t, f.Lock(LockExclusive))
	require.NoError(t, f.Lock(LockUnlocked))
}

func TestFaultInjectionFiresOnceByDefault(t *testing.T) {
	inner := NewMemory()
	fv := NewFault(inner)
	f, err := fv.Open("db", true)
	require.NoError(t, err)

	fv.Inject(Rule{Op: OpWrite, AfterN: 1})

	_, err = f.WriteAt([]byte("ok"), 0)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("boom"), 0)
	require.Error(t, err)

	_, err = f.WriteAt([]byte("ok again"), 0)
	require.NoError(t, err)
}
