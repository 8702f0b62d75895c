package handles

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/fd"
)

func newTable(t *testing.T) (*Table, string) {
	t.Helper()
	dir := t.TempDir()
	root, err := fd.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })
	return New(root, nil), dir
}

func TestOpenReadWriteRelease(t *testing.T) {
	tbl, dir := newTable(t)

	h, err := tbl.Open("test", unix.O_RDWR|unix.O_CREAT, 0o644)
	require.NoError(t, err)
	assert.False(t, h.IsDir)

	n, err := h.WriteAt([]byte("HELLO WORLD"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 64)
	n, err = h.ReadAt(buf, 0)
	require.NoError(t, err, "short read is not an error")
	assert.Equal(t, "HELLO WORLD", string(buf[:n]))

	got, err := os.ReadFile(filepath.Join(dir, "test"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", string(got))

	require.NoError(t, tbl.Release(h.ID))
	assert.Zero(t, tbl.Len())
	assert.Zero(t, tbl.OpenFDs())
}

func TestFDCountTracksLiveHandles(t *testing.T) {
	tbl, dir := newTable(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))

	var ids []uint64
	for i := range 5 {
		h, err := tbl.Open("f", unix.O_RDONLY, 0)
		require.NoError(t, err)
		ids = append(ids, h.ID)
		assert.Equal(t, i+1, tbl.OpenCount("f"))
		assert.Equal(t, int64(i+1), tbl.OpenFDs())
	}
	for i, id := range ids {
		require.NoError(t, tbl.Release(id))
		assert.Equal(t, len(ids)-i-1, tbl.OpenCount("f"))
		assert.Equal(t, int64(len(ids)-i-1), tbl.OpenFDs())
	}
}

func TestDoubleReleaseFailsLoudly(t *testing.T) {
	tbl, _ := newTable(t)
	h, err := tbl.Open(".", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	require.NoError(t, err)
	assert.True(t, h.IsDir)

	require.NoError(t, tbl.Release(h.ID))
	err = tbl.Release(h.ID)
	require.ErrorIs(t, err, ErrInvalidHandle)
	assert.Contains(t, err.Error(), "released")
	assert.Equal(t, uint64(1), tbl.Violations())
	assert.Zero(t, tbl.OpenFDs())
}

func TestAcquireUnknownHandle(t *testing.T) {
	tbl, _ := newTable(t)
	_, err := tbl.Acquire(999)
	require.ErrorIs(t, err, ErrInvalidHandle)
	assert.Contains(t, err.Error(), "never issued")
}

func TestReleaseWhilePinnedDefersClose(t *testing.T) {
	tbl, dir := newTable(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("data"), 0o644))

	h, err := tbl.Open("f", unix.O_RDONLY, 0)
	require.NoError(t, err)

	pinned, err := tbl.Acquire(h.ID)
	require.NoError(t, err)
	require.NoError(t, tbl.Release(h.ID))

	_, err = tbl.Acquire(h.ID)
	require.ErrorIs(t, err, ErrInvalidHandle)

	// The in-flight call can still use its descriptor.
	buf := make([]byte, 4)
	n, err := pinned.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf[:n]))
	assert.Equal(t, int64(1), tbl.OpenFDs())

	pinned.Done()
	assert.Zero(t, tbl.OpenFDs())
}

func TestOpenRejectsEscape(t *testing.T) {
	tbl, _ := newTable(t)
	_, err := tbl.Open("../etc/passwd", unix.O_RDONLY, 0)
	require.ErrorIs(t, err, ErrOpen)
}

func TestOpenMissing(t *testing.T) {
	tbl, _ := newTable(t)
	_, err := tbl.Open("missing", unix.O_RDONLY, 0)
	require.ErrorIs(t, err, syscall.ENOENT)
	assert.Zero(t, tbl.OpenFDs())
}

func TestConcurrentOpenRelease(t *testing.T) {
	tbl, dir := newTable(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("shared"), 0o644))

	var wg sync.WaitGroup
	handles := make([]*Handle, 100)
	for i := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := tbl.Open("f", unix.O_RDONLY, 0)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()
	require.Equal(t, 100, tbl.OpenCount("f"))

	require.NoError(t, tbl.Release(handles[0].ID))
	for _, h := range handles[1:] {
		got, err := tbl.Acquire(h.ID)
		require.NoError(t, err)
		buf := make([]byte, 6)
		n, err := got.ReadAt(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, "shared", string(buf[:n]))
		got.Done()
	}

	require.NoError(t, tbl.CloseAll())
	assert.Zero(t, tbl.Len())
	assert.Zero(t, tbl.OpenFDs())
}
