package faultfs

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/fd"

	"github.com/jingkaihe/chaosfs/pkg/inject"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

// mountShadow mounts a fault filesystem over a fresh directory backed by a
// separate shadow directory.
func mountShadow(t *testing.T, opts Options, rules ...rule.Rule) (mnt, shadow string, srv *Server) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("mounting requires root")
	}
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("no /dev/fuse")
	}

	base := t.TempDir()
	mnt = filepath.Join(base, "test")
	shadow = filepath.Join(base, "shadow")
	require.NoError(t, os.Mkdir(mnt, 0o755))
	require.NoError(t, os.Mkdir(shadow, 0o755))

	root, err := fd.Open(shadow, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)

	inj, err := inject.New(rules, inject.Options{Seed: 42})
	require.NoError(t, err)
	opts.Injector = inj
	opts.VirtualRoot = "/mnt/test"

	srv, err = Mount(mnt, root, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, srv.Unmount())
		srv.Wait()
		assert.NoError(t, srv.Close())
		assert.Zero(t, srv.Handles().OpenFDs())
		_ = root.Close()
	})
	return mnt, shadow, srv
}

func TestMountedPassthrough(t *testing.T) {
	mnt, shadow, _ := mountShadow(t, Options{})

	require.NoError(t, os.WriteFile(filepath.Join(mnt, "test"), []byte("HELLO WORLD"), 0o644))
	got, err := os.ReadFile(filepath.Join(mnt, "test"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", string(got))

	got, err = os.ReadFile(filepath.Join(shadow, "test"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", string(got))

	entries, err := os.ReadDir(mnt)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "test", entries[0].Name())
}

func TestMountedCreateNewFile(t *testing.T) {
	mnt, shadow, _ := mountShadow(t, Options{})

	f, err := os.OpenFile(filepath.Join(mnt, "new"), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString("HELLO WORLD")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err := os.Lstat(filepath.Join(shadow, "new"))
	require.NoError(t, err)
	assert.True(t, st.Mode().IsRegular())
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm()&0o700)
	assert.Equal(t, int64(11), st.Size())
}

func TestMountedFutimensAfterUnlink(t *testing.T) {
	mnt, _, _ := mountShadow(t, Options{})

	f, err := os.Create(filepath.Join(mnt, "gone"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, os.Remove(filepath.Join(mnt, "gone")))

	ts := []unix.Timespec{unix.NsecToTimespec(1e9), unix.NsecToTimespec(2e9)}
	require.NoError(t, futimens(int(f.Fd()), ts))

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(int(f.Fd()), &st))
	assert.Equal(t, int64(2), st.Mtim.Sec)
}

func TestMountedReadFault(t *testing.T) {
	zero := time.Duration(0)
	mnt, shadow, _ := mountShadow(t, Options{DirectIO: true, AttrTimeout: &zero, EntryTimeout: &zero},
		eio("/mnt/test/test", rule.OpRead))
	require.NoError(t, os.WriteFile(filepath.Join(shadow, "test"), []byte("HELLO WORLD"), 0o644))

	_, err := os.ReadFile(filepath.Join(mnt, "test"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EIO))
}

func TestMountedHalfRate(t *testing.T) {
	zero := time.Duration(0)
	r := eio("/mnt/test/test", rule.OpRead)
	r.Probability = 0.5
	mnt, shadow, _ := mountShadow(t, Options{DirectIO: true, AttrTimeout: &zero, EntryTimeout: &zero}, r)
	require.NoError(t, os.WriteFile(filepath.Join(shadow, "test"), []byte("x"), 0o644))

	f, err := os.Open(filepath.Join(mnt, "test"))
	require.NoError(t, err)
	defer f.Close()

	const reads = 1000
	failed := 0
	buf := make([]byte, 1)
	for range reads {
		if _, err := f.ReadAt(buf, 0); err != nil {
			require.ErrorIs(t, err, syscall.EIO)
			failed++
		}
	}
	assert.InDelta(t, 0.5, float64(failed)/reads, 0.08)
}
