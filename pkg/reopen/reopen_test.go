package reopen

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/chaosfs/pkg/nsenter"
)

func TestBeneath(t *testing.T) {
	cases := []struct {
		target string
		rel    string
		ok     bool
	}{
		{"/data", ".", true},
		{"/data/a/b", "a/b", true},
		{"/data/", ".", true},
		{"/database", "", false},
		{"/other/data", "", false},
		{"/data/gone (deleted)", "", false},
		{"socket:[1234]", "", false},
		{"anon_inode:[eventfd]", "", false},
	}
	for _, c := range cases {
		rel, ok := Beneath("/data", c.target)
		assert.Equal(t, c.ok, ok, c.target)
		assert.Equal(t, c.rel, rel, c.target)
	}

	rel, ok := Beneath("/", "/etc/hosts")
	assert.True(t, ok)
	assert.Equal(t, "etc/hosts", rel)
}

func realTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func procState(t *testing.T, pid int) byte {
	t.Helper()
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	require.NoError(t, err)
	s := string(stat)
	return s[strings.LastIndexByte(s, ')')+2]
}

func TestFreezeMovesFilesAndWorkingDirectory(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("syscall injection is amd64 only")
	}
	if os.Geteuid() != 0 {
		t.Skip("tracing requires CAP_SYS_PTRACE")
	}
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("no sleep binary")
	}

	from, to := realTempDir(t), realTempDir(t)
	for _, dir := range []string{from, to} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("0123456789"), 0o644))
	}
	held, err := os.Open(filepath.Join(from, "file"))
	require.NoError(t, err)
	defer held.Close()
	_, err = held.Seek(3, 0)
	require.NoError(t, err)

	cmd := exec.Command(sleep, "60")
	cmd.Dir = filepath.Join(from, "sub")
	cmd.ExtraFiles = []*os.File{held}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	pid := cmd.Process.Pid

	ns, err := nsenter.Enter(nsenter.Options{})
	require.NoError(t, err)
	defer ns.Close()

	frozen, err := Freeze(ns, from, Options{MntNS: ns.MntNS})
	require.NoError(t, err)
	if !slices.Contains(frozen.Processes(), pid) {
		require.NoError(t, frozen.Thaw())
		t.Skip("ptrace is not permitted here")
	}
	assert.Equal(t, []OpenFile{{FD: 3, Rel: "file"}}, frozen.Files(pid))
	assert.Equal(t, byte('t'), procState(t, pid), "process is stopped while frozen")

	require.NoError(t, frozen.Reopen(to))
	require.NoError(t, frozen.Thaw())

	base := "/proc/" + strconv.Itoa(pid)
	target, err := os.Readlink(base + "/fd/3")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(to, "file"), target)
	cwd, err := os.Readlink(base + "/cwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(to, "sub"), cwd)

	info, err := os.ReadFile(base + "/fdinfo/3")
	require.NoError(t, err)
	assert.Contains(t, string(info), "pos:\t3\n")

	require.Eventually(t, func() bool { return procState(t, pid) != 't' }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, unix.Kill(pid, 0), "process survives")
}

func TestFreezeSkipsProcessesOutsideDirectory(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("syscall injection is amd64 only")
	}
	ns, err := nsenter.Enter(nsenter.Options{})
	require.NoError(t, err)
	defer ns.Close()

	frozen, err := Freeze(ns, realTempDir(t), Options{MntNS: ns.MntNS})
	require.NoError(t, err)
	assert.Empty(t, frozen.Processes())
	require.NoError(t, frozen.Reopen("/elsewhere"))
	require.NoError(t, frozen.Thaw())
}
