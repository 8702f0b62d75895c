// Package nsenter runs code inside another process's mount namespace.
//
// A Go process cannot move all of its threads into a different mount
// namespace, so Enter dedicates one locked OS thread to the target namespace
// and executes closures on it through Do. The thread is never returned to the
// scheduler; when the Context is closed the goroutine exits while still
// locked and the runtime destroys the thread.
package nsenter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

type Options struct {
	// PID of the target process. Zero stays in the current namespace.
	PID int
	// JoinPID also joins the target's PID namespace. It only affects
	// processes forked from the namespace thread.
	JoinPID bool
	// ProcRoot defaults to /proc.
	ProcRoot string
	Logger   *logrus.Entry
}

// Context is an entered namespace. It is created once and passed explicitly
// to everything that must act inside the target's view of the filesystem.
type Context struct {
	PID   int
	MntNS string

	procFD int
	pidFD  int
	log    *logrus.Entry

	calls    chan call
	done     chan struct{}
	exited   chan struct{}
	closed   sync.Once
	watching sync.Once
	gone     chan struct{}
}

type call struct {
	fn     func() error
	result chan error
}

// Enter attaches a dedicated thread to the target's namespaces. Nothing in
// the filesystem is modified, so any error leaves the system untouched.
func Enter(opts Options) (*Context, error) {
	procRoot := opts.ProcRoot
	if procRoot == "" {
		procRoot = "/proc"
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	procFD, err := unix.Open(procRoot, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errx.With(ErrNamespace, ": open %s: %w", procRoot, err)
	}

	c := &Context{
		PID:    opts.PID,
		procFD: procFD,
		pidFD:  -1,
		log:    log.WithField("pid", opts.PID),
		calls:  make(chan call),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		gone:   make(chan struct{}),
	}

	var nsFDs []nsFile
	if opts.PID == 0 {
		c.MntNS, err = readlinkAt(procFD, "thread-self/ns/mnt")
		if err != nil {
			c.closeFDs()
			return nil, errx.With(ErrNamespace, ": %w", err)
		}
	} else {
		nsFDs, err = c.openTarget(opts.JoinPID)
		if err != nil {
			c.closeFDs()
			return nil, err
		}
	}

	ready := make(chan error, 1)
	go c.loop(nsFDs, ready)
	if err := <-ready; err != nil {
		<-c.exited
		c.closeFDs()
		return nil, err
	}

	c.log.WithField("mnt_ns", c.MntNS).Info("entered target namespace")
	return c, nil
}

type nsFile struct {
	fd    int
	ctype int
	name  string
}

func (c *Context) openTarget(joinPID bool) ([]nsFile, error) {
	pid := c.PID
	pidFD, err := unix.PidfdOpen(pid, 0)
	switch {
	case err == nil:
		c.pidFD = pidFD
	case errors.Is(err, unix.ENOSYS):
		c.log.Warn("pidfd_open unsupported; target exit during attach is detected with kill(2)")
	default:
		return nil, classify(pid, "pidfd_open", err)
	}

	base := filepath.Join(strconv.Itoa(pid), "ns")
	mntLink := filepath.Join(base, "mnt")
	c.MntNS, err = readlinkAt(c.procFD, mntLink)
	if err != nil {
		return nil, classify(pid, "read "+mntLink, err)
	}

	want := []nsFile{{ctype: unix.CLONE_NEWNS, name: "mnt"}}
	if joinPID {
		want = append(want, nsFile{ctype: unix.CLONE_NEWPID, name: "pid"})
	}
	files := make([]nsFile, 0, len(want))
	for _, ns := range want {
		fd, err := unix.Openat(c.procFD, filepath.Join(base, ns.name), unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			closeNS(files)
			return nil, classify(pid, "open ns/"+ns.name, err)
		}
		ns.fd = fd
		files = append(files, ns)
	}

	// The namespace files were opened through a pid that could have been
	// recycled. If the process behind the pidfd is still alive, the pid still
	// names it and the files belong to it.
	if !c.Alive() {
		closeNS(files)
		return nil, errx.With(ErrNamespace, ": %w: pid %d", ErrTargetExited, pid)
	}
	return files, nil
}

func (c *Context) loop(nsFDs []nsFile, ready chan<- error) {
	defer close(c.exited)
	runtime.LockOSThread()

	err := c.join(nsFDs)
	closeNS(nsFDs)
	ready <- err
	if err != nil {
		return
	}

	for {
		select {
		case <-c.done:
			return
		case req := <-c.calls:
			req.result <- run(req.fn)
		}
	}
}

func (c *Context) join(nsFDs []nsFile) error {
	if len(nsFDs) == 0 {
		return nil
	}
	if err := unix.Unshare(unix.CLONE_FS); err != nil {
		return errx.With(ErrNamespace, ": %w: unshare(CLONE_FS): %w", ErrSetns, err)
	}
	for _, ns := range nsFDs {
		if err := unix.Setns(ns.fd, ns.ctype); err != nil {
			if errors.Is(err, unix.EPERM) {
				return errx.With(ErrNamespace, ": %w: setns %s: %w", ErrPermission, ns.name, err)
			}
			return errx.With(ErrNamespace, ": %w: setns %s: %w", ErrSetns, ns.name, err)
		}
	}
	got, err := readlinkAt(c.procFD, "thread-self/ns/mnt")
	if err != nil {
		return errx.With(ErrNamespace, ": %w: %w", ErrVerify, err)
	}
	if got != c.MntNS {
		return errx.With(ErrNamespace, ": %w: thread is in %s, want %s", ErrVerify, got, c.MntNS)
	}
	return nil
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}

// Do runs fn on the namespace thread and returns its error.
func (c *Context) Do(fn func() error) error {
	req := call{fn: fn, result: make(chan error, 1)}
	select {
	case c.calls <- req:
	case <-c.done:
		return ErrClosed
	}
	return <-req.result
}

// ReadThreadFile reads /proc/thread-self/<name> for the calling thread using
// the procfs opened before the namespace switch. Call it from within Do to
// observe the target namespace, such as its mountinfo.
func (c *Context) ReadThreadFile(name string) ([]byte, error) {
	fd, err := unix.Openat(c.procFD, filepath.Join("thread-self", name), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}

// ProcReadlink reads a link such as "<pid>/fd/3" in the procfs opened before
// the namespace switch. Pids are those of the caller's pid namespace. Called
// from within Do, paths resolve against the target's root.
func (c *Context) ProcReadlink(name string) (string, error) {
	return readlinkAt(c.procFD, name)
}

// ProcDirNames lists a directory such as "<pid>/fd" in the procfs opened
// before the namespace switch.
func (c *Context) ProcDirNames(name string) ([]string, error) {
	fd, err := unix.Openat(c.procFD, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	return f.Readdirnames(-1)
}

// Alive reports whether the target process is still running. The current
// process is always alive.
func (c *Context) Alive() bool {
	if c.PID == 0 {
		return true
	}
	var err error
	if c.pidFD >= 0 {
		err = unix.PidfdSendSignal(c.pidFD, 0, nil, 0)
	} else {
		err = unix.Kill(c.PID, 0)
	}
	return err == nil || errors.Is(err, unix.EPERM)
}

// TargetExited is closed once the target process terminates. It is never
// closed for the current namespace.
func (c *Context) TargetExited() <-chan struct{} {
	c.watching.Do(func() {
		if c.PID == 0 {
			return
		}
		watchFD := -1
		if c.pidFD >= 0 {
			if fd, err := unix.FcntlInt(uintptr(c.pidFD), unix.F_DUPFD_CLOEXEC, 0); err == nil {
				watchFD = fd
			}
		}
		go c.watch(watchFD)
	})
	return c.gone
}

func (c *Context) watch(pidFD int) {
	if pidFD >= 0 {
		defer unix.Close(pidFD)
	}
	for {
		select {
		case <-c.done:
			return
		default:
		}
		if pidFD < 0 {
			if !c.Alive() {
				close(c.gone)
				return
			}
			time.Sleep(watchInterval)
			continue
		}
		fds := []unix.PollFd{{Fd: int32(pidFD), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(watchInterval/time.Millisecond))
		switch {
		case err == nil && n > 0:
			close(c.gone)
			return
		case err != nil && err != unix.EINTR:
			time.Sleep(watchInterval)
		}
	}
}

const watchInterval = 500 * time.Millisecond

// Close stops the namespace thread. Pending and later Do calls fail with
// ErrClosed.
func (c *Context) Close() {
	c.closed.Do(func() {
		close(c.done)
		<-c.exited
		c.closeFDs()
	})
}

func (c *Context) closeFDs() {
	if c.procFD >= 0 {
		_ = unix.Close(c.procFD)
		c.procFD = -1
	}
	if c.pidFD >= 0 {
		_ = unix.Close(c.pidFD)
		c.pidFD = -1
	}
}

func closeNS(files []nsFile) {
	for _, ns := range files {
		_ = unix.Close(ns.fd)
	}
}

func classify(pid int, what string, err error) error {
	switch {
	case errors.Is(err, unix.ESRCH), errors.Is(err, unix.ENOENT):
		return errx.With(ErrNamespace, ": %w: pid %d: %s: %w", ErrTargetNotFound, pid, what, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return errx.With(ErrNamespace, ": %w: pid %d: %s: %w", ErrPermission, pid, what, err)
	}
	return errx.With(ErrNamespace, ": pid %d: %s: %w", pid, what, err)
}

func readlinkAt(dirfd int, path string) (string, error) {
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlinkat(dirfd, path, buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
}
