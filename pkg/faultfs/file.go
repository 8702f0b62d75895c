package faultfs

import (
	"context"
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/chaosfs/pkg/handles"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

// file is the FUSE side of one open handle. The real descriptor lives in
// the handle table and is pinned for the duration of each call.
type file struct {
	node *node
	id   uint64
}

var _ = (fs.FileReader)((*file)(nil))
var _ = (fs.FileWriter)((*file)(nil))
var _ = (fs.FileFlusher)((*file)(nil))
var _ = (fs.FileFsyncer)((*file)(nil))
var _ = (fs.FileReleaser)((*file)(nil))
var _ = (fs.FileLseeker)((*file)(nil))
var _ = (fs.FileAllocater)((*file)(nil))

func (f *file) path() string {
	return f.node.sys.virtual(f.node.rel())
}

func (f *file) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	sys := f.node.sys
	d, errno := sys.inj.Before(ctx, rule.OpRead, f.path())
	if errno != 0 {
		return nil, errno
	}
	h, errno := sys.acquire(f.id)
	if errno != 0 {
		return nil, errno
	}
	defer h.Done()

	n, err := h.ReadAt(dest, off)
	if err != nil && n == 0 {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(d.Corrupt(dest[:n])), 0
}

func (f *file) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	sys := f.node.sys
	d, errno := sys.inj.Before(ctx, rule.OpWrite, f.path())
	if errno != 0 {
		return 0, errno
	}
	h, errno := sys.acquire(f.id)
	if errno != 0 {
		return 0, errno
	}
	defer h.Done()

	n, err := h.WriteAt(d.CorruptCopy(data), off)
	if err != nil && n == 0 {
		return 0, toErrno(err)
	}
	return uint32(n), 0
}

// Flush is sent for every close(2) of a dup'd descriptor, so it must not
// close the real fd. Closing a duplicate reports deferred write errors.
func (f *file) Flush(ctx context.Context) syscall.Errno {
	sys := f.node.sys
	if _, errno := sys.inj.Before(ctx, rule.OpFlush, f.path()); errno != 0 {
		return errno
	}
	h, errno := sys.acquire(f.id)
	if errno != 0 {
		return errno
	}
	defer h.Done()

	dup, err := unix.Dup(h.FD())
	if err != nil {
		return toErrno(err)
	}
	return toErrno(unix.Close(dup))
}

func (f *file) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	sys := f.node.sys
	if _, errno := sys.inj.Before(ctx, rule.OpFsync, f.path()); errno != 0 {
		return errno
	}
	h, errno := sys.acquire(f.id)
	if errno != 0 {
		return errno
	}
	defer h.Done()

	if flags&1 != 0 {
		return toErrno(unix.Fdatasync(h.FD()))
	}
	return toErrno(unix.Fsync(h.FD()))
}

func (f *file) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	h, errno := f.node.sys.acquire(f.id)
	if errno != 0 {
		return 0, errno
	}
	defer h.Done()

	n, err := unix.Seek(h.FD(), int64(off), int(whence))
	return uint64(n), toErrno(err)
}

func (f *file) Allocate(ctx context.Context, off uint64, size uint64, mode uint32) syscall.Errno {
	h, errno := f.node.sys.acquire(f.id)
	if errno != 0 {
		return errno
	}
	defer h.Done()

	return toErrno(unix.Fallocate(h.FD(), mode, int64(off), int64(size)))
}

// Release always closes the real descriptor. An injected error is reported
// after the close so that no descriptor leaks.
func (f *file) Release(ctx context.Context) syscall.Errno {
	sys := f.node.sys
	_, injected := sys.inj.Before(ctx, rule.OpRelease, f.path())
	if err := sys.table.Release(f.id); err != nil {
		if errors.Is(err, handles.ErrInvalidHandle) {
			return syscall.EBADF
		}
		return toErrno(err)
	}
	return injected
}
