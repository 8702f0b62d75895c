package faultfs

import (
	"context"
	"errors"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/chaosfs/pkg/handles"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

// dir streams entries from the real directory. Each entry's offset is the
// kernel's d_off cookie for the real stream, so Seekdir to any offset that
// was handed out resumes there, and Seekdir to 0 starts over.
type dir struct {
	node *node
	id   uint64

	mu        sync.Mutex
	buf       []byte
	todo      []byte
	todoErrno syscall.Errno
	// rewound is set while the stream is at its start. The readdir fault
	// decision is made once per listing pass, when the first entry is read.
	rewound bool
}

var _ = (fs.FileReaddirenter)((*dir)(nil))
var _ = (fs.FileSeekdirer)((*dir)(nil))
var _ = (fs.FileReleasedirer)((*dir)(nil))
var _ = (fs.FileFsyncdirer)((*dir)(nil))

func newDir(n *node, id uint64) *dir {
	return &dir{
		node:    n,
		id:      id,
		buf:     make([]byte, 8192),
		rewound: true,
	}
}

func (d *dir) path() string {
	return d.node.sys.virtual(d.node.rel())
}

func (d *dir) Readdirent(ctx context.Context) (*fuse.DirEntry, syscall.Errno) {
	sys := d.node.sys
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rewound {
		if _, errno := sys.inj.Before(ctx, rule.OpReaddir, d.path()); errno != 0 {
			return nil, errno
		}
		d.rewound = false
	}

	if len(d.todo) == 0 && d.todoErrno == 0 {
		h, errno := sys.acquire(d.id)
		if errno != 0 {
			return nil, errno
		}
		n, err := unix.Getdents(h.FD(), d.buf)
		h.Done()
		if n < 0 {
			n = 0
		}
		d.todo = d.buf[:n]
		d.todoErrno = toErrno(err)
	}
	if d.todoErrno != 0 {
		errno := d.todoErrno
		d.todoErrno = 0
		return nil, errno
	}
	if len(d.todo) == 0 {
		return nil, 0
	}

	var de fuse.DirEntry
	d.todo = d.todo[de.Parse(d.todo):]
	de.Ino = inodeNumber(sys.dev, de.Ino)
	return &de, 0
}

func (d *dir) Seekdir(ctx context.Context, off uint64) syscall.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, errno := d.node.sys.acquire(d.id)
	if errno != 0 {
		return errno
	}
	defer h.Done()

	if _, err := unix.Seek(h.FD(), int64(off), unix.SEEK_SET); err != nil {
		return toErrno(err)
	}
	d.todo = nil
	d.todoErrno = 0
	d.rewound = off == 0
	return 0
}

func (d *dir) Fsyncdir(ctx context.Context, flags uint32) syscall.Errno {
	sys := d.node.sys
	if _, errno := sys.inj.Before(ctx, rule.OpFsync, d.path()); errno != 0 {
		return errno
	}
	h, errno := sys.acquire(d.id)
	if errno != 0 {
		return errno
	}
	defer h.Done()
	return toErrno(unix.Fsync(h.FD()))
}

func (d *dir) Releasedir(ctx context.Context, releaseFlags uint32) {
	err := d.node.sys.table.Release(d.id)
	if err != nil && !errors.Is(err, handles.ErrInvalidHandle) {
		d.node.sys.log.WithError(err).WithField("path", d.path()).Warn("close directory")
	}
}
