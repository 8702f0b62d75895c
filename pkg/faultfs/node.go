package faultfs

import (
	"context"
	"os"
	"path"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/chaosfs/pkg/inject"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

type node struct {
	fs.Inode
	sys *filesystem
}

var _ = (fs.NodeLookuper)((*node)(nil))
var _ = (fs.NodeGetattrer)((*node)(nil))
var _ = (fs.NodeSetattrer)((*node)(nil))
var _ = (fs.NodeOpener)((*node)(nil))
var _ = (fs.NodeCreater)((*node)(nil))
var _ = (fs.NodeMkdirer)((*node)(nil))
var _ = (fs.NodeRmdirer)((*node)(nil))
var _ = (fs.NodeUnlinker)((*node)(nil))
var _ = (fs.NodeRenamer)((*node)(nil))
var _ = (fs.NodeOpendirHandler)((*node)(nil))
var _ = (fs.NodeStatfser)((*node)(nil))
var _ = (fs.NodeReadlinker)((*node)(nil))
var _ = (fs.NodeSymlinker)((*node)(nil))
var _ = (fs.NodeLinker)((*node)(nil))

// rel is the node's path relative to the shadow root.
func (n *node) rel() string {
	p := n.Path(n.Root())
	if p == "" {
		return "."
	}
	return p
}

func (n *node) childRel(name string) string {
	return path.Join(n.Path(n.Root()), name)
}

func (n *node) before(ctx context.Context, op rule.Op, rel string) (inject.Decision, syscall.Errno) {
	return n.sys.inj.Before(ctx, op, n.sys.virtual(rel))
}

func (n *node) root() int {
	return n.sys.table.Root()
}

func (n *node) lstat(rel string, st *unix.Stat_t) syscall.Errno {
	return toErrno(unix.Fstatat(n.root(), rel, st, unix.AT_SYMLINK_NOFOLLOW))
}

// stat prefers the open handle so that unlinked but open files still answer.
func (n *node) stat(f fs.FileHandle, st *unix.Stat_t) syscall.Errno {
	if fh, ok := f.(*file); ok {
		h, errno := n.sys.acquire(fh.id)
		if errno != 0 {
			return errno
		}
		defer h.Done()
		return toErrno(unix.Fstat(h.FD(), st))
	}
	return n.lstat(n.rel(), st)
}

func (n *node) newChild(ctx context.Context, st *unix.Stat_t) *fs.Inode {
	return n.NewInode(ctx, &node{sys: n.sys}, fs.StableAttr{
		Mode: st.Mode & unix.S_IFMT,
		Ino:  inodeNumber(st.Dev, st.Ino),
	})
}

// entry reports a freshly created or looked up child.
func (n *node) entry(ctx context.Context, d inject.Decision, rel string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	var st unix.Stat_t
	if errno := n.lstat(rel, &st); errno != 0 {
		return nil, errno
	}
	fillAttr(&out.Attr, &st)
	d.OverrideAttr(&out.Attr)
	return n.newChild(ctx, &st), 0
}

// chownToCaller gives new entries to the calling process's user, as a
// kernel filesystem would. Without root the entry keeps our own ids.
func (n *node) chownToCaller(ctx context.Context, rel string) {
	if os.Geteuid() != 0 {
		return
	}
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return
	}
	if err := unix.Fchownat(n.root(), rel, int(caller.Uid), int(caller.Gid), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		n.sys.log.WithError(err).WithField("path", rel).Warn("chown new entry to caller")
	}
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.childRel(name)
	d, errno := n.before(ctx, rule.OpLookup, rel)
	if errno != 0 {
		return nil, errno
	}
	return n.entry(ctx, d, rel, out)
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	d, errno := n.before(ctx, rule.OpGetattr, n.rel())
	if errno != 0 {
		return errno
	}
	var st unix.Stat_t
	if errno := n.stat(f, &st); errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, &st)
	d.OverrideAttr(&out.Attr)
	return 0
}

func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	rel := n.rel()
	d, errno := n.before(ctx, rule.OpSetattr, rel)
	if errno != 0 {
		return errno
	}

	realFD := -1
	if fh, ok := f.(*file); ok {
		h, errno := n.sys.acquire(fh.id)
		if errno != 0 {
			return errno
		}
		defer h.Done()
		realFD = h.FD()
	}
	if errno := n.setattr(realFD, rel, in); errno != 0 {
		return errno
	}

	var st unix.Stat_t
	if errno := n.stat(f, &st); errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, &st)
	d.OverrideAttr(&out.Attr)
	return 0
}

// setattr applies the requested changes through realFD when the kernel sent
// a handle, and by path otherwise.
func (n *node) setattr(realFD int, rel string, in *fuse.SetAttrIn) syscall.Errno {
	if mode, ok := in.GetMode(); ok {
		var err error
		if realFD >= 0 {
			err = unix.Fchmod(realFD, mode)
		} else {
			err = unix.Fchmodat(n.root(), rel, mode, 0)
		}
		if err != nil {
			return toErrno(err)
		}
	}

	uid32, uok := in.GetUID()
	gid32, gok := in.GetGID()
	if uok || gok {
		uid, gid := -1, -1
		if uok {
			uid = int(uid32)
		}
		if gok {
			gid = int(gid32)
		}
		var err error
		if realFD >= 0 {
			err = unix.Fchown(realFD, uid, gid)
		} else {
			err = unix.Fchownat(n.root(), rel, uid, gid, unix.AT_SYMLINK_NOFOLLOW)
		}
		if err != nil {
			return toErrno(err)
		}
	}

	mtime, mok := in.GetMTime()
	atime, aok := in.GetATime()
	if mok || aok {
		ts := []unix.Timespec{{Nsec: unix.UTIME_OMIT}, {Nsec: unix.UTIME_OMIT}}
		if aok {
			ts[0] = unix.NsecToTimespec(atime.UnixNano())
		}
		if mok {
			ts[1] = unix.NsecToTimespec(mtime.UnixNano())
		}
		var err error
		if realFD >= 0 {
			err = futimens(realFD, ts)
		} else {
			err = unix.UtimesNanoAt(n.root(), rel, ts, unix.AT_SYMLINK_NOFOLLOW)
		}
		if err != nil {
			return toErrno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		if realFD >= 0 {
			return toErrno(unix.Ftruncate(realFD, int64(size)))
		}
		tfd, err := unix.Openat(n.root(), rel, unix.O_WRONLY|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
		if err != nil {
			return toErrno(err)
		}
		defer unix.Close(tfd)
		return toErrno(unix.Ftruncate(tfd, int64(size)))
	}
	return 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	rel := n.rel()
	if _, errno := n.before(ctx, rule.OpOpen, rel); errno != 0 {
		return nil, 0, errno
	}
	// Writes carry explicit offsets from the kernel.
	flags &^= syscall.O_APPEND | fuse.FMODE_EXEC
	h, err := n.sys.table.Open(rel, int(flags), 0)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &file{node: n, id: h.ID}, n.sys.openFlags(), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	rel := n.childRel(name)
	d, errno := n.before(ctx, rule.OpCreate, rel)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	flags &^= syscall.O_APPEND
	// The kernel sends the file type along with the permission bits.
	h, err := n.sys.table.Open(rel, int(flags)|unix.O_CREAT, mode&0o7777)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	n.chownToCaller(ctx, rel)

	var st unix.Stat_t
	if err := unix.Fstat(h.FD(), &st); err != nil {
		_ = n.sys.table.Release(h.ID)
		return nil, nil, 0, toErrno(err)
	}
	fillAttr(&out.Attr, &st)
	d.OverrideAttr(&out.Attr)

	child := n.newChild(ctx, &st)
	return child, &file{node: child.Operations().(*node), id: h.ID}, n.sys.openFlags(), 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.childRel(name)
	d, errno := n.before(ctx, rule.OpMkdir, rel)
	if errno != 0 {
		return nil, errno
	}
	if err := unix.Mkdirat(n.root(), rel, mode); err != nil {
		return nil, toErrno(err)
	}
	n.chownToCaller(ctx, rel)
	return n.entry(ctx, d, rel, out)
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	rel := n.childRel(name)
	if _, errno := n.before(ctx, rule.OpRmdir, rel); errno != 0 {
		return errno
	}
	return toErrno(unix.Unlinkat(n.root(), rel, unix.AT_REMOVEDIR))
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	rel := n.childRel(name)
	if _, errno := n.before(ctx, rule.OpUnlink, rel); errno != 0 {
		return errno
	}
	return toErrno(unix.Unlinkat(n.root(), rel, 0))
}

func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*node)
	if !ok || dst.sys != n.sys {
		return syscall.EXDEV
	}
	oldRel := n.childRel(name)
	if _, errno := n.before(ctx, rule.OpRename, oldRel); errno != 0 {
		return errno
	}
	newRel := dst.childRel(newName)
	if flags != 0 {
		return toErrno(unix.Renameat2(n.root(), oldRel, n.root(), newRel, uint(flags)))
	}
	return toErrno(unix.Renameat(n.root(), oldRel, n.root(), newRel))
}

func (n *node) OpendirHandle(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	rel := n.rel()
	if _, errno := n.before(ctx, rule.OpOpendir, rel); errno != 0 {
		return nil, 0, errno
	}
	h, err := n.sys.table.Open(rel, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return newDir(n, h.ID), 0, 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	rel := n.rel()
	if _, errno := n.before(ctx, rule.OpStatfs, rel); errno != 0 {
		return errno
	}
	pfd, err := unix.Openat(n.root(), rel, unix.O_PATH|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
	if err != nil {
		return toErrno(err)
	}
	defer unix.Close(pfd)
	var s syscall.Statfs_t
	if err := syscall.Fstatfs(pfd, &s); err != nil {
		return toErrno(err)
	}
	out.FromStatfsT(&s)
	return 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	rel := n.rel()
	if _, errno := n.before(ctx, rule.OpReadlink, rel); errno != 0 {
		return nil, errno
	}
	for size := 256; ; size *= 2 {
		buf := make([]byte, size)
		got, err := unix.Readlinkat(n.root(), rel, buf)
		if err != nil {
			return nil, toErrno(err)
		}
		if got < len(buf) {
			return buf[:got], 0
		}
	}
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := n.childRel(name)
	d, errno := n.before(ctx, rule.OpSymlink, rel)
	if errno != 0 {
		return nil, errno
	}
	if err := unix.Symlinkat(target, n.root(), rel); err != nil {
		return nil, toErrno(err)
	}
	n.chownToCaller(ctx, rel)
	return n.entry(ctx, d, rel, out)
}

func (n *node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	src, ok := target.(*node)
	if !ok || src.sys != n.sys {
		return nil, syscall.EXDEV
	}
	rel := n.childRel(name)
	d, errno := n.before(ctx, rule.OpLink, rel)
	if errno != 0 {
		return nil, errno
	}
	if err := unix.Linkat(n.root(), src.rel(), n.root(), rel, 0); err != nil {
		return nil, toErrno(err)
	}
	return n.entry(ctx, d, rel, out)
}
