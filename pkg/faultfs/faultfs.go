// Package faultfs is a passthrough FUSE filesystem over the shadow directory
// that consults an injector on every operation.
//
// All real I/O goes through *at syscalls relative to the shadow root
// descriptor, so FUSE worker goroutines may run on any OS thread regardless
// of which mount namespace that thread is in.
package faultfs

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/fd"

	"github.com/jingkaihe/chaosfs/internal/errx"
	"github.com/jingkaihe/chaosfs/pkg/handles"
	"github.com/jingkaihe/chaosfs/pkg/inject"
)

// Name is the FUSE subtype; the mount shows up as fuse.<Name>.
const Name = "chaosfs"

type Options struct {
	Injector *inject.Injector
	// VirtualRoot is the path rules are matched against for the mount root.
	// It defaults to the mount point.
	VirtualRoot string

	// Nil timeouts default to one second. Zero disables kernel caching.
	AttrTimeout  *time.Duration
	EntryTimeout *time.Duration
	// DirectIO bypasses the page cache so every read and write reaches the
	// injector.
	DirectIO bool
	Debug    bool
	Logger   *logrus.Entry
}

// Server is a mounted fault filesystem.
type Server struct {
	*fuse.Server
	table *handles.Table
}

// Handles returns the table of open virtual handles.
func (s *Server) Handles() *handles.Table {
	return s.table
}

// Close releases descriptors left behind by a lazily detached mount. Call it
// only after the server has stopped serving.
func (s *Server) Close() error {
	return s.table.CloseAll()
}

type filesystem struct {
	table    *handles.Table
	inj      *inject.Injector
	prefix   string
	dev      uint64
	rootIno  uint64
	directIO bool
	log      *logrus.Entry
}

func newFilesystem(root *fd.FD, opts Options) (*filesystem, error) {
	if opts.Injector == nil {
		return nil, ErrNoInjector
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var st unix.Stat_t
	if err := unix.Fstat(root.FD(), &st); err != nil {
		return nil, errx.Wrap(ErrShadowRoot, err)
	}
	return &filesystem{
		table:    handles.New(root, log),
		inj:      opts.Injector,
		prefix:   path.Clean("/" + opts.VirtualRoot),
		dev:      st.Dev,
		rootIno:  inodeNumber(st.Dev, st.Ino),
		directIO: opts.DirectIO,
		log:      log,
	}, nil
}

// Mount serves the directory behind root at mountPoint. It must run on a
// thread in the mount namespace that owns mountPoint. The caller keeps
// ownership of root and must keep it open until the server has stopped.
func Mount(mountPoint string, root *fd.FD, opts Options) (*Server, error) {
	if opts.VirtualRoot == "" {
		opts.VirtualRoot = mountPoint
	}
	sys, err := newFilesystem(root, opts)
	if err != nil {
		return nil, errx.Wrap(ErrMount, err)
	}

	second := time.Second
	if opts.AttrTimeout == nil {
		opts.AttrTimeout = &second
	}
	if opts.EntryTimeout == nil {
		opts.EntryTimeout = &second
	}
	fsOpts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther:        true,
			FsName:            Name,
			Name:              Name,
			Options:           []string{"default_permissions"},
			DirectMountStrict: true,
			Debug:             opts.Debug,
		},
		AttrTimeout:     opts.AttrTimeout,
		EntryTimeout:    opts.EntryTimeout,
		RootStableAttr:  &fs.StableAttr{Ino: sys.rootIno},
		NullPermissions: true,
	}

	server, err := fs.Mount(mountPoint, &node{sys: sys}, fsOpts)
	if err != nil {
		return nil, errx.With(ErrMount, ": %s: %w", mountPoint, err)
	}
	sys.log.WithFields(logrus.Fields{
		"mount_point":  mountPoint,
		"virtual_root": sys.prefix,
		"direct_io":    sys.directIO,
	}).Info("fault filesystem mounted")
	return &Server{Server: server, table: sys.table}, nil
}

func (sys *filesystem) virtual(rel string) string {
	if rel == "." || rel == "" {
		return sys.prefix
	}
	return path.Join(sys.prefix, rel)
}

// acquire pins a handle. A handle the table does not know is a dispatcher
// bug; the table has already logged it and the call fails with EBADF.
func (sys *filesystem) acquire(id uint64) (*handles.Handle, syscall.Errno) {
	h, err := sys.table.Acquire(id)
	if err != nil {
		return nil, syscall.EBADF
	}
	return h, 0
}

func (sys *filesystem) openFlags() uint32 {
	if sys.directIO {
		return fuse.FOPEN_DIRECT_IO
	}
	return 0
}

// inodeNumber folds the backing device into the inode number so that
// entries from different filesystems under the shadow never collide.
func inodeNumber(dev, ino uint64) uint64 {
	var pair [16]byte
	binary.BigEndian.PutUint64(pair[0:8], dev)
	binary.BigEndian.PutUint64(pair[8:16], ino)

	h := fnv.New64a()
	_, _ = h.Write(pair[:])
	out := h.Sum64()
	if out == 0 || out == 1 {
		out += 2
	}
	return out
}

func fillAttr(out *fuse.Attr, st *unix.Stat_t) {
	out.Ino = inodeNumber(st.Dev, st.Ino)
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(st.Blksize)
}

// toErrno unwraps the errno behind err. Anything that is not a syscall
// error is reported as EIO.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
