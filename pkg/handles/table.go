// Package handles maps the virtual file handles given to the kernel onto real
// file descriptors opened beneath the shadow directory.
package handles

import (
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/fd"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

// Handle is one virtual open instance. It exclusively owns its real fd.
type Handle struct {
	ID    uint64
	Path  string
	Flags int
	IsDir bool

	fd    *fd.FD
	table *Table

	// guarded by table.mu
	refs     int
	released bool
}

// FD returns the real descriptor. It is valid while the handle is pinned.
func (h *Handle) FD() int {
	return h.fd.FD()
}

// ReadAt fills b from off, retrying short reads. Hitting end of file is not
// an error; the byte count tells the caller how much was read.
func (h *Handle) ReadAt(b []byte, off int64) (int, error) {
	n, err := h.fd.ReadAt(b, off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// WriteAt writes all of b at off, retrying short writes until an error.
func (h *Handle) WriteAt(b []byte, off int64) (int, error) {
	return h.fd.WriteAt(b, off)
}

// Done unpins a handle obtained from Acquire.
func (h *Handle) Done() {
	h.table.unpin(h)
}

// Table tracks live handles. Ids come from a counter and are never reused, so
// an id that is not live was either released or never issued.
type Table struct {
	root *fd.FD
	log  *logrus.Entry

	mu      sync.Mutex
	handles map[uint64]*Handle

	next       atomic.Uint64
	openFDs    atomic.Int64
	violations atomic.Uint64
}

// New creates a table resolving paths relative to root. The table does not
// take ownership of root.
func New(root *fd.FD, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{
		root:    root,
		log:     log,
		handles: make(map[uint64]*Handle),
	}
}

// Root returns the shadow root descriptor.
func (t *Table) Root() int {
	return t.root.FD()
}

// Open opens path, relative to the shadow root, and registers a new handle.
func (t *Table) Open(path string, flags int, mode uint32) (*Handle, error) {
	path = cleanRelative(path)
	if path == "" {
		return nil, errx.With(ErrOpen, ": %w", syscall.EXDEV)
	}
	rfd, err := openBeneath(t.root.FD(), path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return nil, errx.Wrap(ErrOpen, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(rfd, &st); err != nil {
		_ = unix.Close(rfd)
		return nil, errx.Wrap(ErrOpen, err)
	}

	h := &Handle{
		ID:    t.next.Add(1),
		Path:  path,
		Flags: flags,
		IsDir: st.Mode&unix.S_IFMT == unix.S_IFDIR,
		fd:    fd.New(rfd),
		table: t,
	}
	t.openFDs.Add(1)

	t.mu.Lock()
	t.handles[h.ID] = h
	t.mu.Unlock()
	return h, nil
}

// Acquire looks up a live handle and pins it so its fd stays open until Done
// is called, even if Release runs concurrently.
func (t *Table) Acquire(id uint64) (*Handle, error) {
	t.mu.Lock()
	h, ok := t.handles[id]
	if ok {
		h.refs++
	}
	t.mu.Unlock()
	if !ok {
		return nil, t.violation(id, "lookup")
	}
	return h, nil
}

// Release removes the handle and closes its fd once no call holds a pin on
// it. Releasing an id that is not live is an invariant violation and never
// touches any descriptor.
func (t *Table) Release(id uint64) error {
	t.mu.Lock()
	h, ok := t.handles[id]
	if ok {
		delete(t.handles, id)
		h.released = true
	}
	closeNow := ok && h.refs == 0
	t.mu.Unlock()
	if !ok {
		return t.violation(id, "release")
	}
	if closeNow {
		return t.close(h)
	}
	return nil
}

func (t *Table) unpin(h *Handle) {
	t.mu.Lock()
	h.refs--
	closeNow := h.released && h.refs == 0
	t.mu.Unlock()
	if closeNow {
		if err := t.close(h); err != nil {
			t.log.WithError(err).WithField("path", h.Path).Warn("deferred close failed")
		}
	}
}

func (t *Table) close(h *Handle) error {
	t.openFDs.Add(-1)
	if err := h.fd.Close(); err != nil {
		return errx.Wrap(ErrClose, err)
	}
	return nil
}

func (t *Table) violation(id uint64, op string) error {
	t.violations.Add(1)
	reason := "released"
	if id == 0 || id > t.next.Load() {
		reason = "never issued"
	}
	err := errx.With(ErrInvalidHandle, ": %s of handle %d (%s)", op, id, reason)
	t.log.WithFields(logrus.Fields{
		"fatal":  true,
		"handle": id,
		"op":     op,
	}).WithError(err).Error("handle table invariant violated")
	return err
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// OpenCount returns the number of live handles on path.
func (t *Table) OpenCount(path string) int {
	path = cleanRelative(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, h := range t.handles {
		if h.Path == path {
			n++
		}
	}
	return n
}

// OpenFDs returns the number of real descriptors currently held, including
// those whose close is deferred behind a pin.
func (t *Table) OpenFDs() int64 {
	return t.openFDs.Load()
}

// Violations returns how many invariant violations have been observed.
func (t *Table) Violations() uint64 {
	return t.violations.Load()
}

// CloseAll releases every remaining handle. It is used once the filesystem
// has been unmounted and no further calls can arrive.
func (t *Table) CloseAll() error {
	t.mu.Lock()
	ids := make([]uint64, 0, len(t.handles))
	for id := range t.handles {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := t.Release(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func cleanRelative(p string) string {
	if p == "" {
		return "."
	}
	p = filepath.Clean(p)
	if p != "." && !filepath.IsLocal(p) {
		return ""
	}
	return p
}

// openBeneath refuses to resolve outside dirfd when the kernel supports
// openat2, and falls back to openat otherwise.
func openBeneath(dirfd int, path string, flags int, mode uint32) (int, error) {
	how := unix.OpenHow{
		Flags:   uint64(flags),
		Resolve: unix.RESOLVE_BENEATH | unix.RESOLVE_NO_MAGICLINKS,
	}
	if flags&unix.O_CREAT != 0 || flags&unix.O_TMPFILE == unix.O_TMPFILE {
		// openat2 rejects anything but permission bits.
		how.Mode = uint64(mode & 0o7777)
	}
	for {
		rfd, err := unix.Openat2(dirfd, path, &how)
		switch err {
		case nil:
			return rfd, nil
		case unix.EINTR, unix.EAGAIN:
			continue
		case unix.ENOSYS:
			return unix.Openat(dirfd, path, flags, mode&0o7777)
		}
		return -1, err
	}
}
