// Package hijack replaces a directory inside a target mount namespace with a
// synthetic filesystem and puts the original back afterwards.
//
// The original directory is moved to a sibling shadow path (MS_MOVE when it
// is a mount point, rename(2) otherwise), a placeholder is created at the
// original path, and the synthetic filesystem is mounted on it, backed by a
// descriptor for the shadow directory. The move and the mount run back to
// back on the namespace thread. A process that creates or renames entries at
// the original path in the window between them can still observe or disturb
// the switch; this window is not closed.
package hijack

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/fd"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

// Namespace executes closures inside the target mount namespace.
type Namespace interface {
	Do(fn func() error) error
	ReadThreadFile(name string) ([]byte, error)
}

// Server is a mounted synthetic filesystem.
type Server interface {
	Unmount() error
	Wait()
}

// MountFunc mounts the synthetic filesystem at mountPoint, serving the
// directory behind shadow. It runs on the namespace thread.
type MountFunc func(mountPoint string, shadow *fd.FD) (Server, error)

// Observer is told about every phase change. err is the failure that caused
// the change, if any.
type Observer func(phase Phase, err error)

type Options struct {
	Path     string
	Mount    MountFunc
	Observer Observer
	Logger   *logrus.Entry

	// SkipFuseDevice leaves /dev/fuse alone inside the target namespace.
	SkipFuseDevice bool

	UnmountRetries  uint64
	UnmountInterval time.Duration
	// DetachGrace bounds how long Restore waits for a lazily detached mount
	// to drain before moving the original back.
	DetachGrace time.Duration
}

// Hijacker owns the mount state of one hijacked directory.
type Hijacker struct {
	ns       Namespace
	path     string
	shadow   string
	mountFn  MountFunc
	observer Observer
	log      *logrus.Entry

	ensureFuse bool
	fuseRdev   uint64
	retries    uint64
	interval   time.Duration
	grace      time.Duration

	// mu serializes Hijack and Restore.
	mu       sync.Mutex
	root     *fd.FD
	server   Server
	undoErrs []error

	// state guards the fields observers may read while a change is in
	// progress.
	state      sync.Mutex
	phase      Phase
	mountPoint bool
}

// ShadowPath returns where the original directory at path is kept while it
// is hijacked.
func ShadowPath(path string) string {
	return filepath.Join(filepath.Dir(path), "__chaosfs__"+filepath.Base(path)+"__")
}

// New prepares a hijacker. It must be called before the calling thread's
// view could differ from the host's, since it inspects the host /dev/fuse.
func New(ns Namespace, opts Options) (*Hijacker, error) {
	if !filepath.IsAbs(opts.Path) {
		return nil, errx.With(ErrInvalidPath, ": %q is not absolute", opts.Path)
	}
	path := filepath.Clean(opts.Path)
	if path == "/" {
		return nil, errx.With(ErrInvalidPath, ": cannot hijack /")
	}
	if opts.Mount == nil {
		return nil, errx.With(ErrInvalidPath, ": no mount function")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Hijacker{
		ns:         ns,
		path:       path,
		shadow:     ShadowPath(path),
		mountFn:    opts.Mount,
		observer:   opts.Observer,
		log:        log.WithField("path", path),
		ensureFuse: !opts.SkipFuseDevice,
		retries:    opts.UnmountRetries,
		interval:   opts.UnmountInterval,
		grace:      opts.DetachGrace,
		phase:      PhaseUnmounted,
	}
	if h.retries == 0 {
		h.retries = 10
	}
	if h.interval == 0 {
		h.interval = 100 * time.Millisecond
	}
	if h.grace == 0 {
		h.grace = 5 * time.Second
	}
	if h.ensureFuse {
		var st unix.Stat_t
		if err := unix.Stat(fuseDevice, &st); err != nil {
			return nil, errx.With(ErrFuseDevice, ": host %s: %w", fuseDevice, err)
		}
		h.fuseRdev = st.Rdev
	}
	return h, nil
}

func (h *Hijacker) Path() string   { return h.path }
func (h *Hijacker) Shadow() string { return h.shadow }

// MountPoint reports whether the original directory was a mount point.
func (h *Hijacker) MountPoint() bool {
	h.state.Lock()
	defer h.state.Unlock()
	return h.mountPoint
}

func (h *Hijacker) Phase() Phase {
	h.state.Lock()
	defer h.state.Unlock()
	return h.phase
}

// setPhase records a phase change and tells the observer. The observer runs
// synchronously without the state lock, so it may call back into h.
func (h *Hijacker) setPhase(to Phase, cause error) {
	h.state.Lock()
	if err := ValidateTransition(h.phase, to); err != nil {
		h.log.WithError(err).Error("unexpected hijack phase change")
	}
	h.phase = to
	h.state.Unlock()

	h.log.WithField("phase", to).Debug("hijack phase")
	if h.observer != nil {
		h.observer(to, cause)
	}
}

// Hijack moves the original directory aside and mounts the synthetic
// filesystem in its place. On failure every completed step is undone; if
// undoing fails too, the error wraps ErrRollbackFailed and the phase is
// PhaseRollbackFailed.
func (h *Hijacker) Hijack() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if phase := h.Phase(); phase != PhaseUnmounted {
		return errx.With(ErrInvalidPhase, ": hijack from %q", phase)
	}
	h.undoErrs = nil

	err := h.ns.Do(h.hijackInNamespace)
	if err == nil {
		h.log.WithFields(logrus.Fields{
			"shadow":      h.shadow,
			"mount_point": h.MountPoint(),
		}).Info("directory hijacked")
		return nil
	}

	if h.Phase() == PhaseUnmounted {
		return err
	}
	if len(h.undoErrs) > 0 {
		rbErr := errx.With(ErrRollbackFailed, ": original at %s, shadow at %s: %w", h.path, h.shadow, errors.Join(append([]error{err}, h.undoErrs...)...))
		h.setPhase(PhaseRollbackFailed, rbErr)
		h.log.WithError(rbErr).WithField("shadow", h.shadow).Error("MANUAL INTERVENTION REQUIRED: could not roll back hijack")
		return rbErr
	}
	h.setPhase(PhaseUnmounted, err)
	h.log.WithError(err).Warn("hijack rolled back")
	return err
}

func (h *Hijacker) hijackInNamespace() error {
	var st unix.Stat_t
	if err := unix.Lstat(h.path, &st); err != nil {
		return errx.With(ErrHijack, ": stat %s: %w", h.path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return errx.With(ErrNotDirectory, ": %s", h.path)
	}
	var shadowSt unix.Stat_t
	if err := unix.Lstat(h.shadow, &shadowSt); err == nil {
		return errx.With(ErrShadowExists, ": %s", h.shadow)
	} else if !errors.Is(err, unix.ENOENT) {
		return errx.With(ErrHijack, ": stat %s: %w", h.shadow, err)
	}
	if h.ensureFuse {
		if err := ensureFuseDevice(h.fuseRdev); err != nil {
			return err
		}
	}
	info, err := h.ns.ReadThreadFile("mountinfo")
	if err != nil {
		return errx.With(ErrHijack, ": read mountinfo: %w", err)
	}
	mounts, err := ParseMountinfo(info)
	if err != nil {
		return errx.Wrap(ErrHijack, err)
	}
	_, mountPoint := Lookup(mounts, h.path)
	h.state.Lock()
	h.mountPoint = mountPoint
	h.state.Unlock()
	perm := st.Mode & 0o7777

	// The intent is recorded before anything moves so that a crash at any
	// later point leaves a session that recover will act on.
	h.setPhase(PhaseMovingOriginal, nil)

	// From here on only the mutating syscalls run, back to back.
	cu := cleanup.Make(func() {})
	defer cu.Clean()
	undo := func(what string, fn func() error) {
		cu.Add(func() {
			if err := fn(); err != nil {
				h.undoErrs = append(h.undoErrs, errx.With(ErrHijack, ": undo %s: %w", what, err))
			}
		})
	}

	if mountPoint {
		if err := unix.Mkdir(h.shadow, perm); err != nil {
			return errx.With(ErrHijack, ": mkdir %s: %w", h.shadow, err)
		}
		undo("mkdir shadow", func() error { return unix.Rmdir(h.shadow) })
		if err := unix.Mount(h.path, h.shadow, "", unix.MS_MOVE, ""); err != nil {
			return errx.With(ErrHijack, ": move mount %s -> %s: %w", h.path, h.shadow, err)
		}
		undo("move mount", func() error { return unix.Mount(h.shadow, h.path, "", unix.MS_MOVE, "") })
	} else {
		if err := unix.Rename(h.path, h.shadow); err != nil {
			return errx.With(ErrHijack, ": rename %s -> %s: %w", h.path, h.shadow, err)
		}
		undo("rename", func() error { return unix.Rename(h.shadow, h.path) })
	}
	h.setPhase(PhaseOriginalMoved, nil)

	root, err := fd.Open(h.shadow, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errx.With(ErrHijack, ": open %s: %w", h.shadow, err)
	}
	undo("open shadow", root.Close)

	if !mountPoint {
		if err := unix.Mkdir(h.path, perm); err != nil {
			return errx.With(ErrHijack, ": mkdir placeholder %s: %w", h.path, err)
		}
		undo("mkdir placeholder", func() error { return unix.Rmdir(h.path) })
		if err := unix.Lchown(h.path, int(st.Uid), int(st.Gid)); err != nil {
			return errx.With(ErrHijack, ": chown placeholder %s: %w", h.path, err)
		}
		if err := unix.Chmod(h.path, perm); err != nil {
			return errx.With(ErrHijack, ": chmod placeholder %s: %w", h.path, err)
		}
	}

	server, err := h.mountFn(h.path, root)
	if err != nil {
		return errx.With(ErrHijack, ": mount at %s: %w", h.path, err)
	}

	h.root = root
	h.server = server
	h.setPhase(PhaseSyntheticMounted, nil)
	cu.Release()
	return nil
}

// Restore unmounts the synthetic filesystem and moves the original back. It
// is a no-op once the original is in place.
func (h *Hijacker) Restore() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch phase := h.Phase(); phase {
	case PhaseUnmounted:
		return nil
	case PhaseSyntheticMounted, PhaseRestoreFailed:
	default:
		return errx.With(ErrInvalidPhase, ": restore from %q", phase)
	}
	h.setPhase(PhaseUnmounting, nil)

	err := h.ns.Do(h.restoreInNamespace)
	if err != nil {
		h.setPhase(PhaseRestoreFailed, err)
		h.log.WithError(err).WithField("shadow", h.shadow).Error("MANUAL INTERVENTION REQUIRED: could not restore original directory")
		return err
	}
	h.setPhase(PhaseUnmounted, nil)
	h.log.Info("original directory restored")
	return nil
}

func (h *Hijacker) restoreInNamespace() error {
	if h.server != nil {
		if err := h.unmount(); err != nil {
			return err
		}
		h.server = nil
	}
	if h.root != nil {
		if err := h.root.Close(); err != nil {
			h.log.WithError(err).Warn("close shadow root")
		}
		h.root = nil
	}

	if h.MountPoint() {
		if err := unix.Mount(h.shadow, h.path, "", unix.MS_MOVE, ""); err != nil {
			return errx.With(ErrRestore, ": move mount %s -> %s: %w", h.shadow, h.path, err)
		}
		if err := unix.Rmdir(h.shadow); err != nil {
			h.log.WithError(err).WithField("shadow", h.shadow).Warn("remove empty shadow directory")
		}
		return nil
	}
	if err := unix.Rmdir(h.path); err != nil && !errors.Is(err, unix.ENOENT) {
		return errx.With(ErrRestore, ": remove placeholder %s: %w", h.path, err)
	}
	if err := unix.Rename(h.shadow, h.path); err != nil {
		return errx.With(ErrRestore, ": rename %s -> %s: %w", h.shadow, h.path, err)
	}
	return nil
}

func (h *Hijacker) unmount() error {
	server := h.server
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(h.interval), h.retries)
	err := backoff.Retry(server.Unmount, b)
	if err == nil {
		return nil
	}

	h.log.WithError(err).Warn("unmount busy, detaching lazily")
	if derr := unix.Unmount(h.path, unix.MNT_DETACH); derr != nil {
		return errx.With(ErrRestore, ": unmount %s: %w", h.path, errors.Join(err, derr))
	}
	drained := make(chan struct{})
	go func() {
		server.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(h.grace):
		h.log.Warn("detached mount still has open files; they fail once this process exits")
	}
	return nil
}
