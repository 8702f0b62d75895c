package hijack

import (
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

// FSType is the filesystem type a chaosfs mount shows in mountinfo.
const FSType = "fuse.chaosfs"

// Recover puts the original directory back after the process that hijacked
// path died without restoring it. It detaches a leftover chaosfs mount,
// then moves the shadow directory back over the placeholder. Running it on a
// path that is already restored is a no-op; the result reports whether
// anything had to be repaired.
func Recover(ns Namespace, path string, log *logrus.Entry) (bool, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	shadow := ShadowPath(path)
	log = log.WithFields(logrus.Fields{"path": path, "shadow": shadow})

	var repaired bool
	err := ns.Do(func() error {
		mounts, err := readMounts(ns)
		if err != nil {
			return err
		}
		if m, ok := Lookup(mounts, path); ok && m.FSType == FSType {
			if err := unix.Unmount(path, unix.MNT_DETACH); err != nil && !errors.Is(err, unix.EINVAL) {
				return errx.With(ErrRestore, ": detach stale mount at %s: %w", path, err)
			}
			log.Info("detached stale chaosfs mount")
			repaired = true
			if mounts, err = readMounts(ns); err != nil {
				return err
			}
		}

		var st unix.Stat_t
		if err := unix.Lstat(shadow, &st); errors.Is(err, unix.ENOENT) {
			log.Info("no shadow directory, nothing to recover")
			return nil
		} else if err != nil {
			return errx.With(ErrRestore, ": stat %s: %w", shadow, err)
		}

		if _, ok := Lookup(mounts, shadow); ok {
			if err := unix.Mount(shadow, path, "", unix.MS_MOVE, ""); err != nil {
				return errx.With(ErrRestore, ": move mount %s -> %s: %w", shadow, path, err)
			}
			if err := unix.Rmdir(shadow); err != nil {
				log.WithError(err).Warn("remove empty shadow directory")
			}
			repaired = true
			log.Info("original mount recovered")
			return nil
		}

		if err := unix.Rmdir(path); err != nil && !errors.Is(err, unix.ENOENT) {
			return errx.With(ErrRestore, ": remove placeholder %s: %w", path, err)
		}
		if err := unix.Rename(shadow, path); err != nil {
			return errx.With(ErrRestore, ": rename %s -> %s: %w", shadow, path, err)
		}
		repaired = true
		log.Info("original directory recovered")
		return nil
	})
	return repaired, err
}

func readMounts(ns Namespace) ([]MountInfo, error) {
	info, err := ns.ReadThreadFile("mountinfo")
	if err != nil {
		return nil, errx.With(ErrRestore, ": read mountinfo: %w", err)
	}
	mounts, err := ParseMountinfo(info)
	if err != nil {
		return nil, errx.Wrap(ErrRestore, err)
	}
	return mounts, nil
}
