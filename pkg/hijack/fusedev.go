package hijack

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

const fuseDevice = "/dev/fuse"

// ensureFuseDevice creates /dev/fuse in the current mount namespace when a
// container image ships without it. rdev is the host device number; zero
// falls back to the well-known 10:229.
func ensureFuseDevice(rdev uint64) error {
	var st unix.Stat_t
	err := unix.Stat(fuseDevice, &st)
	if err == nil {
		if st.Mode&unix.S_IFMT != unix.S_IFCHR {
			return errx.With(ErrFuseDevice, ": %s exists and is not a character device", fuseDevice)
		}
		return nil
	}
	if !errors.Is(err, unix.ENOENT) {
		return errx.With(ErrFuseDevice, ": stat %s: %w", fuseDevice, err)
	}
	if rdev == 0 {
		rdev = unix.Mkdev(10, 229)
	}
	if err := unix.Mkdir("/dev", 0o755); err != nil && !errors.Is(err, unix.EEXIST) {
		return errx.With(ErrFuseDevice, ": mkdir /dev: %w", err)
	}
	if err := unix.Mknod(fuseDevice, unix.S_IFCHR|0o666, int(rdev)); err != nil && !errors.Is(err, unix.EEXIST) {
		return errx.With(ErrFuseDevice, ": mknod %s: %w", fuseDevice, err)
	}
	return nil
}
