package reopen

import (
	"errors"

	"golang.org/x/sys/unix"
)

// scratchSize holds one path of up to PATH_MAX bytes.
const scratchSize = 2 * 4096

// remote runs system calls inside a stopped thread. The instruction at the
// thread's program counter is replaced with a syscall instruction while the
// remote is open; close puts it and the registers back.
type remote struct {
	t       *thread
	saved   registers
	pc      uint64
	text    []byte
	scratch uint64
}

func newRemote(t *thread) (*remote, error) {
	var saved registers
	if err := getRegs(t.tid, &saved); err != nil {
		return nil, err
	}
	prepareResume(&saved)
	pc := instructionPointer(&saved)

	text := make([]byte, len(syscallInsn))
	if _, err := unix.PtracePeekText(t.tid, uintptr(pc), text); err != nil {
		return nil, err
	}
	r := &remote{t: t, saved: saved, pc: pc, text: text}
	if _, err := unix.PtracePokeText(t.tid, uintptr(pc), syscallInsn); err != nil {
		return nil, err
	}

	addr, err := r.call(unix.SYS_MMAP, 0, scratchSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, signed(-1), 0)
	if err != nil {
		return nil, errors.Join(err, r.close())
	}
	r.scratch = addr
	return r, nil
}

// close unmaps the scratch page and restores the thread.
func (r *remote) close() error {
	var errs []error
	if r.scratch != 0 {
		if _, err := r.call(unix.SYS_MUNMAP, r.scratch, scratchSize); err != nil {
			errs = append(errs, err)
		}
		r.scratch = 0
	}
	if _, err := unix.PtracePokeText(r.t.tid, uintptr(r.pc), r.text); err != nil {
		errs = append(errs, err)
	}
	if err := setRegs(r.t.tid, &r.saved); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *remote) call(nr uintptr, args ...uint64) (uint64, error) {
	regs := r.saved
	loadSyscall(&regs, r.pc, nr, args)
	if err := setRegs(r.t.tid, &regs); err != nil {
		return 0, err
	}
	if err := r.t.step(); err != nil {
		return 0, err
	}
	if err := getRegs(r.t.tid, &regs); err != nil {
		return 0, err
	}
	ret := syscallReturn(&regs)
	if v := int64(ret); v < 0 && v > -4096 {
		return 0, unix.Errno(-v)
	}
	return ret, nil
}

func (r *remote) writeString(s string) error {
	data := append([]byte(s), 0)
	if len(data) > scratchSize {
		return unix.ENAMETOOLONG
	}
	_, err := unix.PtracePokeData(r.t.tid, uintptr(r.scratch), data)
	return err
}

func (r *remote) chdir(dir string) error {
	if err := r.writeString(dir); err != nil {
		return err
	}
	_, err := r.call(unix.SYS_CHDIR, r.scratch)
	return err
}

// reopen opens name with the flags of fd, carries the offset over and
// installs the result as fd.
func (r *remote) reopen(fd int, name string) error {
	flags, err := r.call(unix.SYS_FCNTL, uint64(fd), unix.F_GETFL)
	if err != nil {
		return err
	}
	fdFlags, err := r.call(unix.SYS_FCNTL, uint64(fd), unix.F_GETFD)
	if err != nil {
		return err
	}
	if err := r.writeString(name); err != nil {
		return err
	}
	flags &^= uint64(unix.O_CREAT | unix.O_EXCL | unix.O_TRUNC | unix.O_NOCTTY)
	newFD, err := r.call(unix.SYS_OPENAT, signed(unix.AT_FDCWD), r.scratch, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}

	err = r.install(fd, newFD, fdFlags)
	if _, cerr := r.call(unix.SYS_CLOSE, newFD); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (r *remote) install(fd int, newFD, fdFlags uint64) error {
	// Pipes and sockets are never reopened, so ESPIPE only comes from
	// files without a position; those keep none.
	if pos, err := r.call(unix.SYS_LSEEK, uint64(fd), 0, unix.SEEK_CUR); err == nil {
		if _, err := r.call(unix.SYS_LSEEK, newFD, pos, unix.SEEK_SET); err != nil {
			return err
		}
	} else if !errors.Is(err, unix.ESPIPE) {
		return err
	}

	var dupFlags uint64
	if fdFlags&unix.FD_CLOEXEC != 0 {
		dupFlags = unix.O_CLOEXEC
	}
	_, err := r.call(unix.SYS_DUP3, newFD, uint64(fd), dupFlags)
	return err
}

func signed(v int) uint64 {
	return uint64(int64(v))
}
