package reopen

import (
	"errors"

	"golang.org/x/sys/unix"
)

// thread is one seized task. It must only be touched from the thread that
// attached it.
type thread struct {
	tid int
	// pending is a signal that arrived while the task was stopped. It is
	// delivered on detach.
	pending unix.Signal
}

// attach seizes tid and waits until it is stopped.
func attach(tid int) (*thread, error) {
	if err := unix.PtraceSeize(tid); err != nil {
		return nil, err
	}
	t := &thread{tid: tid}
	if err := unix.PtraceInterrupt(tid); err != nil {
		_ = t.detach()
		return nil, err
	}
	if err := t.waitStop(); err != nil {
		_ = t.detach()
		return nil, err
	}
	return t, nil
}

// waitStop waits until t is stopped. A signal that stopped it is kept for
// delivery on detach.
func (t *thread) waitStop() error {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(t.tid, &ws, unix.WALL, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		switch {
		case ws.Exited(), ws.Signaled():
			return ErrExited
		case !ws.Stopped():
			continue
		}
		if sig := ws.StopSignal(); sig != unix.SIGTRAP {
			// Signal delivery stop. The task is stopped either way.
			t.pending = sig
		}
		return nil
	}
}

// step executes a single instruction and waits for it to complete. Stops
// that are not the single step trap, such as a pending interrupt, are
// stepped through.
func (t *thread) step() error {
	for range 16 {
		if err := unix.PtraceSingleStep(t.tid); err != nil {
			return err
		}
		var ws unix.WaitStatus
		for {
			_, err := unix.Wait4(t.tid, &ws, unix.WALL, nil)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil {
				return err
			}
			break
		}
		switch {
		case ws.Exited(), ws.Signaled():
			return ErrExited
		case !ws.Stopped():
			continue
		}
		sig := ws.StopSignal()
		if sig == unix.SIGTRAP && ws.TrapCause() == 0 {
			return nil
		}
		if sig != unix.SIGTRAP {
			t.pending = sig
			// The instruction did not run; step again.
			continue
		}
		if ws.TrapCause() == unix.PTRACE_EVENT_STOP {
			continue
		}
		return nil
	}
	return ErrStep
}

// detach resumes the task, delivering any signal that arrived while it was
// stopped.
func (t *thread) detach() error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(t.tid), 0, uintptr(t.pending), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
