package reopen

import "golang.org/x/sys/unix"

const archSupported = true

type registers = unix.PtraceRegs

var syscallInsn = []byte{0x0f, 0x05}

// Kernel internal codes left in rax by an interrupted system call.
const (
	erestartSys          = 512
	erestartNoIntr       = 513
	erestartNoHand       = 514
	erestartRestartBlock = 516
)

func getRegs(tid int, r *registers) error { return unix.PtraceGetRegs(tid, r) }
func setRegs(tid int, r *registers) error { return unix.PtraceSetRegs(tid, r) }

func instructionPointer(r *registers) uint64 { return r.Rip }

// prepareResume turns a thread stopped inside an interrupted system call
// into one that is about to issue it again. The kernel's own restart logic
// runs when the thread is first resumed, which is for an injected call, so
// it is applied here instead.
func prepareResume(r *registers) {
	if int64(r.Orig_rax) < 0 {
		return
	}
	switch -int64(r.Rax) {
	case erestartSys, erestartNoIntr, erestartNoHand:
		r.Rax = r.Orig_rax
		r.Rip -= uint64(len(syscallInsn))
	case erestartRestartBlock:
		r.Rax = unix.SYS_RESTART_SYSCALL
		r.Rip -= uint64(len(syscallInsn))
	}
	r.Orig_rax = ^uint64(0)
}

func loadSyscall(r *registers, pc uint64, nr uintptr, args []uint64) {
	r.Rip = pc
	r.Rax = uint64(nr)
	r.Orig_rax = ^uint64(0)
	slots := [...]*uint64{&r.Rdi, &r.Rsi, &r.Rdx, &r.R10, &r.R8, &r.R9}
	for i, a := range args {
		*slots[i] = a
	}
}

func syscallReturn(r *registers) uint64 { return r.Rax }
