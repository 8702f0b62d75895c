//go:build !amd64

package reopen

const archSupported = false

type registers struct{}

var syscallInsn []byte

func getRegs(int, *registers) error { return ErrUnsupportedArch }
func setRegs(int, *registers) error { return ErrUnsupportedArch }

func instructionPointer(*registers) uint64 { return 0 }
func prepareResume(*registers)             {}

func loadSyscall(*registers, uint64, uintptr, []uint64) {}

func syscallReturn(*registers) uint64 { return 0 }
