package reopen

import "errors"

var (
	ErrUnsupportedArch = errors.New("moving open files is only supported on amd64")
	ErrScan            = errors.New("scan processes")
	ErrTrace           = errors.New("stop process")
	ErrReopen          = errors.New("move held file")
	ErrExited          = errors.New("traced thread exited")
	ErrStep            = errors.New("injected system call did not complete")
)
