package nsenter

import "errors"

var (
	ErrNamespace      = errors.New("namespace entry")
	ErrTargetNotFound = errors.New("target process not found")
	ErrPermission     = errors.New("permission denied")
	ErrTargetExited   = errors.New("target exited during attach")
	ErrSetns          = errors.New("setns")
	ErrVerify         = errors.New("verify namespace")
	ErrClosed         = errors.New("namespace context closed")
	ErrPanic          = errors.New("panic on namespace thread")
)
