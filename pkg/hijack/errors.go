package hijack

import "errors"

var (
	ErrInvalidPath    = errors.New("invalid hijack path")
	ErrNotDirectory   = errors.New("hijack target is not a directory")
	ErrShadowExists   = errors.New("shadow directory already exists")
	ErrFuseDevice     = errors.New("prepare /dev/fuse")
	ErrHijack         = errors.New("hijack mount")
	ErrRollbackFailed = errors.New("rollback failed, manual intervention required")
	ErrRestore        = errors.New("restore original mount")
	ErrInvalidPhase   = errors.New("invalid hijack phase transition")
	ErrParseMountinfo = errors.New("parse mountinfo")
)
