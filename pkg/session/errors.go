package session

import "errors"

var (
	ErrOpenStore   = errors.New("open session store")
	ErrReadRecord  = errors.New("read session record")
	ErrWriteRecord = errors.New("write session record")
	ErrNotFound    = errors.New("session not found")
	ErrInvalidID   = errors.New("invalid session id")
)
