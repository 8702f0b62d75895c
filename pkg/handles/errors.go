package handles

import "errors"

var (
	ErrInvalidHandle = errors.New("invalid handle")
	ErrOpen          = errors.New("open underlying file")
	ErrClose         = errors.New("close underlying file")
)
