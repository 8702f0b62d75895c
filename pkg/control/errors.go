package control

import "errors"

var (
	ErrListen        = errors.New("listen on control socket")
	ErrDial          = errors.New("dial control socket")
	ErrFrameTooLarge = errors.New("control frame too large")
	ErrEncode        = errors.New("encode control message")
	ErrDecode        = errors.New("decode control message")
	ErrUnknownOp     = errors.New("unknown control op")
	ErrRemote        = errors.New("control request failed")
)
