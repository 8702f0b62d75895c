// Package control is the local management socket of a running inject
// process. Each frame is a 4-byte big-endian length followed by a CBOR
// message; a connection carries any number of request/response pairs.
package control

import (
	"encoding/binary"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/jingkaihe/chaosfs/internal/errx"
	"github.com/jingkaihe/chaosfs/pkg/inject"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

type Op string

const (
	OpStatus  Op = "status"
	OpUpdate  Op = "update"
	OpUnmount Op = "unmount"
)

type Request struct {
	Op    Op         `cbor:"op"`
	Rules *rule.File `cbor:"rules,omitempty"`
}

type Response struct {
	Err    string  `cbor:"err,omitempty"`
	Status *Status `cbor:"status,omitempty"`
}

type Status struct {
	SessionID   string       `cbor:"session_id" json:"session_id"`
	PID         int          `cbor:"pid" json:"pid"`
	Path        string       `cbor:"path" json:"path"`
	Shadow      string       `cbor:"shadow" json:"shadow"`
	Phase       string       `cbor:"phase" json:"phase"`
	Rules       *rule.File   `cbor:"rules,omitempty" json:"rules,omitempty"`
	OpenHandles int          `cbor:"open_handles" json:"open_handles"`
	OpenFDs     int64        `cbor:"open_fds" json:"open_fds"`
	Violations  uint64       `cbor:"violations" json:"violations"`
	Stats       inject.Stats `cbor:"stats" json:"stats"`
}

// maxFrame bounds a single message; rule files are small.
const maxFrame = 16 << 20

func writeFrame(w io.Writer, v any) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return errx.Wrap(ErrEncode, err)
	}
	if len(body) > maxFrame {
		return errx.With(ErrFrameTooLarge, ": %d bytes", len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	_, err = w.Write(frame)
	return err
}

func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrame {
		return errx.With(ErrFrameTooLarge, ": %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return errx.Wrap(ErrDecode, err)
	}
	return nil
}
