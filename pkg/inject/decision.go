package inject

import (
	"math/rand/v2"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jingkaihe/chaosfs/pkg/rule"
)

// Decision is the verdict for one call. The zero value passes everything
// through.
type Decision struct {
	Rule *rule.Rule
	Fire bool

	errno   syscall.Errno
	entropy uint64
}

// Errno returns the injected error, or 0.
func (d Decision) Errno() syscall.Errno {
	if !d.Fire {
		return 0
	}
	return d.errno
}

func (d Decision) firing(kind rule.FaultKind) bool {
	return d.Fire && d.Rule != nil && d.Rule.Fault.Kind == kind
}

// Corrupt damages buf in place when the decision carries a corruption fault
// and returns the (possibly shortened) result.
func (d Decision) Corrupt(buf []byte) []byte {
	if !d.firing(rule.FaultCorrupt) {
		return buf
	}
	return corrupt(d.Rule.Fault.Corrupt, buf, d.entropy)
}

// CorruptCopy is Corrupt for buffers owned by someone else, such as the
// payload of a write.
func (d Decision) CorruptCopy(data []byte) []byte {
	if !d.firing(rule.FaultCorrupt) {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	return corrupt(d.Rule.Fault.Corrupt, out, d.entropy)
}

// OverrideAttr replaces the fields named by an attribute override and leaves
// the rest untouched.
func (d Decision) OverrideAttr(a *fuse.Attr) {
	if !d.firing(rule.FaultAttr) {
		return
	}
	o := d.Rule.Fault.Attr
	if o.Ino != nil {
		a.Ino = *o.Ino
	}
	if o.Size != nil {
		a.Size = *o.Size
	}
	if o.Blocks != nil {
		a.Blocks = *o.Blocks
	}
	a.SetTimes(o.Atime, o.Mtime, o.Ctime)
	if o.Kind != nil {
		if kind, ok := o.Kind.Mode(); ok {
			a.Mode = a.Mode&^syscall.S_IFMT | kind
		}
	}
	if o.Perm != nil {
		a.Mode = a.Mode&syscall.S_IFMT | uint32(*o.Perm)
	}
	if o.Nlink != nil {
		a.Nlink = *o.Nlink
	}
	if o.UID != nil {
		a.Uid = *o.UID
	}
	if o.GID != nil {
		a.Gid = *o.GID
	}
	if o.Rdev != nil {
		a.Rdev = *o.Rdev
	}
}

func corrupt(c *rule.Corruption, buf []byte, entropy uint64) []byte {
	if c.TruncateTo != nil && *c.TruncateTo < len(buf) {
		buf = buf[:*c.TruncateTo]
	}
	if len(buf) == 0 {
		return buf
	}
	rng := rand.New(rand.NewPCG(entropy, ^entropy))

	if c.MaxLength == 0 {
		fill(c, rng, buf)
		return buf
	}
	occurrences := max(c.MaxOccurrences, 1)
	for range occurrences {
		pos := rng.IntN(len(buf))
		n := 1 + rng.IntN(min(c.MaxLength, len(buf)-pos))
		fill(c, rng, buf[pos:pos+n])
	}
	return buf
}

func fill(c *rule.Corruption, rng *rand.Rand, b []byte) {
	switch c.Filling {
	case rule.FillZero:
		clear(b)
	case rule.FillPattern:
		for i := range b {
			b[i] = c.Pattern[i%len(c.Pattern)]
		}
	default:
		for i := range b {
			b[i] = byte(rng.UintN(256))
		}
	}
}
