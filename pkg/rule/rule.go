// Package rule holds the injection rule model: which operations on which
// paths are faulted, how often, and with what fault.
package rule

import (
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

// Op names a filesystem operation as seen by the passthrough engine.
type Op string

const (
	OpLookup   Op = "lookup"
	OpGetattr  Op = "getattr"
	OpSetattr  Op = "setattr"
	OpOpen     Op = "open"
	OpCreate   Op = "create"
	OpRead     Op = "read"
	OpWrite    Op = "write"
	OpFlush    Op = "flush"
	OpFsync    Op = "fsync"
	OpRelease  Op = "release"
	OpMkdir    Op = "mkdir"
	OpRmdir    Op = "rmdir"
	OpUnlink   Op = "unlink"
	OpRename   Op = "rename"
	OpOpendir  Op = "opendir"
	OpReaddir  Op = "readdir"
	OpStatfs   Op = "statfs"
	OpReadlink Op = "readlink"
	OpSymlink  Op = "symlink"
	OpLink     Op = "link"
)

// AllOps lists every operation a rule can name.
var AllOps = []Op{
	OpLookup, OpGetattr, OpSetattr, OpOpen, OpCreate, OpRead, OpWrite,
	OpFlush, OpFsync, OpRelease, OpMkdir, OpRmdir, OpUnlink, OpRename,
	OpOpendir, OpReaddir, OpStatfs, OpReadlink, OpSymlink, OpLink,
}

// ParseOp validates an operation name.
func ParseOp(s string) (Op, error) {
	op := Op(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(AllOps, op) {
		return op, nil
	}
	return "", errx.With(ErrUnknownOp, ": %q", s)
}

// FaultKind tags the variant held by a Fault.
type FaultKind string

const (
	FaultDelay   FaultKind = "delay"
	FaultError   FaultKind = "error"
	FaultCorrupt FaultKind = "corrupt"
	FaultAttr    FaultKind = "attr"
)

// DefaultOps returns the operations a fault of this kind applies to when a
// rule leaves its method set empty.
func (k FaultKind) DefaultOps() []Op {
	switch k {
	case FaultCorrupt:
		return []Op{OpRead, OpWrite}
	case FaultAttr:
		return []Op{OpLookup, OpGetattr, OpSetattr}
	default:
		return AllOps
	}
}

// Applies reports whether a fault of this kind has any effect on op.
func (k FaultKind) Applies(op Op) bool {
	switch k {
	case FaultDelay, FaultError:
		return true
	case FaultCorrupt:
		return op == OpRead || op == OpWrite
	case FaultAttr:
		switch op {
		case OpLookup, OpGetattr, OpSetattr, OpCreate, OpMkdir, OpSymlink, OpLink:
			return true
		}
	}
	return false
}

// WeightedErrno is one candidate error of an error fault.
type WeightedErrno struct {
	Errno  syscall.Errno
	Weight uint32
}

// Filling selects how corrupted bytes are produced.
type Filling string

const (
	FillZero    Filling = "zero"
	FillRandom  Filling = "random"
	FillPattern Filling = "pattern"
)

// Corruption describes how a data buffer is damaged.
type Corruption struct {
	Filling Filling
	// Pattern is repeated over each damaged run when Filling is FillPattern.
	Pattern []byte
	// MaxLength caps each damaged run. Zero means the whole buffer.
	MaxLength int
	// MaxOccurrences caps the number of damaged runs. Zero means one.
	MaxOccurrences int
	// TruncateTo, when set, shortens the buffer to at most this many bytes.
	TruncateTo *int
}

// FileKind is the file type reported by an attribute override.
type FileKind string

const (
	KindFile    FileKind = "file"
	KindDir     FileKind = "dir"
	KindSymlink FileKind = "symlink"
	KindFIFO    FileKind = "fifo"
	KindSocket  FileKind = "socket"
	KindChar    FileKind = "char"
	KindBlock   FileKind = "block"
)

// Mode returns the S_IFMT bits for the kind.
func (k FileKind) Mode() (uint32, bool) {
	switch k {
	case KindFile:
		return syscall.S_IFREG, true
	case KindDir:
		return syscall.S_IFDIR, true
	case KindSymlink:
		return syscall.S_IFLNK, true
	case KindFIFO:
		return syscall.S_IFIFO, true
	case KindSocket:
		return syscall.S_IFSOCK, true
	case KindChar:
		return syscall.S_IFCHR, true
	case KindBlock:
		return syscall.S_IFBLK, true
	}
	return 0, false
}

// AttrOverride replaces the set fields of a genuine attribute result.
type AttrOverride struct {
	Ino    *uint64
	Size   *uint64
	Blocks *uint64
	Atime  *time.Time
	Mtime  *time.Time
	Ctime  *time.Time
	Kind   *FileKind
	Perm   *uint16
	Nlink  *uint32
	UID    *uint32
	GID    *uint32
	Rdev   *uint32
}

// Fault is a closed variant: Kind selects which payload field is used.
type Fault struct {
	Kind    FaultKind
	Delay   time.Duration
	Errnos  []WeightedErrno
	Corrupt *Corruption
	Attr    *AttrOverride
}

// Rule injects Fault into calls of Methods on paths matching Path, with the
// given probability.
type Rule struct {
	Name string
	// Path is a filepath.Match pattern against the absolute virtual path. A
	// trailing "/**" also matches everything below the prefix. Empty matches
	// every path.
	Path        string
	Methods     []Op
	Probability float64
	Fault       Fault
}

// Label returns the rule name, or its path pattern when unnamed.
func (r *Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Path
}

// Validate checks that the rule is well formed.
func (r *Rule) Validate() error {
	if r.Probability < 0 || r.Probability > 1 || r.Probability != r.Probability {
		return errx.With(ErrInvalidRule, ": %s: probability %v outside [0, 1]", r.Label(), r.Probability)
	}
	if r.Path != "" {
		if _, err := filepath.Match(strings.TrimSuffix(r.Path, "/**"), ""); err != nil {
			return errx.With(ErrInvalidRule, ": %s: path pattern %q: %w", r.Label(), r.Path, err)
		}
	}
	for _, op := range r.Methods {
		if !slices.Contains(AllOps, op) {
			return errx.With(ErrInvalidRule, ": %s: %w", r.Label(), errx.With(ErrUnknownOp, ": %q", op))
		}
	}

	f := r.Fault
	switch f.Kind {
	case FaultDelay:
		if f.Delay <= 0 {
			return errx.With(ErrInvalidRule, ": %s: delay must be positive", r.Label())
		}
	case FaultError:
		if len(f.Errnos) == 0 {
			return errx.With(ErrInvalidRule, ": %s: error fault needs at least one errno", r.Label())
		}
		var total uint64
		for _, e := range f.Errnos {
			if e.Errno == 0 {
				return errx.With(ErrInvalidRule, ": %s: errno 0 is not an error", r.Label())
			}
			total += uint64(e.Weight)
		}
		if total == 0 {
			return errx.With(ErrInvalidRule, ": %s: errno weights sum to zero", r.Label())
		}
	case FaultCorrupt:
		c := f.Corrupt
		if c == nil {
			return errx.With(ErrInvalidRule, ": %s: corrupt fault without corruption", r.Label())
		}
		switch c.Filling {
		case FillZero, FillRandom:
		case FillPattern:
			if len(c.Pattern) == 0 {
				return errx.With(ErrInvalidRule, ": %s: pattern filling needs a pattern", r.Label())
			}
		default:
			return errx.With(ErrInvalidRule, ": %s: unknown filling %q", r.Label(), c.Filling)
		}
		if c.MaxLength < 0 || c.MaxOccurrences < 0 || (c.TruncateTo != nil && *c.TruncateTo < 0) {
			return errx.With(ErrInvalidRule, ": %s: negative corruption bound", r.Label())
		}
	case FaultAttr:
		if f.Attr == nil {
			return errx.With(ErrInvalidRule, ": %s: attr fault without overrides", r.Label())
		}
		if f.Attr.Kind != nil {
			if _, ok := f.Attr.Kind.Mode(); !ok {
				return errx.With(ErrInvalidRule, ": %s: unknown file kind %q", r.Label(), *f.Attr.Kind)
			}
		}
	default:
		return errx.With(ErrInvalidRule, ": %s: unknown fault kind %q", r.Label(), f.Kind)
	}
	return nil
}

// EffectiveOps returns the operations the rule is evaluated for.
func (r *Rule) EffectiveOps() []Op {
	if len(r.Methods) == 0 {
		return r.Fault.Kind.DefaultOps()
	}
	return r.Methods
}

// MatchPath reports whether the rule's path pattern matches p.
func (r *Rule) MatchPath(p string) bool {
	return matchPath(r.Path, p)
}

func matchPath(pattern, p string) bool {
	if pattern == "" {
		return true
	}
	prefix, subtree := strings.CutSuffix(pattern, "/**")
	if !subtree {
		ok, _ := filepath.Match(pattern, p)
		return ok
	}
	if prefix == "" {
		return true
	}
	for dir := filepath.Clean(p); ; dir = filepath.Dir(dir) {
		if ok, _ := filepath.Match(prefix, dir); ok {
			return true
		}
		if dir == "/" || dir == "." {
			return false
		}
	}
}
