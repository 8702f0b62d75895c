package rule

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tailscale/hujson"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

// File is the on-disk document describing an injector configuration. The
// json tags are also used for YAML and for CBOR on the control socket.
type File struct {
	Seed  uint64     `json:"seed,omitempty" yaml:"seed,omitempty"`
	Rules []RuleSpec `json:"rules" yaml:"rules"`
}

// RuleSpec is the textual form of a Rule.
type RuleSpec struct {
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Path    string   `json:"path,omitempty" yaml:"path,omitempty"`
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	// Probability defaults to 1 when omitted.
	Probability *float64  `json:"probability,omitempty" yaml:"probability,omitempty"`
	Fault       FaultSpec `json:"fault" yaml:"fault"`
}

type FaultSpec struct {
	Kind    string          `json:"kind" yaml:"kind"`
	Delay   string          `json:"delay,omitempty" yaml:"delay,omitempty"`
	Errno   string          `json:"errno,omitempty" yaml:"errno,omitempty"`
	Errnos  []ErrnoSpec     `json:"errnos,omitempty" yaml:"errnos,omitempty"`
	Corrupt *CorruptionSpec `json:"corrupt,omitempty" yaml:"corrupt,omitempty"`
	Attr    *AttrSpec       `json:"attr,omitempty" yaml:"attr,omitempty"`
}

type ErrnoSpec struct {
	Errno  string `json:"errno" yaml:"errno"`
	Weight uint32 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

type CorruptionSpec struct {
	Filling        string `json:"filling,omitempty" yaml:"filling,omitempty"`
	Pattern        string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MaxLength      int    `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	MaxOccurrences int    `json:"max_occurrences,omitempty" yaml:"max_occurrences,omitempty"`
	TruncateTo     *int   `json:"truncate_to,omitempty" yaml:"truncate_to,omitempty"`
}

// AttrSpec carries optional attribute overrides. Times are RFC 3339 and
// perm accepts any base prefix understood by strconv ("0o644", "0644", "420").
type AttrSpec struct {
	Ino    *uint64 `json:"ino,omitempty" yaml:"ino,omitempty"`
	Size   *uint64 `json:"size,omitempty" yaml:"size,omitempty"`
	Blocks *uint64 `json:"blocks,omitempty" yaml:"blocks,omitempty"`
	Atime  string  `json:"atime,omitempty" yaml:"atime,omitempty"`
	Mtime  string  `json:"mtime,omitempty" yaml:"mtime,omitempty"`
	Ctime  string  `json:"ctime,omitempty" yaml:"ctime,omitempty"`
	Kind   string  `json:"kind,omitempty" yaml:"kind,omitempty"`
	Perm   string  `json:"perm,omitempty" yaml:"perm,omitempty"`
	Nlink  *uint32 `json:"nlink,omitempty" yaml:"nlink,omitempty"`
	UID    *uint32 `json:"uid,omitempty" yaml:"uid,omitempty"`
	GID    *uint32 `json:"gid,omitempty" yaml:"gid,omitempty"`
	Rdev   *uint32 `json:"rdev,omitempty" yaml:"rdev,omitempty"`
}

// LoadFile reads and decodes a rule file. YAML is selected by a .yaml or
// .yml extension; anything else is parsed as JSON with comments.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.Wrap(ErrReadRuleFile, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(data)
	default:
		return DecodeJSON(data)
	}
}

// DecodeJSON parses JSON or JSONC (comments, trailing commas).
func DecodeJSON(data []byte) (*File, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, errx.With(ErrDecodeRuleFile, ": invalid JSONC: %w", err)
	}
	var f File
	if err := json.Unmarshal(standardized, &f); err != nil {
		return nil, errx.With(ErrDecodeRuleFile, ": invalid JSON: %w", err)
	}
	return &f, nil
}

// DecodeYAML parses a YAML rule document.
func DecodeYAML(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errx.With(ErrDecodeRuleFile, ": invalid YAML: %w", err)
	}
	return &f, nil
}

// Compile converts the document into validated rules.
func (f *File) Compile() ([]Rule, error) {
	rules := make([]Rule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		r, err := spec.toRule()
		if err != nil {
			return nil, errx.With(ErrInvalidRuleSet, ": rule %d: %w", i, err)
		}
		if err := r.Validate(); err != nil {
			return nil, errx.With(ErrInvalidRuleSet, ": rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (s RuleSpec) toRule() (Rule, error) {
	r := Rule{
		Name:        s.Name,
		Path:        s.Path,
		Probability: 1,
		Fault:       Fault{Kind: FaultKind(strings.ToLower(s.Fault.Kind))},
	}
	if s.Probability != nil {
		r.Probability = *s.Probability
	}
	for _, m := range s.Methods {
		op, err := ParseOp(m)
		if err != nil {
			return Rule{}, err
		}
		r.Methods = append(r.Methods, op)
	}

	fs := s.Fault
	switch r.Fault.Kind {
	case FaultDelay:
		d, err := time.ParseDuration(fs.Delay)
		if err != nil {
			return Rule{}, errx.With(ErrInvalidRule, ": delay %q: %w", fs.Delay, err)
		}
		r.Fault.Delay = d
	case FaultError:
		if fs.Errno != "" {
			e, err := ParseErrno(fs.Errno)
			if err != nil {
				return Rule{}, err
			}
			r.Fault.Errnos = append(r.Fault.Errnos, WeightedErrno{Errno: e, Weight: 1})
		}
		for _, es := range fs.Errnos {
			e, err := ParseErrno(es.Errno)
			if err != nil {
				return Rule{}, err
			}
			w := es.Weight
			if w == 0 {
				w = 1
			}
			r.Fault.Errnos = append(r.Fault.Errnos, WeightedErrno{Errno: e, Weight: w})
		}
	case FaultCorrupt:
		c := Corruption{Filling: FillRandom}
		if cs := fs.Corrupt; cs != nil {
			if cs.Filling != "" {
				c.Filling = Filling(strings.ToLower(cs.Filling))
			}
			if cs.Pattern != "" {
				c.Pattern = []byte(cs.Pattern)
			}
			c.MaxLength = cs.MaxLength
			c.MaxOccurrences = cs.MaxOccurrences
			c.TruncateTo = cs.TruncateTo
		}
		r.Fault.Corrupt = &c
	case FaultAttr:
		if fs.Attr == nil {
			return Rule{}, errx.With(ErrInvalidRule, ": attr fault without attr block")
		}
		a, err := fs.Attr.toOverride()
		if err != nil {
			return Rule{}, err
		}
		r.Fault.Attr = a
	}
	return r, nil
}

func (s *AttrSpec) toOverride() (*AttrOverride, error) {
	a := &AttrOverride{
		Ino:    s.Ino,
		Size:   s.Size,
		Blocks: s.Blocks,
		Nlink:  s.Nlink,
		UID:    s.UID,
		GID:    s.GID,
		Rdev:   s.Rdev,
	}
	for _, t := range []struct {
		text string
		dst  **time.Time
	}{{s.Atime, &a.Atime}, {s.Mtime, &a.Mtime}, {s.Ctime, &a.Ctime}} {
		if t.text == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, t.text)
		if err != nil {
			return nil, errx.With(ErrInvalidRule, ": attr time %q: %w", t.text, err)
		}
		*t.dst = &parsed
	}
	if s.Kind != "" {
		k := FileKind(strings.ToLower(s.Kind))
		a.Kind = &k
	}
	if s.Perm != "" {
		v, err := strconv.ParseUint(s.Perm, 0, 16)
		if err != nil || v > 0o7777 {
			return nil, errx.With(ErrInvalidRule, ": attr perm %q", s.Perm)
		}
		p := uint16(v)
		a.Perm = &p
	}
	return a, nil
}

// ParseErrno accepts a symbolic name such as "EIO" or a decimal number.
func ParseErrno(s string) (syscall.Errno, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 16); err == nil && n > 0 {
		return syscall.Errno(n), nil
	}
	name := strings.ToUpper(s)
	for e := syscall.Errno(1); e < maxErrno; e++ {
		if unix.ErrnoName(e) == name {
			return e, nil
		}
	}
	return 0, errx.With(ErrUnknownErrno, ": %q", s)
}

const maxErrno = 256

// FileFromRules renders rules back into their textual form.
func FileFromRules(seed uint64, rules []Rule) *File {
	f := &File{Seed: seed, Rules: make([]RuleSpec, 0, len(rules))}
	for _, r := range rules {
		p := r.Probability
		spec := RuleSpec{Name: r.Name, Path: r.Path, Probability: &p}
		for _, op := range r.Methods {
			spec.Methods = append(spec.Methods, string(op))
		}
		spec.Fault.Kind = string(r.Fault.Kind)
		switch r.Fault.Kind {
		case FaultDelay:
			spec.Fault.Delay = r.Fault.Delay.String()
		case FaultError:
			for _, e := range r.Fault.Errnos {
				spec.Fault.Errnos = append(spec.Fault.Errnos, ErrnoSpec{Errno: unix.ErrnoName(e.Errno), Weight: e.Weight})
			}
		case FaultCorrupt:
			c := r.Fault.Corrupt
			spec.Fault.Corrupt = &CorruptionSpec{
				Filling:        string(c.Filling),
				Pattern:        string(c.Pattern),
				MaxLength:      c.MaxLength,
				MaxOccurrences: c.MaxOccurrences,
				TruncateTo:     c.TruncateTo,
			}
		case FaultAttr:
			spec.Fault.Attr = attrSpecFrom(r.Fault.Attr)
		}
		f.Rules = append(f.Rules, spec)
	}
	return f
}

func attrSpecFrom(a *AttrOverride) *AttrSpec {
	s := &AttrSpec{
		Ino:    a.Ino,
		Size:   a.Size,
		Blocks: a.Blocks,
		Nlink:  a.Nlink,
		UID:    a.UID,
		GID:    a.GID,
		Rdev:   a.Rdev,
	}
	if a.Atime != nil {
		s.Atime = a.Atime.Format(time.RFC3339Nano)
	}
	if a.Mtime != nil {
		s.Mtime = a.Mtime.Format(time.RFC3339Nano)
	}
	if a.Ctime != nil {
		s.Ctime = a.Ctime.Format(time.RFC3339Nano)
	}
	if a.Kind != nil {
		s.Kind = string(*a.Kind)
	}
	if a.Perm != nil {
		s.Perm = "0o" + strconv.FormatUint(uint64(*a.Perm), 8)
	}
	return s
}
