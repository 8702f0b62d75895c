package hijack

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

// MountInfo is one line of /proc/<pid>/mountinfo.
type MountInfo struct {
	ID         int
	Parent     int
	MountPoint string
	Options    string
	FSType     string
	Source     string
}

// ParseMountinfo parses the proc(5) mountinfo format.
func ParseMountinfo(data []byte) ([]MountInfo, error) {
	var out []MountInfo
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		sep := -1
		for i := 6; i < len(fields); i++ {
			if fields[i] == "-" {
				sep = i
				break
			}
		}
		if len(fields) < 7 || sep < 0 || sep+2 >= len(fields) {
			return nil, errx.With(ErrParseMountinfo, ": %q", line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errx.With(ErrParseMountinfo, ": id %q: %w", fields[0], err)
		}
		parent, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errx.With(ErrParseMountinfo, ": parent %q: %w", fields[1], err)
		}
		out = append(out, MountInfo{
			ID:         id,
			Parent:     parent,
			MountPoint: unescapeOctal(fields[4]),
			Options:    fields[5],
			FSType:     fields[sep+1],
			Source:     unescapeOctal(fields[sep+2]),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, errx.Wrap(ErrParseMountinfo, err)
	}
	return out, nil
}

// Lookup returns the topmost mount at path, if path is a mount point.
func Lookup(mounts []MountInfo, path string) (MountInfo, bool) {
	for i := len(mounts) - 1; i >= 0; i-- {
		if mounts[i].MountPoint == path {
			return mounts[i], true
		}
	}
	return MountInfo{}, false
}

// unescapeOctal decodes the \ooo escapes the kernel uses for space, tab,
// newline and backslash in mount paths.
func unescapeOctal(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
