// Package reopen makes running processes swap the files and working
// directories they already hold beneath a directory for the same paths
// beneath another root.
//
// A hijack only changes what a path resolves to. Descriptors opened before
// it, and working directories, keep pointing at the original inodes. Freeze
// stops every process in the target mount namespace that holds something
// beneath the directory; Reopen then runs open, lseek, dup3 and close (or
// chdir) inside each stopped process so that the descriptor numbers stay the
// same but refer to the new location.
//
// All calls must come from the thread that owns the namespace, so everything
// runs through Namespace.Do.
package reopen

import (
	"errors"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

// Namespace runs closures on the namespace thread and exposes the host
// procfs.
type Namespace interface {
	Do(fn func() error) error
	ProcReadlink(name string) (string, error)
	ProcDirNames(name string) ([]string, error)
}

type Options struct {
	// MntNS selects processes by mount namespace ("mnt:[ino]").
	MntNS  string
	Logger *logrus.Entry
}

// OpenFile is a descriptor held beneath the directory. Rel is relative to it.
type OpenFile struct {
	FD  int
	Rel string
}

type process struct {
	pid     int
	threads []*thread
	cwd     string
	hasCwd  bool
	files   []OpenFile
}

// Frozen is a set of stopped processes. Call Thaw exactly once.
type Frozen struct {
	ns    Namespace
	dir   string
	procs []*process
	log   *logrus.Entry
}

// Freeze stops every process in opts.MntNS, other than this one, that holds
// a descriptor or its working directory beneath dir, and records what it
// holds. Processes that cannot be traced are logged and left running.
func Freeze(ns Namespace, dir string, opts Options) (*Frozen, error) {
	if !archSupported {
		return nil, ErrUnsupportedArch
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	f := &Frozen{ns: ns, dir: path.Clean(dir), log: log.WithField("dir", dir)}

	err := ns.Do(func() error {
		pids, err := f.candidates(opts.MntNS)
		if err != nil {
			return err
		}
		for _, pid := range pids {
			p, err := f.freeze(pid)
			if err != nil {
				f.log.WithError(err).WithField("target", pid).Warn("cannot stop process; its open files keep the original")
				continue
			}
			if p != nil {
				f.procs = append(f.procs, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Processes returns the pids that are stopped.
func (f *Frozen) Processes() []int {
	out := make([]int, 0, len(f.procs))
	for _, p := range f.procs {
		out = append(out, p.pid)
	}
	return out
}

// Files returns what a stopped process holds beneath the directory.
func (f *Frozen) Files(pid int) []OpenFile {
	for _, p := range f.procs {
		if p.pid == pid {
			return slices.Clone(p.files)
		}
	}
	return nil
}

// candidates lists processes in the namespace that hold anything beneath the
// directory. The list is rechecked once each process is stopped.
func (f *Frozen) candidates(mntNS string) ([]int, error) {
	names, err := f.ns.ProcDirNames(".")
	if err != nil {
		return nil, errx.With(ErrScan, ": list processes: %w", err)
	}
	self := os.Getpid()
	var pids []int
	for _, name := range names {
		pid, err := strconv.Atoi(name)
		if err != nil || pid == self {
			continue
		}
		ns, err := f.ns.ProcReadlink(name + "/ns/mnt")
		if err != nil || (mntNS != "" && ns != mntNS) {
			continue
		}
		if _, ok := f.cwd(pid); ok {
			pids = append(pids, pid)
			continue
		}
		if files, _ := f.files(pid); len(files) > 0 {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (f *Frozen) cwd(pid int) (string, bool) {
	target, err := f.ns.ProcReadlink(strconv.Itoa(pid) + "/cwd")
	if err != nil {
		return "", false
	}
	return Beneath(f.dir, target)
}

func (f *Frozen) files(pid int) ([]OpenFile, error) {
	base := strconv.Itoa(pid) + "/fd"
	names, err := f.ns.ProcDirNames(base)
	if err != nil {
		return nil, err
	}
	var out []OpenFile
	for _, name := range names {
		fd, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		target, err := f.ns.ProcReadlink(base + "/" + name)
		if err != nil {
			continue
		}
		if rel, ok := Beneath(f.dir, target); ok {
			out = append(out, OpenFile{FD: fd, Rel: rel})
		}
	}
	slices.SortFunc(out, func(a, b OpenFile) int { return a.FD - b.FD })
	return out, nil
}

// freeze stops every thread of pid and records what it holds. A process
// that turns out to hold nothing is let go and nil is returned.
func (f *Frozen) freeze(pid int) (*process, error) {
	p := &process{pid: pid}
	seen := map[int]bool{}
	// Threads can be created while the first ones are being stopped.
	for range 8 {
		tids, err := f.ns.ProcDirNames(strconv.Itoa(pid) + "/task")
		if err != nil {
			p.thaw(f.log)
			return nil, errx.With(ErrTrace, ": pid %d: list threads: %w", pid, err)
		}
		added := false
		for _, name := range tids {
			tid, err := strconv.Atoi(name)
			if err != nil || seen[tid] {
				continue
			}
			seen[tid] = true
			t, err := attach(tid)
			if errors.Is(err, unix.ESRCH) {
				continue
			}
			if err != nil {
				p.thaw(f.log)
				return nil, errx.With(ErrTrace, ": pid %d tid %d: %w", pid, tid, err)
			}
			p.threads = append(p.threads, t)
			added = true
		}
		if !added {
			break
		}
	}
	if len(p.threads) == 0 {
		return nil, errx.With(ErrTrace, ": pid %d: %w", pid, unix.ESRCH)
	}

	p.cwd, p.hasCwd = f.cwd(pid)
	files, err := f.files(pid)
	if err != nil {
		p.thaw(f.log)
		return nil, errx.With(ErrTrace, ": pid %d: list files: %w", pid, err)
	}
	p.files = files
	if !p.hasCwd && len(p.files) == 0 {
		p.thaw(f.log)
		return nil, nil
	}
	f.log.WithFields(logrus.Fields{
		"target":  pid,
		"threads": len(p.threads),
		"files":   len(p.files),
		"cwd":     p.hasCwd,
	}).Debug("process stopped")
	return p, nil
}

// Reopen points every recorded descriptor and working directory at the same
// relative path beneath root. A failure for one file is logged and the rest
// carry on; all failures are returned joined.
func (f *Frozen) Reopen(root string) error {
	root = path.Clean(root)
	var errs []error
	err := f.ns.Do(func() error {
		for _, p := range f.procs {
			if err := p.reopen(root, f.log.WithField("target", p.pid)); err != nil {
				errs = append(errs, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Thaw resumes every stopped process.
func (f *Frozen) Thaw() error {
	return f.ns.Do(func() error {
		for _, p := range f.procs {
			p.thaw(f.log)
		}
		f.procs = nil
		return nil
	})
}

func (p *process) thaw(log *logrus.Entry) {
	for _, t := range p.threads {
		if err := t.detach(); err != nil && !errors.Is(err, unix.ESRCH) {
			log.WithError(err).WithField("tid", t.tid).Warn("detach thread")
		}
	}
	p.threads = nil
}

func (p *process) reopen(root string, log *logrus.Entry) error {
	var r *remote
	var err error
	for _, t := range p.threads {
		if r, err = newRemote(t); err == nil {
			break
		}
	}
	if r == nil {
		return errx.With(ErrReopen, ": pid %d: %w", p.pid, err)
	}
	defer func() {
		if err := r.close(); err != nil {
			log.WithError(err).Error("restore registers of stopped thread")
		}
	}()

	var errs []error
	if p.hasCwd {
		target := path.Join(root, p.cwd)
		if err := r.chdir(target); err != nil {
			errs = append(errs, errx.With(ErrReopen, ": pid %d: chdir %s: %w", p.pid, target, err))
		} else {
			log.WithField("cwd", target).Info("working directory moved")
		}
	}
	for _, of := range p.files {
		target := path.Join(root, of.Rel)
		if err := r.reopen(of.FD, target); err != nil {
			errs = append(errs, errx.With(ErrReopen, ": pid %d fd %d: %s: %w", p.pid, of.FD, target, err))
			continue
		}
		log.WithFields(logrus.Fields{"fd": of.FD, "file": target}).Debug("descriptor reopened")
	}
	for _, err := range errs {
		log.WithError(err).Warn("could not move held file")
	}
	return errors.Join(errs...)
}

// Beneath reports whether target, a link read from procfs, lies at or
// beneath dir, and returns it relative to dir. Deleted files and anything
// that is not a path, such as sockets and pipes, are never beneath dir.
func Beneath(dir, target string) (string, bool) {
	if !strings.HasPrefix(target, "/") || strings.HasSuffix(target, " (deleted)") {
		return "", false
	}
	dir = path.Clean(dir)
	target = path.Clean(target)
	if target == dir {
		return ".", true
	}
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	rel, ok := strings.CutPrefix(target, prefix)
	if !ok {
		return "", false
	}
	return rel, true
}
