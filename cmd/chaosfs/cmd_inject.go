package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gvisor.dev/gvisor/pkg/fd"

	"github.com/jingkaihe/chaosfs/internal/errx"
	"github.com/jingkaihe/chaosfs/pkg/control"
	"github.com/jingkaihe/chaosfs/pkg/faultfs"
	"github.com/jingkaihe/chaosfs/pkg/hijack"
	"github.com/jingkaihe/chaosfs/pkg/inject"
	"github.com/jingkaihe/chaosfs/pkg/nsenter"
	"github.com/jingkaihe/chaosfs/pkg/reopen"
	"github.com/jingkaihe/chaosfs/pkg/rule"
	"github.com/jingkaihe/chaosfs/pkg/session"
)

var injectCmd = &cobra.Command{
	Use:   "inject --pid PID --path DIR [--rules FILE]",
	Short: "Hijack a directory and inject faults until stopped",
	Long: `Hijack a directory inside the mount namespace of a running process and
serve it through the fault filesystem.

The original directory is moved aside to __chaosfs__<name>__ next to it and
restored on SIGINT, SIGTERM, SIGHUP, "chaosfs unmount", an external unmount
or exit of the target process.`,
	Example: `  chaosfs inject --pid 4242 --path /var/lib/app/data --rules faults.yaml
  chaosfs inject --pid 4242 --path /data --rules faults.json \
    --attr-timeout 0 --entry-timeout 0 --direct-io`,
	Args: cobra.NoArgs,
	RunE: runInject,
}

func init() {
	injectCmd.Flags().Int("pid", 0, "Target process (0 for the current namespace)")
	injectCmd.Flags().String("path", "", "Absolute directory to hijack inside the target namespace")
	injectCmd.Flags().String("rules", "", "Rule file (.json, .jsonc, .yaml)")
	injectCmd.Flags().Uint64("seed", 0, "Sampler seed; overrides the rule file (0 = from file or clock)")
	injectCmd.Flags().String("socket", "", "Control socket (default <state-dir>/chaosfs-<pid>.sock)")
	injectCmd.Flags().String("pid-file", "", "Write the chaosfs pid here once the hijack is in place")
	injectCmd.Flags().Bool("join-pid-ns", false, "Also join the target's pid namespace")
	injectCmd.Flags().Duration("attr-timeout", time.Second, "Kernel attribute cache timeout")
	injectCmd.Flags().Duration("entry-timeout", time.Second, "Kernel entry cache timeout")
	injectCmd.Flags().Bool("direct-io", false, "Bypass the page cache so every read and write is evaluated")
	injectCmd.Flags().Bool("skip-fuse-device", false, "Do not create /dev/fuse inside the target namespace")
	injectCmd.Flags().Bool("reopen", true, "Move files and working directories already held under the path onto the mount, and back on restore")
	injectCmd.Flags().Bool("fuse-debug", false, "Log every FUSE request")
	injectCmd.MarkFlagRequired("path")

	for _, name := range []string{
		"pid", "path", "rules", "seed", "socket", "pid-file", "join-pid-ns",
		"attr-timeout", "entry-timeout", "direct-io", "skip-fuse-device", "reopen", "fuse-debug",
	} {
		viper.BindPFlag("inject."+name, injectCmd.Flags().Lookup(name))
	}

	rootCmd.AddCommand(injectCmd)
}

func loadRules(path string, seed uint64) ([]rule.Rule, uint64, error) {
	if path == "" {
		return nil, seed, nil
	}
	f, err := rule.LoadFile(path)
	if err != nil {
		return nil, 0, err
	}
	rules, err := f.Compile()
	if err != nil {
		return nil, 0, err
	}
	if seed == 0 {
		seed = f.Seed
	}
	return rules, seed, nil
}

func defaultSocket(stateDir string) string {
	return filepath.Join(stateDir, "chaosfs-"+strconv.Itoa(os.Getpid())+".sock")
}

func runInject(cmd *cobra.Command, args []string) error {
	pid := viper.GetInt("inject.pid")
	path := viper.GetString("inject.path")
	stateDir := viper.GetString("state-dir")
	socket := viper.GetString("inject.socket")
	if socket == "" {
		socket = defaultSocket(stateDir)
	}
	attrTimeout := viper.GetDuration("inject.attr-timeout")
	entryTimeout := viper.GetDuration("inject.entry-timeout")

	log := logrus.WithFields(logrus.Fields{"pid": pid, "path": path})

	rules, seed, err := loadRules(viper.GetString("inject.rules"), viper.GetUint64("inject.seed"))
	if err != nil {
		return err
	}
	inj, err := inject.New(rules, inject.Options{Seed: seed, Logger: log})
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"rules": len(rules), "seed": inj.Seed()}).Info("rules loaded")

	ns, err := nsenter.Enter(nsenter.Options{
		PID:     pid,
		JoinPID: viper.GetBool("inject.join-pid-ns"),
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer ns.Close()

	store, err := session.Open(stateDir)
	if err != nil {
		return errx.Wrap(ErrOpenSessions, err)
	}
	defer store.Close()

	sess, err := store.Begin(session.Record{
		PID:          pid,
		MountNS:      ns.MntNS,
		OriginalPath: path,
		ShadowPath:   hijack.ShadowPath(path),
		Socket:       socket,
	}, log)
	if err != nil {
		return errx.Wrap(ErrOpenSessions, err)
	}
	log = log.WithField("session", sess.ID().String())

	ctl := newController(sess.ID().String(), pid, inj)
	mount := func(mountPoint string, shadow *fd.FD) (hijack.Server, error) {
		srv, err := faultfs.Mount(mountPoint, shadow, faultfs.Options{
			Injector:     inj,
			VirtualRoot:  path,
			AttrTimeout:  &attrTimeout,
			EntryTimeout: &entryTimeout,
			DirectIO:     viper.GetBool("inject.direct-io"),
			Debug:        viper.GetBool("inject.fuse-debug"),
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		ctl.setServer(srv)
		return srv, nil
	}

	var h *hijack.Hijacker
	h, err = hijack.New(ns, hijack.Options{
		Path:  path,
		Mount: mount,
		Observer: sess.Observer(func(r *session.Record) {
			if h != nil {
				r.MountPoint = h.MountPoint()
			}
		}),
		Logger:         log,
		SkipFuseDevice: viper.GetBool("inject.skip-fuse-device"),
	})
	if err != nil {
		return err
	}
	ctl.hijacker = h

	var runner hijackRunner = h
	if viper.GetBool("inject.reopen") {
		runner = &movingHijack{Hijacker: h, ns: ns, mntNS: ns.MntNS, log: log}
	}

	// Signals are caught from here on so that one arriving mid-hijack ends
	// in a restore rather than killing the process with the original moved.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	runErr := runHijacked(ctx, runner, func(ctx context.Context) error {
		return serveUntilStopped(ctx, ns, h, ctl, socket, log)
	}, log)

	restored := h.Phase() == hijack.PhaseUnmounted
	if srv := ctl.fuseServer(); restored && srv != nil {
		if err := srv.Close(); err != nil {
			log.WithError(err).Warn("close leftover handles")
		}
	}
	if pidFile := viper.GetString("inject.pid-file"); pidFile != "" {
		_ = os.Remove(pidFile)
	}
	if !restored || ctl.fuseServer() == nil {
		return runErr
	}
	log.Info("original directory restored")

	if v := ctl.fuseServer().Handles().Violations(); v > 0 {
		log.WithField("violations", v).Error("handle table invariant was violated during the run")
		return errors.Join(runErr, errx.With(ErrViolations, ": %d times", v), commandExit(exitInvariant))
	}
	return runErr
}

type hijackRunner interface {
	Hijack() error
	Restore() error
}

// runHijacked hijacks, serves until serve returns and then restores. The
// restore is deferred so that it also runs when serve panics. A signal that
// arrived during the hijack skips serving entirely.
func runHijacked(ctx context.Context, h hijackRunner, serve func(context.Context) error, log *logrus.Entry) (err error) {
	if err := h.Hijack(); err != nil {
		return err
	}
	defer func() {
		if rerr := h.Restore(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	if ctx.Err() != nil {
		log.Info("signal received during hijack, restoring")
		return nil
	}
	return serve(ctx)
}

// movingHijack also moves files and working directories that processes in
// the namespace already hold under the path: onto the mount after the
// hijack, and onto the shadow before the restore so the unmount is not busy.
type movingHijack struct {
	*hijack.Hijacker
	ns    *nsenter.Context
	mntNS string
	log   *logrus.Entry
}

func (m *movingHijack) Hijack() error {
	frozen := m.freeze()
	if frozen == nil {
		return m.Hijacker.Hijack()
	}
	defer m.thaw(frozen)
	if err := m.Hijacker.Hijack(); err != nil {
		return err
	}
	if err := frozen.Reopen(m.Path()); err != nil {
		m.log.WithError(err).Warn("some held files still point at the original directory")
	}
	return nil
}

func (m *movingHijack) Restore() error {
	if m.Phase() == hijack.PhaseUnmounted {
		return nil
	}
	if frozen := m.freeze(); frozen != nil {
		defer m.thaw(frozen)
		if err := frozen.Reopen(m.Shadow()); err != nil {
			m.log.WithError(err).Warn("some held files still point into the mount")
		}
	}
	return m.Hijacker.Restore()
}

func (m *movingHijack) freeze() *reopen.Frozen {
	frozen, err := reopen.Freeze(m.ns, m.Path(), reopen.Options{MntNS: m.mntNS, Logger: m.log})
	if err != nil {
		m.log.WithError(err).Warn("cannot move held files; only new opens see the change")
		return nil
	}
	return frozen
}

func (m *movingHijack) thaw(frozen *reopen.Frozen) {
	if err := frozen.Thaw(); err != nil {
		m.log.WithError(err).Error("resume stopped processes")
	}
}

// serveUntilStopped runs the control socket and blocks until something asks
// the injection to end.
func serveUntilStopped(ctx context.Context, ns *nsenter.Context, h *hijack.Hijacker, ctl *controller, socket string, log *logrus.Entry) error {
	if err := os.MkdirAll(filepath.Dir(socket), 0o700); err != nil {
		return errx.Wrap(ErrControlSocket, err)
	}
	srv, err := control.Listen(socket, ctl, log)
	if err != nil {
		return errx.Wrap(ErrControlSocket, err)
	}
	defer srv.Close()
	go func() {
		if err := srv.Serve(); err != nil {
			log.WithError(err).Error("control socket stopped")
		}
	}()

	if pidFile := viper.GetString("inject.pid-file"); pidFile != "" {
		if err := atomic.WriteFile(pidFile, strings.NewReader(strconv.Itoa(os.Getpid())+"\n")); err != nil {
			return errx.Wrap(ErrPIDFile, err)
		}
	}

	served := make(chan struct{})
	go func() {
		ctl.fuseServer().Wait()
		close(served)
	}()

	log.WithFields(logrus.Fields{
		"shadow": h.Shadow(),
		"socket": socket,
	}).Info("injecting faults")
	fmt.Fprintf(os.Stderr, "Injecting faults into %s (control socket %s)\n", h.Path(), socket)

	select {
	case <-ctx.Done():
		log.Info("signal received, restoring")
	case <-ctl.unmount:
		log.Info("unmount requested over control socket, restoring")
	case <-ns.TargetExited():
		log.Warn("target process exited, restoring")
	case <-served:
		log.Warn("fault filesystem was unmounted externally, restoring")
	}
	return nil
}
