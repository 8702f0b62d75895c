package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/chaosfs/internal/errx"
	"github.com/jingkaihe/chaosfs/pkg/hijack"
	"github.com/jingkaihe/chaosfs/pkg/nsenter"
	"github.com/jingkaihe/chaosfs/pkg/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [id]",
	Short: "List hijack sessions, or show the history of one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessions,
}

var recoverCmd = &cobra.Command{
	Use:   "recover <session-id>",
	Short: "Restore the original directory of a crashed session",
	Long: `Restore the original directory of a session whose inject process died
without cleaning up. A leftover FUSE mount is lazily detached, the
placeholder is removed and the shadow directory is moved back.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecover,
}

func init() {
	sessionsCmd.Flags().Bool("json", false, "Print records as JSON")
	viper.BindPFlag("sessions.json", sessionsCmd.Flags().Lookup("json"))

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(recoverCmd)
}

func openSessions() (*session.Store, error) {
	store, err := session.Open(viper.GetString("state-dir"))
	if err != nil {
		return nil, errx.Wrap(ErrOpenSessions, err)
	}
	return store, nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	store, err := openSessions()
	if err != nil {
		return err
	}
	defer store.Close()

	var records []session.Record
	if len(args) == 1 {
		rec, err := store.Lookup(args[0])
		if err != nil {
			return err
		}
		records, err = store.History(rec.ID)
		if err != nil {
			return err
		}
	} else {
		records, err = store.List()
		if err != nil {
			return err
		}
	}

	if viper.GetBool("sessions.json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tPID\tPATH\tPHASE\tUPDATED\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			r.ID.String()[:8], r.Version, r.PID, r.OriginalPath, r.Phase,
			r.UpdatedAt.Local().Format(time.DateTime), r.LastError)
	}
	return w.Flush()
}

func runRecover(cmd *cobra.Command, args []string) error {
	store, err := openSessions()
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Lookup(args[0])
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{
		"session": rec.ID.String(),
		"pid":     rec.PID,
		"path":    rec.OriginalPath,
	})
	// The recorded phase can lag behind the filesystem when the inject
	// process died between a move and its bookkeeping, so the namespace is
	// always inspected when it is still reachable.
	ns, err := enterSessionNamespace(rec)
	if err != nil {
		if errors.Is(err, ErrNamespaceGone) && !rec.Phase.NeedsRecovery() {
			fmt.Printf("Session %s is %s and its namespace is gone; nothing to recover\n", rec.ID, rec.Phase)
			return nil
		}
		return err
	}
	defer ns.Close()

	repaired, err := hijack.Recover(ns, rec.OriginalPath, log)
	if err != nil {
		rec.LastError = err.Error()
		rec.Phase = hijack.PhaseRestoreFailed
		if _, aerr := store.Append(rec); aerr != nil {
			log.WithError(aerr).Warn("record failed recovery")
		}
		return err
	}
	if !repaired && !rec.Phase.NeedsRecovery() {
		fmt.Printf("Session %s is %s; nothing to recover\n", rec.ID, rec.Phase)
		return nil
	}

	rec.Phase = hijack.PhaseUnmounted
	rec.LastError = ""
	if _, err := store.Append(rec); err != nil {
		return err
	}
	log.Info("session recovered")
	fmt.Printf("Restored %s\n", rec.OriginalPath)
	return nil
}

// enterSessionNamespace joins the mount namespace the session ran in. The
// namespace is identified by its inode, so a recycled pid is refused.
func enterSessionNamespace(rec session.Record) (*nsenter.Context, error) {
	self, err := nsenter.Enter(nsenter.Options{})
	if err != nil {
		return nil, err
	}
	if rec.PID == 0 || self.MntNS == rec.MountNS {
		return self, nil
	}
	self.Close()

	ns, err := nsenter.Enter(nsenter.Options{PID: rec.PID})
	if err != nil {
		if errors.Is(err, nsenter.ErrTargetNotFound) {
			return nil, errx.With(ErrNamespaceGone, ": pid %d exited and took %s with it", rec.PID, rec.MountNS)
		}
		return nil, err
	}
	if ns.MntNS != rec.MountNS {
		ns.Close()
		return nil, errx.With(ErrNamespaceGone, ": pid %d is now in %s, session ran in %s", rec.PID, ns.MntNS, rec.MountNS)
	}
	return ns, nil
}
