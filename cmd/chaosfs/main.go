package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

const defaultStateDir = "/var/lib/chaosfs"

var rootCmd = &cobra.Command{
	Use:   "chaosfs",
	Short: "Inject filesystem faults into a running process",
	Long: `chaosfs hijacks a directory inside a process's mount namespace and
serves it through a FUSE proxy that delays, fails, corrupts or misreports
filesystem operations according to a set of rules.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "auto", "Log format (auto, text, json)")
	rootCmd.PersistentFlags().String("state-dir", defaultStateDir, "Directory holding the session database")

	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("state-dir", rootCmd.PersistentFlags().Lookup("state-dir"))

	viper.SetEnvPrefix("CHAOSFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errx.Wrap(ErrUsage, err)
	})
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return errx.Wrap(ErrUsage, err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	switch format := viper.GetString("log-format"); format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "auto":
		if term.IsTerminal(int(os.Stderr.Fd())) {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			logrus.SetFormatter(&logrus.JSONFormatter{})
		}
	default:
		return errx.With(ErrUsage, ": unknown log format %q", format)
	}
	return nil
}

func main() {
	err := rootCmd.Execute()
	code := exitCodeFor(err)
	var exitErr *exitCodeError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}
