package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/chaosfs/internal/errx"
	"github.com/jingkaihe/chaosfs/pkg/control"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rules, counters and open handles of a running injection",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var updateCmd = &cobra.Command{
	Use:   "update --rules FILE",
	Short: "Replace the rules of a running injection",
	Args:  cobra.NoArgs,
	RunE:  runUpdate,
}

var unmountCmd = &cobra.Command{
	Use:   "unmount",
	Short: "Stop a running injection and restore the original directory",
	Args:  cobra.NoArgs,
	RunE:  runUnmount,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, updateCmd, unmountCmd} {
		c.Flags().String("socket", "", "Control socket of the inject process")
		c.MarkFlagRequired("socket")
		viper.BindPFlag(c.Name()+".socket", c.Flags().Lookup("socket"))
		rootCmd.AddCommand(c)
	}
	statusCmd.Flags().Bool("json", false, "Print status as JSON")
	viper.BindPFlag("status.json", statusCmd.Flags().Lookup("json"))
	updateCmd.Flags().String("rules", "", "Rule file (.json, .jsonc, .yaml)")
	updateCmd.MarkFlagRequired("rules")
	viper.BindPFlag("update.rules", updateCmd.Flags().Lookup("rules"))
}

func dialControl(cmdName string) (*control.Client, error) {
	c, err := control.Dial(viper.GetString(cmdName + ".socket"))
	if err != nil {
		return nil, errx.Wrap(ErrControlSocket, err)
	}
	return c, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := dialControl("status")
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Status()
	if err != nil {
		return err
	}
	if viper.GetBool("status.json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(st)
	return nil
}

func printStatus(st *control.Status) {
	fmt.Printf("Session:      %s\n", st.SessionID)
	fmt.Printf("Target PID:   %d\n", st.PID)
	fmt.Printf("Path:         %s\n", st.Path)
	fmt.Printf("Shadow:       %s\n", st.Shadow)
	fmt.Printf("Phase:        %s\n", st.Phase)
	rules := 0
	if st.Rules != nil {
		rules = len(st.Rules.Rules)
		fmt.Printf("Seed:         %d\n", st.Rules.Seed)
	}
	fmt.Printf("Rules:        %d\n", rules)
	fmt.Printf("Open handles: %d (%d fds)\n", st.OpenHandles, st.OpenFDs)
	fmt.Printf("Violations:   %d\n", st.Violations)
	s := st.Stats
	fmt.Printf("Evaluated:    %d (matched %d)\n", s.Evaluated, s.Matched)
	fmt.Printf("Injected:     %d delays, %d errors, %d corruptions, %d overrides\n",
		s.Delays, s.Errors, s.Corrupts, s.Overrides)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	f, err := rule.LoadFile(viper.GetString("update.rules"))
	if err != nil {
		return err
	}
	// Validate locally for a usage error instead of a remote one.
	if _, err := f.Compile(); err != nil {
		return err
	}

	c, err := dialControl("update")
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Update(f)
	if err != nil {
		return err
	}
	fmt.Printf("Updated %d rules\n", len(st.Rules.Rules))
	return nil
}

func runUnmount(cmd *cobra.Command, args []string) error {
	c, err := dialControl("unmount")
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Unmount(); err != nil {
		return err
	}
	fmt.Println("Unmount requested")
	return nil
}
