//go:build acceptance

package acceptance

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const startTimeout = 15 * time.Second

func chaosfsBin(t *testing.T) string {
	t.Helper()
	if bin := os.Getenv("CHAOSFS_BIN"); bin != "" {
		return bin
	}
	return "chaosfs"
}

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("requires /dev/fuse")
	}
}

func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	return runCLIWithTimeout(t, 30*time.Second, args...)
}

// runCLIWithTimeout runs the CLI with a timeout and returns stdout, stderr, exit code.
func runCLIWithTimeout(t *testing.T, timeout time.Duration, args ...string) (string, string, int) {
	t.Helper()
	bin := chaosfsBin(t)
	cmd := exec.Command(bin, args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start %s %v: %v", bin, args, err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			t.Fatalf("failed to run %s %v: %v", bin, args, err)
		}
		return stdout.String(), stderr.String(), exitCode
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		t.Fatalf("command timed out: %s %v", bin, args)
		return "", "", -1
	}
}

// injection is a resident "chaosfs inject" process.
type injection struct {
	cmd      *exec.Cmd
	stateDir string
	socket   string
	target   string
	stderr   *strings.Builder
	done     chan error
	exited   bool
}

// startInject hijacks a fresh directory holding the given files in the
// current mount namespace and waits until its control socket answers.
// {{target}} in rules is replaced by the hijacked path.
func startInject(t *testing.T, files map[string]string, rules string, extra ...string) *injection {
	t.Helper()
	base := t.TempDir()
	target := filepath.Join(base, "test")
	require.NoError(t, os.Mkdir(target, 0o755))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(target, name), []byte(body), 0o644))
	}

	stateDir := t.TempDir()
	inj := &injection{
		stateDir: stateDir,
		socket:   filepath.Join(stateDir, "ctl.sock"),
		target:   target,
		stderr:   &strings.Builder{},
		done:     make(chan error, 1),
	}
	args := []string{"inject", "--state-dir", stateDir, "--path", target, "--socket", inj.socket,
		"--attr-timeout", "0", "--entry-timeout", "0", "--direct-io"}
	if rules != "" {
		rulesPath := filepath.Join(base, "rules.yaml")
		rules = strings.ReplaceAll(rules, "{{target}}", target)
		require.NoError(t, os.WriteFile(rulesPath, []byte(rules), 0o600))
		args = append(args, "--rules", rulesPath)
	}
	args = append(args, extra...)

	inj.cmd = exec.Command(chaosfsBin(t), args...)
	inj.cmd.Stderr = inj.stderr
	require.NoError(t, inj.cmd.Start())
	go func() { inj.done <- inj.cmd.Wait() }()
	t.Cleanup(func() {
		if !inj.exited {
			_ = inj.cmd.Process.Kill()
			<-inj.done
			runCLI(t, "recover", "--state-dir", stateDir, inj.sessionID(t))
		}
	})

	deadline := time.Now().Add(startTimeout)
	for time.Now().Before(deadline) {
		if _, _, code := runCLI(t, "status", "--socket", inj.socket); code == 0 {
			return inj
		}
		select {
		case err := <-inj.done:
			inj.exited = true
			t.Fatalf("inject exited early: %v\n%s", err, inj.stderr.String())
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatalf("inject did not come up\n%s", inj.stderr.String())
	return nil
}

// wait returns the exit code of the inject process.
func (i *injection) wait(t *testing.T) int {
	t.Helper()
	select {
	case err := <-i.done:
		i.exited = true
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		require.NoError(t, err)
		return 0
	case <-time.After(startTimeout):
		t.Fatalf("inject did not exit\n%s", i.stderr.String())
		return -1
	}
}

func (i *injection) sessionID(t *testing.T) string {
	t.Helper()
	stdout, _, code := runCLI(t, "sessions", "--state-dir", i.stateDir, "--json")
	require.Equal(t, 0, code)
	var records []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &records))
	require.Len(t, records, 1)
	return records[0].ID
}
