//go:build acceptance

package acceptance

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCLIVersion(t *testing.T) {
	stdout, _, exitCode := runCLI(t, "version")
	assert.Equal(t, 0, exitCode)
	assert.True(t, strings.HasPrefix(stdout, "chaosfs "), stdout)
	assert.Contains(t, stdout, "commit:")
}

func TestCLIHelpListsCommands(t *testing.T) {
	stdout, _, exitCode := runCLI(t, "--help")
	assert.Equal(t, 0, exitCode)
	for _, name := range []string{"inject", "status", "update", "unmount", "sessions", "recover"} {
		assert.Contains(t, stdout, name)
	}
}

func TestCLIUsageErrors(t *testing.T) {
	_, stderr, exitCode := runCLI(t, "inject", "--bogus")
	assert.Equal(t, 2, exitCode, stderr)

	_, stderr, exitCode = runCLI(t, "--log-format", "xml", "sessions", "--state-dir", t.TempDir())
	assert.Equal(t, 2, exitCode, stderr)
}

func TestCLIInjectRejectsBadRules(t *testing.T) {
	dir := t.TempDir()
	_, stderr, exitCode := runCLI(t, "inject", "--state-dir", dir, "--path", dir,
		"--rules", filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, 2, exitCode, stderr)
}

func TestCLIInjectMissingTarget(t *testing.T) {
	dir := t.TempDir()
	_, stderr, exitCode := runCLI(t, "inject", "--state-dir", dir, "--path", dir, "--pid", "2147483000")
	assert.Equal(t, 3, exitCode, stderr)
	assert.Contains(t, stderr, "namespace entry")
}

func TestCLIStatusWithoutInjection(t *testing.T) {
	_, _, exitCode := runCLI(t, "status", "--socket", filepath.Join(t.TempDir(), "none.sock"))
	assert.Equal(t, 1, exitCode)
}
