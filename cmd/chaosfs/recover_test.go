package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/chaosfs/pkg/hijack"
	"github.com/jingkaihe/chaosfs/pkg/session"
)

func useStateDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev := viper.Get("state-dir")
	viper.Set("state-dir", dir)
	t.Cleanup(func() { viper.Set("state-dir", prev) })
	return dir
}

// crashedSession records a session for path in the current namespace whose
// last recorded phase is phase, then leaves the directory moved aside the
// way a crash right after the move does.
func crashedSession(t *testing.T, stateDir string, phase hijack.Phase) (session.Record, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(path, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(path, "keep"), []byte("original"), 0o644))

	store, err := session.Open(stateDir)
	require.NoError(t, err)
	defer store.Close()
	sess, err := store.Begin(session.Record{
		OriginalPath: path,
		ShadowPath:   hijack.ShadowPath(path),
	}, nil)
	require.NoError(t, err)
	if phase != hijack.PhaseUnmounted {
		sess.Observer(nil)(phase, nil)
	}

	require.NoError(t, os.Rename(path, hijack.ShadowPath(path)))
	require.NoError(t, os.Mkdir(path, 0o750))
	return sess.Record(), path
}

func TestRecoverIgnoresStalePhase(t *testing.T) {
	for _, phase := range []hijack.Phase{hijack.PhaseUnmounted, hijack.PhaseMovingOriginal} {
		t.Run(string(phase), func(t *testing.T) {
			stateDir := useStateDir(t)
			rec, path := crashedSession(t, stateDir, phase)

			require.NoError(t, runRecover(recoverCmd, []string{rec.ID.String()[:8]}))

			got, err := os.ReadFile(filepath.Join(path, "keep"))
			require.NoError(t, err)
			assert.Equal(t, "original", string(got))
			_, err = os.Stat(hijack.ShadowPath(path))
			assert.True(t, os.IsNotExist(err))

			store, err := session.Open(stateDir)
			require.NoError(t, err)
			defer store.Close()
			latest, err := store.Get(rec.ID)
			require.NoError(t, err)
			assert.Equal(t, hijack.PhaseUnmounted, latest.Phase)
			assert.Equal(t, rec.Version+1, latest.Version)
		})
	}
}

func TestRecoverLeavesCleanSessionAlone(t *testing.T) {
	stateDir := useStateDir(t)
	path := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(path, 0o750))

	store, err := session.Open(stateDir)
	require.NoError(t, err)
	sess, err := store.Begin(session.Record{OriginalPath: path, ShadowPath: hijack.ShadowPath(path)}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	require.NoError(t, runRecover(recoverCmd, []string{sess.ID().String()}))

	store, err = session.Open(stateDir)
	require.NoError(t, err)
	defer store.Close()
	history, err := store.History(sess.ID())
	require.NoError(t, err)
	assert.Len(t, history, 1, "nothing is appended when nothing was repaired")
}
