package session

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/chaosfs/pkg/hijack"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func begin(t *testing.T, s *Store, path string) *Session {
	t.Helper()
	sess, err := s.Begin(Record{
		PID:          1234,
		MountNS:      "mnt:[4026531840]",
		OriginalPath: path,
		ShadowPath:   hijack.ShadowPath(path),
		Socket:       "/run/chaosfs/1234.sock",
	}, nil)
	require.NoError(t, err)
	return sess
}

func TestObserverAppendsEveryPhase(t *testing.T) {
	s, _ := openStore(t)
	sess := begin(t, s, "/mnt/test")
	assert.Equal(t, 1, sess.Record().Version)
	assert.Equal(t, hijack.PhaseUnmounted, sess.Record().Phase)

	observe := sess.Observer(func(r *Record) { r.MountPoint = true })
	observe(hijack.PhaseMovingOriginal, nil)
	observe(hijack.PhaseOriginalMoved, nil)
	observe(hijack.PhaseSyntheticMounted, nil)
	observe(hijack.PhaseUnmounting, nil)
	observe(hijack.PhaseRestoreFailed, errors.New("device or resource busy"))

	history, err := s.History(sess.ID())
	require.NoError(t, err)
	var phases []hijack.Phase
	require.Len(t, history, 6)
	for i, rec := range history {
		assert.Equal(t, i+1, rec.Version)
		assert.Equal(t, "/mnt/test", rec.OriginalPath)
		phases = append(phases, rec.Phase)
	}
	assert.Equal(t, []hijack.Phase{
		hijack.PhaseUnmounted,
		hijack.PhaseMovingOriginal,
		hijack.PhaseOriginalMoved,
		hijack.PhaseSyntheticMounted,
		hijack.PhaseUnmounting,
		hijack.PhaseRestoreFailed,
	}, phases)

	latest, err := s.Get(sess.ID())
	require.NoError(t, err)
	if diff := cmp.Diff(sess.Record(), latest, cmpopts.EquateApproxTime(0)); diff != "" {
		t.Fatalf("latest record mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, latest.MountPoint)
	assert.Equal(t, "device or resource busy", latest.LastError)
	assert.True(t, latest.Phase.NeedsRecovery())
}

func TestListReturnsLatestPerSession(t *testing.T) {
	s, dir := openStore(t)
	first := begin(t, s, "/data/a")
	second := begin(t, s, "/data/b")
	first.Observer(nil)(hijack.PhaseOriginalMoved, nil)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	byID := map[uuid.UUID]Record{list[0].ID: list[0], list[1].ID: list[1]}
	assert.Equal(t, hijack.PhaseOriginalMoved, byID[first.ID()].Phase)
	assert.Equal(t, hijack.PhaseUnmounted, byID[second.ID()].Phase)
	assert.Equal(t, first.ID(), list[0].ID, "most recently updated first")

	// A second process sees the same rows.
	other, err := Open(dir)
	require.NoError(t, err)
	defer other.Close()
	list, err = other.List()
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAppendAfterRecovery(t *testing.T) {
	s, _ := openStore(t)
	sess := begin(t, s, "/data")
	sess.Observer(nil)(hijack.PhaseOriginalMoved, nil)

	rec, err := s.Get(sess.ID())
	require.NoError(t, err)
	rec.Phase = hijack.PhaseUnmounted
	rec.LastError = ""
	got, err := s.Append(rec)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
}

func TestLookupByPrefix(t *testing.T) {
	s, _ := openStore(t)
	sess := begin(t, s, "/data")
	id := sess.ID().String()

	rec, err := s.Lookup(id[:8])
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), rec.ID)

	rec, err = s.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), rec.ID)

	_, err = s.Lookup("zzzz")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Lookup("")
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = s.Get(uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}
