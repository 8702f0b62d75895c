package storedb

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sqlite "modernc.org/sqlite"
)

var widgets = Migration{
	Version: 1,
	Name:    "create_widgets",
	SQL:     `CREATE TABLE IF NOT EXISTS widgets (id TEXT PRIMARY KEY)`,
}

func appliedCount(t *testing.T, path string, migrations ...Migration) int {
	t.Helper()
	db, err := Open(Options{Path: path, Schema: "test", Migrations: migrations})
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE schema_name = ?`, "test").Scan(&n))
	return n
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	assert.Equal(t, 1, appliedCount(t, path, widgets))
	assert.Equal(t, 1, appliedCount(t, path, widgets))
	assert.NoFileExists(t, path+".premigrate")
}

func TestOpenValidatesOptions(t *testing.T) {
	_, err := Open(Options{Schema: "test"})
	require.ErrorIs(t, err, ErrPathRequired)
	_, err = Open(Options{Path: filepath.Join(t.TempDir(), FileName)})
	require.ErrorIs(t, err, ErrSchemaRequired)
}

func TestOpenRejectsDuplicateVersions(t *testing.T) {
	_, err := Open(Options{
		Path:       filepath.Join(t.TempDir(), FileName),
		Schema:     "test",
		Migrations: []Migration{widgets, widgets},
	})
	require.ErrorIs(t, err, ErrDuplicateMigration)
}

func TestFailedMigrationRestoresBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.Equal(t, 1, appliedCount(t, path, widgets))

	_, err := Open(Options{
		Path:   path,
		Schema: "test",
		Migrations: []Migration{widgets, {
			Version: 2,
			Name:    "broken",
			SQL:     `NOT SQL AT ALL`,
		}},
	})
	require.ErrorIs(t, err, ErrApplyMigration)
	assert.NoFileExists(t, path+".premigrate")

	assert.Equal(t, 1, appliedCount(t, path, widgets))
}

func TestConcurrentOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			db, err := Open(Options{Path: path, Schema: "test", Migrations: []Migration{widgets}})
			if err != nil {
				errs <- err
				return
			}
			_ = db.Close()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestRetryBusyStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := RetryBusy(func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	calls = 0
	require.NoError(t, RetryBusy(func() error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(errors.New("database is locked")))
	assert.False(t, IsBusy(&sqlite.Error{}))
}
