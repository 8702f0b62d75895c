// Package storedb opens the SQLite database that records hijack sessions
// and applies schema migrations to it.
package storedb

import (
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	sqlite "modernc.org/sqlite"

	"github.com/jingkaihe/chaosfs/internal/errx"
)

// FileName is the database file inside the state directory.
const FileName = "state.db"

type Migration struct {
	Version int
	Name    string
	SQL     string
}

type Options struct {
	Path string
	// Schema namespaces migration versions so that several packages can share
	// one database file.
	Schema     string
	Migrations []Migration
}

// Open opens the database at opts.Path, creating its directory, and brings
// the schema up to date. Concurrent openers serialize on a lock file so that
// migrations run exactly once.
func Open(opts Options) (*sql.DB, error) {
	if opts.Path == "" {
		return nil, ErrPathRequired
	}
	if opts.Schema == "" {
		return nil, ErrSchemaRequired
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, errx.Wrap(ErrOpen, err)
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, errx.Wrap(ErrOpen, err)
	}
	// One writer per process; cross-process contention is left to
	// busy_timeout and RetryBusy.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	err = withLock(opts.Path+".lock", func() error {
		if err := setPragmas(db); err != nil {
			return err
		}
		m := &migrator{db: db, path: opts.Path, schema: opts.Schema}
		return m.run(opts.Migrations)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func setPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = FULL",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return errx.With(ErrPragma, ": %s: %w", pragma, err)
		}
	}
	return nil
}

type migrator struct {
	db     *sql.DB
	path   string
	schema string
}

func (m *migrator) run(migrations []Migration) error {
	if _, err := m.db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  schema_name TEXT NOT NULL,
  version INTEGER NOT NULL,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL,
  PRIMARY KEY (schema_name, version)
)`); err != nil {
		return errx.Wrap(ErrMigrationTable, err)
	}

	migrations = slices.Clone(migrations)
	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return errx.With(ErrDuplicateMigration, ": %s/%d", m.schema, migrations[i].Version)
		}
	}

	applied, err := m.applied()
	if err != nil {
		return err
	}
	var pending []Migration
	for _, mig := range migrations {
		if !applied[mig.Version] {
			pending = append(pending, mig)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	backup := m.path + ".premigrate"
	if err := m.snapshot(backup); err != nil {
		return err
	}
	for _, mig := range pending {
		if err := m.apply(mig); err != nil {
			// The connection must be gone before its files are replaced.
			_ = m.db.Close()
			return errors.Join(err, restore(m.path, backup), removeFile(backup))
		}
	}
	return removeFile(backup)
}

func (m *migrator) applied() (map[int]bool, error) {
	rows, err := m.db.Query(`SELECT version FROM schema_migrations WHERE schema_name = ?`, m.schema)
	if err != nil {
		return nil, errx.Wrap(ErrReadMigrations, err)
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, errx.Wrap(ErrReadMigrations, err)
		}
		out[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrReadMigrations, err)
	}
	return out, nil
}

func (m *migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return errx.With(ErrApplyMigration, ": %s/%d %s: %w", m.schema, mig.Version, mig.Name, err)
	}
	if _, err := tx.Exec(mig.SQL); err != nil {
		_ = tx.Rollback()
		return errx.With(ErrApplyMigration, ": %s/%d %s: %w", m.schema, mig.Version, mig.Name, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations(schema_name, version, name, applied_at) VALUES (?, ?, ?, ?)`,
		m.schema, mig.Version, mig.Name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		_ = tx.Rollback()
		return errx.With(ErrApplyMigration, ": record %s/%d: %w", m.schema, mig.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return errx.With(ErrApplyMigration, ": commit %s/%d: %w", m.schema, mig.Version, err)
	}
	return nil
}

func (m *migrator) snapshot(backup string) error {
	if err := removeFile(backup); err != nil {
		return errx.Wrap(ErrBackup, err)
	}
	quoted := strings.ReplaceAll(backup, "'", "''")
	if _, err := m.db.Exec("VACUUM INTO '" + quoted + "'"); err != nil {
		return errx.Wrap(ErrBackup, err)
	}
	return nil
}

func restore(dbPath, backup string) error {
	for _, p := range []string{dbPath + "-wal", dbPath + "-shm", dbPath} {
		if err := removeFile(p); err != nil {
			return errx.Wrap(ErrRestore, err)
		}
	}
	src, err := os.Open(backup)
	if err != nil {
		return errx.Wrap(ErrRestore, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dbPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errx.Wrap(ErrRestore, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errx.Wrap(ErrRestore, err)
	}
	if err := dst.Close(); err != nil {
		return errx.Wrap(ErrRestore, err)
	}
	return nil
}

func removeFile(p string) error {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func withLock(lockPath string, fn func() error) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return errx.Wrap(ErrLock, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return errx.Wrap(ErrLock, err)
	}
	fnErr := fn()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return errors.Join(fnErr, errx.Wrap(ErrLock, err))
	}
	return fnErr
}

const (
	busyRetries  = 8
	busyInterval = 25 * time.Millisecond
)

// RetryBusy runs fn until it succeeds, fails with something other than a
// busy or locked database, or runs out of attempts.
func RetryBusy(fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !IsBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(busyInterval), busyRetries))
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case 5, 6:
		return true
	}
	return false
}
