package storedb

import "errors"

var (
	ErrPathRequired       = errors.New("database path is required")
	ErrSchemaRequired     = errors.New("migration schema is required")
	ErrOpen               = errors.New("open database")
	ErrLock               = errors.New("database init lock")
	ErrPragma             = errors.New("configure database")
	ErrMigrationTable     = errors.New("create schema_migrations table")
	ErrReadMigrations     = errors.New("read applied migrations")
	ErrDuplicateMigration = errors.New("duplicate migration version")
	ErrBackup             = errors.New("create pre-migration backup")
	ErrApplyMigration     = errors.New("apply migration")
	ErrRestore            = errors.New("restore database from backup")
)
