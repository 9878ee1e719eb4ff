package datastore

import (
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/birdnet-pipeline/internal/errors"
	"github.com/tphakala/birdnet-pipeline/internal/logger"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Interface for SQLite
type SQLiteStore struct {
	DataStore
	Path  string
	Debug bool
}

// NewSQLiteStore returns an unopened SQLite store.
func NewSQLiteStore(path string, debug bool) *SQLiteStore {
	return &SQLiteStore{
		DataStore: DataStore{Logger: GetLogger()},
		Path:      path,
		Debug:     debug,
	}
}

// Open sets up the SQLite database connection
func (store *SQLiteStore) Open() error {
	dsn := store.Path
	if dsn != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(store.Path), 0o755); err != nil {
			return errors.New(err).
				Component("datastore").
				Category(errors.CategoryFileIO).
				Context("operation", "create_db_dir").
				Context("path", store.Path).
				Build()
		}
		dsn = store.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(store.Logger))
	if err != nil {
		store.Logger.Error("failed to open SQLite database",
			logger.String("path", store.Path),
			logger.Error(err))
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "open").
			Context("db_type", "sqlite").
			Build()
	}

	// SQLite has a single writer, and a shared in-memory database needs one connection.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	store.DB = db
	if err := performAutoMigration(db, store.Logger, "sqlite"); err != nil {
		return err
	}
	if store.Debug {
		store.Logger.Info("SQLite database initialized", logger.String("path", store.Path))
	}
	return nil
}

// Close closes the SQLite database
func (store *SQLiteStore) Close() error {
	return store.closeDB()
}
