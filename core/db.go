package core

import (
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// BusyTimeout is how long, in milliseconds, a connection waits for a lock before failing.
	BusyTimeout int
	// TxLock can be deferred | immediate | exclusive.
	// Write transactions must use immediate so that appends to a room queue up on the
	// database lock instead of failing when they upgrade from a read lock.
	TxLock string
	// Synchronous can be OFF | NORMAL | FULL | EXTRA.
	Synchronous string
	// MaxOpenConns is left to database/sql when zero.
	// A small pool keeps writers queueing in database/sql rather than in SQLite's busy handler.
	MaxOpenConns int
}

// DefaultSQLiteDBOption is suitable for a file database shared by concurrent writers.
var DefaultSQLiteDBOption = SQLiteDBOption{
	Mode:         "rwc",
	JournalMode:  "WAL",
	BusyTimeout:  10000,
	TxLock:       "immediate",
	Synchronous:  "NORMAL",
	MaxOpenConns: 4,
}

func (config *SQLiteDBOption) DSN(file string) string {
	q := url.Values{}
	if config != nil {
		if config.Mode != "" {
			q.Set("mode", config.Mode)
		}
		if config.JournalMode != "" {
			q.Set("_journal_mode", config.JournalMode)
		}
		if config.BusyTimeout > 0 {
			q.Set("_busy_timeout", strconv.Itoa(config.BusyTimeout))
		}
		if config.TxLock != "" {
			q.Set("_txlock", config.TxLock)
		}
		if config.Synchronous != "" {
			q.Set("_synchronous", config.Synchronous)
		}
	}
	q.Set("_foreign_keys", "on")
	return "file:" + file + "?" + q.Encode()
}

type SQLiteDB struct {
	*sql.DB
	config     *SQLiteDBOption
	file       string
	migrations fs.FS
}

// NewSQLiteDB opens the database file. The schema is not touched until Migrate is called.
func NewSQLiteDB(file string, migrations fs.FS, config *SQLiteDBOption) (*SQLiteDB, error) {
	if config == nil {
		config = &DefaultSQLiteDBOption
	}
	db := &SQLiteDB{config: config, migrations: migrations, file: file}

	d, err := sql.Open("sqlite3", config.DSN(file))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if config.MaxOpenConns > 0 {
		d.SetMaxOpenConns(config.MaxOpenConns)
	}

	db.DB = d
	return db, nil
}

func (db *SQLiteDB) Migrate() error {
	goose.SetBaseFS(db.migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose.SetDialect: %w", err)
	}

	if err := goose.Up(db.DB, "."); err != nil {
		return fmt.Errorf("goose.Up: %w", err)
	}
	return nil
}
