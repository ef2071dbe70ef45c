// Package db provides the local SQLite cache for tracker rooms and history.
//
// This package is the Local Store of the offline-first sync layer. It is the
// single source of truth for every read the client performs; the remote
// tracker service is only consulted to refresh it.
//
// Architecture:
//   - Database file: ~/.local/share/aptrack/cache.db by default
//   - WAL mode: readers never wait on a merge transaction
//   - Schema: rooms (full mirror), history_items (append with dedup)
//   - Change feeds: one per table, published after each committed merge
//
// Workflow:
//  1. The sync engine fetches rooms or history deltas from the remote
//  2. ReplaceAllRooms / InsertHistoryItems merge them in one transaction
//  3. The table's feed fires and every WatchRooms / WatchHistory subscriber
//     re-reads a fresh snapshot
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "modernc.org/sqlite"
)

const (
	// DriverNcruces is the default driver (wasm-embedded SQLite, no cgo).
	DriverNcruces = "sqlite3"
	// DriverModernc is the transpiled pure-Go SQLite driver.
	DriverModernc = "sqlite"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Options tunes Open. The zero value is valid.
type Options struct {
	// Driver selects the database/sql driver: DriverNcruces (default) or DriverModernc.
	Driver string

	// BusyTimeout bounds how long a connection waits on a locked database.
	BusyTimeout time.Duration

	// MaxOpenConns caps the connection pool (default 8).
	MaxOpenConns int

	// Logger for store activity (default: stderr with "[store] " prefix).
	Logger *log.Logger
}

// DB wraps the SQLite connection pool with the cache's merge and watch
// operations. It is safe for concurrent use by refresh goroutines and
// subscribers.
type DB struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	rooms   *table
	history *table

	closeOnce sync.Once
	closed    chan struct{}
}

// Open creates or opens the cache database at path.
//
// The parent directory is created if needed. The caller MUST call Close()
// when done; InitSchema must run before the first merge.
//
// Example:
//
//	store, err := db.Open("cache.db", db.Options{})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, opts Options) (*DB, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "file:")
	if path == "" {
		return nil, fmt.Errorf("database path is empty")
	}

	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	driver := opts.Driver
	if driver == "" {
		driver = DriverNcruces
	}
	if driver != DriverNcruces && driver != DriverModernc {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	// The path is escaped so '?', '#' and '%' stay part of the file name.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)",
		(&url.URL{Path: filepath.ToSlash(path)}).EscapedPath(), busy.Milliseconds())

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 8
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	return &DB{
		conn:    conn,
		path:    path,
		logger:  logger,
		rooms:   newTable(roomsTableSpec),
		history: newTable(historyTableSpec),
		closed:  make(chan struct{}),
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close ends all subscriptions and closes the database.
// Performs a WAL checkpoint so the file is self-contained afterwards.
func (db *DB) Close() error {
	var closeErr error
	db.closeOnce.Do(func() {
		close(db.closed)

		// Wait out in-flight merges so none is cut off mid-transaction.
		db.rooms.mu.Lock()
		db.history.mu.Lock()
		defer db.rooms.mu.Unlock()
		defer db.history.mu.Unlock()

		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
		}
		if err := db.conn.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close database: %w", err)
		}
	})
	return closeErr
}

func (db *DB) isClosed() bool {
	select {
	case <-db.closed:
		return true
	default:
		return false
	}
}

// InitSchema creates the cache tables if they don't exist.
// This is idempotent - safe to call on every start.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	if db.isClosed() {
		return ErrClosed
	}

	schema := `
	-- Full mirror of the remote room list
	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY,
		room_code TEXT NOT NULL,
		alias TEXT NOT NULL DEFAULT '',
		host TEXT,
		tracked_slot_count INTEGER NOT NULL DEFAULT 0,
		total_slot_count INTEGER NOT NULL DEFAULT 0,
		icon_name TEXT NOT NULL DEFAULT ''
	);

	-- Append-only event history; local_id is never reused (AUTOINCREMENT)
	CREATE TABLE IF NOT EXISTS history_items (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER,
		message TEXT NOT NULL,
		ts TEXT NOT NULL,
		tracker_ref TEXT,
		slot_ref INTEGER,
		icon_name TEXT,
		inserted_at TEXT NOT NULL
	);

	-- Dedup key. IFNULL keeps items without a slot from escaping the
	-- constraint, since SQLite treats NULLs as distinct in unique indexes.
	CREATE UNIQUE INDEX IF NOT EXISTS ux_history_dedup
	    ON history_items(message, ts, IFNULL(slot_ref, -1));

	CREATE INDEX IF NOT EXISTS idx_history_room_ts ON history_items(room_id, ts);
	CREATE INDEX IF NOT EXISTS idx_history_ts ON history_items(ts);
	CREATE INDEX IF NOT EXISTS idx_rooms_alias ON rooms(alias);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// nullInt converts an optional int for SQL.
func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// nullString converts an optional string for SQL.
func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func stringFromNull(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}
