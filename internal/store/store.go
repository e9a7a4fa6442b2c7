// Package store is pail's persistence layer: schema migrations, the
// config-to-database reconciliation step, content-item and article
// tables, a settings key/value store, and the SQLite-backed
// implementation of chatclient.SessionStore (spec §4.7, §4.8).
//
// It is built on database/sql against github.com/ncruces/go-sqlite3, a
// pure-Go WAL-capable driver — chosen over mattn/go-sqlite3 so the
// daemon stays a single static binary with no cgo toolchain
// requirement at build time (see DESIGN.md).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kvlt/pail/internal/logger"
	"go.uber.org/zap"
)

// Store wraps the database handle plus the in-memory session mirror.
type Store struct {
	db   *sql.DB
	path string

	sessions *sessionMirror
}

// Open opens (creating if absent) the sqlite database at path, enables
// WAL mode and foreign keys, and runs pending migrations. maxConns
// sizes the connection pool (spec §5: "DB pool (5 connections, WAL,
// busy_timeout)"); WAL mode is what lets multiple readers share the
// pool alongside the single writer, so this is a real pool size, not a
// single shared connection.
func Open(ctx context.Context, path string, maxConns int) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if maxConns <= 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)

	s := &Store{db: db, path: path, sessions: newSessionMirror()}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	if err := s.loadSessionMirror(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("load session mirror: %w", err)
	}

	logger.Info("database ready", zap.String("path", path))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}
