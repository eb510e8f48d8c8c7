package db

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/fx"

	"github.com/btrman/btrman/pkg/config"
)

var Module = fx.Module("db",
	fx.Provide(New),
)

// DB holds the sqlite handle backing mutation history.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// New opens the configured history database and ties its lifetime to the
// application lifecycle.
func New(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*DB, error) {
	db, err := Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	db.logger.Info("history database ready", "path", cfg.DBPath)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			db.logger.Info("closing history database")
			return db.Close()
		},
	})

	return db, nil
}

// Open opens a database at an explicit path without fx wiring. Used by
// one-shot CLI commands and tests.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		conn:   conn,
		logger: logger.With("component", "db"),
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}
