package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			dialect TEXT NOT NULL,
			host_container_id TEXT NOT NULL,
			db_name TEXT NOT NULL,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			forked_from TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			read_only INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS backups (
			backup_id TEXT PRIMARY KEY,
			db_id TEXT NOT NULL,
			dialect TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			size_bytes INTEGER NOT NULL,
			storage_key TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_expires ON instances(expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_instances_state ON instances(state);`,
		`CREATE INDEX IF NOT EXISTS idx_backups_db_id ON backups(db_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}
