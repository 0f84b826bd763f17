// Package sqlite opens file-backed SQLite databases for the conversation stores.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type Config struct {
	Path string `split_words:"true" default:"chatbot.db"`
	// BusyTimeout is in milliseconds.
	BusyTimeout int `split_words:"true" default:"3000"`
}

// Open opens (and creates) the database file with WAL journaling and a single
// connection, so every write on the handle is serialised.
func (c *Config) Open() (*sql.DB, error) {
	p := filepath.Clean(strings.TrimSpace(c.Path))
	if p == "" || p == "." {
		return nil, errors.New("missing sqlite path")
	}
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma journal_mode: %w", err)
	}
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = 3000
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA busy_timeout=%d;`, busy)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return db, nil
}
