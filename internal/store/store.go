// Package store persists simulations, transcripts, credit accounts and
// document chunks in a single SQLite database. All access goes through
// one connection; WAL mode keeps readers off the writer's back.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db        *sql.DB
	path      string
	dims      int
	vectorExt bool
	log       *zap.Logger
}

// New opens (creating if needed) the database at path. dims is the
// embedding dimensionality used for the vector index.
func New(path string, dims int, log *zap.Logger) (*Store, error) {
	if dims <= 0 {
		dims = 1536
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("setting sqlite busy_timeout failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("setting sqlite journal_mode=WAL failed", zap.Error(err))
	}
	// NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("setting sqlite synchronous=NORMAL failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		log.Debug("setting sqlite foreign_keys=ON failed", zap.Error(err))
	}

	s := &Store{db: db, path: path, dims: dims, log: log}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	s.detectVecExtension()
	if s.vectorExt {
		if err := s.initVectorIndex(); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing vector index: %w", err)
		}
		log.Info("sqlite-vec extension detected, ANN search enabled")
	} else {
		log.Warn("sqlite-vec extension not available, falling back to exhaustive cosine scan")
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// VectorSearchEnabled reports whether the vec0 ANN index is in use.
func (s *Store) VectorSearchEnabled() bool { return s.vectorExt }

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS simulations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			study_title TEXT NOT NULL,
			study_type TEXT NOT NULL,
			mode TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			discussion_questions TEXT NOT NULL DEFAULT '[]',
			turn_based INTEGER NOT NULL DEFAULT 0,
			num_turns INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_simulations_user ON simulations(user_id)`,

		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			gender TEXT NOT NULL DEFAULT '',
			age INTEGER NOT NULL DEFAULT 0,
			occupation TEXT NOT NULL DEFAULT '',
			archetype TEXT NOT NULL DEFAULT '',
			traits TEXT NOT NULL DEFAULT '[]',
			goal TEXT NOT NULL DEFAULT '',
			attitude TEXT NOT NULL DEFAULT '',
			bio TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS simulation_personas (
			simulation_id TEXT NOT NULL REFERENCES simulations(id),
			persona_id TEXT NOT NULL REFERENCES personas(id),
			position INTEGER NOT NULL,
			PRIMARY KEY (simulation_id, persona_id)
		)`,

		`CREATE TABLE IF NOT EXISTS simulation_messages (
			id TEXT PRIMARY KEY,
			simulation_id TEXT NOT NULL REFERENCES simulations(id),
			sender_type TEXT NOT NULL CHECK (sender_type IN ('moderator', 'participant')),
			sender_id TEXT CHECK ((sender_type = 'moderator') = (sender_id IS NULL)),
			message TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			meta TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (simulation_id, turn_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_simulation ON simulation_messages(simulation_id, turn_number)`,

		`CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id TEXT PRIMARY KEY,
			balance REAL NOT NULL CHECK (balance >= 0),
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS document_chunks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id TEXT NOT NULL REFERENCES documents(id),
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding BLOB,
			UNIQUE (document_id, chunk_index)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// detectVecExtension probes for vec0 virtual table support by creating
// and dropping a throwaway table.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

func (s *Store) initVectorIndex() error {
	stmt := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(embedding float[%d] distance_metric=cosine)", s.dims)
	_, err := s.db.Exec(stmt)
	return err
}
