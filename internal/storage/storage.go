// Package storage provides persistent storage using SQLite.
//
// The shared store holds everything verifiers exchange: graphs, public
// nonces, partial and aggregate signatures, recorded confirmations, fraud
// witnesses and L2 events. It lives in a directory every committee member
// can reach and is written append-only. The local store holds this
// verifier's secret nonces and never leaves the machine.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Database file names.
const (
	SharedDBName = "bridge.db"
	LocalDBName  = "verifier.db"
)

// Storage errors
var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicateSubmission is returned when a write-once slot already
	// holds a different value.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrConflict is returned when a record exists with different content.
	ErrConflict = errors.New("conflicting record")
)

// Storage provides persistent storage for a bridge verifier.
type Storage struct {
	db     *sql.DB
	dbPath string
	local  bool
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string

	// Local opens the verifier-private database instead of the shared one.
	Local bool
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	name := SharedDBName
	if cfg.Local {
		name = LocalDBName
	}
	dbPath := filepath.Join(dataDir, name)

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
		local:  cfg.Local,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := sharedSchema
	if s.local {
		schema = localSchema
	}
	_, err := s.db.Exec(schema)
	return err
}

const sharedSchema = `
	-- Immutable transaction graphs, stored as JSON
	CREATE TABLE IF NOT EXISTS graphs (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		network TEXT NOT NULL,
		linked_graph_id TEXT,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_graphs_role ON graphs(role);
	CREATE INDEX IF NOT EXISTS idx_graphs_linked ON graphs(linked_graph_id);

	-- =========================================================================
	-- Signing (append-only; a slot is written at most once per round)
	-- =========================================================================

	-- Current nonce round per input. Restarting an input bumps the round.
	CREATE TABLE IF NOT EXISTS signing_rounds (
		graph_id TEXT NOT NULL,
		input_ref TEXT NOT NULL,              -- "tx_name:index"
		round INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (graph_id, input_ref)
	);

	CREATE TABLE IF NOT EXISTS nonces (
		graph_id TEXT NOT NULL,
		input_ref TEXT NOT NULL,
		round INTEGER NOT NULL,
		verifier INTEGER NOT NULL,            -- committee index
		nonce BLOB NOT NULL,                  -- 66-byte public nonce
		created_at INTEGER NOT NULL,
		PRIMARY KEY (graph_id, input_ref, round, verifier)
	);

	CREATE TABLE IF NOT EXISTS partial_sigs (
		graph_id TEXT NOT NULL,
		input_ref TEXT NOT NULL,
		round INTEGER NOT NULL,
		verifier INTEGER NOT NULL,
		sig BLOB NOT NULL,                    -- 32-byte partial signature
		created_at INTEGER NOT NULL,
		PRIMARY KEY (graph_id, input_ref, round, verifier)
	);

	CREATE TABLE IF NOT EXISTS aggregate_sigs (
		graph_id TEXT NOT NULL,
		input_ref TEXT NOT NULL,
		round INTEGER NOT NULL,
		sig BLOB NOT NULL,                    -- 64-byte BIP-340 signature
		created_at INTEGER NOT NULL,
		PRIMARY KEY (graph_id, input_ref)
	);

	-- =========================================================================
	-- Chain state and dispute inputs
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS confirmations (
		graph_id TEXT NOT NULL,
		tx_name TEXT NOT NULL,
		txid TEXT NOT NULL,
		block_height INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (graph_id, tx_name)
	);

	CREATE TABLE IF NOT EXISTS fraud_witnesses (
		graph_id TEXT PRIMARY KEY,
		preimage BLOB NOT NULL,
		proof BLOB,
		assertion BLOB,
		submitted_at INTEGER NOT NULL
	);

	-- Operator assertions, signed by the graph's operator key
	CREATE TABLE IF NOT EXISTS assertions (
		graph_id TEXT PRIMARY KEY,
		assertion BLOB NOT NULL,              -- two halves + final commitment
		proof BLOB NOT NULL,
		signature BLOB NOT NULL,              -- BIP-340 by the operator
		submitted_at INTEGER NOT NULL
	);

	-- Mock L2 peg-out events
	CREATE TABLE IF NOT EXISTS l2_events (
		id TEXT PRIMARY KEY,
		peg_in_graph_id TEXT NOT NULL,
		withdrawer TEXT NOT NULL,
		amount INTEGER NOT NULL,
		peg_out_graph_id TEXT,                -- set once a peg-out graph is built
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_l2_events_pending ON l2_events(peg_out_graph_id);
`

const localSchema = `
	-- Secret MuSig2 nonces. A row is deleted as soon as it signs.
	CREATE TABLE IF NOT EXISTS secret_nonces (
		graph_id TEXT NOT NULL,
		input_ref TEXT NOT NULL,
		round INTEGER NOT NULL,
		sec_nonce BLOB NOT NULL,              -- 97-byte secret nonce
		pub_nonce BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (graph_id, input_ref, round)
	);
`

// isUniqueConstraintError checks if an error is a SQLite unique or primary
// key constraint violation.
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
