package storage

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"
)

// Signing slots are keyed by (graph, input, round, verifier). Every slot is
// written once; a repeated identical write is accepted and anything else is
// ErrDuplicateSubmission.

// GetRound returns the current nonce round of an input. Inputs that were
// never restarted are in round 0.
func (s *Storage) GetRound(graphID, inputRef string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRound(graphID, inputRef)
}

func (s *Storage) getRound(graphID, inputRef string) (int, error) {
	var round int
	err := s.db.QueryRow(
		"SELECT round FROM signing_rounds WHERE graph_id = ? AND input_ref = ?", graphID, inputRef,
	).Scan(&round)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get round: %w", err)
	}
	return round, nil
}

// BumpRound opens a new nonce round for an input and returns it. It fails
// with ErrConflict once the input has an aggregate signature.
func (s *Storage) BumpRound(graphID, inputRef string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM aggregate_sigs WHERE graph_id = ? AND input_ref = ?", graphID, inputRef,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to check aggregate: %w", err)
	}
	if n > 0 {
		return 0, fmt.Errorf("%w: %s %s is already signed", ErrConflict, graphID, inputRef)
	}

	_, err = tx.Exec(`
		INSERT INTO signing_rounds (graph_id, input_ref, round, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (graph_id, input_ref) DO UPDATE SET
			round = round + 1,
			updated_at = excluded.updated_at
	`, graphID, inputRef, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to bump round: %w", err)
	}

	var round int
	if err := tx.QueryRow(
		"SELECT round FROM signing_rounds WHERE graph_id = ? AND input_ref = ?", graphID, inputRef,
	).Scan(&round); err != nil {
		return 0, fmt.Errorf("failed to read round: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit round: %w", err)
	}
	return round, nil
}

// PutNonce stores a verifier's public nonce for an input round.
func (s *Storage) PutNonce(graphID, inputRef string, round, verifier int, nonce []byte) error {
	return s.putSlot("nonces", "nonce", graphID, inputRef, round, verifier, nonce)
}

// Nonces returns the public nonces of a round keyed by committee index.
func (s *Storage) Nonces(graphID, inputRef string, round int) (map[int][]byte, error) {
	return s.slots("nonces", "nonce", graphID, inputRef, round)
}

// PutPartialSig stores a verifier's partial signature for an input round.
func (s *Storage) PutPartialSig(graphID, inputRef string, round, verifier int, sig []byte) error {
	return s.putSlot("partial_sigs", "sig", graphID, inputRef, round, verifier, sig)
}

// PartialSigs returns the partial signatures of a round keyed by committee
// index.
func (s *Storage) PartialSigs(graphID, inputRef string, round int) (map[int][]byte, error) {
	return s.slots("partial_sigs", "sig", graphID, inputRef, round)
}

// table and column are package constants, never user input.
func (s *Storage) putSlot(table, column, graphID, inputRef string, round, verifier int, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (graph_id, input_ref, round, verifier, %s, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, table, column), graphID, inputRef, round, verifier, value, time.Now().Unix())
	if err == nil {
		return nil
	}
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to store %s: %w", column, err)
	}

	var existing []byte
	if err := s.db.QueryRow(fmt.Sprintf(
		"SELECT %s FROM %s WHERE graph_id = ? AND input_ref = ? AND round = ? AND verifier = ?", column, table,
	), graphID, inputRef, round, verifier).Scan(&existing); err != nil {
		return fmt.Errorf("failed to read %s: %w", column, err)
	}
	if !bytes.Equal(existing, value) {
		return fmt.Errorf("%w: verifier %d already submitted a different %s for %s",
			ErrDuplicateSubmission, verifier, column, inputRef)
	}
	return nil
}

func (s *Storage) slots(table, column, graphID, inputRef string, round int) (map[int][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(fmt.Sprintf(
		"SELECT verifier, %s FROM %s WHERE graph_id = ? AND input_ref = ? AND round = ?", column, table,
	), graphID, inputRef, round)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[int][]byte)
	for rows.Next() {
		var verifier int
		var value []byte
		if err := rows.Scan(&verifier, &value); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", column, err)
		}
		out[verifier] = value
	}
	return out, rows.Err()
}

// PutAggregateSig stores the final signature of an input.
func (s *Storage) PutAggregateSig(graphID, inputRef string, round int, sig []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO aggregate_sigs (graph_id, input_ref, round, sig, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, graphID, inputRef, round, sig, time.Now().Unix())
	if err == nil {
		return nil
	}
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to store aggregate signature: %w", err)
	}

	var existing []byte
	if err := s.db.QueryRow(
		"SELECT sig FROM aggregate_sigs WHERE graph_id = ? AND input_ref = ?", graphID, inputRef,
	).Scan(&existing); err != nil {
		return fmt.Errorf("failed to read aggregate signature: %w", err)
	}
	if !bytes.Equal(existing, sig) {
		return fmt.Errorf("%w: %s %s already has an aggregate signature", ErrDuplicateSubmission, graphID, inputRef)
	}
	return nil
}

// AggregateSig returns the final signature of an input.
func (s *Storage) AggregateSig(graphID, inputRef string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sig []byte
	err := s.db.QueryRow(
		"SELECT sig FROM aggregate_sigs WHERE graph_id = ? AND input_ref = ?", graphID, inputRef,
	).Scan(&sig)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: aggregate signature for %s %s", ErrNotFound, graphID, inputRef)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate signature: %w", err)
	}
	return sig, nil
}
