package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SecretNonce is this verifier's secret nonce for one input round. It lives
// only in the local store.
type SecretNonce struct {
	GraphID  string
	InputRef string
	Round    int
	SecNonce []byte
	PubNonce []byte
}

// SaveSecretNonce stores a secret nonce. A nonce already stored for the same
// round is kept and returned instead, so a verifier that crashed after
// publishing never generates a second nonce for that round.
func (s *Storage) SaveSecretNonce(n *SecretNonce) (*SecretNonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO secret_nonces (graph_id, input_ref, round, sec_nonce, pub_nonce, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.GraphID, n.InputRef, n.Round, n.SecNonce, n.PubNonce, time.Now().Unix())
	if err == nil {
		return n, nil
	}
	if !isUniqueConstraintError(err) {
		return nil, fmt.Errorf("failed to save secret nonce: %w", err)
	}
	return s.getSecretNonce(n.GraphID, n.InputRef, n.Round)
}

// GetSecretNonce returns the secret nonce of an input round.
func (s *Storage) GetSecretNonce(graphID, inputRef string, round int) (*SecretNonce, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSecretNonce(graphID, inputRef, round)
}

func (s *Storage) getSecretNonce(graphID, inputRef string, round int) (*SecretNonce, error) {
	n := SecretNonce{GraphID: graphID, InputRef: inputRef, Round: round}
	err := s.db.QueryRow(`
		SELECT sec_nonce, pub_nonce FROM secret_nonces
		WHERE graph_id = ? AND input_ref = ? AND round = ?
	`, graphID, inputRef, round).Scan(&n.SecNonce, &n.PubNonce)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: secret nonce for %s %s round %d", ErrNotFound, graphID, inputRef, round)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret nonce: %w", err)
	}
	return &n, nil
}

// DeleteSecretNonce removes a secret nonce after it has been used.
func (s *Storage) DeleteSecretNonce(graphID, inputRef string, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"DELETE FROM secret_nonces WHERE graph_id = ? AND input_ref = ? AND round = ?",
		graphID, inputRef, round,
	)
	if err != nil {
		return fmt.Errorf("failed to delete secret nonce: %w", err)
	}
	return nil
}
