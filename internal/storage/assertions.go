package storage

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"
)

// AssertionRecord is the assertion an operator published for a peg-out
// graph, with the proof it claims and the operator's signature over both.
type AssertionRecord struct {
	GraphID     string
	Assertion   []byte
	Proof       []byte
	Signature   []byte
	SubmittedAt time.Time
}

// SaveAssertion stores the operator assertion for a graph. A graph has one
// assertion; saving the same one again is a no-op, saving a different one
// fails with ErrDuplicateSubmission.
func (s *Storage) SaveAssertion(a *AssertionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	submittedAt := a.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO assertions (graph_id, assertion, proof, signature, submitted_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.GraphID, a.Assertion, a.Proof, a.Signature, submittedAt.Unix())
	if err == nil {
		return nil
	}
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to save assertion: %w", err)
	}

	var assertion, proof []byte
	err = s.db.QueryRow("SELECT assertion, proof FROM assertions WHERE graph_id = ?", a.GraphID).Scan(&assertion, &proof)
	if err != nil {
		return fmt.Errorf("failed to read assertion: %w", err)
	}
	if !bytes.Equal(assertion, a.Assertion) || !bytes.Equal(proof, a.Proof) {
		return fmt.Errorf("%w: graph %s already has an assertion", ErrDuplicateSubmission, a.GraphID)
	}
	return nil
}

// GetAssertion returns the operator assertion stored for a graph.
func (s *Storage) GetAssertion(graphID string) (*AssertionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a := AssertionRecord{GraphID: graphID}
	var submittedAt int64
	err := s.db.QueryRow(`
		SELECT assertion, proof, signature, submitted_at FROM assertions WHERE graph_id = ?
	`, graphID).Scan(&a.Assertion, &a.Proof, &a.Signature, &submittedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: assertion for %s", ErrNotFound, graphID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assertion: %w", err)
	}
	a.SubmittedAt = time.Unix(submittedAt, 0)
	return &a, nil
}
