package storage

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"
)

// FraudWitnessRecord is a fraud witness submitted against a peg-out graph.
type FraudWitnessRecord struct {
	GraphID     string
	Preimage    []byte
	Proof       []byte
	Assertion   []byte
	SubmittedAt time.Time
}

// SaveFraudWitness stores the witness for a graph. Only one witness is kept
// per graph; resubmitting the same preimage is a no-op.
func (s *Storage) SaveFraudWitness(w *FraudWitnessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	submittedAt := w.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO fraud_witnesses (graph_id, preimage, proof, assertion, submitted_at)
		VALUES (?, ?, ?, ?, ?)
	`, w.GraphID, w.Preimage, w.Proof, w.Assertion, submittedAt.Unix())
	if err == nil {
		return nil
	}
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to save fraud witness: %w", err)
	}

	var existing []byte
	if err := s.db.QueryRow("SELECT preimage FROM fraud_witnesses WHERE graph_id = ?", w.GraphID).Scan(&existing); err != nil {
		return fmt.Errorf("failed to read fraud witness: %w", err)
	}
	if !bytes.Equal(existing, w.Preimage) {
		return fmt.Errorf("%w: graph %s already has a fraud witness", ErrDuplicateSubmission, w.GraphID)
	}
	return nil
}

// GetFraudWitness returns the witness stored for a graph.
func (s *Storage) GetFraudWitness(graphID string) (*FraudWitnessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w := FraudWitnessRecord{GraphID: graphID}
	var submittedAt int64
	err := s.db.QueryRow(`
		SELECT preimage, proof, assertion, submitted_at FROM fraud_witnesses WHERE graph_id = ?
	`, graphID).Scan(&w.Preimage, &w.Proof, &w.Assertion, &submittedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: fraud witness for %s", ErrNotFound, graphID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fraud witness: %w", err)
	}
	w.SubmittedAt = time.Unix(submittedAt, 0)
	return &w, nil
}
